package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/lanbeam/lanbeam/internal/protocol"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "list reachable devices",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := http.Get(hubURL + "/api/devices")
		if err != nil {
			return fmt.Errorf("failed to reach hub: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("hub returned %s", resp.Status)
		}

		var devices []protocol.Device
		if err := json.NewDecoder(resp.Body).Decode(&devices); err != nil {
			return fmt.Errorf("failed to decode device list: %w", err)
		}
		if len(devices) == 0 {
			fmt.Println("no devices online")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tTYPE\tSTATUS\tLAST SEEN")
		for _, d := range devices {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				d.ID, d.Name, d.Type, d.Status, d.LastSeen.Format(time.RFC3339))
		}
		return w.Flush()
	},
}
