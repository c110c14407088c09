package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/lanbeam/lanbeam/internal/client/history"
	"github.com/lanbeam/lanbeam/internal/protocol"
)

var transfersLocal bool

var transfersCmd = &cobra.Command{
	Use:   "transfers",
	Short: "list this device's transfers",
	Long:  `transfers shows the hub's view of this device's transfers, or the local journal with --local`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, err := stateDir()
		if err != nil {
			return err
		}
		deviceID, err := loadDeviceID(dir)
		if err != nil {
			return err
		}

		if transfersLocal {
			journal, err := history.Open(filepath.Join(dir, "history.db"))
			if err != nil {
				return err
			}
			defer journal.Close()
			records, err := journal.List(50)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tFILE\tDIRECTION\tPEER\tSTATUS\tPROGRESS")
			for _, r := range records {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d%%\n",
					r.TransferID, r.FileName, r.Direction, r.PeerID, r.Status, r.Progress)
			}
			return w.Flush()
		}

		resp, err := http.Get(hubURL + "/api/transfers/" + deviceID)
		if err != nil {
			return fmt.Errorf("failed to reach hub: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("hub returned %s", resp.Status)
		}

		var inventory struct {
			Active  []protocol.Transfer `json:"active"`
			History []protocol.Transfer `json:"history"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&inventory); err != nil {
			return fmt.Errorf("failed to decode transfer inventory: %w", err)
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tFILE\tFROM\tTO\tSTATUS\tPROGRESS")
		for _, t := range append(inventory.Active, inventory.History...) {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d%%\n",
				t.ID, t.FileName, t.SenderID, t.ReceiverID, t.Status, t.Progress)
		}
		return w.Flush()
	},
}

func init() {
	transfersCmd.Flags().BoolVar(&transfersLocal, "local", false, "show the local journal instead of the hub inventory")
}
