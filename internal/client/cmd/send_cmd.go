package cmd

import (
	"fmt"
	"mime"
	"os"
	"path/filepath"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/lanbeam/lanbeam/internal/client/engine"
	"github.com/lanbeam/lanbeam/internal/protocol"
)

var sendCmd = &cobra.Command{
	Use:   "send file-path receiver-id",
	Short: "send a file to another device",
	Long:  `send offers a file to a device on the hub and streams it once the receiver accepts`,
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		filePath := args[0]
		receiverID := args[1]

		data, err := os.ReadFile(filePath)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", filePath, err)
		}
		fileName := filepath.Base(filePath)

		bar := progressbar.NewOptions(100,
			progressbar.OptionSetDescription(fileName),
			progressbar.OptionSetPredictTime(false),
		)
		done := make(chan string, 1)

		app, err := newApp(appOptions{
			onStateChange: func(transferID, state string) {
				if protocol.IsTerminal(state) {
					done <- state
				}
			},
			onProgress: func(transferID string, progress int) {
				bar.Set(progress)
			},
		})
		if err != nil {
			return err
		}
		defer app.close()

		if err := app.session.Connect(); err != nil {
			return fmt.Errorf("failed to reach hub: %w", err)
		}

		transferID, err := app.engine.Send(engine.SendRequest{
			ReceiverID: receiverID,
			FileName:   fileName,
			FileType:   mime.TypeByExtension(filepath.Ext(fileName)),
			Data:       data,
		})
		if err != nil {
			return err
		}
		fmt.Printf("offered %s (%d bytes), waiting for the receiver...\n", fileName, len(data))

		state := <-done
		bar.Finish()
		fmt.Println()
		switch state {
		case engine.StateCompleted:
			fmt.Printf("transfer %s completed\n", transferID)
			return nil
		case engine.StateRejected:
			return fmt.Errorf("receiver rejected the transfer")
		default:
			return fmt.Errorf("transfer %s failed", transferID)
		}
	},
}
