package cmd

import (
	"bufio"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lanbeam/lanbeam/internal/protocol"
)

var (
	downloadsDir string
	acceptAll    bool
)

var recvCmd = &cobra.Command{
	Use:   "recv",
	Short: "wait for incoming files",
	Long:  `recv registers this device on the hub and receives offered files until interrupted`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp(appOptions{
			save: saveTo(downloadsDir),
			onStateChange: func(transferID, state string) {
				if protocol.IsTerminal(state) {
					fmt.Printf("transfer %s: %s\n", transferID, state)
				}
			},
		})
		if err != nil {
			return err
		}
		defer app.close()

		stdin := bufio.NewReader(os.Stdin)
		app.session.OnUIMessage(func(msg protocol.Message) {
			if msg.Type != protocol.MsgTransferOffer {
				return
			}
			app.engine.OfferReceived(msg)
			// The prompt must not block the session read loop.
			go func(msg protocol.Message) {
				if !acceptAll {
					fmt.Printf("%s offers %s (%d bytes). accept? [y/N] ", msg.SenderID, msg.FileName, msg.FileSize)
					line, _ := stdin.ReadString('\n')
					if answer := strings.ToLower(strings.TrimSpace(line)); answer != "y" && answer != "yes" {
						app.engine.Reject(msg.TransferID)
						return
					}
				}
				if err := app.engine.Accept(msg.TransferID); err != nil {
					fmt.Printf("failed to accept %s: %v\n", msg.TransferID, err)
				}
			}(msg)
		})

		if err := app.session.Connect(); err != nil {
			return fmt.Errorf("failed to reach hub: %w", err)
		}
		fmt.Printf("listening as %s, saving to %s\n", app.deviceID, downloadsDir)

		done := make(chan os.Signal, 1)
		signal.Notify(done, syscall.SIGINT, syscall.SIGTERM)
		<-done
		fmt.Println("exiting...")
		return nil
	},
}

// saveTo writes a received file under dir, honoring the sender's relative
// path as long as it stays inside dir.
func saveTo(dir string) func(fileName, mediaType, relativePath string, data []byte) error {
	return func(fileName, mediaType, relativePath string, data []byte) error {
		rel := filepath.FromSlash(relativePath)
		if rel == "" {
			rel = fileName
		}
		if !filepath.IsLocal(rel) {
			return fmt.Errorf("refusing path %q outside the downloads dir", relativePath)
		}
		dest := filepath.Join(dir, rel)
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(dest, data, 0o644); err != nil {
			return err
		}
		fmt.Printf("saved %s\n", dest)
		return nil
	}
}

func init() {
	recvCmd.Flags().StringVar(&downloadsDir, "downloads", "downloads", "directory to save received files")
	recvCmd.Flags().BoolVarP(&acceptAll, "yes", "y", false, "accept every offer without prompting")
}
