package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	hubURL     string
	deviceName string
)

var rootCmd = &cobra.Command{
	Use:  `lanbeam`,
	Long: `lanbeam sends files between devices on the same network through a local hub`,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&hubURL, "hub", "http://localhost:8077", "hub base URL")
	rootCmd.PersistentFlags().StringVar(&deviceName, "name", "", "device name shown to peers (defaults to hostname)")
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(recvCmd)
	rootCmd.AddCommand(devicesCmd)
	rootCmd.AddCommand(transfersCmd)
}
