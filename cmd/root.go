package cmd

import (
	"log/slog"
	"os"

	"github.com/sonhoai27/localsend/cmd/history"
	"github.com/sonhoai27/localsend/cmd/recv"
	"github.com/sonhoai27/localsend/internal/utils"
	"github.com/spf13/cobra"
)

var (
	configFile string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "localsend",
	Short: "LocalSend CLI",
	Long:  "LocalSend CLI",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		utils.SetupLogger(os.Stderr, verbose)
	},
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		slog.Error("Fail to execute", "error", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "YAML config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Debug logging")

	rootCmd.AddCommand(recv.Cmd)
	rootCmd.AddCommand(history.Cmd)
}
