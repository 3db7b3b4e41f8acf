// Command zkid runs the biometric-bound zero-knowledge identity service.
package main

import (
	"fmt"
	"os"

	logging "github.com/ipfs/go-log/v2"
	"github.com/spf13/cobra"
)

var log = logging.Logger("zkid")

var rootCmd = &cobra.Command{
	Use:   "zkid",
	Short: "Biometric-bound zero-knowledge identity service",
	Long: `zkid registers identities whose secret key is derived from a face
embedding and a random salt, and authenticates them with a Schnorr proof
against the public key recorded on a ledger.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setLogLevel(logLevel)
	},
}

var (
	configPath string
	logLevel   string
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug|info|warn|error)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(keygenCmd)
	rootCmd.AddCommand(demoCmd)
}

func setLogLevel(level string) error {
	if level == "" {
		return nil
	}
	lvl, err := logging.LevelFromString(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	logging.SetAllLoggers(lvl)
	return nil
}

func main() {
	logging.SetAllLoggers(logging.LevelInfo)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
