// idbridged bridges an external authentication provider's identity store
// into the canonical user database and keeps a downstream content system's
// identities in step with it.
package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "idbridged",
	Short: "Identity synchronization and reconciliation daemon",
	Long: `idbridged merges externally-asserted identities into the canonical user
store, records sync failures in a redacted error ledger, reconciles drift
between the provider and the canonical store, and provisions downstream
content-system identities for roles that require one.`,
}

func main() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(sweepCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func parseLogLevel(level string) zerolog.Level {
	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.InfoLevel
	}
	return parsed
}
