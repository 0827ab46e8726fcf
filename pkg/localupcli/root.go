// Package localupcli implements the localup command-line interface:
// relay, client, and agent subcommands built on cobra, one
// cobra.Command per file with package-level flag variables, RunE
// doing the work, and each file's init() attaching itself to rootCmd.
package localupcli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version, Commit, and BuildDate are injected during build via
	// -ldflags; printed by the version subcommand in version.go.
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"

	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "localup",
	Short: "localup exposes local services through a public relay",
	Long: `localup is a reverse-tunnel client and relay: it exposes a local TCP or
HTTP service behind NAT or a firewall through a public endpoint, without
requiring inbound port forwarding.

Run 'localup client' to connect a local service to a relay, 'localup relay'
to run the public-facing relay server, or 'localup agent' to run an
access-gated forwarder for arbitrary internal targets.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the CLI, exiting the process with a non-zero status on
// failure. Called once from cmd/localup/main.go.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
}
