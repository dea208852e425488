// Package cmd implements the netifdevctl CLI commands.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	descriptorDir string
	logLevel      string
)

// Build info set from main.
var (
	buildVersion = "dev"
	buildCommit  = "none"
	buildDate    = "unknown"
)

// SetVersionInfo sets the version info from build-time ldflags.
func SetVersionInfo(version, commit, date string) {
	buildVersion = version
	buildCommit = commit
	buildDate = date
	rootCmd.Version = buildVersion
	rootCmd.SetVersionTemplate(fmt.Sprintf("netifdevctl version {{.Version}}\ncommit: %s\nbuilt: %s\n", buildCommit, buildDate))
}

var rootCmd = &cobra.Command{
	Use:   "netifdevctl",
	Short: "netifdevctl drives the proxy controller for externally-managed network devices",
	Long: "netifdevctl loads device-type descriptors, wires an in-process proxy\n" +
		"controller to the bundled reference external device handler, and\n" +
		"exposes operator-facing introspection and local dry-run commands for\n" +
		"exercising the create/reload/free/add/remove synchronisation protocol\n" +
		"without a real out-of-process handler.",
	// No Run function — prints help by default.
}

func init() {
	rootCmd.PersistentFlags().StringVar(&descriptorDir, "descriptor-dir", "/etc/netifdevctl/types.d", "directory of device-type descriptor files")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	rootCmd.Version = buildVersion
	rootCmd.SetVersionTemplate(fmt.Sprintf("netifdevctl version {{.Version}}\ncommit: %s\nbuilt: %s\n", buildCommit, buildDate))
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
