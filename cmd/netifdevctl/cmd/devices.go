package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "Inspect registered device types and drive local dry-run devices",
}

var devicesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List device types declared by the descriptor directory",
	RunE:  runDevicesList,
}

var devicesDumpInfoCmd = &cobra.Command{
	Use:   "dump-info NAME",
	Short: "Create a bridge from flags and print its dump_info projection",
	Args:  cobra.ExactArgs(1),
	RunE:  runDevicesDumpInfo,
}

var devicesDumpStatsCmd = &cobra.Command{
	Use:   "dump-stats NAME",
	Short: "Create a bridge from flags and print its dump_stats projection",
	Args:  cobra.ExactArgs(1),
	RunE:  runDevicesDumpStats,
}

func init() {
	addBridgeFlags(devicesDumpInfoCmd)
	addBridgeFlags(devicesDumpStatsCmd)

	rootCmd.AddCommand(devicesCmd)
	devicesCmd.AddCommand(devicesListCmd, devicesDumpInfoCmd, devicesDumpStatsCmd)
}

func runDevicesList(cmd *cobra.Command, _ []string) error {
	a, err := newApp(descriptorDir)
	if err != nil {
		return fmt.Errorf("netifdevctl devices list: %w", err)
	}
	defer a.close()

	w := cmd.OutOrStdout()
	if len(a.descriptors) == 0 {
		fmt.Fprintln(w, "no device types declared")
		return nil
	}
	fmt.Fprintf(w, "%-20s %-30s %s\n", "TYPE", "PEER OBJECT", "BRIDGE-CAPABLE")
	for _, d := range a.descriptors {
		fmt.Fprintf(w, "%-20s %-30s %v\n", d.TypeName, d.SubscriberObjectName(), d.BridgeCapable)
	}
	return nil
}

func runDevicesDumpInfo(cmd *cobra.Command, args []string) error {
	a, b, err := createAndWaitBridge(args[0])
	if err != nil {
		return fmt.Errorf("netifdevctl devices dump-info: %w", err)
	}
	defer a.close()

	info, err := a.controller.DumpInfo(b.Name)
	if err != nil {
		return fmt.Errorf("netifdevctl devices dump-info: %w", err)
	}
	return printJSON(cmd, info)
}

func runDevicesDumpStats(cmd *cobra.Command, args []string) error {
	a, b, err := createAndWaitBridge(args[0])
	if err != nil {
		return fmt.Errorf("netifdevctl devices dump-stats: %w", err)
	}
	defer a.close()

	stats, err := a.controller.DumpStats(b.Name)
	if err != nil {
		return fmt.Errorf("netifdevctl devices dump-stats: %w", err)
	}
	return printJSON(cmd, stats)
}
