package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "voldrvctl",
	Short: "voldrvctl - operator CLI for the volume driver",
	Long: `voldrvctl is the operator's interface to a voldrv install: create
volumes, manage their snapshots, run scrub work, apply scrub results,
and wait on the GarbageCollector's queue. It operates directly against
the on-disk state voldrvd's components persist, the same way etcdutl
operates against an etcd data directory without needing a running
server for most commands.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"voldrvctl version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("config", "/etc/voldrv/voldrv.yaml", "Path to the voldrv configuration file")

	rootCmd.AddCommand(volumeCmd)
	rootCmd.AddCommand(gcCmd)
}
