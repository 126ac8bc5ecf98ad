package main

import (
	"fmt"
	"time"

	"github.com/cuemby/voldrv/pkg/gc"
	"github.com/spf13/cobra"
)

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Interact with the GarbageCollector",
}

var gcBarrierCmd = &cobra.Command{
	Use:   "barrier NAMESPACE",
	Short: "Wait on a short-lived GarbageCollector's barrier for NAMESPACE",
	Long: `barrier starts a short-lived GarbageCollector bound to the configured
backend and waits on Barrier(ns). That collector is separate from
voldrvd's resident one and has nothing queued of its own, so the
barrier only covers work queued in this process; it does not wait for
garbage queued by voldrvd or by an earlier voldrvctl invocation.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		namespace := args[0]
		timeout, _ := cmd.Flags().GetDuration("timeout")

		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		backends, err := openBackendFactory(cfg.BackendConnectionMgr)
		if err != nil {
			return fmt.Errorf("failed to open backend: %w", err)
		}
		collector := gc.New(backends)
		defer collector.Stop()

		select {
		case <-collector.Barrier(namespace):
			fmt.Printf("Namespace %q has no pending garbage\n", namespace)
			return nil
		case <-time.After(timeout):
			return fmt.Errorf("timed out after %s waiting for namespace %q's garbage queue to drain", timeout, namespace)
		}
	},
}

func init() {
	gcBarrierCmd.Flags().Duration("timeout", 30*time.Second, "How long to wait for the barrier before giving up")
	gcCmd.AddCommand(gcBarrierCmd)
}
