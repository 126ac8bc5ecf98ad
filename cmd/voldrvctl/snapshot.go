package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Manage a volume's snapshots",
}

var snapshotCreateCmd = &cobra.Command{
	Use:   "create NAMESPACE NAME",
	Short: "Quiesce writes and record a new snapshot boundary",
	Long: `create runs the full quiesce/rollover/cork protocol of §4.1 against a
live Volume: seal the open SCO, seal the current TLog, record the
snapshot against that boundary, and resume writes into a fresh TLog.
No write acknowledged after this returns can appear before the
recorded boundary (§5).`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		namespace, name := args[0], args[1]
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		v, snaps, meta, err := openVolume(cfg, namespace)
		if err != nil {
			return err
		}
		defer meta.Close()

		snap, err := v.CreateSnapshot(name, nil)
		if err != nil {
			return fmt.Errorf("failed to create snapshot: %w", err)
		}
		if err := saveSnapshotManager(cfg, namespace, snaps); err != nil {
			return err
		}

		fmt.Printf("Snapshot created: %s\n", snap.Name)
		fmt.Printf("  ID: %s\n", snap.ID)
		fmt.Printf("  Cork: %s\n", snap.Cork)
		return nil
	},
}

var snapshotListCmd = &cobra.Command{
	Use:   "list NAMESPACE",
	Short: "List a volume's snapshots, oldest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		namespace := args[0]
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		v, _, meta, err := openVolume(cfg, namespace)
		if err != nil {
			return err
		}
		defer meta.Close()

		snaps := v.ListSnapshots()
		if len(snaps) == 0 {
			fmt.Println("No snapshots found")
			return nil
		}

		fmt.Printf("%-24s %-10s %s\n", "NAME", "SCRUBBED", "LAST_TLOG")
		for _, s := range snaps {
			scrubbed := "no"
			if s.HasScrubID {
				scrubbed = "yes"
			}
			fmt.Printf("%-24s %-10s %s\n", s.Name, scrubbed, s.LastTLogID)
		}
		return nil
	},
}

var snapshotRestoreCmd = &cobra.Command{
	Use:   "restore NAMESPACE NAME",
	Short: "Truncate the snapshot list back to NAME, discarding its successors",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		namespace, name := args[0], args[1]
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		v, snaps, meta, err := openVolume(cfg, namespace)
		if err != nil {
			return err
		}
		defer meta.Close()

		if err := v.RestoreSnapshot(name); err != nil {
			return fmt.Errorf("failed to restore snapshot: %w", err)
		}
		if err := saveSnapshotManager(cfg, namespace, snaps); err != nil {
			return err
		}

		fmt.Printf("Restored to snapshot: %s\n", name)
		return nil
	},
}

var snapshotDeleteCmd = &cobra.Command{
	Use:   "delete NAMESPACE NAME",
	Short: "Delete a snapshot entry",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		namespace, name := args[0], args[1]
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		v, snaps, meta, err := openVolume(cfg, namespace)
		if err != nil {
			return err
		}
		defer meta.Close()

		if err := v.DeleteSnapshot(name); err != nil {
			return fmt.Errorf("failed to delete snapshot: %w", err)
		}
		if err := saveSnapshotManager(cfg, namespace, snaps); err != nil {
			return err
		}

		fmt.Printf("Snapshot deleted: %s\n", name)
		return nil
	},
}

func init() {
	snapshotCmd.AddCommand(snapshotCreateCmd)
	snapshotCmd.AddCommand(snapshotListCmd)
	snapshotCmd.AddCommand(snapshotRestoreCmd)
	snapshotCmd.AddCommand(snapshotDeleteCmd)
}
