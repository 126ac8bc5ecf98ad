package main

import (
	"fmt"

	"github.com/cuemby/voldrv/pkg/voltypes"
	"github.com/spf13/cobra"
)

var volumeCmd = &cobra.Command{
	Use:   "volume",
	Short: "Manage volumes",
}

var volumeCreateCmd = &cobra.Command{
	Use:   "create NAMESPACE",
	Short: "Create a new volume's persisted configuration",
	Long: `Create writes the volume_configuration backend object (§6) a fresh
volume needs before pkg/volume.Open can mount it: LBA size, cluster and
SCO multiplier, TLog multiplier, and the rest of voltypes.VolumeConfig.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		namespace := args[0]
		id, _ := cmd.Flags().GetString("id")
		lbaCount, _ := cmd.Flags().GetUint64("lba-count")
		clusterMult, _ := cmd.Flags().GetUint32("cluster-multiplier")
		scoMult, _ := cmd.Flags().GetUint32("sco-multiplier")
		tlogMult, _ := cmd.Flags().GetUint32("tlog-multiplier")

		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if id == "" {
			id = namespace
		}

		vc := voltypes.DefaultVolumeConfig(id, namespace)
		vc.LBACount = lbaCount
		if clusterMult > 0 {
			vc.ClusterMultiplier = clusterMult
		}
		if scoMult > 0 {
			vc.SCOMultiplier = scoMult
		}
		if tlogMult > 0 {
			vc.TLogMultiplier = tlogMult
		}

		if err := saveVolumeConfig(cfg, vc); err != nil {
			return fmt.Errorf("failed to create volume: %w", err)
		}

		fmt.Printf("Volume created: %s\n", namespace)
		fmt.Printf("  ID: %s\n", vc.ID)
		fmt.Printf("  Cluster size: %d bytes\n", vc.ClusterSize())
		fmt.Printf("  SCO size: %d bytes\n", vc.SCOSize())
		return nil
	},
}

func init() {
	volumeCreateCmd.Flags().String("id", "", "Volume ID (defaults to the namespace)")
	volumeCreateCmd.Flags().Uint64("lba-count", 0, "Number of 512-byte LBAs the volume exposes")
	volumeCreateCmd.Flags().Uint32("cluster-multiplier", 0, "LBAs per cluster (0 = voltypes default)")
	volumeCreateCmd.Flags().Uint32("sco-multiplier", 0, "Clusters per SCO (0 = voltypes default)")
	volumeCreateCmd.Flags().Uint32("tlog-multiplier", 0, "SCOs per TLog (0 = voltypes default)")

	volumeCmd.AddCommand(volumeCreateCmd)
	volumeCmd.AddCommand(snapshotCmd)
	volumeCmd.AddCommand(scrubWorkCmd)
	volumeCmd.AddCommand(scrubRunCmd)
	volumeCmd.AddCommand(applyScrubCmd)
	volumeCmd.AddCommand(rebuildMetadataCmd)
}
