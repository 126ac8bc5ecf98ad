package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/cuemby/voldrv/pkg/gc"
	"github.com/cuemby/voldrv/pkg/metadatastore"
	"github.com/cuemby/voldrv/pkg/metadatastore/bboltbackend"
	"github.com/cuemby/voldrv/pkg/scrub"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var scrubWorkCmd = &cobra.Command{
	Use:   "scrub-work NAMESPACE SNAPSHOT",
	Short: "Emit a ScrubWork descriptor for an out-of-process scrubber",
	Long: `scrub-work mounts the namespace's live Volume and asks it for the
ScrubWork covering SNAPSHOT (§4.6): the sealed TLogs between the
previous snapshot and this one, and the scratch directory the
scrubber should repack SCOs into. An out-of-process scrubber replays
this against scrub.Run; scrub-run below does the same thing in
process for a namespace small enough to repack locally.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		namespace, snapshotName := args[0], args[1]
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		v, _, meta, err := openVolume(cfg, namespace)
		if err != nil {
			return err
		}
		defer meta.Close()

		work, err := v.GetScrubbingWork(snapshotName)
		if err != nil {
			return fmt.Errorf("failed to assemble scrub work: %w", err)
		}

		dir := volumeDir(cfg, namespace)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("mkdir %s: %w", dir, err)
		}
		data, err := yaml.Marshal(work)
		if err != nil {
			return fmt.Errorf("marshal scrub work: %w", err)
		}
		path := filepath.Join(dir, "scrub_work_"+snapshotName+".yaml")
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}

		fmt.Printf("Scrub work written: %s\n", path)
		return nil
	},
}

var scrubRunCmd = &cobra.Command{
	Use:   "scrub-run NAMESPACE SNAPSHOT RESULT_NAME",
	Short: "Run the live-set/repack pipeline locally and save the Result",
	Long: `scrub-run performs the full scrub pass of §4.6 in process: it asks the
namespace's live Volume for ScrubWork covering SNAPSHOT, replays those
TLogs to compute the live CA set, repacks the live clusters into fresh
SCOs under the volume's scratch directory, and writes the resulting
scrub.Result to this namespace's scrub_results directory under
RESULT_NAME, ready for apply-scrub to adopt.`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		namespace, snapshotName, resultName := args[0], args[1], args[2]
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		v, _, meta, err := openVolume(cfg, namespace)
		if err != nil {
			return err
		}
		defer meta.Close()

		work, err := v.GetScrubbingWork(snapshotName)
		if err != nil {
			return fmt.Errorf("failed to assemble scrub work: %w", err)
		}

		result, err := scrub.Run(work, v.ReadClusterAt)
		if err != nil {
			return fmt.Errorf("failed to run scrub: %w", err)
		}

		dir := filepath.Join(volumeDir(cfg, namespace), "scrub_results")
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("mkdir %s: %w", dir, err)
		}
		data, err := yaml.Marshal(result)
		if err != nil {
			return fmt.Errorf("marshal scrub result: %w", err)
		}
		path := filepath.Join(dir, resultName+".yaml")
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}

		fmt.Printf("Scrub result written: %s\n", path)
		fmt.Printf("  relocations: %d\n", len(result.Relocations.Relocations))
		fmt.Printf("  garbage objects: %d\n", len(result.Garbage.ObjectNames))
		return nil
	},
}

var applyScrubCmd = &cobra.Command{
	Use:   "apply-scrub NAMESPACE SNAPSHOT SCRUB_RESULT_NAME",
	Short: "Apply a scrub result the out-of-process scrubber produced",
	Long: `apply-scrub mounts the namespace's live Volume, loads the Result
SCRUB_RESULT_NAME points at from this namespace's scrub_results
directory, and runs Volume.ApplyScrubbingWork: adopt the scratch SCOs
into the volume's own numbering, apply the relocation log to
MetaDataStore and SnapshotManagement, and enqueue the superseded
objects with the GarbageCollector. Idempotent: re-running it against
an already-applied result is a no-op.`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		namespace, snapshotName, resultName := args[0], args[1], args[2]

		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		v, snaps, meta, err := openVolume(cfg, namespace)
		if err != nil {
			return err
		}
		defer meta.Close()

		loader := &fileResultLoader{dir: filepath.Join(volumeDir(cfg, namespace), "scrub_results")}
		result, err := loader.LoadScrubResult(resultName)
		if err != nil {
			return fmt.Errorf("failed to load scrub result: %w", err)
		}
		if result.SnapshotName != snapshotName {
			return fmt.Errorf("scrub result %q is for snapshot %q, not %q", resultName, result.SnapshotName, snapshotName)
		}

		backends, err := openBackendFactory(cfg.BackendConnectionMgr)
		if err != nil {
			return fmt.Errorf("failed to open backend: %w", err)
		}
		collector := gc.New(backends)
		defer collector.Stop()

		if err := v.ApplyScrubbingWork(result, collector); err != nil {
			return fmt.Errorf("failed to apply scrub result: %w", err)
		}
		if err := saveSnapshotManager(cfg, namespace, snaps); err != nil {
			return err
		}

		fmt.Printf("Applied scrub result %q to namespace %q\n", resultName, namespace)
		return nil
	},
}

var rebuildMetadataCmd = &cobra.Command{
	Use:   "rebuild-metadata NAMESPACE OUTPUT_PATH",
	Short: "Replay a volume's TLogs into a fresh MetaDataStore",
	Long: `rebuild-metadata implements §4.4's Rebuild: given a volume's TLogs in
backend order, replay them into an empty MetaDataStore, recomputing
each cluster's content hash against the SCO bytes it actually points
at rather than trusting the TLog's CRC. The rebuilt store is written
to a fresh bbolt file at OUTPUT_PATH rather than overwriting the
namespace's live metadata_server.path, so an operator can verify it
before swapping it in.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		namespace, outputPath := args[0], args[1]
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		v, _, meta, err := openVolume(cfg, namespace)
		if err != nil {
			return err
		}
		defer meta.Close()

		vc := v.Config()
		outBackend, err := bboltbackend.Open(outputPath)
		if err != nil {
			return fmt.Errorf("failed to open output metadata backend: %w", err)
		}
		defer outBackend.Close()
		rebuilt := metadatastore.Open(namespace, outBackend, cfg.MetadataServer.MaxCachedPages)
		defer rebuilt.Close()

		paths := v.SealedTLogPaths()
		nsMap, err := metadatastore.Rebuild(rebuilt, vc.ClusterSize(), v.ReadClusterAt, paths, 0, namespace)
		if err != nil {
			return fmt.Errorf("failed to rebuild metadata: %w", err)
		}

		fmt.Printf("Rebuilt metadata for namespace %q from %d tlogs into %s\n", namespace, len(paths), outputPath)
		fmt.Printf("  lineage depth: %d\n", nsMap.Len())
		return nil
	},
}

// fileResultLoader implements scrub.ResultLoader by reading a
// previously-written Result YAML file, standing in for whatever
// transport the out-of-process scrubber actually used to hand the
// Result to this namespace (§4.6 leaves that transport unspecified).
type fileResultLoader struct {
	dir string
}

func (l *fileResultLoader) LoadScrubResult(name string) (scrub.Result, error) {
	path := filepath.Join(l.dir, name+".yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		return scrub.Result{}, fmt.Errorf("scrub result %q: %w", name, err)
	}
	var result scrub.Result
	if err := yaml.Unmarshal(data, &result); err != nil {
		return scrub.Result{}, fmt.Errorf("scrub result %q: parse: %w", name, err)
	}
	return result, nil
}
