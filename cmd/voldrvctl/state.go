package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/cuemby/voldrv/pkg/backend"
	"github.com/cuemby/voldrv/pkg/backend/fsbackend"
	"github.com/cuemby/voldrv/pkg/backend/s3backend"
	"github.com/cuemby/voldrv/pkg/config"
	"github.com/cuemby/voldrv/pkg/metadatastore"
	"github.com/cuemby/voldrv/pkg/metadatastore/bboltbackend"
	"github.com/cuemby/voldrv/pkg/metadatastore/buntdbbackend"
	"github.com/cuemby/voldrv/pkg/snapshot"
	"github.com/cuemby/voldrv/pkg/tlog"
	"github.com/cuemby/voldrv/pkg/volume"
	"github.com/cuemby/voldrv/pkg/voltypes"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	return config.Load(path)
}

func openMetadataBackend(cfg config.MetadataServerConfig) (metadatastore.PageBackend, error) {
	switch cfg.Backend {
	case "bbolt":
		return bboltbackend.Open(cfg.Path)
	case "buntdb":
		return buntdbbackend.Open(cfg.Path)
	default:
		return nil, fmt.Errorf("unknown metadata_server.backend %q", cfg.Backend)
	}
}

func openBackendFactory(cfg config.BackendConnectionManagerConfig) (backend.Factory, error) {
	switch cfg.Kind {
	case "fs":
		return fsbackend.NewStore(cfg.LocalPath)
	case "s3":
		var opts []func(*awsconfig.LoadOptions) error
		if cfg.S3Region != "" {
			opts = append(opts, awsconfig.WithRegion(cfg.S3Region))
		}
		return s3backend.NewStore(context.Background(), cfg.S3Bucket, opts...)
	default:
		return nil, fmt.Errorf("unknown backend_connection_manager.kind %q", cfg.Kind)
	}
}

// volumeDir is where a namespace's VolumeConfig and snapshot list are
// persisted, mirroring voltypes.VolumeConfig's own comment that it is
// the "volume_configuration" backend object (§6) — here kept local to
// the operator's data_dir rather than round-tripped through a
// BackendIface, since voldrvctl runs offline from any open Volume.
func volumeDir(cfg *config.Config, namespace string) string {
	return filepath.Join(cfg.VolumeManager.DataDir, "volumes", namespace)
}

// volumeDataDir is where a namespace's local SCOs and TLogs live,
// separate from its volume_configuration.yaml/snapshots.yaml so a
// backup of the latter two doesn't have to walk the (much larger)
// former.
func volumeDataDir(cfg *config.Config, namespace string) string {
	return filepath.Join(volumeDir(cfg, namespace), "data")
}

// openVolume mounts namespace's live *volume.Volume against its
// persisted VolumeConfig, metadata backend, and snapshot list, so CLI
// subcommands operate through the same write_lock/rwlock-ordered API
// a daemon would (§4.1, §5) rather than poking MetaDataStore/
// snapshot.Manager directly. The returned snaps is the same
// *snapshot.Manager instance v now mutates in place; callers that
// create/delete/restore a snapshot must saveSnapshotManager(cfg, ns,
// snaps) afterward to persist it. Callers must close the returned
// *metadatastore.Store when done.
func openVolume(cfg *config.Config, namespace string) (*volume.Volume, *snapshot.Manager, *metadatastore.Store, error) {
	vc, err := loadVolumeConfig(cfg, namespace)
	if err != nil {
		return nil, nil, nil, err
	}

	metaBackend, err := openMetadataBackend(cfg.MetadataServer)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to open metadata backend: %w", err)
	}
	meta := metadatastore.Open(namespace, metaBackend, cfg.MetadataServer.MaxCachedPages)

	snaps, err := loadSnapshotManager(cfg, namespace)
	if err != nil {
		meta.Close()
		return nil, nil, nil, err
	}

	v, err := volume.Open(vc, volumeDataDir(cfg, namespace), meta, snaps, cfg.BackendConnectionMgr.Kind, nil)
	if err != nil {
		meta.Close()
		return nil, nil, nil, fmt.Errorf("failed to open volume %q: %w", namespace, err)
	}

	return v, snaps, meta, nil
}

func saveVolumeConfig(cfg *config.Config, vc voltypes.VolumeConfig) error {
	dir := volumeDir(cfg, vc.Ns)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	data, err := yaml.Marshal(vc)
	if err != nil {
		return fmt.Errorf("marshal volume config: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, "volume_configuration.yaml"), data, 0o644)
}

func loadVolumeConfig(cfg *config.Config, namespace string) (voltypes.VolumeConfig, error) {
	path := filepath.Join(volumeDir(cfg, namespace), "volume_configuration.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		return voltypes.VolumeConfig{}, fmt.Errorf("namespace %q: %w", namespace, err)
	}
	var vc voltypes.VolumeConfig
	if err := yaml.Unmarshal(data, &vc); err != nil {
		return voltypes.VolumeConfig{}, fmt.Errorf("namespace %q: parse volume config: %w", namespace, err)
	}
	return vc, nil
}

// snapshotRecord is the on-disk form of a snapshot.Snapshot, since
// snapshot.Manager itself is an in-memory-only cache over whatever the
// embedder persists (§2, §3 leave that persistence up to the caller).
type snapshotRecord struct {
	Name       string            `yaml:"name"`
	ID         string            `yaml:"id"`
	Metadata   map[string]string `yaml:"metadata,omitempty"`
	LastTLogID string            `yaml:"last_tlog_id"`
	Cork       string            `yaml:"cork"`
	ScrubID    string            `yaml:"scrub_id,omitempty"`
	HasScrubID bool              `yaml:"has_scrub_id"`
}

func snapshotsPath(cfg *config.Config, namespace string) string {
	return filepath.Join(volumeDir(cfg, namespace), "snapshots.yaml")
}

func loadSnapshotManager(cfg *config.Config, namespace string) (*snapshot.Manager, error) {
	mgr := snapshot.NewManager()
	path := snapshotsPath(cfg, namespace)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return mgr, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var records []snapshotRecord
	if err := yaml.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	for _, rec := range records {
		lastTLog, err := tlog.ParseID(rec.LastTLogID)
		if err != nil {
			return nil, fmt.Errorf("snapshot %q: bad last_tlog_id: %w", rec.Name, err)
		}
		snap, err := mgr.Create(rec.Name, rec.Metadata, lastTLog)
		if err != nil {
			return nil, err
		}
		if rec.HasScrubID {
			scrubID, err := uuid.Parse(rec.ScrubID)
			if err != nil {
				return nil, fmt.Errorf("snapshot %q: bad scrub_id: %w", rec.Name, err)
			}
			if err := mgr.UpdateScrubID(snap.Name, scrubID, lastTLog); err != nil {
				return nil, err
			}
		}
	}
	return mgr, nil
}

func saveSnapshotManager(cfg *config.Config, namespace string, mgr *snapshot.Manager) error {
	dir := volumeDir(cfg, namespace)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}

	var records []snapshotRecord
	for _, s := range mgr.List() {
		rec := snapshotRecord{
			Name:       s.Name,
			ID:         s.ID.String(),
			Metadata:   s.Metadata,
			LastTLogID: s.LastTLogID.String(),
			Cork:       s.Cork.String(),
			HasScrubID: s.HasScrubID,
		}
		if s.HasScrubID {
			rec.ScrubID = s.ScrubID.String()
		}
		records = append(records, rec)
	}

	data, err := yaml.Marshal(records)
	if err != nil {
		return fmt.Errorf("marshal snapshots: %w", err)
	}
	return os.WriteFile(snapshotsPath(cfg, namespace), data, 0o644)
}
