// Package voltypes holds the core domain types shared across the volume
// driver: cluster addressing, SCO and TLog identifiers, VolumeConfig and
// the lineage map used by clones.
package voltypes

import (
	"fmt"
	"time"

	"github.com/cuemby/voldrv/pkg/weed"
)

// LBA is a 512-byte sector index.
type LBA uint64

// ClusterAddress (CA) is the logical cluster index within a volume,
// LBA ÷ cluster_multiplier.
type ClusterAddress uint64

// SCONumber is a monotonically assigned identifier for a SCO within a
// lineage.
type SCONumber uint32

// CloneID identifies a lineage level; 0 is the volume's own lineage,
// 1..255 index into the NSIDMap of ancestor namespaces.
type CloneID uint8

// ClusterLocation identifies a cluster's physical position: which SCO,
// which lineage, and the cluster offset within the SCO.
type ClusterLocation struct {
	SCONumber SCONumber
	CloneID   CloneID
	Offset    uint8 // offset-in-SCO, in clusters; sco_multiplier <= 256
}

// IsNull reports whether loc is the zero ClusterLocation, used as the
// GetEntries/GetSCO stream terminator and as the "unmapped" sentinel in
// MetaDataStore.
func (loc ClusterLocation) IsNull() bool {
	return loc.SCONumber == 0 && loc.CloneID == 0 && loc.Offset == 0
}

// SCOName renders the backend object name "<sconumber>_<cloneid>" used to
// address the SCO in the backend and in SCOCache.
func (loc ClusterLocation) SCOName() string {
	return fmt.Sprintf("%d_%d", loc.SCONumber, loc.CloneID)
}

func (loc ClusterLocation) String() string {
	return fmt.Sprintf("%s@%d", loc.SCOName(), loc.Offset)
}

// ClusterLocationAndHash is the value MetaDataStore maps a ClusterAddress
// to: a physical location plus the content hash of the bytes stored
// there, per invariant 1 (the mapping either points at a location whose
// stored hash matches, or is unmapped/zero).
type ClusterLocationAndHash struct {
	Location ClusterLocation
	Hash     weed.Weed
}

// Unmapped reports whether this entry represents an unwritten cluster.
func (c ClusterLocationAndHash) Unmapped() bool {
	return c.Location.IsNull() && c.Hash.IsZero()
}

// OwnerTag is a monotonic identifier for the current owner of a volume;
// prevents split-brain writes. Zero means unowned.
type OwnerTag uint64

// ClusterCacheBehaviour governs whether a cluster read/write populates
// the process-global cluster cache. Grounded on the three-value
// translation table of the original ClusterCacheBehaviour enum.
type ClusterCacheBehaviour string

const (
	CacheOnWrite ClusterCacheBehaviour = "CacheOnWrite"
	CacheOnRead  ClusterCacheBehaviour = "CacheOnRead"
	NoCache      ClusterCacheBehaviour = "NoCache"
)

// ParseClusterCacheBehaviour parses the stream form of a
// ClusterCacheBehaviour, mirroring the original's bimap round trip.
func ParseClusterCacheBehaviour(s string) (ClusterCacheBehaviour, error) {
	switch ClusterCacheBehaviour(s) {
	case CacheOnWrite, CacheOnRead, NoCache:
		return ClusterCacheBehaviour(s), nil
	default:
		return "", fmt.Errorf("unknown cluster cache behaviour %q", s)
	}
}

// WanBackupVolumeRole classifies a volume's role in WAN backup
// replication.
type WanBackupVolumeRole string

const (
	WanBackupNormal      WanBackupVolumeRole = "Normal"
	WanBackupBase        WanBackupVolumeRole = "BackupBase"
	WanBackupIncremental WanBackupVolumeRole = "BackupIncremental"
)

// ClusterCacheMode selects whether the cluster cache is consulted at all
// for a volume; independent of ClusterCacheBehaviour, which governs
// population policy once the cache is in use.
type ClusterCacheMode string

const (
	ClusterCacheModeNone     ClusterCacheMode = "none"
	ClusterCacheModeContent  ClusterCacheMode = "content_based"
	ClusterCacheModeLocation ClusterCacheMode = "location_based"
)

// Default sizing, matching the design default of a 4 KiB cluster size
// built from 512-byte sectors.
const (
	DefaultLBASize           = 512
	DefaultClusterMultiplier = 8 // 512 * 8 = 4 KiB
	DefaultSCOMultiplier     = 1024
	DefaultTLogMultiplier    = 20
)

// VolumeConfig is the full, backend-persisted configuration of a volume.
// Stored as the "volume_configuration" backend object (§6).
type VolumeConfig struct {
	ID     string
	Ns     string
	Parent *ParentRef // nil for a from-scratch volume

	LBASize           uint32
	LBACount          uint64
	ClusterMultiplier uint32
	SCOMultiplier     uint32
	TLogMultiplier    uint32

	ReadCacheEnabled       bool
	WanBackupVolumeRole    WanBackupVolumeRole
	IsVolumeTemplate       bool
	ClusterCacheBehaviour  ClusterCacheBehaviour
	ClusterCacheMode       ClusterCacheMode
	ClusterCacheLimit      uint64 // 0 = unlimited
	MetadataCacheCapacity  uint32 // max_cached_pages
	MaxNonDisposableFactor float64

	OwnerTag OwnerTag

	CreatedAt time.Time
}

// ParentRef identifies the parent namespace and snapshot a clone was
// created from.
type ParentRef struct {
	Namespace    string
	SnapshotName string
}

// ClusterSize returns lba_size * cluster_multiplier.
func (c VolumeConfig) ClusterSize() uint32 {
	return c.LBASize * c.ClusterMultiplier
}

// SCOSize returns the payload size of one SCO, excluding its trailer.
func (c VolumeConfig) SCOSize() uint64 {
	return uint64(c.ClusterSize()) * uint64(c.SCOMultiplier)
}

// CAOf converts an LBA to the ClusterAddress it falls within.
func (c VolumeConfig) CAOf(lba LBA) ClusterAddress {
	return ClusterAddress(uint64(lba) / uint64(c.ClusterMultiplier))
}

// ClusterExponent returns the power-of-two exponent of ClusterMultiplier,
// the form ScrubWork carries since a scrubber only needs the shift, not
// the multiplier itself.
func (c VolumeConfig) ClusterExponent() uint8 {
	var exp uint8
	for m := c.ClusterMultiplier; m > 1; m >>= 1 {
		exp++
	}
	return exp
}

// DefaultVolumeConfig returns a VolumeConfig with the design defaults
// applied, for callers that only care about a subset of fields.
func DefaultVolumeConfig(id, ns string) VolumeConfig {
	return VolumeConfig{
		ID:                    id,
		Ns:                    ns,
		LBASize:               DefaultLBASize,
		ClusterMultiplier:     DefaultClusterMultiplier,
		SCOMultiplier:         DefaultSCOMultiplier,
		TLogMultiplier:        DefaultTLogMultiplier,
		ReadCacheEnabled:      true,
		WanBackupVolumeRole:   WanBackupNormal,
		ClusterCacheBehaviour: CacheOnRead,
		ClusterCacheMode:      ClusterCacheModeNone,
		MetadataCacheCapacity: 4096,
	}
}

// NSIDMap maps a CloneID to the backend namespace serving that lineage
// level. Slot 0 is always the volume's own namespace; slots 1+ point at
// ancestor namespaces in order from nearest to furthest parent.
type NSIDMap struct {
	slots [256]string
	count int
}

// MaxCloneID is the largest CloneID representable in an NSIDMap.
const MaxCloneID = 255

// Set assigns namespace ns to CloneID id.
func (m *NSIDMap) Set(id CloneID, ns string) error {
	if int(id) >= len(m.slots) {
		return fmt.Errorf("clone id %d out of range", id)
	}
	m.slots[id] = ns
	if int(id)+1 > m.count {
		m.count = int(id) + 1
	}
	return nil
}

// Get returns the namespace for CloneID id, or "" if unset.
func (m *NSIDMap) Get(id CloneID) string {
	if int(id) >= len(m.slots) {
		return ""
	}
	return m.slots[id]
}

// Len returns the number of populated slots (one past the highest
// assigned CloneID).
func (m *NSIDMap) Len() int {
	return m.count
}

// ChildMap builds the NSIDMap a clone of ns (whose own lineage map is
// m) should start with: slot 0 is the new clone's own namespace, and
// every slot m had — ns itself, then its ancestors — shifts up by one
// CloneID, since from the clone's point of view its parent is now
// itself an ancestor rather than "self".
func (m NSIDMap) ChildMap(ns string) (NSIDMap, error) {
	var child NSIDMap
	if err := child.Set(0, ns); err != nil {
		return NSIDMap{}, err
	}
	for i := 0; i < m.count; i++ {
		if err := child.Set(CloneID(i+1), m.slots[i]); err != nil {
			return NSIDMap{}, err
		}
	}
	return child, nil
}
