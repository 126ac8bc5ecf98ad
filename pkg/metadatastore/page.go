package metadatastore

import (
	"encoding/binary"

	"github.com/cuemby/voldrv/pkg/voltypes"
	"github.com/cuemby/voldrv/pkg/weed"
)

// PageSize is the number of contiguous CAs grouped into one page, the
// caching and write granularity §4.4 describes.
const PageSize = 512

const entrySize = 4 + 1 + 1 + weed.Size // SCONumber + CloneID + Offset + Hash

func pageIndex(ca voltypes.ClusterAddress) uint64 {
	return uint64(ca) / PageSize
}

func pageOffset(ca voltypes.ClusterAddress) uint64 {
	return uint64(ca) % PageSize
}

// page is the in-memory, decoded form of one PageSize-entry slice of the
// CA space.
type page struct {
	idx     uint64
	entries [PageSize]voltypes.ClusterLocationAndHash
	dirty   bool
}

func newPage(idx uint64) *page {
	return &page{idx: idx}
}

func decodePage(idx uint64, data []byte) *page {
	p := newPage(idx)
	for i := 0; i < PageSize && (i+1)*entrySize <= len(data); i++ {
		off := i * entrySize
		sco := binary.LittleEndian.Uint32(data[off : off+4])
		cloneID := data[off+4]
		offset := data[off+5]
		var h weed.Weed
		copy(h[:], data[off+6:off+6+weed.Size])
		p.entries[i] = voltypes.ClusterLocationAndHash{
			Location: voltypes.ClusterLocation{
				SCONumber: voltypes.SCONumber(sco),
				CloneID:   voltypes.CloneID(cloneID),
				Offset:    offset,
			},
			Hash: h,
		}
	}
	return p
}

func (p *page) encode() []byte {
	out := make([]byte, PageSize*entrySize)
	for i, e := range p.entries {
		off := i * entrySize
		binary.LittleEndian.PutUint32(out[off:off+4], uint32(e.Location.SCONumber))
		out[off+4] = byte(e.Location.CloneID)
		out[off+5] = e.Location.Offset
		copy(out[off+6:off+6+weed.Size], e.Hash[:])
	}
	return out
}

func (p *page) get(ca voltypes.ClusterAddress) voltypes.ClusterLocationAndHash {
	return p.entries[pageOffset(ca)]
}

func (p *page) set(ca voltypes.ClusterAddress, v voltypes.ClusterLocationAndHash) {
	p.entries[pageOffset(ca)] = v
	p.dirty = true
}
