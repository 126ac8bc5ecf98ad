// Package tlog implements the append-only log of cluster writes and
// snapshot boundary marks that is the ground truth for replay (§3, §6).
// Each record is framed as a 1-byte tag followed by a fixed 16-byte
// payload whose layout is exactly the wire format spec.md §6 specifies
// for the kind of record it carries; the tag is TLog-internal framing,
// not part of the payload the spec describes.
package tlog

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/cuemby/voldrv/pkg/voltypes"
	"github.com/google/uuid"
)

// Tag identifies the kind of record that follows in the stream.
type Tag byte

const (
	TagCluster  Tag = 1
	TagSCOCRC   Tag = 2
	TagSyncToTC Tag = 3
	TagTLogCRC  Tag = 4
)

// PayloadSize is the fixed payload length of every record, regardless
// of tag; shorter payloads are zero-padded.
const PayloadSize = 16

// RecordSize is the size on disk of one framed record: a 1-byte tag
// plus its fixed payload.
const RecordSize = 1 + PayloadSize

// ClusterCRC computes the CRC recorded alongside a cluster entry:
// xxhash64 of the cluster bytes truncated to 32 bits. DataStore also
// mixes these per-cluster values into an SCO's trailer checksum. The
// TLogCRC terminator does not use it: Writer keeps a CRC-64 (ISO) over
// the preceding records for that.
func ClusterCRC(clusterBytes []byte) uint32 {
	return uint32(xxhash.Sum64(clusterBytes))
}

// ClusterEntry is {CRC-of-cluster, CA, ClusterLocation}, packed into a
// fixed 16-byte record: crc:u32 | ca:u64 | location:u32, location
// packing SCONumber in the high 24 bits and Offset in the low 8, per
// §6 ("location packs SCONumber:24 / offset:8").
type ClusterEntry struct {
	CRC      uint32
	CA       voltypes.ClusterAddress
	Location voltypes.ClusterLocation
}

func packLocation(loc voltypes.ClusterLocation) uint32 {
	return uint32(loc.SCONumber)<<8 | uint32(loc.Offset)
}

func unpackLocation(v uint32) voltypes.ClusterLocation {
	return voltypes.ClusterLocation{
		SCONumber: voltypes.SCONumber(v >> 8),
		Offset:    uint8(v & 0xff),
	}
}

func (e ClusterEntry) marshalPayload() []byte {
	buf := make([]byte, PayloadSize)
	binary.LittleEndian.PutUint32(buf[0:4], e.CRC)
	binary.LittleEndian.PutUint64(buf[4:12], uint64(e.CA))
	binary.LittleEndian.PutUint32(buf[12:16], packLocation(e.Location))
	return buf
}

func unmarshalClusterEntry(payload []byte) ClusterEntry {
	return ClusterEntry{
		CRC:      binary.LittleEndian.Uint32(payload[0:4]),
		CA:       voltypes.ClusterAddress(binary.LittleEndian.Uint64(payload[4:12])),
		Location: unpackLocation(binary.LittleEndian.Uint32(payload[12:16])),
	}
}

// SCOCRCMark marks the end of a SCO with its trailing checksum.
type SCOCRCMark struct {
	SCONumber voltypes.SCONumber
	CRC       uint32
}

func (m SCOCRCMark) marshalPayload() []byte {
	buf := make([]byte, PayloadSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(m.SCONumber))
	binary.LittleEndian.PutUint32(buf[4:8], m.CRC)
	return buf
}

func unmarshalSCOCRCMark(payload []byte) SCOCRCMark {
	return SCOCRCMark{
		SCONumber: voltypes.SCONumber(binary.LittleEndian.Uint32(payload[0:4])),
		CRC:       binary.LittleEndian.Uint32(payload[4:8]),
	}
}

// SyncToTCMark marks a sync() boundary with the cork UUID of the group
// commit it closes.
type SyncToTCMark struct {
	Cork uuid.UUID
}

func (m SyncToTCMark) marshalPayload() []byte {
	buf := make([]byte, PayloadSize)
	copy(buf, m.Cork[:])
	return buf
}

func unmarshalSyncToTCMark(payload []byte) SyncToTCMark {
	var m SyncToTCMark
	copy(m.Cork[:], payload[:16])
	return m
}

// CRCTerminator is the final record of a sealed TLog: the CRC of every
// preceding byte in the file.
type CRCTerminator struct {
	CRC uint64
}

func (m CRCTerminator) marshalPayload() []byte {
	buf := make([]byte, PayloadSize)
	binary.LittleEndian.PutUint64(buf[0:8], m.CRC)
	return buf
}

func unmarshalCRCTerminator(payload []byte) CRCTerminator {
	return CRCTerminator{CRC: binary.LittleEndian.Uint64(payload[0:8])}
}

// Record is one framed entry in a TLog file, tagged with its kind.
type Record struct {
	Tag     Tag
	Cluster ClusterEntry
	SCOCRC  SCOCRCMark
	Sync    SyncToTCMark
	CRC     CRCTerminator
}

// Marshal encodes r into RecordSize bytes.
func (r Record) Marshal() []byte {
	out := make([]byte, RecordSize)
	out[0] = byte(r.Tag)
	var payload []byte
	switch r.Tag {
	case TagCluster:
		payload = r.Cluster.marshalPayload()
	case TagSCOCRC:
		payload = r.SCOCRC.marshalPayload()
	case TagSyncToTC:
		payload = r.Sync.marshalPayload()
	case TagTLogCRC:
		payload = r.CRC.marshalPayload()
	default:
		payload = make([]byte, PayloadSize)
	}
	copy(out[1:], payload)
	return out
}

// Unmarshal decodes a RecordSize-byte buffer into a Record.
func Unmarshal(buf []byte) (Record, error) {
	if len(buf) != RecordSize {
		return Record{}, fmt.Errorf("tlog: record must be %d bytes, got %d", RecordSize, len(buf))
	}
	tag := Tag(buf[0])
	payload := buf[1:]
	r := Record{Tag: tag}
	switch tag {
	case TagCluster:
		r.Cluster = unmarshalClusterEntry(payload)
	case TagSCOCRC:
		r.SCOCRC = unmarshalSCOCRCMark(payload)
	case TagSyncToTC:
		r.Sync = unmarshalSyncToTCMark(payload)
	case TagTLogCRC:
		r.CRC = unmarshalCRCTerminator(payload)
	default:
		return Record{}, fmt.Errorf("tlog: unknown record tag %d", tag)
	}
	return r, nil
}
