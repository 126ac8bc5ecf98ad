package datastore

import (
	"bufio"
	"fmt"
	"os"

	"github.com/cuemby/voldrv/pkg/tlog"
	"github.com/cuemby/voldrv/pkg/weed"
)

// sco is one Storage Container Object being built locally: a buffered
// append-only file plus a rolling checksum for the trailing CRC §4.2
// requires on seal.
type sco struct {
	number   uint32
	path     string
	f        *os.File
	w        *bufio.Writer
	written  uint64
	clusters uint32
	crc      uint64
}

func createSCO(path string, number uint32) (*sco, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("datastore: create sco %d: %w", number, err)
	}
	return &sco{number: number, path: path, f: f, w: bufio.NewWriter(f)}, nil
}

// append writes one cluster's bytes, returning the in-SCO offset (in
// clusters) and the content hash.
func (s *sco) append(data []byte) (offset uint8, hash weed.Weed, err error) {
	if s.clusters >= 256 {
		return 0, weed.Weed{}, fmt.Errorf("datastore: sco %d is full", s.number)
	}
	offset = uint8(s.clusters)
	hash = weed.Compute(data)

	n, err := s.w.Write(data)
	if err != nil {
		return 0, weed.Weed{}, fmt.Errorf("datastore: sco %d write: %w", s.number, err)
	}
	s.written += uint64(n)
	s.clusters++
	s.crc = uint64(tlog.ClusterCRC(data)) ^ (s.crc << 1) // mixed into the trailer checksum
	return offset, hash, nil
}

// seal flushes, writes the trailing CRC, and fsyncs+closes the file,
// as required before handing the SCO to SCOCache as non-disposable.
func (s *sco) seal() error {
	if err := s.w.Flush(); err != nil {
		return fmt.Errorf("datastore: sco %d flush: %w", s.number, err)
	}
	var trailer [4]byte
	trailer[0] = byte(s.crc)
	trailer[1] = byte(s.crc >> 8)
	trailer[2] = byte(s.crc >> 16)
	trailer[3] = byte(s.crc >> 24)
	if _, err := s.f.Write(trailer[:]); err != nil {
		return fmt.Errorf("datastore: sco %d trailer: %w", s.number, err)
	}
	if err := s.f.Sync(); err != nil {
		return fmt.Errorf("datastore: sco %d sync: %w", s.number, err)
	}
	return s.f.Close()
}

func (s *sco) size() uint64 {
	return s.written
}
