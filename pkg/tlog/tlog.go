package tlog

import (
	"bufio"
	"fmt"
	"hash/crc64"
	"io"
	"os"
	"sync"
)

var crcTable = crc64.MakeTable(crc64.ISO)

// Writer appends records to a single TLog file and tracks the rolling
// CRC needed for the terminator record written by Seal.
type Writer struct {
	mu      sync.Mutex
	id      ID
	f       *os.File
	w       *bufio.Writer
	written uint64
	crc     uint64
	sealed  bool
}

// Create opens a new TLog file at path for the given id.
func Create(path string, id ID) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("tlog: create %s: %w", path, err)
	}
	return &Writer{id: id, f: f, w: bufio.NewWriter(f)}, nil
}

// ID returns this TLog's identifier.
func (w *Writer) ID() ID { return w.id }

// Append writes one record and folds its bytes into the rolling CRC
// used by the terminator.
func (w *Writer) Append(r Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.sealed {
		return fmt.Errorf("tlog: append to sealed tlog %s", w.id)
	}
	buf := r.Marshal()
	if _, err := w.w.Write(buf); err != nil {
		return fmt.Errorf("tlog: append: %w", err)
	}
	w.crc = crc64.Update(w.crc, crcTable, buf)
	w.written += uint64(len(buf))
	return nil
}

// AppendCluster appends a cluster entry record.
func (w *Writer) AppendCluster(e ClusterEntry) error {
	return w.Append(Record{Tag: TagCluster, Cluster: e})
}

// AppendSCOCRC appends a SCOCRC mark.
func (w *Writer) AppendSCOCRC(m SCOCRCMark) error {
	return w.Append(Record{Tag: TagSCOCRC, SCOCRC: m})
}

// AppendSyncToTC appends a SyncToTC mark.
func (w *Writer) AppendSyncToTC(m SyncToTCMark) error {
	return w.Append(Record{Tag: TagSyncToTC, Sync: m})
}

// Flush flushes buffered writes and fsyncs the file, used by Volume.sync()
// to make the current TLog durable before acknowledging.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.w.Flush(); err != nil {
		return fmt.Errorf("tlog: flush: %w", err)
	}
	return w.f.Sync()
}

// Seal appends the TLogCRC terminator over everything written so far and
// closes the file for further appends. Called on snapshot creation or
// sco_count % tlog_multiplier rollover.
func (w *Writer) Seal() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.sealed {
		return nil
	}
	term := Record{Tag: TagTLogCRC, CRC: CRCTerminator{CRC: w.crc}}
	if _, err := w.w.Write(term.Marshal()); err != nil {
		return fmt.Errorf("tlog: seal: %w", err)
	}
	if err := w.w.Flush(); err != nil {
		return fmt.Errorf("tlog: seal: %w", err)
	}
	if err := w.f.Sync(); err != nil {
		return fmt.Errorf("tlog: seal: %w", err)
	}
	w.sealed = true
	return w.f.Close()
}

// Reader replays a sealed or in-progress TLog file record by record.
type Reader struct {
	f *os.File
	r *bufio.Reader
}

// Open opens path for replay.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("tlog: open %s: %w", path, err)
	}
	return &Reader{f: f, r: bufio.NewReader(f)}, nil
}

// Next returns the next record, or io.EOF when the file is exhausted.
func (r *Reader) Next() (Record, error) {
	buf := make([]byte, RecordSize)
	if _, err := io.ReadFull(r.r, buf); err != nil {
		return Record{}, err
	}
	return Unmarshal(buf)
}

// Close closes the underlying file.
func (r *Reader) Close() error { return r.f.Close() }

// VerifyTerminator recomputes the rolling CRC over all records preceding
// a CRCTerminator and reports whether it matches. Used during rebuild to
// detect a truncated/corrupt TLog.
func VerifyTerminator(path string) (bool, error) {
	r, err := Open(path)
	if err != nil {
		return false, err
	}
	defer r.Close()

	var crc uint64
	for {
		rec, err := r.Next()
		if err != nil {
			return false, err
		}
		if rec.Tag == TagTLogCRC {
			return rec.CRC.CRC == crc, nil
		}
		crc = crc64.Update(crc, crcTable, rec.Marshal())
	}
}
