// Package failover implements the FailOverCache (DTL): a synchronous
// remote mirror of a volume's not-yet-backend-synced clusters, reached
// over a small TCP protocol. The wire format here is grounded
// directly on FailOverCacheProtocol.cpp / FailOverCacheStreamers.cpp:
// an opcode, its payload fields, and an Ok/NotOk status reply. Messages
// are not wrapped in cork/uncork segments.
package failover

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/cuemby/voldrv/pkg/voltypes"
)

// OpCode identifies a FailOverCache command, in the order
// FailOverCacheProtocol.cpp dispatches on.
type OpCode uint32

const (
	OpRegister OpCode = iota + 1
	OpUnregister
	OpAddEntries
	OpFlush
	OpClear
	OpRemoveUpTo
	OpGetEntries
	OpGetSCO
	OpGetSCORange
)

func (o OpCode) String() string {
	switch o {
	case OpRegister:
		return "Register"
	case OpUnregister:
		return "Unregister"
	case OpAddEntries:
		return "AddEntries"
	case OpFlush:
		return "Flush"
	case OpClear:
		return "Clear"
	case OpGetEntries:
		return "GetEntries"
	case OpGetSCO:
		return "GetSCO"
	case OpGetSCORange:
		return "GetSCORange"
	case OpRemoveUpTo:
		return "RemoveUpTo"
	default:
		return "Unknown"
	}
}

// Status is the server's reply code, terminating every request.
// Values per §6 ("Status enum values {Ok=1, NotOk=2}").
type Status uint32

const (
	Ok    Status = 1
	NotOk Status = 2
)

// Entry is one backed-up cluster: the location it will eventually land
// at in the backend, the LBA it covers, and its cluster-sized payload.
type Entry struct {
	Location voltypes.ClusterLocation
	LBA      voltypes.LBA
	Data     []byte
}

// RegisterRequest asks the server to start (or resume) mirroring a
// namespace at the given cluster size.
type RegisterRequest struct {
	Namespace   string
	ClusterSize uint32
}

// GetSCORangeReply reports the oldest and newest SCO numbers the
// server currently holds for a namespace.
type GetSCORangeReply struct {
	Oldest voltypes.SCONumber
	Newest voltypes.SCONumber
}

// frameWriter and frameReader implement the encoding used for every
// message: a 4-byte opcode, then the payload fields back to back.
// Fixed-size fields are written big-endian with no framing around
// them; variable-length data (strings, entry blobs) carries a u64
// length prefix. There is no cork sentinel or other delimiter around a
// message.
type frameWriter struct {
	w   *bufio.Writer
	err error
}

func newFrameWriter(w io.Writer) *frameWriter {
	return &frameWriter{w: bufio.NewWriter(w)}
}

func (f *frameWriter) u32(v uint32) {
	if f.err != nil {
		return
	}
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	_, f.err = f.w.Write(buf[:])
}

func (f *frameWriter) u64(v uint64) {
	if f.err != nil {
		return
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	_, f.err = f.w.Write(buf[:])
}

func (f *frameWriter) bytes(b []byte) {
	if f.err != nil {
		return
	}
	f.u64(uint64(len(b)))
	if f.err != nil {
		return
	}
	_, f.err = f.w.Write(b)
}

func (f *frameWriter) str(s string) {
	f.bytes([]byte(s))
}

func (f *frameWriter) flush() error {
	if f.err != nil {
		return f.err
	}
	return f.w.Flush()
}

// frameReader reads straight from the underlying stream: a message is
// decoded by several successive Read* calls, so no call may consume
// bytes beyond its own fields.
type frameReader struct {
	r   io.Reader
	err error
}

func newFrameReader(r io.Reader) *frameReader {
	return &frameReader{r: r}
}

func (f *frameReader) u32() uint32 {
	if f.err != nil {
		return 0
	}
	var buf [4]byte
	_, f.err = io.ReadFull(f.r, buf[:])
	return binary.BigEndian.Uint32(buf[:])
}

func (f *frameReader) u64() uint64 {
	if f.err != nil {
		return 0
	}
	var buf [8]byte
	_, f.err = io.ReadFull(f.r, buf[:])
	return binary.BigEndian.Uint64(buf[:])
}

func (f *frameReader) bytes() []byte {
	n := f.u64()
	if f.err != nil {
		return nil
	}
	buf := make([]byte, n)
	_, f.err = io.ReadFull(f.r, buf)
	return buf
}

func (f *frameReader) str() string {
	return string(f.bytes())
}

// WriteRegister writes a Register command frame.
func WriteRegister(w io.Writer, req RegisterRequest) error {
	fw := newFrameWriter(w)
	fw.u32(uint32(OpRegister))
	fw.str(req.Namespace)
	fw.u32(req.ClusterSize)
	return fw.flush()
}

// ReadRegister reads a Register command frame's body (opcode already
// consumed by the caller's dispatch loop).
func ReadRegister(r io.Reader) (RegisterRequest, error) {
	fr := newFrameReader(r)
	req := RegisterRequest{Namespace: fr.str(), ClusterSize: fr.u32()}
	return req, fr.err
}

// WriteAddEntries writes an AddEntries command frame. All entries must
// share the same SCO, mirroring the source's invariant that a single
// AddEntries batch never spans a SCO boundary.
func WriteAddEntries(w io.Writer, entries []Entry) error {
	if len(entries) == 0 {
		return fmt.Errorf("failover: AddEntries requires at least one entry")
	}
	sco := entries[0].Location.SCONumber
	for _, e := range entries {
		if e.Location.SCONumber != sco {
			return fmt.Errorf("failover: AddEntries batch spans multiple SCOs")
		}
	}

	fw := newFrameWriter(w)
	fw.u32(uint32(OpAddEntries))
	fw.u64(uint64(len(entries)))
	for _, e := range entries {
		fw.u32(uint32(e.Location.SCONumber))
		fw.u32(uint32(e.Location.Offset))
		fw.u32(uint32(e.Location.CloneID))
		fw.u64(uint64(e.LBA))
		fw.bytes(e.Data)
	}
	return fw.flush()
}

// ReadAddEntries reads an AddEntries command frame's body.
func ReadAddEntries(r io.Reader) ([]Entry, error) {
	fr := newFrameReader(r)
	count := fr.u64()
	entries := make([]Entry, 0, count)
	for i := uint64(0); i < count; i++ {
		sco := fr.u32()
		off := fr.u32()
		clone := fr.u32()
		lba := fr.u64()
		data := fr.bytes()
		if fr.err != nil {
			return nil, fr.err
		}
		entries = append(entries, Entry{
			Location: voltypes.ClusterLocation{
				SCONumber: voltypes.SCONumber(sco),
				Offset:    uint8(off),
				CloneID:   voltypes.CloneID(clone),
			},
			LBA:  voltypes.LBA(lba),
			Data: data,
		})
	}
	return entries, fr.err
}

// WriteSimple writes a command that carries only its opcode (Flush,
// Clear, Unregister, GetSCORange, GetEntries).
func WriteSimple(w io.Writer, op OpCode) error {
	fw := newFrameWriter(w)
	fw.u32(uint32(op))
	return fw.flush()
}

// WriteRemoveUpTo writes a RemoveUpTo command frame, requesting all
// SCOs up to and including loc be dropped from the mirror.
func WriteRemoveUpTo(w io.Writer, loc voltypes.ClusterLocation) error {
	fw := newFrameWriter(w)
	fw.u32(uint32(OpRemoveUpTo))
	fw.u32(uint32(loc.SCONumber))
	fw.u32(uint32(loc.Offset))
	fw.u32(uint32(loc.CloneID))
	return fw.flush()
}

// ReadRemoveUpTo reads a RemoveUpTo command frame's body.
func ReadRemoveUpTo(r io.Reader) (voltypes.ClusterLocation, error) {
	fr := newFrameReader(r)
	loc := voltypes.ClusterLocation{
		SCONumber: voltypes.SCONumber(fr.u32()),
		Offset:    uint8(fr.u32()),
		CloneID:   voltypes.CloneID(fr.u32()),
	}
	return loc, fr.err
}

// ReadOpCode reads the next command's opcode from a dispatch loop.
func ReadOpCode(r io.Reader) (OpCode, error) {
	fr := newFrameReader(r)
	op := OpCode(fr.u32())
	return op, fr.err
}

// WriteStatus writes the terminating Ok/NotOk reply.
func WriteStatus(w io.Writer, status Status) error {
	fw := newFrameWriter(w)
	fw.u32(uint32(status))
	return fw.flush()
}

// ReadStatus reads the terminating Ok/NotOk reply.
func ReadStatus(r io.Reader) (Status, error) {
	fr := newFrameReader(r)
	s := Status(fr.u32())
	return s, fr.err
}

// WriteGetSCORangeReply writes a GetSCORange reply body.
func WriteGetSCORangeReply(w io.Writer, reply GetSCORangeReply) error {
	fw := newFrameWriter(w)
	fw.u32(uint32(reply.Oldest))
	fw.u32(uint32(reply.Newest))
	return fw.flush()
}

// ReadGetSCORangeReply reads a GetSCORange reply body.
func ReadGetSCORangeReply(r io.Reader) (GetSCORangeReply, error) {
	fr := newFrameReader(r)
	reply := GetSCORangeReply{
		Oldest: voltypes.SCONumber(fr.u32()),
		Newest: voltypes.SCONumber(fr.u32()),
	}
	return reply, fr.err
}

// WriteEntries writes a GetEntries reply body: the full current
// backlog, in append order.
func WriteEntries(w io.Writer, entries []Entry) error {
	fw := newFrameWriter(w)
	fw.u64(uint64(len(entries)))
	for _, e := range entries {
		fw.u32(uint32(e.Location.SCONumber))
		fw.u32(uint32(e.Location.Offset))
		fw.u32(uint32(e.Location.CloneID))
		fw.u64(uint64(e.LBA))
		fw.bytes(e.Data)
	}
	return fw.flush()
}

// ReadEntries reads a GetEntries reply body.
func ReadEntries(r io.Reader) ([]Entry, error) {
	fr := newFrameReader(r)
	count := fr.u64()
	entries := make([]Entry, 0, count)
	for i := uint64(0); i < count; i++ {
		loc := voltypes.ClusterLocation{
			SCONumber: voltypes.SCONumber(fr.u32()),
			Offset:    uint8(fr.u32()),
			CloneID:   voltypes.CloneID(fr.u32()),
		}
		lba := voltypes.LBA(fr.u64())
		data := fr.bytes()
		if fr.err != nil {
			return nil, fr.err
		}
		entries = append(entries, Entry{Location: loc, LBA: lba, Data: data})
	}
	return entries, fr.err
}
