package failover

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/cuemby/voldrv/pkg/log"
	"github.com/cuemby/voldrv/pkg/metrics"
	"github.com/cuemby/voldrv/pkg/voltypes"
)

// Backlog is the per-namespace store a Server mirrors into. It is the
// server-side half of the DTL: entries are appended as they arrive over
// the wire, handed back verbatim on GetEntries and summarised by SCO
// number on GetSCORange. GetSCO is answered NotOk; the server does not
// return the entries of a single SCO.
type Backlog struct {
	mu      sync.Mutex
	entries []Entry
	removed voltypes.SCONumber // highest SCO number removed by RemoveUpTo
}

func newBacklog() *Backlog {
	return &Backlog{}
}

func (b *Backlog) add(entries []Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = append(b.entries, entries...)
}

func (b *Backlog) all() []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Entry, len(b.entries))
	copy(out, b.entries)
	return out
}

func (b *Backlog) clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = nil
}

func (b *Backlog) removeUpTo(loc voltypes.ClusterLocation) {
	b.mu.Lock()
	defer b.mu.Unlock()
	kept := b.entries[:0]
	for _, e := range b.entries {
		if e.Location.SCONumber > loc.SCONumber {
			kept = append(kept, e)
		}
	}
	b.entries = kept
	if loc.SCONumber > b.removed {
		b.removed = loc.SCONumber
	}
}

func (b *Backlog) scoRange() GetSCORangeReply {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.entries) == 0 {
		return GetSCORangeReply{Oldest: b.removed, Newest: b.removed}
	}
	oldest, newest := b.entries[0].Location.SCONumber, b.entries[0].Location.SCONumber
	for _, e := range b.entries {
		if e.Location.SCONumber < oldest {
			oldest = e.Location.SCONumber
		}
		if e.Location.SCONumber > newest {
			newest = e.Location.SCONumber
		}
	}
	return GetSCORangeReply{Oldest: oldest, Newest: newest}
}

// Server is the remote FailOverCache process: it accepts registrations
// from volumes and mirrors their clusters until told to Clear or
// Unregister. Grounded on FailOverCacheServer.cpp's accept loop and on
// warren's pkg/api.Server Start/Stop shape, minus gRPC — the wire
// format here is the hand-rolled one in protocol.go, since no .proto
// definitions exist anywhere in the source material for this system.
type Server struct {
	mu       sync.Mutex
	backlogs map[string]*Backlog
	listener net.Listener
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewServer returns an empty FailOverCache server.
func NewServer() *Server {
	return &Server{
		backlogs: make(map[string]*Backlog),
		stopCh:   make(chan struct{}),
	}
}

// Addr returns the address the server is listening on, useful when
// Start was called with a ":0" port.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

func (s *Server) backlogFor(namespace string) *Backlog {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.backlogs[namespace]
	if !ok {
		b = newBacklog()
		s.backlogs[namespace] = b
	}
	return b
}

// Start listens on addr and serves connections until Stop is called.
func (s *Server) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failover: listen %s: %w", addr, err)
	}
	s.listener = lis
	log.WithComponent("failover-server").Info().Str("addr", addr).Msg("listening")

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
				log.WithComponent("failover-server").Warn().Err(err).Msg("accept failed")
				return
			}
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// Stop closes the listener and waits for in-flight connections to
// finish their current request, per Open Question #2 ("clean
// stop-channel shutdown, waiting for in-flight requests").
func (s *Server) Stop() {
	close(s.stopCh)
	if s.listener != nil {
		s.listener.Close()
	}
	s.wg.Wait()
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	var namespace string

	// On Stop, unblock the wait for the next opcode so the handler
	// returns once its current request has been answered.
	connDone := make(chan struct{})
	defer close(connDone)
	go func() {
		select {
		case <-s.stopCh:
			conn.SetReadDeadline(time.Now())
		case <-connDone:
		}
	}()

	for {
		op, err := ReadOpCode(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.WithComponent("failover-server").Debug().Err(err).Msg("connection closed")
			}
			return
		}

		timer := metrics.NewTimer()
		status := Ok

		switch op {
		case OpRegister:
			req, err := ReadRegister(conn)
			if err != nil {
				return
			}
			namespace = req.Namespace
			s.backlogFor(namespace)

		case OpUnregister:
			s.mu.Lock()
			delete(s.backlogs, namespace)
			s.mu.Unlock()

		case OpAddEntries:
			entries, err := ReadAddEntries(conn)
			if err != nil {
				return
			}
			if namespace == "" {
				status = NotOk
				break
			}
			s.backlogFor(namespace).add(entries)

		case OpFlush:
			// entries are already durable in memory on arrival; Flush is
			// a no-op synchronization point for the client.

		case OpClear:
			if namespace != "" {
				s.backlogFor(namespace).clear()
			}

		case OpRemoveUpTo:
			loc, err := ReadRemoveUpTo(conn)
			if err != nil {
				return
			}
			if namespace != "" {
				s.backlogFor(namespace).removeUpTo(loc)
			}

		case OpGetSCORange:
			if namespace == "" {
				status = NotOk
				break
			}
			if err := WriteGetSCORangeReply(conn, s.backlogFor(namespace).scoRange()); err != nil {
				return
			}

		case OpGetEntries:
			if namespace == "" {
				status = NotOk
				break
			}
			if err := WriteEntries(conn, s.backlogFor(namespace).all()); err != nil {
				return
			}

		case OpGetSCO:
			// SCO byte retrieval is served by the backend directly in
			// this design; the DTL only mirrors cluster entries.
			status = NotOk

		default:
			status = NotOk
		}

		metrics.FOCRoundTripDuration.Observe(timer.Duration().Seconds())
		if err := WriteStatus(conn, status); err != nil {
			return
		}
	}
}
