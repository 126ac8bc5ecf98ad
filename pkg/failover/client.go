package failover

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cuemby/voldrv/pkg/log"
	"github.com/cuemby/voldrv/pkg/metrics"
	"github.com/cuemby/voldrv/pkg/voltypes"
)

// Mode selects how the client waits for the remote's acknowledgement.
// Sync blocks every write until the round trip completes (the DTL's
// default, matching FailOverCacheSyncBridge); Async fires the request
// and does not wait, used by clone rebuild tooling that can tolerate
// replaying the backlog on reconnect.
type Mode int

const (
	Sync Mode = iota
	Async
)

// Config describes where to mirror to and how many consecutive
// failures are tolerated before DegradedFunc fires.
type Config struct {
	Addr               string
	Mode               Mode
	MaxConsecutiveFail int
	DialTimeout        time.Duration
}

// DegradedFunc is invoked exactly once when the client gives up on the
// current connection and transitions the owning volume to Degraded.
type DegradedFunc func(err error)

// Client is the volume-side bridge to a remote FailOverCache. It is
// grounded on FailOverCacheSyncBridge.cpp: a single active connection,
// a consecutive-failure counter, and a degraded callback fired once
// the counter trips.
type Client struct {
	mu               sync.Mutex
	cfg              Config
	namespace        string
	clusterSize      uint32
	conn             net.Conn
	consecutiveFails int
	degraded         bool
	onDegraded       DegradedFunc
}

// NewClient constructs a client that has not yet connected.
func NewClient(cfg Config, onDegraded DegradedFunc) *Client {
	if cfg.MaxConsecutiveFail <= 0 {
		cfg.MaxConsecutiveFail = 3
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	return &Client{cfg: cfg, onDegraded: onDegraded}
}

// SetFailOverCacheConfig (re)arms the client against a new remote,
// replaying Register so the remote is ready to accept AddEntries
// again. This mirrors Volume::setFailOverCacheConfig's re-arm step.
func (c *Client) SetFailOverCacheConfig(cfg Config, namespace string, clusterSize uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.cfg = cfg
	c.namespace = namespace
	c.clusterSize = clusterSize
	c.consecutiveFails = 0
	c.degraded = false

	return c.connectAndRegisterLocked()
}

func (c *Client) connectAndRegisterLocked() error {
	conn, err := net.DialTimeout("tcp", c.cfg.Addr, c.cfg.DialTimeout)
	if err != nil {
		return fmt.Errorf("failover: dial %s: %w", c.cfg.Addr, err)
	}
	if err := WriteRegister(conn, RegisterRequest{Namespace: c.namespace, ClusterSize: c.clusterSize}); err != nil {
		conn.Close()
		return err
	}
	if _, err := ReadStatus(conn); err != nil {
		conn.Close()
		return err
	}
	c.conn = conn
	return nil
}

// IsDegraded reports whether the client has given up and fired
// onDegraded already.
func (c *Client) IsDegraded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.degraded
}

// ConfigSnapshot returns the Config the client was last armed with, so
// a repair attempt can re-dial the same remote.
func (c *Client) ConfigSnapshot() Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

func (c *Client) recordFailureLocked(err error) error {
	c.consecutiveFails++
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	if c.consecutiveFails >= c.cfg.MaxConsecutiveFail && !c.degraded {
		c.degraded = true
		metrics.FOCDegradedTotal.Inc()
		log.WithComponent("failover-client").Warn().Err(err).Str("namespace", c.namespace).
			Msg("FailOverCache degraded after consecutive failures")
		if c.onDegraded != nil {
			c.onDegraded(err)
		}
	}
	return err
}

func (c *Client) recordSuccessLocked() {
	c.consecutiveFails = 0
}

// AddEntries mirrors entries to the remote. In Sync mode it blocks for
// the round trip and returns any transport error (the caller is
// expected to treat this as a FailOverCacheError per the error
// taxonomy); in Async mode it fires the write in a goroutine and
// always returns nil, only ever reaching the degraded path
// asynchronously.
func (c *Client) AddEntries(entries []Entry) error {
	if c.cfg.Mode == Async {
		go func() {
			_ = c.addEntriesSync(entries)
		}()
		return nil
	}
	return c.addEntriesSync(entries)
}

func (c *Client) addEntriesSync(entries []Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	timer := metrics.NewTimer()
	defer func() { metrics.FOCRoundTripDuration.Observe(timer.Duration().Seconds()) }()

	if c.conn == nil {
		if err := c.connectAndRegisterLocked(); err != nil {
			return c.recordFailureLocked(err)
		}
	}

	if err := WriteAddEntries(c.conn, entries); err != nil {
		return c.recordFailureLocked(err)
	}
	status, err := ReadStatus(c.conn)
	if err != nil {
		return c.recordFailureLocked(err)
	}
	if status != Ok {
		return c.recordFailureLocked(fmt.Errorf("failover: remote returned NotOk for AddEntries"))
	}

	c.recordSuccessLocked()
	return nil
}

// Flush issues a Flush round trip, used by Volume::sync to establish a
// synchronization point with the remote before acknowledging a caller.
func (c *Client) Flush() error {
	return c.simpleRoundTrip(OpFlush)
}

// Clear drops the remote's backlog, used after a successful backend
// sync makes the mirrored entries redundant.
func (c *Client) Clear() error {
	return c.simpleRoundTrip(OpClear)
}

// Unregister tells the remote this volume is done with it, e.g. on
// halt or destroy.
func (c *Client) Unregister() error {
	return c.simpleRoundTrip(OpUnregister)
}

func (c *Client) simpleRoundTrip(op OpCode) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		if err := c.connectAndRegisterLocked(); err != nil {
			return c.recordFailureLocked(err)
		}
	}
	if err := WriteSimple(c.conn, op); err != nil {
		return c.recordFailureLocked(err)
	}
	status, err := ReadStatus(c.conn)
	if err != nil {
		return c.recordFailureLocked(err)
	}
	if status != Ok {
		return c.recordFailureLocked(fmt.Errorf("failover: remote returned NotOk for %s", op))
	}
	c.recordSuccessLocked()
	return nil
}

// RemoveUpTo tells the remote to drop the mirrored entries of every
// SCO up to and including loc's SCO, called once those SCOs are
// confirmed synced.
func (c *Client) RemoveUpTo(loc voltypes.ClusterLocation) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		if err := c.connectAndRegisterLocked(); err != nil {
			return c.recordFailureLocked(err)
		}
	}
	if err := WriteRemoveUpTo(c.conn, loc); err != nil {
		return c.recordFailureLocked(err)
	}
	status, err := ReadStatus(c.conn)
	if err != nil {
		return c.recordFailureLocked(err)
	}
	if status != Ok {
		return c.recordFailureLocked(fmt.Errorf("failover: remote returned NotOk for RemoveUpTo"))
	}
	c.recordSuccessLocked()
	return nil
}

// GetEntries fetches the remote's current backlog, used when a volume
// is restarting and needs to rebuild in-flight state that never made
// it to the backend.
func (c *Client) GetEntries() ([]Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		if err := c.connectAndRegisterLocked(); err != nil {
			return nil, c.recordFailureLocked(err)
		}
	}
	if err := WriteSimple(c.conn, OpGetEntries); err != nil {
		return nil, c.recordFailureLocked(err)
	}
	entries, err := ReadEntries(c.conn)
	if err != nil {
		return nil, c.recordFailureLocked(err)
	}
	if _, err := ReadStatus(c.conn); err != nil {
		return nil, c.recordFailureLocked(err)
	}
	c.recordSuccessLocked()
	return entries, nil
}

// Close tears down the connection without unregistering.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}
