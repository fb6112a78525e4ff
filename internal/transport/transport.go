// Package transport defines the remote-session boundary the dispatcher
// executes through. The engine never talks to a device directly: it resolves
// effective connection parameters, asks a Transport for a Session, runs
// commands and closes the session. Vendor-specific behavior (prompt handling,
// paging, NETCONF framings) lives entirely behind this interface; a minimal
// SSH CLI implementation ships in the sshcli sub-package.
package transport

import (
	"context"
	"fmt"
	"sync"
)

// Params are the effective connection parameters for one device, fully
// resolved through the Defaults < Group < Device chain before they reach a
// Transport.
type Params struct {
	Host     string // network address (may differ from the device name)
	Port     int
	Username string
	Password string
	Platform string

	// Extras carries transport-specific options from the merged
	// connection-option bundle (e.g. strict host key checking, terminal
	// width). Implementations ignore keys they do not understand.
	Extras map[string]any
}

// Reply is the outcome of one command exchange on an open session.
type Reply struct {
	Output  string
	Changed bool
	Diff    string
}

// Session is an authenticated, stateful connection to one device.
// Run must tolerate a nil timeout and apply the implementation's own default.
// PushConfig applies configuration lines; when dryRun is set the
// implementation must validate without committing and report the proposed
// change in Reply.Diff.
type Session interface {
	Run(ctx context.Context, command string, timeoutSeconds *float64) (Reply, error)
	PushConfig(ctx context.Context, lines []string, dryRun bool, timeoutSeconds *float64) (Reply, error)
	Close() error
	IsAlive() bool
}

// Transport opens sessions. Implementations must be safe for concurrent use:
// the dispatcher opens sessions for many hosts in parallel.
type Transport interface {
	Open(ctx context.Context, params Params) (Session, error)
}

// Cache is a session cache keyed by device name. A cached handle can look
// open but not be (an open that errored half-way, a connection the device
// dropped). Evict clears that state; the dispatcher calls it before and
// after every use (see internal/dispatcher). The dispatcher builds one Cache
// per Execute call, so cached sessions never outlive the call that opened
// them and concurrent calls cannot evict each other's sessions.
type Cache struct {
	transport Transport

	mu       sync.Mutex
	sessions map[string]Session
}

// NewCache wraps a Transport with a per-device session cache.
func NewCache(transport Transport) *Cache {
	return &Cache{
		transport: transport,
		sessions:  make(map[string]Session),
	}
}

// Acquire returns the cached session for the device if one exists, otherwise
// opens a new one and caches it before returning. An open error leaves no
// cache entry behind. The lock is not held across Open, so two acquires for
// one device can race to open; the first to cache wins, the loser's session
// is closed and the loser gets the cached one.
func (c *Cache) Acquire(ctx context.Context, device string, params Params) (Session, error) {
	c.mu.Lock()
	if session, ok := c.sessions[device]; ok {
		c.mu.Unlock()
		return session, nil
	}
	c.mu.Unlock()

	session, err := c.transport.Open(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("transport: open %s: %w", device, err)
	}

	c.mu.Lock()
	if cached, ok := c.sessions[device]; ok {
		c.mu.Unlock()
		_ = session.Close()
		return cached, nil
	}
	c.sessions[device] = session
	c.mu.Unlock()
	return session, nil
}

// Evict force-closes and removes the cached session for a device, if any.
// Safe to call when no session is cached. Close errors are swallowed: the
// handle's state is unknown, which is why it is being discarded.
func (c *Cache) Evict(device string) {
	c.mu.Lock()
	session, ok := c.sessions[device]
	if ok {
		delete(c.sessions, device)
	}
	c.mu.Unlock()

	if ok && session != nil {
		_ = session.Close()
	}
}

// CloseAll evicts every cached session. Called on shutdown.
func (c *Cache) CloseAll() {
	c.mu.Lock()
	sessions := c.sessions
	c.sessions = make(map[string]Session)
	c.mu.Unlock()

	for _, session := range sessions {
		if session != nil {
			_ = session.Close()
		}
	}
}
