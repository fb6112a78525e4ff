package transport

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopSession struct {
	closed int
}

func (s *nopSession) Run(ctx context.Context, command string, timeoutSeconds *float64) (Reply, error) {
	return Reply{}, nil
}

func (s *nopSession) PushConfig(ctx context.Context, lines []string, dryRun bool, timeoutSeconds *float64) (Reply, error) {
	return Reply{}, nil
}

func (s *nopSession) Close() error {
	s.closed++
	return nil
}

func (s *nopSession) IsAlive() bool { return true }

type countingTransport struct {
	opens int
	err   error
	last  *nopSession
}

func (t *countingTransport) Open(ctx context.Context, params Params) (Session, error) {
	t.opens++
	if t.err != nil {
		return nil, t.err
	}
	t.last = &nopSession{}
	return t.last, nil
}

func TestCacheReusesSession(t *testing.T) {
	ct := &countingTransport{}
	cache := NewCache(ct)

	first, err := cache.Acquire(context.Background(), "r1", Params{Host: "10.0.0.1"})
	require.NoError(t, err)
	second, err := cache.Acquire(context.Background(), "r1", Params{Host: "10.0.0.1"})
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, ct.opens)
}

func TestCacheOpenErrorLeavesNoEntry(t *testing.T) {
	ct := &countingTransport{err: errors.New("connection refused")}
	cache := NewCache(ct)

	_, err := cache.Acquire(context.Background(), "r1", Params{Host: "10.0.0.1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "r1")

	// A later attempt tries the transport again instead of returning a
	// poisoned entry.
	ct.err = nil
	_, err = cache.Acquire(context.Background(), "r1", Params{Host: "10.0.0.1"})
	require.NoError(t, err)
	assert.Equal(t, 2, ct.opens)
}

func TestCacheEvictClosesSession(t *testing.T) {
	ct := &countingTransport{}
	cache := NewCache(ct)

	_, err := cache.Acquire(context.Background(), "r1", Params{Host: "10.0.0.1"})
	require.NoError(t, err)
	session := ct.last

	cache.Evict("r1")
	assert.Equal(t, 1, session.closed)

	// Evicting again is a no-op.
	cache.Evict("r1")
	assert.Equal(t, 1, session.closed)

	_, err = cache.Acquire(context.Background(), "r1", Params{Host: "10.0.0.1"})
	require.NoError(t, err)
	assert.Equal(t, 2, ct.opens)
}

// barrierTransport stalls every Open until a fixed number of opens are in
// flight, forcing concurrent acquires to race past the cache-miss check.
type barrierTransport struct {
	expected int

	mu       sync.Mutex
	arrived  int
	gate     chan struct{}
	sessions []*nopSession
}

func newBarrierTransport(expected int) *barrierTransport {
	return &barrierTransport{expected: expected, gate: make(chan struct{})}
}

func (t *barrierTransport) Open(ctx context.Context, params Params) (Session, error) {
	t.mu.Lock()
	session := &nopSession{}
	t.sessions = append(t.sessions, session)
	t.arrived++
	release := t.arrived == t.expected
	t.mu.Unlock()

	if release {
		close(t.gate)
	}
	<-t.gate
	return session, nil
}

func TestCacheConcurrentAcquireKeepsOneSession(t *testing.T) {
	bt := newBarrierTransport(2)
	cache := NewCache(bt)

	var wg sync.WaitGroup
	got := make([]Session, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			session, err := cache.Acquire(context.Background(), "r1", Params{Host: "10.0.0.1"})
			assert.NoError(t, err)
			got[i] = session
		}(i)
	}
	wg.Wait()

	// Both opens raced; both callers must end up on the cached winner and
	// the loser's session must be closed, not leaked.
	require.Len(t, bt.sessions, 2)
	assert.Same(t, got[0], got[1])
	assert.Equal(t, 1, bt.sessions[0].closed+bt.sessions[1].closed)

	cached, err := cache.Acquire(context.Background(), "r1", Params{Host: "10.0.0.1"})
	require.NoError(t, err)
	assert.Same(t, got[0], cached)
}

func TestCacheCloseAll(t *testing.T) {
	ct := &countingTransport{}
	cache := NewCache(ct)

	_, err := cache.Acquire(context.Background(), "r1", Params{Host: "10.0.0.1"})
	require.NoError(t, err)
	r1 := ct.last
	_, err = cache.Acquire(context.Background(), "r2", Params{Host: "10.0.0.2"})
	require.NoError(t, err)
	r2 := ct.last

	cache.CloseAll()
	assert.Equal(t, 1, r1.closed)
	assert.Equal(t, 1, r2.closed)
}
