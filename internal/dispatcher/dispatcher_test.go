package dispatcher

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mam15mon/network/internal/db"
	"github.com/mam15mon/network/internal/inventory"
	"github.com/mam15mon/network/internal/repositories"
	"github.com/mam15mon/network/internal/transport"
)

// stubDeviceRepo backs the inventory builder in tests. The embedded interface
// panics on any method the test does not stub explicitly.
type stubDeviceRepo struct {
	repositories.DeviceRepository
	devices  []db.Device
	groups   []db.DeviceGroup
	defaults db.DeviceDefaults
}

func (s *stubDeviceRepo) ListAll(ctx context.Context) ([]db.Device, error) {
	return s.devices, nil
}

func (s *stubDeviceRepo) ListGroups(ctx context.Context) ([]db.DeviceGroup, error) {
	return s.groups, nil
}

func (s *stubDeviceRepo) GetDefaults(ctx context.Context) (*db.DeviceDefaults, error) {
	d := s.defaults
	return &d, nil
}

// fakeSession replays canned replies and records what ran.
type fakeSession struct {
	mu       sync.Mutex
	replies  map[string]transport.Reply
	errs     map[string]error
	alive    bool
	closed   bool
	ran      []string
	timeouts map[string]*float64

	pushReply transport.Reply
	pushErr   error
	pushed    [][]string
	dryRuns   []bool
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		replies:  map[string]transport.Reply{},
		errs:     map[string]error{},
		alive:    true,
		timeouts: map[string]*float64{},
	}
}

func (s *fakeSession) Run(ctx context.Context, command string, timeoutSeconds *float64) (transport.Reply, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ran = append(s.ran, command)
	s.timeouts[command] = timeoutSeconds
	if err, ok := s.errs[command]; ok {
		return transport.Reply{}, err
	}
	return s.replies[command], nil
}

func (s *fakeSession) PushConfig(ctx context.Context, lines []string, dryRun bool, timeoutSeconds *float64) (transport.Reply, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pushed = append(s.pushed, lines)
	s.dryRuns = append(s.dryRuns, dryRun)
	return s.pushReply, s.pushErr
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSession) IsAlive() bool { return s.alive }

// fakeTransport hands out one fakeSession per host address.
type fakeTransport struct {
	mu       sync.Mutex
	sessions map[string]*fakeSession
	openErrs map[string]error
	opens    map[string]int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		sessions: map[string]*fakeSession{},
		openErrs: map[string]error{},
		opens:    map[string]int{},
	}
}

func (t *fakeTransport) Open(ctx context.Context, params transport.Params) (transport.Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.opens[params.Host]++
	if err, ok := t.openErrs[params.Host]; ok {
		return nil, err
	}
	session, ok := t.sessions[params.Host]
	if !ok {
		session = newFakeSession()
		t.sessions[params.Host] = session
	}
	return session, nil
}

func (t *fakeTransport) session(host string) *fakeSession {
	t.mu.Lock()
	defer t.mu.Unlock()
	session, ok := t.sessions[host]
	if !ok {
		session = newFakeSession()
		t.sessions[host] = session
	}
	return session
}

func testDevice(name, hostname, platform string, data db.JSONMap) db.Device {
	if data == nil {
		data = db.JSONMap{}
	}
	return db.Device{
		Name:              name,
		Hostname:          hostname,
		Platform:          platform,
		Port:              22,
		Username:          "netops",
		IsActive:          true,
		Data:              data,
		ConnectionOptions: db.JSONMap{},
	}
}

func newTestExecutor(t *testing.T, ft *fakeTransport, devices ...db.Device) *Executor {
	t.Helper()
	repo := &stubDeviceRepo{devices: devices}
	inv := inventory.NewService(repo, zap.NewNop())
	require.NoError(t, inv.Reload(context.Background()))
	return New(inv, ft, zap.NewNop(), 4)
}

func TestExecuteRejectsUnknownHosts(t *testing.T) {
	exec := newTestExecutor(t, newFakeTransport(), testDevice("r1", "10.0.0.1", "cisco_ios", nil))

	_, err := exec.Execute(context.Background(), []string{"r1", "ghost", "phantom"}, TaskSpec{
		Kind:    KindCommand,
		Command: "show version",
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "hosts not found")
	assert.Contains(t, err.Error(), "ghost")
	assert.Contains(t, err.Error(), "phantom")
}

func TestExecuteRejectsInvalidSpec(t *testing.T) {
	exec := newTestExecutor(t, newFakeTransport(), testDevice("r1", "10.0.0.1", "cisco_ios", nil))

	_, err := exec.Execute(context.Background(), []string{"r1"}, TaskSpec{Kind: KindCommand, Command: "   \n  "})
	require.Error(t, err)

	_, err = exec.Execute(context.Background(), []string{"r1"}, TaskSpec{Kind: KindCapability, Capability: "rm_rf"})
	require.Error(t, err)

	_, err = exec.Execute(context.Background(), nil, TaskSpec{Kind: KindConnectivity})
	require.Error(t, err)
}

func TestExecuteSingleCommand(t *testing.T) {
	ft := newFakeTransport()
	ft.session("10.0.0.1").replies["show version"] = transport.Reply{Output: "version 17.9"}
	exec := newTestExecutor(t, ft, testDevice("r1", "10.0.0.1", "cisco_ios", nil))

	results, err := exec.Execute(context.Background(), []string{"r1"}, TaskSpec{
		Kind:    KindCommand,
		Command: "show version",
	})

	require.NoError(t, err)
	require.Len(t, results, 1)
	env := results["r1"]
	assert.Equal(t, StatusSuccess, env.Status)
	assert.Equal(t, "version 17.9", env.Result)
	assert.True(t, ft.session("10.0.0.1").closed)
}

func TestExecuteEveryHostGetsAResult(t *testing.T) {
	ft := newFakeTransport()
	ft.session("10.0.0.1").replies["show clock"] = transport.Reply{Output: "ok"}
	ft.openErrs["10.0.0.2"] = errors.New("connection refused")
	ft.session("10.0.0.3").errs["show clock"] = errors.New("channel timeout")

	exec := newTestExecutor(t, ft,
		testDevice("r1", "10.0.0.1", "cisco_ios", nil),
		testDevice("r2", "10.0.0.2", "cisco_ios", nil),
		testDevice("r3", "10.0.0.3", "cisco_ios", nil),
	)

	results, err := exec.Execute(context.Background(), []string{"r1", "r2", "r3"}, TaskSpec{
		Kind:    KindCommand,
		Command: "show clock",
	})

	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.False(t, results["r1"].Failed)
	assert.True(t, results["r2"].Failed)
	assert.Contains(t, results["r2"].Exception, "connection refused")
	assert.True(t, results["r3"].Failed)
	assert.Contains(t, results["r3"].Exception, "channel timeout")
}

func TestExecuteCommandSequenceContinuesPastFailures(t *testing.T) {
	ft := newFakeTransport()
	session := ft.session("10.0.0.1")
	session.replies["show version"] = transport.Reply{Output: "v"}
	session.errs["show oops"] = errors.New("invalid input")
	session.errs["show bad"] = errors.New("invalid input")
	session.replies["show clock"] = transport.Reply{Output: "c"}

	exec := newTestExecutor(t, ft, testDevice("r1", "10.0.0.1", "cisco_ios", nil))

	results, err := exec.Execute(context.Background(), []string{"r1"}, TaskSpec{
		Kind:    KindCommand,
		Command: "show version\nshow oops\nshow bad\nshow clock",
	})

	require.NoError(t, err)
	env := results["r1"]
	assert.True(t, env.Failed)
	assert.Equal(t, "2 commands failed", env.Exception)

	// All four commands ran despite the failures in the middle.
	assert.Equal(t, []string{"show version", "show oops", "show bad", "show clock"}, session.ran)

	body, ok := env.Result.(map[string]any)
	require.True(t, ok)
	items, ok := body["commands"].([]map[string]any)
	require.True(t, ok)
	require.Len(t, items, 4)
	assert.Equal(t, false, items[0]["failed"])
	assert.Equal(t, true, items[1]["failed"])
	assert.Equal(t, true, items[2]["failed"])
	assert.Equal(t, false, items[3]["failed"])
}

func TestExecuteResolvesCommandTimeouts(t *testing.T) {
	ft := newFakeTransport()
	session := ft.session("10.0.0.1")
	session.replies["show running-config"] = transport.Reply{Output: "cfg"}
	session.replies["ping 1.1.1.1"] = transport.Reply{Output: "!!!!"}

	data := db.JSONMap{
		"command_timeouts": map[string]any{
			"show running-config": 90.0,
			"ping*":               float64(15),
		},
	}
	exec := newTestExecutor(t, ft, testDevice("r1", "10.0.0.1", "cisco_ios", data))

	_, err := exec.Execute(context.Background(), []string{"r1"}, TaskSpec{
		Kind:    KindCommand,
		Command: "show running-config",
	})
	require.NoError(t, err)
	require.NotNil(t, session.timeouts["show running-config"])
	assert.Equal(t, 90.0, *session.timeouts["show running-config"])

	_, err = exec.Execute(context.Background(), []string{"r1"}, TaskSpec{
		Kind:    KindCommand,
		Command: "ping 1.1.1.1",
	})
	require.NoError(t, err)
	require.NotNil(t, session.timeouts["ping 1.1.1.1"])
	assert.Equal(t, 15.0, *session.timeouts["ping 1.1.1.1"])
}

func TestExecuteExplicitTimeoutOverridesRules(t *testing.T) {
	ft := newFakeTransport()
	session := ft.session("10.0.0.1")
	session.replies["show running-config"] = transport.Reply{Output: "cfg"}

	data := db.JSONMap{
		"command_timeouts": map[string]any{"show running-config": 90.0},
	}
	exec := newTestExecutor(t, ft, testDevice("r1", "10.0.0.1", "cisco_ios", data))

	override := 7.0
	_, err := exec.Execute(context.Background(), []string{"r1"}, TaskSpec{
		Kind:           KindCommand,
		Command:        "show running-config",
		TimeoutSeconds: &override,
	})

	require.NoError(t, err)
	require.NotNil(t, session.timeouts["show running-config"])
	assert.Equal(t, 7.0, *session.timeouts["show running-config"])
}

func TestExecuteRunningConfigUsesPlatformCommandAndFallbackTimeout(t *testing.T) {
	ft := newFakeTransport()
	session := ft.session("10.0.0.1")
	session.replies["display current-configuration"] = transport.Reply{Output: "sysname sw1"}

	exec := newTestExecutor(t, ft, testDevice("sw1", "10.0.0.1", "huawei_vrp", nil))

	results, err := exec.Execute(context.Background(), []string{"sw1"}, TaskSpec{Kind: KindRunningConfig})

	require.NoError(t, err)
	assert.Equal(t, "sysname sw1", results["sw1"].Result)
	require.NotNil(t, session.timeouts["display current-configuration"])
	assert.Equal(t, runningConfigFallbackTimeout, *session.timeouts["display current-configuration"])
}

func TestExecuteRunningConfigHonorsOverrideCommand(t *testing.T) {
	ft := newFakeTransport()
	session := ft.session("10.0.0.1")
	session.replies["show configuration"] = transport.Reply{Output: "cfg"}

	exec := newTestExecutor(t, ft, testDevice("r1", "10.0.0.1", "cisco_ios", nil))

	results, err := exec.Execute(context.Background(), []string{"r1"}, TaskSpec{
		Kind:            KindRunningConfig,
		CommandOverride: "show configuration",
	})

	require.NoError(t, err)
	assert.False(t, results["r1"].Failed)
	assert.Equal(t, []string{"show configuration"}, session.ran)
}

func TestExecuteConfigPush(t *testing.T) {
	ft := newFakeTransport()
	session := ft.session("10.0.0.1")
	session.pushReply = transport.Reply{Output: "applied", Changed: true, Diff: "interface Lo0"}

	exec := newTestExecutor(t, ft, testDevice("r1", "10.0.0.1", "cisco_ios", nil))

	results, err := exec.Execute(context.Background(), []string{"r1"}, TaskSpec{
		Kind:        KindConfig,
		ConfigLines: []string{"interface Lo0", "  description uplink", ""},
		DryRun:      true,
	})

	require.NoError(t, err)
	env := results["r1"]
	assert.True(t, env.Changed)
	assert.Equal(t, "interface Lo0", env.Diff)
	require.Len(t, session.pushed, 1)
	// Blank lines are dropped, indentation-only trimming applied.
	assert.Equal(t, []string{"interface Lo0", "description uplink"}, session.pushed[0])
	assert.Equal(t, []bool{true}, session.dryRuns)
}

func TestExecuteConnectivity(t *testing.T) {
	ft := newFakeTransport()
	ft.session("10.0.0.1").alive = true
	ft.session("10.0.0.2").alive = false

	exec := newTestExecutor(t, ft,
		testDevice("r1", "10.0.0.1", "cisco_ios", nil),
		testDevice("r2", "10.0.0.2", "cisco_ios", nil),
	)

	results, err := exec.Execute(context.Background(), []string{"r1", "r2"}, TaskSpec{Kind: KindConnectivity})

	require.NoError(t, err)
	assert.False(t, results["r1"].Failed)
	assert.True(t, results["r2"].Failed)
	assert.Equal(t, "session is not alive", results["r2"].Exception)
}

func TestExecuteCapabilityGetFacts(t *testing.T) {
	ft := newFakeTransport()
	ft.session("10.0.0.1").replies["show version"] = transport.Reply{Output: "  IOS XE 17.9  "}

	exec := newTestExecutor(t, ft, testDevice("r1", "10.0.0.1", "cisco_ios", nil))

	results, err := exec.Execute(context.Background(), []string{"r1"}, TaskSpec{
		Kind:       KindCapability,
		Capability: "get_facts",
	})

	require.NoError(t, err)
	env := results["r1"]
	require.False(t, env.Failed)
	facts, ok := env.Result.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "cisco_ios", facts["platform"])
	assert.Equal(t, "show version", facts["version_command"])
	assert.Equal(t, "IOS XE 17.9", facts["version_output"])
}

func TestExecuteSessionEvictedAfterUse(t *testing.T) {
	ft := newFakeTransport()
	ft.session("10.0.0.1").replies["show clock"] = transport.Reply{Output: "ok"}

	exec := newTestExecutor(t, ft, testDevice("r1", "10.0.0.1", "cisco_ios", nil))

	_, err := exec.Execute(context.Background(), []string{"r1"}, TaskSpec{Kind: KindCommand, Command: "show clock"})
	require.NoError(t, err)
	_, err = exec.Execute(context.Background(), []string{"r1"}, TaskSpec{Kind: KindCommand, Command: "show clock"})
	require.NoError(t, err)

	// Nothing stays cached between tasks: each run opens fresh.
	assert.Equal(t, 2, ft.opens["10.0.0.1"])
	assert.True(t, ft.session("10.0.0.1").closed)
}

func TestExecuteCommandSequenceSingleFailure(t *testing.T) {
	ft := newFakeTransport()
	session := ft.session("10.0.0.1")
	session.replies["show version"] = transport.Reply{Output: "v"}
	session.errs["show oops"] = errors.New("invalid input")
	session.replies["show clock"] = transport.Reply{Output: "c"}

	exec := newTestExecutor(t, ft, testDevice("r1", "10.0.0.1", "cisco_ios", nil))

	results, err := exec.Execute(context.Background(), []string{"r1"}, TaskSpec{
		Kind:    KindCommand,
		Command: "show version\nshow oops\nshow clock",
	})

	require.NoError(t, err)
	env := results["r1"]
	assert.True(t, env.Failed)
	assert.Equal(t, "1 command failed", env.Exception)
}

// gateSession blocks its Run until the gate opens, then reports whether it
// was closed while the command was in flight.
type gateSession struct {
	gate      chan struct{}
	started   chan struct{}
	startOnce sync.Once

	mu     sync.Mutex
	closed bool
}

func (s *gateSession) Run(ctx context.Context, command string, _ *float64) (transport.Reply, error) {
	if s.started != nil {
		s.startOnce.Do(func() { close(s.started) })
	}
	<-s.gate
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return transport.Reply{}, errors.New("session closed")
	}
	return transport.Reply{Output: "ok"}, nil
}

func (s *gateSession) PushConfig(context.Context, []string, bool, *float64) (transport.Reply, error) {
	return transport.Reply{}, nil
}

func (s *gateSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *gateSession) IsAlive() bool { return true }

// gateTransport hands out a fresh session per open. The first session blocks
// on the gate and announces its first Run on firstStarted; later sessions run
// immediately.
type gateTransport struct {
	gate         chan struct{}
	firstStarted chan struct{}

	mu       sync.Mutex
	sessions []*gateSession
}

func (t *gateTransport) Open(ctx context.Context, params transport.Params) (transport.Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	session := &gateSession{gate: t.gate}
	if len(t.sessions) == 0 {
		session.started = t.firstStarted
	} else {
		open := make(chan struct{})
		close(open)
		session.gate = open
	}
	t.sessions = append(t.sessions, session)
	return session, nil
}

func (t *gateTransport) opened() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

func TestExecuteConcurrentCallsDoNotShareSessions(t *testing.T) {
	tr := &gateTransport{
		gate:         make(chan struct{}),
		firstStarted: make(chan struct{}),
	}
	repo := &stubDeviceRepo{devices: []db.Device{testDevice("r1", "10.0.0.1", "cisco_ios", nil)}}
	inv := inventory.NewService(repo, zap.NewNop())
	require.NoError(t, inv.Reload(context.Background()))
	exec := New(inv, tr, zap.NewNop(), 4)

	spec := TaskSpec{Kind: KindCommand, Command: "show clock"}

	type outcome struct {
		results map[string]Envelope
		err     error
	}
	first := make(chan outcome, 1)
	go func() {
		results, err := exec.Execute(context.Background(), []string{"r1"}, spec)
		first <- outcome{results: results, err: err}
	}()
	<-tr.firstStarted

	// While the first call is mid-command, a second call on the same host
	// runs to completion, evicting only its own session.
	results, err := exec.Execute(context.Background(), []string{"r1"}, spec)
	require.NoError(t, err)
	assert.False(t, results["r1"].Failed)

	// The first call's session survived the second call, so its command
	// finishes cleanly.
	close(tr.gate)
	got := <-first
	require.NoError(t, got.err)
	assert.False(t, got.results["r1"].Failed, "exception: %s", got.results["r1"].Exception)

	// One session per call, never a shared one.
	assert.Equal(t, 2, tr.opened())
}

func TestKindsCatalog(t *testing.T) {
	kinds := Kinds()
	require.Len(t, kinds, 5)

	byName := map[TaskKind]KindInfo{}
	for _, k := range kinds {
		byName[k.Kind] = k
	}
	assert.True(t, byName[KindConfig].Mutating)
	assert.False(t, byName[KindCommand].Mutating)
	assert.False(t, byName[KindRunningConfig].Mutating)

	assert.Equal(t, []string{"get_facts", "get_interfaces"}, Capabilities())
}
