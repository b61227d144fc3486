package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zph/wsusctl/pkg/executor"
)

// fakeController flips state on Start/Stop and can fail a number of starts.
type fakeController struct {
	mu         sync.Mutex
	states     map[string]State
	failStarts int
	startCalls int
	stopErr    error
	log        []string
}

func newFakeController(states map[string]State) *fakeController {
	return &fakeController{states: states}
}

func (f *fakeController) Status(_ context.Context, name string) (Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.states[name]
	if !ok {
		return Status{Name: name, State: StateNotInstalled}, ErrNotInstalled
	}
	return Status{Name: name, State: st}, nil
}

func (f *fakeController) Start(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startCalls++
	f.log = append(f.log, "start "+name)
	if _, ok := f.states[name]; !ok {
		return ErrNotInstalled
	}
	if f.failStarts > 0 {
		f.failStarts--
		return errors.New("service did not respond")
	}
	f.states[name] = StateRunning
	return nil
}

func (f *fakeController) Stop(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log = append(f.log, "stop "+name)
	if f.stopErr != nil {
		return f.stopErr
	}
	f.states[name] = StateStopped
	return nil
}

func fastManager(ctl Controller) *Manager {
	return NewManager(ctl, WithRetry(3, time.Millisecond), WithWait(50*time.Millisecond, time.Millisecond))
}

func TestManager_Start(t *testing.T) {
	t.Run("already running", func(t *testing.T) {
		ctl := newFakeController(map[string]State{WSUS: StateRunning})
		res := fastManager(ctl).Start(context.Background(), WSUS)
		assert.True(t, res.Success())
		assert.Equal(t, "WsusService is already running.", res.Message())
		assert.Zero(t, ctl.startCalls)
	})

	t.Run("succeeds after retries", func(t *testing.T) {
		ctl := newFakeController(map[string]State{WSUS: StateStopped})
		ctl.failStarts = 2
		res := fastManager(ctl).Start(context.Background(), WSUS)
		assert.True(t, res.Success(), res.String())
		assert.Equal(t, 3, ctl.startCalls)
	})

	t.Run("gives up after three attempts", func(t *testing.T) {
		ctl := newFakeController(map[string]State{WSUS: StateStopped})
		ctl.failStarts = 5
		res := fastManager(ctl).Start(context.Background(), WSUS)
		assert.False(t, res.Success())
		assert.Equal(t, 3, ctl.startCalls)
		assert.Contains(t, res.Detail(), "after 3 attempts")
	})

	t.Run("not installed is not retried", func(t *testing.T) {
		ctl := newFakeController(map[string]State{})
		res := fastManager(ctl).Start(context.Background(), WSUS)
		assert.False(t, res.Success())
		assert.ErrorIs(t, res.Err(), ErrNotInstalled)
		assert.Equal(t, 1, ctl.startCalls)
	})
}

func TestManager_StartTimesOutWaiting(t *testing.T) {
	ctl := &stuckController{fakeController: newFakeController(map[string]State{IIS: StateStopped})}
	m := NewManager(ctl, WithRetry(1, 0), WithWait(20*time.Millisecond, 5*time.Millisecond))

	res := m.Start(context.Background(), IIS)
	assert.False(t, res.Success())
	assert.Contains(t, res.Detail(), "timed out")
}

// stuckController accepts Start but never leaves StartPending.
type stuckController struct {
	*fakeController
}

func (s *stuckController) Start(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[name] = StateStartPending
	return nil
}

func TestManager_StopAndOrder(t *testing.T) {
	ctl := newFakeController(map[string]State{
		SQLExpress: StateStopped,
		IIS:        StateStopped,
		WSUS:       StateStopped,
	})
	m := fastManager(ctl)

	var lines []string
	res := m.StartAll(context.Background(), func(l string) { lines = append(lines, l) })
	require.True(t, res.Success())
	assert.Equal(t, []string{"start MSSQL$SQLEXPRESS", "start W3SVC", "start WsusService"}, ctl.log)
	assert.Contains(t, lines, "[OK] WSUS running.")

	ctl.log = nil
	res = m.StopAll(context.Background(), nil)
	require.True(t, res.Success())
	assert.Equal(t, []string{"stop WsusService", "stop W3SVC", "stop MSSQL$SQLEXPRESS"}, ctl.log)

	res = m.Stop(context.Background(), WSUS)
	assert.True(t, res.Success())
	assert.Equal(t, "WsusService is already stopped.", res.Message())
}

func TestManager_StopAllContinuesPastFailures(t *testing.T) {
	ctl := newFakeController(map[string]State{SQLExpress: StateRunning, IIS: StateRunning, WSUS: StateRunning})
	ctl.stopErr = errors.New("access denied")

	var lines []string
	res := fastManager(ctl).StopAll(context.Background(), func(l string) { lines = append(lines, l) })
	assert.True(t, res.Success())
	assert.Len(t, ctl.log, 3)
	assert.Contains(t, lines, "[FAIL] WSUS: Failed to stop WsusService: access denied")
}

func TestManager_StartAllStopsAtFirstFailure(t *testing.T) {
	ctl := newFakeController(map[string]State{SQLExpress: StateStopped, WSUS: StateStopped})
	res := fastManager(ctl).StartAll(context.Background(), nil)
	assert.False(t, res.Success())
	assert.Equal(t, "Failed to start IIS", res.Message())
	assert.NotContains(t, ctl.log, "start WsusService")
}

func TestManager_CancelledDuringRetry(t *testing.T) {
	ctl := newFakeController(map[string]State{WSUS: StateStopped})
	ctl.failStarts = 10
	m := NewManager(ctl, WithRetry(3, time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	res := m.Start(ctx, WSUS)
	assert.False(t, res.Success())
	assert.ErrorIs(t, res.Err(), context.Canceled)
	assert.Equal(t, 1, ctl.startCalls)
}

// scriptRunner answers sc.exe invocations from a table.
type scriptRunner struct {
	responses map[string]*executor.CommandResult
	calls     []string
}

func (r *scriptRunner) Run(_ context.Context, name string, args []string, _ executor.LineFunc) (*executor.CommandResult, error) {
	key := strings.Join(append([]string{name}, args...), " ")
	r.calls = append(r.calls, key)
	if res, ok := r.responses[key]; ok {
		return res, nil
	}
	return &executor.CommandResult{ExitCode: 1}, nil
}

func (r *scriptRunner) FileExists(context.Context, string) (bool, error) { return false, nil }
func (r *scriptRunner) DiskFree(context.Context, string) (uint64, error) { return 0, nil }
func (r *scriptRunner) Close() error                                    { return nil }

func TestCommandController(t *testing.T) {
	r := &scriptRunner{responses: map[string]*executor.CommandResult{
		"sc.exe query WsusService": {Lines: []string{
			"SERVICE_NAME: WsusService",
			"        TYPE               : 20  WIN32_SHARE_PROCESS",
			"        STATE              : 4  RUNNING",
		}},
		"sc.exe query W3SVC": {Lines: []string{
			"SERVICE_NAME: W3SVC",
			"        STATE              : 1  STOPPED",
		}},
		"sc.exe query SQLBrowser": {ExitCode: scServiceDoesNotExist},
		"sc.exe start WsusService": {ExitCode: scServiceAlreadyRunning},
		"sc.exe stop W3SVC":        {ExitCode: scServiceNotActive},
		"sc.exe start SQLBrowser":  {ExitCode: scServiceDoesNotExist},
	}}
	c := NewCommandController(r)
	ctx := context.Background()

	st, err := c.Status(ctx, WSUS)
	require.NoError(t, err)
	assert.Equal(t, StateRunning, st.State)

	st, err = c.Status(ctx, IIS)
	require.NoError(t, err)
	assert.Equal(t, StateStopped, st.State)

	st, err = c.Status(ctx, SQLBrowser)
	assert.ErrorIs(t, err, ErrNotInstalled)
	assert.Equal(t, StateNotInstalled, st.State)

	assert.NoError(t, c.Start(ctx, WSUS))
	assert.NoError(t, c.Stop(ctx, IIS))
	assert.ErrorIs(t, c.Start(ctx, SQLBrowser), ErrNotInstalled)
	assert.Error(t, c.Stop(ctx, "Other"))
}

func TestParseSCState(t *testing.T) {
	assert.Equal(t, StateStartPending, parseSCState("STATE : 2  START_PENDING"))
	assert.Equal(t, StatePaused, parseSCState("        STATE              : 7  PAUSED"))
	assert.Equal(t, StateUnknown, parseSCState("garbage"))
	assert.Equal(t, "Running", StateRunning.String())
	assert.Equal(t, "SQL Browser", DisplayName(SQLBrowser))
	assert.Equal(t, "IIS", DisplayName(IIS))
}
