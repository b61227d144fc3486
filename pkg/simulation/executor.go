package simulation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	mssql "github.com/microsoft/go-mssqldb"

	"github.com/zph/wsusctl/pkg/executor"
	"github.com/zph/wsusctl/pkg/services"
	"github.com/zph/wsusctl/pkg/store"
)

// Simulator stands in for an update server. Its Runner, Store and Services
// facets share one state so a scenario can be observed end to end.
type Simulator struct {
	config   *Config
	state    *SimulationState
	services map[string]services.State
	mu       sync.Mutex
}

// New creates a simulator from config.
func New(config *Config) *Simulator {
	s := &Simulator{
		config:   config,
		state:    NewSimulationState(),
		services: make(map[string]services.State),
	}
	s.initializePreconfiguredState()
	return s
}

func (s *Simulator) initializePreconfiguredState() {
	s.config.mu.Lock()
	defer s.config.mu.Unlock()

	for path, content := range s.config.ExistingFiles {
		s.state.Files[strings.ToLower(path)] = &SimulatedFile{Path: path, Content: content, CreatedAt: s.state.StartTime}
	}
	for _, dir := range s.config.ExistingDirectories {
		s.state.Dirs[strings.ToLower(dir)] = true
	}
	for name, st := range s.config.Services {
		s.services[name] = st
	}
}

// Operations returns a copy of everything recorded so far.
func (s *Simulator) Operations() []Operation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Operation(nil), s.state.Operations...)
}

// OperationsOfType filters recorded operations.
func (s *Simulator) OperationsOfType(opType string) []Operation {
	var out []Operation
	for _, op := range s.Operations() {
		if op.Type == opType {
			out = append(out, op)
		}
	}
	return out
}

// Targets returns the targets of recorded operations of opType, in order.
func (s *Simulator) Targets(opType string) []string {
	var out []string
	for _, op := range s.OperationsOfType(opType) {
		out = append(out, op.Target)
	}
	return out
}

// ServiceState returns the current simulated state of a service.
func (s *Simulator) ServiceState(name string) services.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.services[name]
	if !ok {
		return services.StateNotInstalled
	}
	return st
}

// StartTime is when the simulation began.
func (s *Simulator) StartTime() time.Time {
	return s.state.StartTime
}

func (s *Simulator) fail(opType, target, details string) error {
	f := s.config.shouldFail(opType, target)
	if f == nil {
		return nil
	}
	s.state.RecordFailure(opType, target, details, f.Error)
	if f.ErrorNumber != 0 {
		return mssql.Error{Number: f.ErrorNumber, Message: f.Error}
	}
	return errors.New(f.Error)
}

// Runner returns the command-runner facet.
func (s *Simulator) Runner() *Executor { return &Executor{sim: s} }

// Executor records commands instead of running them.
type Executor struct {
	sim *Simulator
}

var _ executor.Runner = (*Executor)(nil)

// CommandKey is the lookup key for a command: executable base name plus
// arguments joined by spaces.
func CommandKey(name string, args []string) string {
	base := name
	if i := strings.LastIndexAny(base, `\/`); i >= 0 {
		base = base[i+1:]
	}
	return strings.TrimSpace(base + " " + strings.Join(args, " "))
}

func (e *Executor) Run(ctx context.Context, name string, args []string, progress executor.LineFunc) (*executor.CommandResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := e.sim
	key := CommandKey(name, args)

	s.mu.Lock()
	if err := s.fail(OpExecute, key, ""); err != nil {
		s.mu.Unlock()
		return nil, err
	}

	res := &executor.CommandResult{}
	if k, ok := longestKey(s.config.ExitCodes, func(k string) bool { return strings.HasPrefix(key, k) }); ok {
		res.ExitCode = s.config.ExitCodes[k]
	}
	if k, ok := longestKey(s.config.Responses, func(k string) bool { return strings.HasPrefix(key, k) }); ok {
		if out := s.config.Responses[k]; out != "" {
			res.Lines = strings.Split(out, "\n")
		}
	}
	s.state.RecordOperation(OpExecute, key, "", map[string]interface{}{"exit_code": res.ExitCode})
	s.mu.Unlock()

	if progress != nil {
		for _, line := range res.Lines {
			progress(line)
		}
	}
	return res, nil
}

func (e *Executor) FileExists(ctx context.Context, path string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s := e.sim
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fail(OpFileExists, path, ""); err != nil {
		return false, err
	}
	key := strings.ToLower(path)
	_, isFile := s.state.Files[key]
	exists := isFile || s.state.Dirs[key]
	s.state.RecordOperation(OpFileExists, path, fmt.Sprintf("exists=%t", exists), nil)
	return exists, nil
}

func (e *Executor) DiskFree(ctx context.Context, path string) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s := e.sim
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fail(OpDiskFree, path, ""); err != nil {
		return 0, err
	}
	s.state.RecordOperation(OpDiskFree, path, fmt.Sprintf("%d bytes", s.config.DiskFree), nil)
	return s.config.DiskFree, nil
}

func (e *Executor) Close() error { return nil }

// AddFile places a file on the simulated server, e.g. a backup artifact.
func (s *Simulator) AddFile(path string, content []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Files[strings.ToLower(path)] = &SimulatedFile{Path: path, Content: content, CreatedAt: s.state.StartTime}
}

// Store returns the relational store facet.
func (s *Simulator) Store() *Store { return &Store{sim: s} }

// Provider returns a store.Provider handing out the simulated store for
// every instance.
func (s *Simulator) Provider() store.Provider { return store.Static(s.Store()) }

// Store answers queries from configured fragments.
type Store struct {
	sim *Simulator
}

var _ store.Store = (*Store)(nil)

func normalizeQuery(q string) string {
	return strings.Join(strings.Fields(q), " ")
}

func (st *Store) Scalar(ctx context.Context, database, query string, timeoutSeconds int, args ...any) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := st.sim
	q := normalizeQuery(query)
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fail(OpSQLScalar, q, database); err != nil {
		return nil, err
	}
	var v any
	if k, ok := longestKey(s.config.Scalars, func(k string) bool { return strings.Contains(q, k) }); ok {
		v = s.config.Scalars[k]
	}
	s.state.RecordOperation(OpSQLScalar, q, database, map[string]interface{}{"timeout": timeoutSeconds, "args": args})
	return v, nil
}

func (st *Store) Exec(ctx context.Context, database, query string, timeoutSeconds int, args ...any) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s := st.sim
	q := normalizeQuery(query)
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fail(OpSQLExec, q, database); err != nil {
		return 0, err
	}
	var n int64
	if k, ok := longestKey(s.config.RowsAffected, func(k string) bool { return strings.Contains(q, k) }); ok {
		seq := s.config.RowsAffected[k]
		i := s.state.execCursor[k]
		if len(seq) > 0 {
			if i >= len(seq) {
				i = len(seq) - 1
			}
			n = seq[i]
		}
		s.state.execCursor[k]++
	}
	s.state.RecordOperation(OpSQLExec, q, database, map[string]interface{}{"timeout": timeoutSeconds, "rows": n, "args": args})
	return n, nil
}

func (st *Store) Query(ctx context.Context, database, query string, timeoutSeconds int, args ...any) ([]store.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := st.sim
	q := normalizeQuery(query)
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fail(OpSQLQuery, q, database); err != nil {
		return nil, err
	}
	var rows []store.Row
	if k, ok := longestKey(s.config.Rows, func(k string) bool { return strings.Contains(q, k) }); ok {
		rows = append(rows, s.config.Rows[k]...)
	}
	s.state.RecordOperation(OpSQLQuery, q, database, map[string]interface{}{"timeout": timeoutSeconds, "rows": len(rows)})
	return rows, nil
}

func (st *Store) Page(ctx context.Context, database, query string, offset, limit, timeoutSeconds int, args ...any) ([]store.Row, error) {
	if !strings.Contains(strings.ToUpper(query), "ORDER BY") {
		return nil, fmt.Errorf("page query must contain ORDER BY")
	}
	rows, err := st.Query(ctx, database, query, timeoutSeconds, args...)
	if err != nil {
		return nil, err
	}
	if offset >= len(rows) {
		return nil, nil
	}
	end := offset + limit
	if end > len(rows) {
		end = len(rows)
	}
	return rows[offset:end], nil
}

// Services returns the service-controller facet.
func (s *Simulator) Services() *ServiceController { return &ServiceController{sim: s} }

// ServiceController flips simulated service states.
type ServiceController struct {
	sim *Simulator
}

var _ services.Controller = (*ServiceController)(nil)

func (c *ServiceController) Status(ctx context.Context, name string) (services.Status, error) {
	if err := ctx.Err(); err != nil {
		return services.Status{Name: name}, err
	}
	s := c.sim
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fail(OpServiceQuery, name, ""); err != nil {
		return services.Status{Name: name}, err
	}
	st, ok := s.services[name]
	if !ok {
		return services.Status{Name: name, State: services.StateNotInstalled}, services.ErrNotInstalled
	}
	return services.Status{Name: name, State: st}, nil
}

func (c *ServiceController) Start(ctx context.Context, name string) error {
	return c.transition(ctx, OpServiceStart, name, services.StateRunning)
}

func (c *ServiceController) Stop(ctx context.Context, name string) error {
	return c.transition(ctx, OpServiceStop, name, services.StateStopped)
}

func (c *ServiceController) transition(ctx context.Context, opType, name string, to services.State) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s := c.sim
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fail(opType, name, ""); err != nil {
		return err
	}
	if _, ok := s.services[name]; !ok {
		s.state.RecordFailure(opType, name, "", services.ErrNotInstalled.Error())
		return services.ErrNotInstalled
	}
	s.services[name] = to
	s.state.RecordOperation(opType, name, to.String(), nil)
	return nil
}
