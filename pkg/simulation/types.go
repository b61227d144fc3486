package simulation

import (
	"fmt"
	"time"
)

// Operation is one recorded call against the simulated server.
type Operation struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`   // execute, sql_exec, service_start, ...
	Target    string                 `json:"target"` // command line, query, or service name
	Details   string                 `json:"details"`
	Result    string                 `json:"result"` // success, failure
	Error     string                 `json:"error,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Operation types.
const (
	OpExecute      = "execute"
	OpFileExists   = "file_exists"
	OpDiskFree     = "disk_free"
	OpSQLScalar    = "sql_scalar"
	OpSQLExec      = "sql_exec"
	OpSQLQuery     = "sql_query"
	OpServiceQuery = "service_status"
	OpServiceStart = "service_start"
	OpServiceStop  = "service_stop"
)

// ConfiguredFailure makes matching operations fail. Target "*" matches
// everything; otherwise it matches when the operation target contains it.
// Times limits how often the failure fires; 0 means always.
type ConfiguredFailure struct {
	Operation string
	Target    string
	Error     string
	Times     int
	// ErrorNumber, when set, makes SQL failures carry a server error number.
	ErrorNumber int32

	fired int
}

// SimulatedFile is a file present on the simulated server.
type SimulatedFile struct {
	Path      string
	Content   []byte
	CreatedAt time.Time
}

// SimulationState is everything the simulator has observed or mutated.
type SimulationState struct {
	Operations []Operation
	StartTime  time.Time
	Files      map[string]*SimulatedFile
	Dirs       map[string]bool

	// execCursor tracks the position within each RowsAffected sequence.
	execCursor map[string]int
}

// NewSimulationState creates an empty state.
func NewSimulationState() *SimulationState {
	return &SimulationState{
		Operations: make([]Operation, 0),
		StartTime:  time.Now(),
		Files:      make(map[string]*SimulatedFile),
		Dirs:       make(map[string]bool),
		execCursor: make(map[string]int),
	}
}

// RecordOperation appends a successful operation.
func (s *SimulationState) RecordOperation(opType, target, details string, metadata map[string]interface{}) {
	s.Operations = append(s.Operations, Operation{
		ID:        generateOperationID(len(s.Operations)),
		Type:      opType,
		Target:    target,
		Details:   details,
		Result:    "success",
		Timestamp: time.Now(),
		Metadata:  metadata,
	})
}

// RecordFailure appends a failed operation.
func (s *SimulationState) RecordFailure(opType, target, details, errorMsg string) {
	s.Operations = append(s.Operations, Operation{
		ID:        generateOperationID(len(s.Operations)),
		Type:      opType,
		Target:    target,
		Details:   details,
		Result:    "failure",
		Error:     errorMsg,
		Timestamp: time.Now(),
	})
}

func generateOperationID(index int) string {
	return fmt.Sprintf("op-%04d", index+1)
}
