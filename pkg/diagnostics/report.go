package diagnostics

import (
	"fmt"
	"time"
)

// Status is the verdict of one check.
type Status int

const (
	StatusPass Status = iota
	StatusFail
	StatusWarning
	StatusSkipped
)

func (s Status) String() string {
	switch s {
	case StatusPass:
		return "PASS"
	case StatusFail:
		return "FAIL"
	case StatusWarning:
		return "WARN"
	case StatusSkipped:
		return "SKIP"
	}
	return "????"
}

// MarshalText renders the status by name in JSON and YAML reports.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// CheckResult is the outcome of one check, including any repair.
type CheckResult struct {
	Name    string `json:"name"`
	Status  Status `json:"status"`
	Message string `json:"message"`

	RepairAttempted bool   `json:"repair_attempted,omitempty"`
	RepairSucceeded bool   `json:"repair_succeeded,omitempty"`
	RepairMessage   string `json:"repair_message,omitempty"`
}

func pass(name, msg string) CheckResult { return CheckResult{Name: name, Status: StatusPass, Message: msg} }
func fail(name, msg string) CheckResult { return CheckResult{Name: name, Status: StatusFail, Message: msg} }
func warn(name, msg string) CheckResult {
	return CheckResult{Name: name, Status: StatusWarning, Message: msg}
}

// repaired records a repair attempt. A successful repair turns the check
// into a pass.
func repaired(name, msg string, ok bool, repairMsg string) CheckResult {
	r := CheckResult{
		Name:            name,
		Status:          StatusFail,
		Message:         msg,
		RepairAttempted: true,
		RepairSucceeded: ok,
		RepairMessage:   repairMsg,
	}
	if ok {
		r.Status = StatusPass
	}
	return r
}

// Line renders the progress line for the result.
func (r CheckResult) Line() string {
	line := fmt.Sprintf("[%s] %s - %s", r.Status, r.Name, r.Message)
	if r.RepairAttempted {
		if r.RepairSucceeded {
			line += " -> Repaired: " + r.RepairMessage
		} else {
			line += " -> Repair failed: " + r.RepairMessage
		}
	}
	return line
}

// Report is the ordered result of a diagnostics run. Counts are derived.
type Report struct {
	Checks      []CheckResult `json:"checks"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at"`
}

func (r *Report) count(match func(CheckResult) bool) int {
	n := 0
	for _, c := range r.Checks {
		if match(c) {
			n++
		}
	}
	return n
}

// TotalChecks excludes skipped checks.
func (r *Report) TotalChecks() int {
	return r.count(func(c CheckResult) bool { return c.Status != StatusSkipped })
}

func (r *Report) PassedCount() int {
	return r.count(func(c CheckResult) bool { return c.Status == StatusPass })
}

func (r *Report) FailedCount() int {
	return r.count(func(c CheckResult) bool { return c.Status == StatusFail })
}

func (r *Report) WarningCount() int {
	return r.count(func(c CheckResult) bool { return c.Status == StatusWarning })
}

func (r *Report) RepairedCount() int {
	return r.count(func(c CheckResult) bool { return c.RepairAttempted && c.RepairSucceeded })
}

// IsHealthy reports whether no check failed. Warnings do not count.
func (r *Report) IsHealthy() bool { return r.FailedCount() == 0 }

// Duration is the wall time of the run.
func (r *Report) Duration() time.Duration { return r.CompletedAt.Sub(r.StartedAt) }

// Summary is the closing progress line.
func (r *Report) Summary() string {
	return fmt.Sprintf("Diagnostics complete: %d/%d checks passed, %d failed, %d auto-repaired.",
		r.PassedCount(), r.TotalChecks(), r.FailedCount(), r.RepairedCount())
}
