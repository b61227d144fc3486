package simulation

import (
	"fmt"
	"io"
	"sort"
	"time"
)

// Reporter formats what a simulation recorded.
type Reporter struct {
	sim *Simulator
	out io.Writer
}

// NewReporter creates a reporter writing to out.
func NewReporter(sim *Simulator, out io.Writer) *Reporter {
	return &Reporter{sim: sim, out: out}
}

// PrintSummary outputs a concise summary of simulation results.
func (r *Reporter) PrintSummary() {
	ops := r.sim.Operations()

	fmt.Fprintln(r.out, "\n"+r.separator())
	fmt.Fprintln(r.out, "[SIMULATION] Summary Report")
	fmt.Fprintln(r.out, r.separator())

	counts := make(map[string]int)
	for _, op := range ops {
		counts[op.Type]++
	}
	types := make([]string, 0, len(counts))
	for t := range counts {
		types = append(types, t)
	}
	sort.Strings(types)

	fmt.Fprintln(r.out, "\n[SIMULATION] Operations Summary:")
	for _, t := range types {
		fmt.Fprintf(r.out, "[SIMULATION]   %-20s: %d\n", t, counts[t])
	}
	fmt.Fprintf(r.out, "[SIMULATION]   %-20s: %d\n", "Total", len(ops))

	duration := time.Since(r.sim.StartTime())
	fmt.Fprintf(r.out, "\n[SIMULATION] Simulation Duration  : %s\n", duration.Round(time.Millisecond))
	fmt.Fprintln(r.out, "\n[SIMULATION] No actual changes were made to the server.")
	fmt.Fprintln(r.out, r.separator())
}

// PrintDetailed outputs every recorded operation.
func (r *Reporter) PrintDetailed() {
	ops := r.sim.Operations()
	start := r.sim.StartTime()

	fmt.Fprintln(r.out, "\n"+r.separator())
	fmt.Fprintln(r.out, "[SIMULATION] Detailed Operation Log")
	fmt.Fprintln(r.out, r.separator())

	for i, op := range ops {
		elapsed := op.Timestamp.Sub(start)
		fmt.Fprintf(r.out, "\n[SIMULATION] [%03d] [%s] %s\n", i+1, elapsed.Round(time.Millisecond), op.Type)
		fmt.Fprintf(r.out, "[SIMULATION]       Target: %s\n", op.Target)
		if op.Details != "" {
			fmt.Fprintf(r.out, "[SIMULATION]       Details: %s\n", op.Details)
		}
		if op.Result != "success" {
			fmt.Fprintf(r.out, "[SIMULATION]       Result: %s\n", op.Result)
			if op.Error != "" {
				fmt.Fprintf(r.out, "[SIMULATION]       Error: %s\n", op.Error)
			}
		}
	}

	fmt.Fprintln(r.out, "\n"+r.separator())
}

func (r *Reporter) separator() string {
	return "================================================================"
}

// GetOperationCount returns the total number of operations.
func (r *Reporter) GetOperationCount() int {
	return len(r.sim.Operations())
}

// HasErrors returns true if any operation failed.
func (r *Reporter) HasErrors() bool {
	return len(r.GetErrors()) > 0
}

// GetErrors returns all failed operations.
func (r *Reporter) GetErrors() []Operation {
	var failed []Operation
	for _, op := range r.sim.Operations() {
		if op.Result != "success" {
			failed = append(failed, op)
		}
	}
	return failed
}

// PrintErrors prints all errors encountered.
func (r *Reporter) PrintErrors() {
	failed := r.GetErrors()
	if len(failed) == 0 {
		return
	}

	fmt.Fprintln(r.out, "\n[SIMULATION] Errors Encountered:")
	for i, op := range failed {
		fmt.Fprintf(r.out, "[SIMULATION]   [%d] %s: %s\n", i+1, op.Type, op.Error)
		fmt.Fprintf(r.out, "[SIMULATION]       Target: %s\n", op.Target)
	}
}
