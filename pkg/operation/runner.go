package operation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/zph/wsusctl/pkg/logger"
)

var tracer = otel.Tracer("github.com/zph/wsusctl/pkg/operation")

// ErrAlreadyRunning is reported when a second operation is attempted.
var ErrAlreadyRunning = errors.New("an operation is already running")

// Progress receives human-readable status lines.
type Progress func(line string)

// Emit calls p when it is non-nil.
func (p Progress) Emit(line string) {
	if p != nil {
		p(line)
	}
}

// Emitf formats and emits a line.
func (p Progress) Emitf(format string, args ...interface{}) {
	if p != nil {
		p(fmt.Sprintf(format, args...))
	}
}

// ChannelProgress adapts a send-only channel into a Progress sink.
func ChannelProgress(ch chan<- string) Progress {
	return func(line string) { ch <- line }
}

// Work is a unit of long-running work. Returning false means failure.
type Work func(ctx context.Context, progress Progress) (bool, error)

// Outcome is the terminal state of one RunOperation call.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeErrored   Outcome = "errored"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeRejected  Outcome = "rejected"
)

// Observer is notified of every accepted operation.
type Observer interface {
	OperationStarted(id, name string, at time.Time)
	OperationLine(id, line string)
	OperationFinished(id string, outcome Outcome, message string, at time.Time)
}

// Recorder receives per-operation measurements.
type Recorder interface {
	ObserveOperation(name string, outcome Outcome, elapsed time.Duration)
}

// Runner enforces single-flight execution and owns the cancellation handle
// of the in-flight operation.
type Runner struct {
	mu            sync.Mutex
	running       bool
	current       string
	currentID     string
	cancel        context.CancelFunc
	statusMessage string

	sink      Progress
	observers []Observer
	recorder  Recorder
}

// NewRunner creates a runner whose lines go to sink.
func NewRunner(sink Progress, observers ...Observer) *Runner {
	return &Runner{
		sink:          sink,
		observers:     observers,
		statusMessage: "Ready",
	}
}

// SetRecorder attaches a metrics recorder.
func (r *Runner) SetRecorder(rec Recorder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recorder = rec
}

// IsRunning reports whether an operation is in flight.
func (r *Runner) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// CurrentOperationName returns the in-flight operation name, or "".
func (r *Runner) CurrentOperationName() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// CurrentOperationID returns the in-flight operation id, or "".
func (r *Runner) CurrentOperationID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.currentID
}

// StatusMessage returns the last caller-visible status line.
func (r *Runner) StatusMessage() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.statusMessage
}

// Cancel requests cancellation of the in-flight operation.
func (r *Runner) Cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		logger.Info("User cancelled operation: %s", r.current)
		r.cancel()
	}
}

// RunOperation runs work under the single-flight gate and reports success.
func (r *Runner) RunOperation(ctx context.Context, name string, work Work) bool {
	return r.Run(ctx, name, work) == OutcomeSucceeded
}

// Run runs work under the single-flight gate and returns the terminal outcome.
func (r *Runner) Run(ctx context.Context, name string, work Work) Outcome {
	opCtx, id, ok := r.begin(ctx, name)
	if !ok {
		r.emit("", "[WARNING] An operation is already running.")
		return OutcomeRejected
	}

	started := time.Now()
	for _, o := range r.observers {
		o.OperationStarted(id, name, started)
	}

	var outcome Outcome
	var message string

	defer func() {
		r.finish(id, name, outcome, message, started)
	}()

	opCtx, span := tracer.Start(opCtx, name)
	span.SetAttributes(attribute.String("operation.id", id))
	defer span.End()

	progress := Progress(func(line string) { r.emit(id, line) })

	logger.Info("Starting operation: %s", name)
	progress(fmt.Sprintf("=== %s ===", name))

	succeeded, err := invoke(opCtx, work, progress)

	switch {
	case isCancellation(opCtx, err, succeeded):
		outcome = OutcomeCancelled
		message = fmt.Sprintf("%s cancelled.", name)
		progress(fmt.Sprintf("=== %s CANCELLED ===", name))
		logger.Info("Operation cancelled: %s", name)
		span.SetStatus(codes.Unset, "cancelled")
	case err != nil:
		outcome = OutcomeErrored
		message = fmt.Sprintf("%s failed with error.", name)
		progress(fmt.Sprintf("[ERROR] %s", err.Error()))
		progress(fmt.Sprintf("=== %s FAILED ===", name))
		logger.Error("Operation error: %s: %v", name, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case succeeded:
		outcome = OutcomeSucceeded
		message = fmt.Sprintf("%s completed successfully.", name)
		progress(fmt.Sprintf("=== %s completed ===", name))
		logger.Info("Operation completed: %s", name)
		span.SetStatus(codes.Ok, "")
	default:
		outcome = OutcomeFailed
		message = fmt.Sprintf("%s failed.", name)
		progress(fmt.Sprintf("=== %s FAILED ===", name))
		logger.Warn("Operation failed: %s", name)
		span.SetStatus(codes.Error, "failed")
	}

	return outcome
}

// begin atomically checks and sets the running flag.
func (r *Runner) begin(parent context.Context, name string) (context.Context, string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return nil, "", false
	}

	ctx, cancel := context.WithCancel(parent)
	id := uuid.NewString()

	r.running = true
	r.current = name
	r.currentID = id
	r.cancel = cancel
	r.statusMessage = fmt.Sprintf("Running: %s...", name)
	return ctx, id, true
}

// finish releases the cancellation handle and clears the running flag.
func (r *Runner) finish(id, name string, outcome Outcome, message string, started time.Time) {
	r.mu.Lock()
	if r.cancel != nil {
		r.cancel()
	}
	r.cancel = nil
	r.running = false
	r.current = ""
	r.currentID = ""
	r.statusMessage = message
	observers := r.observers
	recorder := r.recorder
	r.mu.Unlock()

	for _, o := range observers {
		o.OperationFinished(id, outcome, message, time.Now())
	}
	if recorder != nil {
		recorder.ObserveOperation(name, outcome, time.Since(started))
	}
}

func (r *Runner) emit(id, line string) {
	r.sink.Emit(line)
	if id == "" {
		return
	}
	for _, o := range r.observers {
		o.OperationLine(id, line)
	}
}

// invoke converts a panic inside work into an error.
func invoke(ctx context.Context, work Work, progress Progress) (ok bool, err error) {
	defer func() {
		if p := recover(); p != nil {
			ok = false
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return work(ctx, progress)
}

func isCancellation(ctx context.Context, err error, succeeded bool) bool {
	if errors.Is(err, context.Canceled) {
		return true
	}
	return !succeeded && errors.Is(ctx.Err(), context.Canceled)
}
