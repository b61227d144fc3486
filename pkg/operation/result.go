package operation

// Result is the outcome of a unit of work. Fields are unexported so that
// Ok, Fail and their typed variants are the only producers.
type Result struct {
	success  bool
	message  string
	err      error
	degraded bool
}

// Ok builds a successful result.
func Ok(message string) Result {
	return Result{success: true, message: message}
}

// Fail builds a failed result. err may be nil.
func Fail(message string, err error) Result {
	return Result{message: message, err: err}
}

// FailDegraded builds a failed result that also left the target in a state
// needing manual intervention.
func FailDegraded(message string, err error) Result {
	return Result{message: message, err: err, degraded: true}
}

func (r Result) Success() bool   { return r.success }
func (r Result) Message() string { return r.message }
func (r Result) Err() error      { return r.err }

// Degraded reports whether cleanup after a failure did not complete.
func (r Result) Degraded() bool { return r.degraded }

// Detail is the message followed by the underlying error, if any.
func (r Result) Detail() string {
	if r.err != nil && r.err.Error() != r.message {
		return r.message + ": " + r.err.Error()
	}
	return r.message
}

// String renders the result for progress output.
func (r Result) String() string {
	if r.success {
		return "[OK] " + r.message
	}
	return "[FAIL] " + r.Detail()
}

// TypedResult carries a payload on success. A failed TypedResult always
// holds the zero value of T.
type TypedResult[T any] struct {
	Result
	data T
}

// OkWith builds a successful typed result.
func OkWith[T any](data T, message string) TypedResult[T] {
	return TypedResult[T]{Result: Ok(message), data: data}
}

// FailWith builds a failed typed result.
func FailWith[T any](message string, err error) TypedResult[T] {
	return TypedResult[T]{Result: Fail(message, err)}
}

// Data returns the payload.
func (r TypedResult[T]) Data() T { return r.data }
