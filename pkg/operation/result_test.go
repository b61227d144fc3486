package operation

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResultFactories(t *testing.T) {
	ok := Ok("done")
	assert.True(t, ok.Success())
	assert.Equal(t, "done", ok.Message())
	assert.NoError(t, ok.Err())
	assert.Equal(t, "[OK] done", ok.String())

	cause := errors.New("disk full")
	fail := Fail("backup failed", cause)
	assert.False(t, fail.Success())
	assert.False(t, fail.Degraded())
	assert.ErrorIs(t, fail.Err(), cause)
	assert.Equal(t, "[FAIL] backup failed: disk full", fail.String())

	degraded := FailDegraded("restore failed", nil)
	assert.False(t, degraded.Success())
	assert.True(t, degraded.Degraded())
	assert.Equal(t, "[FAIL] restore failed", degraded.String())
}

func TestTypedResult(t *testing.T) {
	ok := OkWith(42, "counted")
	assert.True(t, ok.Success())
	assert.Equal(t, 42, ok.Data())

	fail := FailWith[int]("count failed", errors.New("timeout"))
	assert.False(t, fail.Success())
	assert.Equal(t, 0, fail.Data())

	type payload struct{ Names []string }
	failStruct := FailWith[payload]("lookup failed", nil)
	assert.Nil(t, failStruct.Data().Names)
}
