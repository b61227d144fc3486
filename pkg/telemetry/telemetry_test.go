package telemetry_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zph/wsusctl/pkg/config"
	"github.com/zph/wsusctl/pkg/operation"
	"github.com/zph/wsusctl/pkg/telemetry"
)

func TestInitNoneIsNoop(t *testing.T) {
	shutdown, err := telemetry.Init(context.Background(), config.TracingConfig{Exporter: "none"}, "dev")
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestInitRejectsUnknownExporter(t *testing.T) {
	_, err := telemetry.Init(context.Background(), config.TracingConfig{Exporter: "zipkin"}, "dev")
	assert.ErrorIs(t, err, telemetry.ErrUnknownExporter)
}

func TestInitUnwritableTraceFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing", "trace.json")
	_, err := telemetry.Init(context.Background(), config.TracingConfig{Exporter: "stdout", File: path}, "dev")
	assert.ErrorContains(t, err, "failed to open trace file")
}

// Installs the global provider; keep it the only test here that does.
func TestStdoutExporterRecordsOperationSpans(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.json")
	shutdown, err := telemetry.Init(context.Background(),
		config.TracingConfig{Exporter: "stdout", File: path}, "1.2.3")
	require.NoError(t, err)

	runner := operation.NewRunner(nil)
	outcome := runner.Run(context.Background(), "Deep Cleanup", func(ctx context.Context, progress operation.Progress) (bool, error) {
		return true, nil
	})
	require.Equal(t, operation.OutcomeSucceeded, outcome)
	require.NoError(t, shutdown(context.Background()))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(raw)
	assert.Contains(t, text, `"Name":"Deep Cleanup"`)
	assert.Contains(t, text, `"operation.id"`)
	assert.Contains(t, text, `"Value":"wsusctl"`)
	assert.Contains(t, text, `"Value":"1.2.3"`)
}
