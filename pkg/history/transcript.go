package history

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/zph/wsusctl/pkg/logger"
	"github.com/zph/wsusctl/pkg/operation"
)

const transcriptTimeFormat = "2006-01-02 15:04:05"

type transcriptFile struct {
	f *os.File
	w *bufio.Writer
}

// Transcripts writes every operation line to a per-operation log file.
// It implements operation.Observer.
type Transcripts struct {
	path TranscriptFunc
	now  func() time.Time

	mu    sync.Mutex
	files map[string]*transcriptFile
}

// NewTranscripts creates a transcript writer. path names each file.
func NewTranscripts(path TranscriptFunc) *Transcripts {
	return &Transcripts{path: path, now: time.Now, files: make(map[string]*transcriptFile)}
}

func (t *Transcripts) OperationStarted(id, name string, at time.Time) {
	path := t.path(name, at)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		logger.Warn("transcript: %v", err)
		return
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		logger.Warn("transcript: failed to open %s: %v", path, err)
		return
	}
	tf := &transcriptFile{f: f, w: bufio.NewWriter(f)}
	fmt.Fprintf(tf.w, "# %s\n# id: %s\n# started: %s\n", name, id, at.Format(time.RFC3339))

	t.mu.Lock()
	t.files[id] = tf
	t.mu.Unlock()
}

func (t *Transcripts) OperationLine(id, line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tf, ok := t.files[id]
	if !ok {
		return
	}
	fmt.Fprintf(tf.w, "[%s] %s\n", t.now().Format(transcriptTimeFormat), strings.TrimRight(line, "\r\n"))
}

func (t *Transcripts) OperationFinished(id string, outcome operation.Outcome, message string, at time.Time) {
	t.mu.Lock()
	tf, ok := t.files[id]
	delete(t.files, id)
	t.mu.Unlock()
	if !ok {
		return
	}
	fmt.Fprintf(tf.w, "# finished: %s\n# outcome: %s\n# %s\n", at.Format(time.RFC3339), outcome, message)
	if err := tf.w.Flush(); err != nil {
		logger.Warn("transcript: flush failed: %v", err)
	}
	if err := tf.f.Close(); err != nil {
		logger.Warn("transcript: close failed: %v", err)
	}
}

// ReadTranscript returns the contents of a transcript file.
func ReadTranscript(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("no transcript recorded")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read transcript: %w", err)
	}
	return string(b), nil
}

// RemoveTranscripts deletes the transcript files of pruned entries.
// Missing files are ignored.
func RemoveTranscripts(entries []Entry) int {
	removed := 0
	for _, e := range entries {
		if e.Transcript == "" {
			continue
		}
		if err := os.Remove(e.Transcript); err != nil {
			if !os.IsNotExist(err) {
				logger.Warn("transcript: failed to remove %s: %v", e.Transcript, err)
			}
			continue
		}
		removed++
	}
	return removed
}

var _ operation.Observer = (*Transcripts)(nil)
