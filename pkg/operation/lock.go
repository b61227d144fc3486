package operation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/zph/wsusctl/pkg/logger"
)

// DefaultLockTimeout bounds how long a crashed holder can block others.
const DefaultLockTimeout = 6 * time.Hour

// ErrLocked is returned when another process holds the operation lock.
var ErrLocked = errors.New("operation lock is held")

// ServerLock is the on-disk record preventing two wsusctl processes from
// operating on the same update server at once.
type ServerLock struct {
	Server      string    `json:"server"`
	OperationID string    `json:"operation_id"`
	Operation   string    `json:"operation"`
	LockedBy    string    `json:"locked_by"` // "user@host:pid"
	LockedAt    time.Time `json:"locked_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	RenewCount  int       `json:"renew_count"`
}

// Expired reports whether the lock can be taken over.
func (l *ServerLock) Expired() bool {
	return time.Now().After(l.ExpiresAt)
}

// LockManager manages the lock file.
type LockManager struct {
	path string
}

// NewLockManager creates a lock manager writing to path.
func NewLockManager(path string) *LockManager {
	return &LockManager{path: path}
}

// Path returns the lock file location.
func (m *LockManager) Path() string {
	return m.path
}

// Acquire takes the lock for operation against server. An expired lock is
// taken over; a live one yields ErrLocked.
func (m *LockManager) Acquire(server, operationID, operation string, timeout time.Duration) (*ServerLock, error) {
	if timeout == 0 {
		timeout = DefaultLockTimeout
	}

	existing, err := m.Get()
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if !existing.Expired() {
			return nil, fmt.Errorf("%w by %s (operation: %s, server: %s, expires: %s)",
				ErrLocked, existing.LockedBy, existing.Operation, existing.Server,
				existing.ExpiresAt.Format(time.RFC3339))
		}
		logger.Warn("Found expired lock from %s, acquiring new lock", existing.LockedBy)
	}

	now := time.Now()
	lock := &ServerLock{
		Server:      server,
		OperationID: operationID,
		Operation:   operation,
		LockedBy:    lockedByIdentifier(),
		LockedAt:    now,
		ExpiresAt:   now.Add(timeout),
	}

	if err := m.save(lock); err != nil {
		return nil, fmt.Errorf("failed to save lock: %w", err)
	}
	return lock, nil
}

// Renew extends a lock this process owns.
func (m *LockManager) Renew(lock *ServerLock, extension time.Duration) error {
	current, err := m.Get()
	if err != nil {
		return err
	}
	if current == nil {
		return fmt.Errorf("lock not found")
	}
	if current.LockedBy != lock.LockedBy {
		return fmt.Errorf("cannot renew lock: owned by %s, not %s", current.LockedBy, lock.LockedBy)
	}
	if current.Expired() {
		return fmt.Errorf("cannot renew expired lock")
	}

	lock.ExpiresAt = time.Now().Add(extension)
	lock.RenewCount++
	if err := m.save(lock); err != nil {
		return fmt.Errorf("failed to save renewed lock: %w", err)
	}
	return nil
}

// Release removes the lock when this process owns it or it has expired.
func (m *LockManager) Release(lock *ServerLock) error {
	current, err := m.Get()
	if err != nil || current == nil {
		return err
	}
	if current.LockedBy != lock.LockedBy && !current.Expired() {
		return fmt.Errorf("cannot release lock: owned by %s, not %s", current.LockedBy, lock.LockedBy)
	}
	return m.ForceRelease()
}

// ForceRelease removes the lock regardless of ownership.
func (m *LockManager) ForceRelease() error {
	if err := os.Remove(m.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove lock file: %w", err)
	}
	return nil
}

// Get returns the current lock, or nil when none exists.
func (m *LockManager) Get() (*ServerLock, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read lock file: %w", err)
	}

	var lock ServerLock
	if err := json.Unmarshal(data, &lock); err != nil {
		return nil, fmt.Errorf("failed to parse lock file: %w", err)
	}
	return &lock, nil
}

// StartRenewal renews the lock every interval until ctx ends.
func (m *LockManager) StartRenewal(ctx context.Context, lock *ServerLock, interval, extension time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := m.Renew(lock, extension); err != nil {
					logger.Warn("failed to renew lock: %v", err)
					return
				}
				logger.Debug("Lock renewed (renew count: %d, expires: %s)",
					lock.RenewCount, lock.ExpiresAt.Format(time.RFC3339))
			}
		}
	}()
}

// save writes the lock atomically.
func (m *LockManager) save(lock *ServerLock) error {
	if err := os.MkdirAll(filepath.Dir(m.path), 0755); err != nil {
		return fmt.Errorf("failed to create lock directory: %w", err)
	}

	data, err := json.MarshalIndent(lock, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize lock: %w", err)
	}

	tempPath := m.path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write lock file: %w", err)
	}
	if err := os.Rename(tempPath, m.path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename lock file: %w", err)
	}
	return nil
}

// lockedByIdentifier returns "user@hostname:pid".
func lockedByIdentifier() string {
	hostname, _ := os.Hostname()
	user := os.Getenv("USER")
	if user == "" {
		user = os.Getenv("USERNAME")
	}
	if user == "" {
		user = "unknown"
	}
	return fmt.Sprintf("%s@%s:%d", user, hostname, os.Getpid())
}
