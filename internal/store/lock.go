package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	json "github.com/goccy/go-json"
)

var ErrLocked = errors.New("state dir locked by another connector")

const lockFileName = "connector.lock"

type lockOwner struct {
	PID        int       `json:"pid"`
	InstanceID string    `json:"instance_id,omitempty"`
	Host       string    `json:"host,omitempty"`
	StartedAt  time.Time `json:"started_at"`
}

type LockOptions struct {
	InstanceID string
	// Takeover lets a new process replace a lock whose owner is gone or older than StaleAfter.
	Takeover   bool
	StaleAfter time.Duration
	Now        func() time.Time
}

// Lock guards a state directory against two connectors writing it at once.
type Lock struct {
	path  string
	file  *os.File
	owner lockOwner
}

func AcquireLock(root string, opts LockOptions) (*Lock, error) {
	if root == "" {
		return nil, errors.New("state dir required")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	path := filepath.Join(root, lockFileName)
	host, _ := os.Hostname()
	owner := lockOwner{PID: os.Getpid(), InstanceID: opts.InstanceID, Host: host}

	for attempt := 0; attempt < 3; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			owner.StartedAt = now().UTC()
			if err := writeOwner(f, owner); err != nil {
				_ = f.Close()
				_ = os.Remove(path)
				return nil, err
			}
			return &Lock{path: path, file: f, owner: owner}, nil
		}
		if !os.IsExist(err) {
			return nil, err
		}
		if !opts.Takeover {
			return nil, fmt.Errorf("%w: %s", ErrLocked, path)
		}
		reason, stale, err := lockIsStale(path, now().UTC(), opts.StaleAfter)
		if err != nil {
			return nil, fmt.Errorf("%w: %s (owner check: %v)", ErrLocked, path, err)
		}
		if !stale {
			return nil, fmt.Errorf("%w: %s (%s)", ErrLocked, path, reason)
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrLocked, path)
}

func writeOwner(f *os.File, owner lockOwner) error {
	data, err := json.Marshal(owner)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return err
	}
	return f.Sync()
}

func lockIsStale(path string, now time.Time, staleAfter time.Duration) (string, bool, error) {
	data, ok, err := readIfExists(path)
	if err != nil {
		return "", false, err
	}
	if !ok {
		return "lock_gone", true, nil
	}
	var owner lockOwner
	if err := json.Unmarshal(data, &owner); err != nil {
		return "", false, fmt.Errorf("decode lock owner: %w", err)
	}
	if owner.PID > 0 {
		if processAlive(owner.PID) {
			return "owner_running", false, nil
		}
		return "owner_exited", true, nil
	}
	if owner.StartedAt.IsZero() {
		return "owner_unknown", false, nil
	}
	if staleAfter > 0 && now.Sub(owner.StartedAt) >= staleAfter {
		return "lock_expired", true, nil
	}
	return "lock_recent", false, nil
}

// processAlive probes pid with signal 0. EPERM means it exists under another user.
func processAlive(pid int) bool {
	err := syscall.Kill(pid, syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}

func (l *Lock) InstanceID() string {
	if l == nil {
		return ""
	}
	return l.owner.InstanceID
}

func (l *Lock) Release() error {
	if l == nil || l.path == "" {
		return nil
	}
	if l.file != nil {
		_ = l.file.Close()
		l.file = nil
	}
	err := os.Remove(l.path)
	l.path = ""
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
