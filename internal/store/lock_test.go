package store

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"
)

func writeLock(t *testing.T, root, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(root, lockFileName), []byte(body), 0o644); err != nil {
		t.Fatalf("write lock: %v", err)
	}
}

func TestAcquireLockIsExclusive(t *testing.T) {
	root := t.TempDir()
	lock, err := AcquireLock(root, LockOptions{InstanceID: "a"})
	if err != nil {
		t.Fatalf("AcquireLock() error = %v", err)
	}
	defer lock.Release()
	if lock.InstanceID() != "a" {
		t.Fatalf("InstanceID() = %q, want a", lock.InstanceID())
	}
	if _, err := AcquireLock(root, LockOptions{}); !errors.Is(err, ErrLocked) {
		t.Fatalf("second AcquireLock() error = %v, want ErrLocked", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	again, err := AcquireLock(root, LockOptions{})
	if err != nil {
		t.Fatalf("AcquireLock() after release error = %v", err)
	}
	_ = again.Release()
}

func TestAcquireLockTakesOverExitedOwner(t *testing.T) {
	root := t.TempDir()
	writeLock(t, root, `{"pid":999999,"started_at":"`+time.Now().UTC().Format(time.RFC3339)+`"}`)
	lock, err := AcquireLock(root, LockOptions{Takeover: true, StaleAfter: 10 * time.Minute})
	if err != nil {
		t.Fatalf("AcquireLock() error = %v, want takeover", err)
	}
	_ = lock.Release()
}

func TestAcquireLockKeepsRunningOwner(t *testing.T) {
	root := t.TempDir()
	writeLock(t, root, `{"pid":`+strconv.Itoa(os.Getpid())+`,"started_at":"`+time.Now().UTC().Add(-time.Hour).Format(time.RFC3339)+`"}`)
	_, err := AcquireLock(root, LockOptions{Takeover: true, StaleAfter: time.Second})
	if !errors.Is(err, ErrLocked) || !strings.Contains(err.Error(), "owner_running") {
		t.Fatalf("AcquireLock() error = %v, want owner_running", err)
	}
}

func TestAcquireLockExpiresByAgeWithoutPID(t *testing.T) {
	root := t.TempDir()
	started := time.Now().UTC().Add(-2 * time.Minute).Truncate(time.Second)
	writeLock(t, root, `{"started_at":"`+started.Format(time.RFC3339)+`"}`)

	_, err := AcquireLock(root, LockOptions{
		Takeover:   true,
		StaleAfter: 10 * time.Minute,
		Now:        func() time.Time { return started.Add(30 * time.Second) },
	})
	if err == nil || !strings.Contains(err.Error(), "lock_recent") {
		t.Fatalf("AcquireLock(recent) error = %v, want lock_recent", err)
	}

	lock, err := AcquireLock(root, LockOptions{
		Takeover:   true,
		StaleAfter: time.Minute,
		Now:        func() time.Time { return started.Add(2 * time.Minute) },
	})
	if err != nil {
		t.Fatalf("AcquireLock(expired) error = %v", err)
	}
	_ = lock.Release()
}
