package store

import (
	"bufio"
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"bitget-spot/internal/core"
	"bitget-spot/internal/logging"
)

type ActiveOrdersSnapshot struct {
	SnapshotID string              `json:"snapshot_id"`
	Orders     []core.TrackedOrder `json:"orders"`
	UpdatedAt  time.Time           `json:"updated_at"`
}

type LedgerEntry struct {
	Key    string    `json:"key"`
	SeenAt time.Time `json:"seen_at"`
}

type RuntimeStatus struct {
	InstanceID        string     `json:"instance_id"`
	Pairs             []string   `json:"pairs"`
	PID               int        `json:"pid"`
	State             string     `json:"state"`
	UserStream        string     `json:"user_stream,omitempty"`
	ActiveOrders      int        `json:"active_orders"`
	QueueDropped      uint64     `json:"queue_dropped,omitempty"`
	StartedAt         time.Time  `json:"started_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	LastError         string     `json:"last_error,omitempty"`
	ReconnectAttempts int        `json:"reconnect_attempts,omitempty"`
	DisconnectedAt    *time.Time `json:"disconnected_at,omitempty"`
}

// Persister is what the reconciler needs from storage.
type Persister interface {
	SaveActiveOrders(orders []core.TrackedOrder) error
	AppendHistory(orders ...core.TrackedOrder) error
	AppendFill(fill core.Fill) error
	HasLedgerKey(key string) (bool, error)
	RecordLedgerKey(key string, seenAt time.Time) error
}

// Store keeps connector state as files under one directory.
type Store struct {
	root string
	log  logrus.FieldLogger

	mu            sync.Mutex
	ledgerLoaded  bool
	ledger        map[string]struct{}
	ledgerEntries []LedgerEntry
}

const (
	ledgerMaxEntries = 10000
	ledgerKeep       = 8000
)

func New(root string, logger logrus.FieldLogger) (*Store, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("state dir required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &Store{root: root, log: logging.Component(logger, "store")}, nil
}

func (s *Store) Root() string { return s.root }

// SaveActiveOrders replaces the active-order snapshot atomically.
func (s *Store) SaveActiveOrders(orders []core.TrackedOrder) error {
	snap := ActiveOrdersSnapshot{
		SnapshotID: uuid.NewString(),
		Orders:     orders,
		UpdatedAt:  time.Now().UTC(),
	}
	if snap.Orders == nil {
		snap.Orders = []core.TrackedOrder{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeAtomic(s.activePath(), snap)
}

func (s *Store) LoadActiveOrders() ([]core.TrackedOrder, bool, error) {
	snap, ok, err := s.LoadActiveOrdersSnapshot()
	if err != nil || !ok {
		return nil, ok, err
	}
	return snap.Orders, true, nil
}

func (s *Store) LoadActiveOrdersSnapshot() (ActiveOrdersSnapshot, bool, error) {
	data, ok, err := readIfExists(s.activePath())
	if err != nil || !ok {
		return ActiveOrdersSnapshot{}, false, err
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return ActiveOrdersSnapshot{}, false, errors.New("active orders snapshot is empty")
	}
	var snap ActiveOrdersSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return ActiveOrdersSnapshot{}, false, err
	}
	if snap.Orders == nil {
		snap.Orders = []core.TrackedOrder{}
	}
	return snap, true, nil
}

// AppendHistory writes retired orders to history/<date>.jsonl, dated by last update.
func (s *Store) AppendHistory(orders ...core.TrackedOrder) error {
	if len(orders) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range orders {
		at := o.LastUpdate
		if at.IsZero() {
			at = time.Now().UTC()
		}
		if err := s.appendLine("history", at, o); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) AppendFill(fill core.Fill) error {
	if fill.Time.IsZero() {
		fill.Time = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLine("fills", fill.Time, fill)
}

func (s *Store) SaveRuntimeStatus(status RuntimeStatus) error {
	if status.UpdatedAt.IsZero() {
		status.UpdatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeAtomic(s.runtimeStatusPath(), status)
}

func (s *Store) LoadRuntimeStatus() (RuntimeStatus, bool, error) {
	data, ok, err := readIfExists(s.runtimeStatusPath())
	if err != nil || !ok {
		return RuntimeStatus{}, false, err
	}
	var status RuntimeStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return RuntimeStatus{}, false, err
	}
	return status, true, nil
}

func (s *Store) HasLedgerKey(key string) (bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLedgerLocked(); err != nil {
		return false, err
	}
	_, ok := s.ledger[key]
	return ok, nil
}

// RecordLedgerKey appends key to the fill ledger; recording a known key is a no-op.
func (s *Store) RecordLedgerKey(key string, seenAt time.Time) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	if seenAt.IsZero() {
		seenAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLedgerLocked(); err != nil {
		return err
	}
	if _, ok := s.ledger[key]; ok {
		return nil
	}
	entry := LedgerEntry{Key: key, SeenAt: seenAt.UTC()}
	if err := appendJSONLine(s.ledgerPath(), entry); err != nil {
		return err
	}
	s.ledger[key] = struct{}{}
	s.ledgerEntries = append(s.ledgerEntries, entry)
	if len(s.ledgerEntries) > ledgerMaxEntries {
		return s.compactLedgerLocked()
	}
	return nil
}

func (s *Store) compactLedgerLocked() error {
	keep := ledgerKeep
	if keep > len(s.ledgerEntries) {
		keep = len(s.ledgerEntries)
	}
	kept := append([]LedgerEntry(nil), s.ledgerEntries[len(s.ledgerEntries)-keep:]...)
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, e := range kept {
		if err := enc.Encode(e); err != nil {
			return err
		}
	}
	if err := s.replaceFile(s.ledgerPath(), buf.Bytes()); err != nil {
		return err
	}
	s.ledgerEntries = kept
	s.ledger = make(map[string]struct{}, len(kept))
	for _, e := range kept {
		s.ledger[e.Key] = struct{}{}
	}
	return nil
}

func (s *Store) loadLedgerLocked() error {
	if s.ledgerLoaded {
		return nil
	}
	s.ledger = make(map[string]struct{})
	s.ledgerEntries = nil
	f, err := os.Open(s.ledgerPath())
	if err != nil {
		if os.IsNotExist(err) {
			s.ledgerLoaded = true
			return nil
		}
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var e LedgerEntry
		if err := json.Unmarshal(line, &e); err != nil {
			s.log.WithField("event", "ledger_line_skipped").WithError(err).Warn("unreadable ledger line")
			continue
		}
		e.Key = strings.TrimSpace(e.Key)
		if e.Key == "" {
			continue
		}
		if _, dup := s.ledger[e.Key]; dup {
			continue
		}
		s.ledger[e.Key] = struct{}{}
		s.ledgerEntries = append(s.ledgerEntries, e)
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	s.ledgerLoaded = true
	if len(s.ledgerEntries) > ledgerMaxEntries {
		return s.compactLedgerLocked()
	}
	return nil
}

func (s *Store) activePath() string        { return filepath.Join(s.root, "active_orders.json") }
func (s *Store) runtimeStatusPath() string { return filepath.Join(s.root, "runtime_status.json") }
func (s *Store) ledgerPath() string        { return filepath.Join(s.root, "fill_ledger.jsonl") }

func (s *Store) appendLine(dir string, at time.Time, v any) error {
	full := filepath.Join(s.root, dir)
	if err := os.MkdirAll(full, 0o755); err != nil {
		return err
	}
	return appendJSONLine(filepath.Join(full, at.UTC().Format("2006-01-02")+".jsonl"), v)
}

func (s *Store) writeAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return s.replaceFile(path, append(data, '\n'))
}

// replaceFile writes data to a temp file in the same directory and renames it over path.
func (s *Store) replaceFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	cleanup := func() { _ = os.Remove(tmp.Name()) }
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		cleanup()
		return err
	}
	s.syncDir(dir)
	return nil
}

func (s *Store) syncDir(dir string) {
	d, err := os.Open(dir)
	if err == nil {
		err = d.Sync()
		_ = d.Close()
	}
	if err != nil {
		s.log.WithFields(logrus.Fields{"event": "store_dir_fsync_failed", "dir": dir}).WithError(err).Warn("directory fsync failed")
	}
}

func appendJSONLine(path string, v any) error {
	line, err := json.Marshal(v)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return err
	}
	return f.Sync()
}

func readIfExists(path string) ([]byte, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return data, true, nil
}
