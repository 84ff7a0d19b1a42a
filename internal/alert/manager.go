package alert

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"bitget-spot/internal/logging"
	"bitget-spot/internal/queue"
)

type Notifier interface {
	Notify(ctx context.Context, msg string) error
}

// Alerter receives events an operator should see.
type Alerter interface {
	Important(event string, fields map[string]string)
}

const (
	defaultQueueSize      = 128
	defaultReportInterval = time.Minute
	notifyTimeout         = 20 * time.Second
)

type Options struct {
	InstanceID     string
	Pairs          []string
	QueueSize      int
	ReportInterval time.Duration
	Logger         logrus.FieldLogger
}

// Manager delivers alerts off the caller's goroutine. When the notifier falls
// behind the oldest pending alert is dropped.
type Manager struct {
	instanceID string
	pairs      string
	notifier   Notifier
	events     *queue.Queue[event]
	log        logrus.FieldLogger

	reportInterval time.Duration
	mu             sync.Mutex
	reported       uint64

	stopReport chan struct{}
	wg         sync.WaitGroup
	closeOnce  sync.Once
	done       chan struct{}
}

type event struct {
	name   string
	fields map[string]string
	at     time.Time
}

// NewManager returns nil when notifier is nil; a nil *Manager ignores alerts.
func NewManager(notifier Notifier, opts Options) *Manager {
	if notifier == nil {
		return nil
	}
	interval := opts.ReportInterval
	if interval < 0 {
		interval = 0
	} else if interval == 0 {
		interval = defaultReportInterval
	}
	m := &Manager{
		instanceID:     opts.InstanceID,
		pairs:          strings.Join(opts.Pairs, ","),
		notifier:       notifier,
		events:         queue.New[event]("alerts", defaultIfZero(opts.QueueSize, defaultQueueSize), queue.DropOldest),
		log:            logging.Component(opts.Logger, "alert"),
		reportInterval: interval,
		stopReport:     make(chan struct{}),
		done:           make(chan struct{}),
	}
	m.wg.Add(1)
	go m.deliver()
	if interval > 0 {
		m.wg.Add(1)
		go m.reportDrops()
	}
	go func() {
		m.wg.Wait()
		close(m.done)
	}()
	return m
}

func defaultIfZero(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func (m *Manager) Important(name string, fields map[string]string) {
	if m == nil {
		return
	}
	ev := event{name: name, fields: cloneFields(fields), at: time.Now().UTC()}
	before := m.events.Dropped()
	if err := m.events.Push(context.Background(), ev); err != nil {
		return
	}
	if after := m.events.Dropped(); after > before && after-m.reportedDrops() == 1 {
		m.log.WithFields(logrus.Fields{
			"event":         "alert_queue_dropped",
			"target_event":  name,
			"dropped_total": after,
			"queue_cap":     m.events.Cap(),
		}).Warn("alert queue full, oldest alert dropped")
	}
}

// Close flushes queued alerts, then stops. It returns early if ctx ends first.
func (m *Manager) Close(ctx context.Context) error {
	if m == nil {
		return nil
	}
	m.closeOnce.Do(func() {
		m.events.Close()
		close(m.stopReport)
	})
	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) deliver() {
	defer m.wg.Done()
	for {
		ev, err := m.events.Pop(context.Background())
		if errors.Is(err, queue.ErrClosed) {
			m.reportPendingDrops()
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		if err := m.notifier.Notify(ctx, m.format(ev)); err != nil {
			m.log.WithFields(logrus.Fields{"event": "alert_notify_failed", "target_event": ev.name}).WithError(err).Error("alert delivery failed")
		}
		cancel()
	}
}

func (m *Manager) reportDrops() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.reportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.reportPendingDrops()
		case <-m.stopReport:
			return
		}
	}
}

func (m *Manager) reportedDrops() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reported
}

// pendingDrops is the number of drops not yet covered by a summary report.
func (m *Manager) pendingDrops() uint64 {
	return m.events.Dropped() - m.reportedDrops()
}

func (m *Manager) reportPendingDrops() {
	total := m.events.Dropped()
	m.mu.Lock()
	since := total - m.reported
	m.reported = total
	m.mu.Unlock()
	if since == 0 {
		return
	}
	m.log.WithFields(logrus.Fields{
		"event":              "alert_queue_dropped_report",
		"dropped_since_last": since,
		"dropped_total":      total,
		"queue_len":          m.events.Len(),
		"queue_cap":          m.events.Cap(),
	}).Warn("alerts dropped")
}

func (m *Manager) format(ev event) string {
	lines := []string{
		"[bitget-spot] important",
		"time: " + ev.at.Format(time.RFC3339),
		"instance: " + m.instanceID,
		"pairs: " + m.pairs,
		"event: " + ev.name,
	}
	keys := make([]string, 0, len(ev.fields))
	for k := range ev.fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		lines = append(lines, k+": "+ev.fields[k])
	}
	return strings.Join(lines, "\n")
}

func cloneFields(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
