package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc/pool"

	"bitget-spot/internal/alert"
	"bitget-spot/internal/core"
	"bitget-spot/internal/exchange"
	"bitget-spot/internal/exchange/bitget"
	"bitget-spot/internal/logging"
	"bitget-spot/internal/orderbook"
	"bitget-spot/internal/queue"
	"bitget-spot/internal/safety"
	"bitget-spot/internal/store"
)

const (
	defaultHeartbeat      = 30 * time.Second
	defaultMaxBackoff     = 30 * time.Second
	defaultStableSession  = time.Minute
	runnerTradeBufferSize = 256
	runnerBookBufferSize  = 64
)

// StatusStore persists runtime status and hands back the last active orders.
type StatusStore interface {
	SaveRuntimeStatus(status store.RuntimeStatus) error
	LoadActiveOrders() ([]core.TrackedOrder, bool, error)
}

// LiveRunner supervises the connector's long-lived tasks. The first task to
// fail with a non-recoverable error stops the others.
type LiveRunner struct {
	InstanceID string
	Pairs      []string

	MarketData exchange.MarketDataFeed
	UserStream exchange.UserStream
	UserQueue  *queue.Queue[bitget.Message]
	Reconciler *Reconciler
	Store      StatusStore
	Breaker    *safety.Breaker
	Alerts     alert.Alerter
	Logger     logrus.FieldLogger

	OnTrade func(core.PublicTrade)
	OnBook  func(orderbook.Snapshot)

	Heartbeat time.Duration
	// MaxBackoff caps the delay between market-data restarts.
	MaxBackoff time.Duration
	// StableSession is how long a subscription must stay up to count as recovered.
	StableSession time.Duration
	Sleep         func(ctx context.Context, d time.Duration) error

	log       logrus.FieldLogger
	metrics   *engineMetrics
	startedAt time.Time
	recovered atomic.Bool

	mu        sync.Mutex
	state     string
	lastErr   error
	attempts  int
	downSince time.Time
}

func (r *LiveRunner) validate() error {
	switch {
	case len(r.Pairs) == 0:
		return errors.New("runner: at least one trading pair required")
	case r.MarketData == nil:
		return errors.New("runner: market data feed required")
	case r.UserStream == nil || r.UserQueue == nil:
		return errors.New("runner: user stream and its queue required")
	case r.Reconciler == nil:
		return errors.New("runner: reconciler required")
	}
	return nil
}

func (r *LiveRunner) Run(ctx context.Context) (runErr error) {
	if err := r.validate(); err != nil {
		return err
	}
	r.log = logging.Component(r.Logger, "runner")
	r.metrics = newEngineMetrics()
	r.startedAt = time.Now().UTC()
	r.setStatus("starting", nil)
	defer func() {
		err := runErr
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		r.setStatus("stopped", err)
	}()

	if err := r.restore(ctx); err != nil {
		return err
	}

	trades := make(chan core.PublicTrade, runnerTradeBufferSize)
	books := make(chan orderbook.Snapshot, runnerBookBufferSize)
	parser := bitget.NewParser(r.Pairs)

	p := pool.New().WithContext(ctx).WithCancelOnError().WithFirstError()
	p.Go(r.superviseMarketData)
	p.Go(func(ctx context.Context) error { return r.MarketData.DrainTrades(ctx, trades) })
	p.Go(func(ctx context.Context) error { return r.MarketData.DrainOrderBook(ctx, books) })
	p.Go(func(ctx context.Context) error { return r.forward(ctx, trades, books) })
	p.Go(r.UserStream.Run)
	p.Go(func(ctx context.Context) error { return r.Reconciler.Run(ctx, r.UserQueue, parser) })
	p.Go(r.heartbeat)
	r.setStatus("running", nil)
	r.log.WithFields(logrus.Fields{"event": "runner_started", "pairs": r.Pairs}).Info("connector running")

	err := p.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err == nil {
		return nil
	}
	reason := "task_failed"
	switch {
	case errors.Is(err, ErrFatalLocal):
		reason = "local_state_failure"
	case errors.Is(err, ErrManualIntervention):
		reason = "state_reconcile_risk"
	}
	r.log.WithFields(logrus.Fields{"event": "runner_stopped", "reason": reason, "err": err.Error()}).Error("connector stopped")
	r.alertImportant("runner_stopped", map[string]string{"reason": err.Error()})
	if reason != "task_failed" {
		r.alertImportant("manual_intervention_required", map[string]string{
			"reason": reason,
			"detail": err.Error(),
		})
	}
	return err
}

func (r *LiveRunner) restore(ctx context.Context) error {
	if r.Store == nil {
		return nil
	}
	orders, ok, err := r.Store.LoadActiveOrders()
	if err != nil {
		return fmt.Errorf("%w: load active orders: %v", ErrFatalLocal, err)
	}
	if !ok || len(orders) == 0 {
		return nil
	}
	r.Reconciler.Restore(orders)
	if err := r.Reconciler.Reconcile(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, ErrFatalLocal) || errors.Is(err, core.ErrUnmappedStatus) {
			return r.Reconciler.escalate(err)
		}
		r.log.WithFields(logrus.Fields{"event": "startup_reconcile_failed", "err": err.Error()}).Warn("startup reconcile failed")
	}
	return nil
}

// superviseMarketData restarts the subscription after every failure with an
// exponential back-off. Restarts are gated by the breaker's reconnect circuit.
func (r *LiveRunner) superviseMarketData(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = r.maxBackoff()

	for {
		if r.reconnectAttempts() > 0 {
			if err := r.Breaker.Allow(safety.ActionReconnect); err != nil {
				r.setStatus("degraded", err)
				wait := time.Second
				if rem := r.Breaker.CooldownRemaining(safety.ActionReconnect); rem > wait {
					wait = rem
				}
				if err := r.sleep(ctx, wait); err != nil {
					return err
				}
				continue
			}
			r.metrics.restart()
		}

		r.recovered.Store(false)
		stable := time.AfterFunc(r.stableSession(), r.marketDataRecovered)
		err := r.MarketData.RunSubscription(ctx, r.Pairs)
		stable.Stop()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err == nil {
			err = errors.New("market data subscription ended")
		}
		if r.recovered.Load() {
			bo.Reset()
		}

		attempts := r.marketDataFailed(err)
		trip := r.Breaker.Record(safety.ActionReconnect, err)
		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			wait = bo.MaxInterval
		}
		if trip != nil {
			if rem := r.Breaker.CooldownRemaining(safety.ActionReconnect); rem > wait {
				wait = rem
			}
		}
		r.log.WithFields(logrus.Fields{
			"event":    "market_data_restart",
			"attempts": attempts,
			"wait":     wait.String(),
			"err":      err.Error(),
		}).Warn("market data subscription failed")
		if err := r.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func (r *LiveRunner) marketDataFailed(err error) int {
	r.mu.Lock()
	first := r.downSince.IsZero()
	if first {
		r.downSince = time.Now().UTC()
	}
	r.attempts++
	attempts := r.attempts
	r.state, r.lastErr = "degraded", err
	r.mu.Unlock()

	if first {
		r.alertImportant("market_data_disconnected", map[string]string{"reason": err.Error()})
	}
	r.persist()
	return attempts
}

func (r *LiveRunner) marketDataRecovered() {
	r.recovered.Store(true)
	r.mu.Lock()
	attempts, downSince := r.attempts, r.downSince
	r.attempts, r.downSince = 0, time.Time{}
	r.state, r.lastErr = "running", nil
	r.mu.Unlock()

	_ = r.Breaker.Record(safety.ActionReconnect, nil)
	if attempts > 0 {
		down := time.Since(downSince).Round(time.Second)
		r.log.WithFields(logrus.Fields{"event": "market_data_reconnected", "attempts": attempts, "down": down.String()}).Info("market data recovered")
		r.alertImportant("market_data_reconnected", map[string]string{
			"reconnect_attempts": strconv.Itoa(attempts),
			"down_duration":      down.String(),
		})
	}
	r.persist()
}

func (r *LiveRunner) forward(ctx context.Context, trades <-chan core.PublicTrade, books <-chan orderbook.Snapshot) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case t := <-trades:
			if r.OnTrade != nil {
				r.OnTrade(t)
			}
		case b := <-books:
			if r.OnBook != nil {
				r.OnBook(b)
			}
		}
	}
}

func (r *LiveRunner) heartbeat(ctx context.Context) error {
	interval := r.Heartbeat
	if interval <= 0 {
		interval = defaultHeartbeat
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.persist()
		}
	}
}

func (r *LiveRunner) setStatus(state string, err error) {
	r.mu.Lock()
	r.state, r.lastErr = state, err
	r.mu.Unlock()
	r.persist()
}

func (r *LiveRunner) reconnectAttempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts
}

func (r *LiveRunner) persist() {
	if r.Store == nil {
		return
	}
	r.mu.Lock()
	instanceID := r.InstanceID
	if instanceID == "" {
		instanceID = "default"
	}
	status := store.RuntimeStatus{
		InstanceID:        instanceID,
		Pairs:             r.Pairs,
		PID:               os.Getpid(),
		State:             r.state,
		StartedAt:         r.startedAt,
		ReconnectAttempts: r.attempts,
	}
	if !r.downSince.IsZero() {
		t := r.downSince
		status.DisconnectedAt = &t
	}
	if r.lastErr != nil {
		status.LastError = r.lastErr.Error()
	}
	r.mu.Unlock()

	if s, ok := r.UserStream.(interface{ State() bitget.StreamState }); ok {
		status.UserStream = s.State().String()
	}
	if d, ok := r.MarketData.(interface{ Dropped() uint64 }); ok {
		status.QueueDropped = d.Dropped()
	}
	status.ActiveOrders = len(r.Reconciler.ActiveOrders())
	if err := r.Store.SaveRuntimeStatus(status); err != nil {
		r.logger().WithFields(logrus.Fields{"event": "runtime_status_write_failed", "err": err.Error()}).Warn("runtime status not saved")
	}
}

func (r *LiveRunner) logger() logrus.FieldLogger {
	if r.log == nil {
		r.log = logging.Component(r.Logger, "runner")
	}
	return r.log
}

func (r *LiveRunner) alertImportant(event string, fields map[string]string) {
	if r.Alerts == nil {
		return
	}
	r.Alerts.Important(event, fields)
}

func (r *LiveRunner) maxBackoff() time.Duration {
	if r.MaxBackoff > 0 {
		return r.MaxBackoff
	}
	return defaultMaxBackoff
}

func (r *LiveRunner) stableSession() time.Duration {
	if r.StableSession > 0 {
		return r.StableSession
	}
	return defaultStableSession
}

func (r *LiveRunner) sleep(ctx context.Context, d time.Duration) error {
	if r.Sleep != nil {
		return r.Sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
