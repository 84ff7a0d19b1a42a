package safety

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"bitget-spot/internal/alert"
	"bitget-spot/internal/logging"
)

var ErrCircuitOpen = errors.New("circuit breaker open")

type Action string

const (
	ActionPlace     Action = "place_order"
	ActionCancel    Action = "cancel_order"
	ActionReconnect Action = "market_data_reconnect"
)

type circuitState string

const (
	stateClosed   circuitState = "closed"
	stateOpen     circuitState = "open"
	stateHalfOpen circuitState = "half_open"
)

const defaultCooldown = 30 * time.Second

type Options struct {
	Enabled              bool
	MaxPlaceFailures     int
	MaxCancelFailures    int
	MaxReconnectFailures int
	Cooldown             time.Duration
	// HalfOpenSuccesses is how many probes must succeed before a circuit closes again.
	HalfOpenSuccesses int
	Logger            logrus.FieldLogger
	Now               func() time.Time
}

type circuit struct {
	action    Action
	limit     int
	failures  int
	state     circuitState
	openedAt  time.Time
	openErr   error
	successes int
}

// Breaker counts consecutive failures per action and opens that action's
// circuit at its limit. An open circuit admits one probe after the cooldown.
type Breaker struct {
	enabled           bool
	cooldown          time.Duration
	halfOpenSuccesses int
	now               func() time.Time
	log               logrus.FieldLogger

	mu       sync.Mutex
	circuits map[Action]*circuit
	alerter  alert.Alerter
}

func NewBreaker(opts Options) *Breaker {
	cooldown := opts.Cooldown
	if cooldown <= 0 {
		cooldown = defaultCooldown
	}
	successes := opts.HalfOpenSuccesses
	if successes < 1 {
		successes = 1
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	b := &Breaker{
		enabled:           opts.Enabled,
		cooldown:          cooldown,
		halfOpenSuccesses: successes,
		now:               now,
		log:               logging.Component(opts.Logger, "breaker"),
		circuits:          make(map[Action]*circuit, 3),
	}
	for action, limit := range map[Action]int{
		ActionPlace:     opts.MaxPlaceFailures,
		ActionCancel:    opts.MaxCancelFailures,
		ActionReconnect: opts.MaxReconnectFailures,
	} {
		b.circuits[action] = &circuit{action: action, limit: limit, state: stateClosed}
	}
	return b
}

func (b *Breaker) SetAlerter(a alert.Alerter) {
	if b == nil {
		return
	}
	b.mu.Lock()
	b.alerter = a
	b.mu.Unlock()
}

// Allow reports ErrCircuitOpen while action's circuit is cooling down. After the
// cooldown the circuit turns half-open and the call is let through as a probe.
func (b *Breaker) Allow(action Action) error {
	if b == nil || !b.enabled {
		return nil
	}
	b.mu.Lock()
	c := b.circuits[action]
	if c == nil || c.state != stateOpen {
		b.mu.Unlock()
		return nil
	}
	if b.now().Sub(c.openedAt) < b.cooldown {
		err := c.openErr
		b.mu.Unlock()
		return err
	}
	c.state = stateHalfOpen
	c.successes = 0
	b.mu.Unlock()

	b.notify(logrus.InfoLevel, "circuit_breaker_half_open", map[string]string{
		"action":       string(action),
		"cooldown_sec": strconv.FormatInt(int64(b.cooldown/time.Second), 10),
	})
	return nil
}

func (b *Breaker) CooldownRemaining(action Action) time.Duration {
	if b == nil || !b.enabled {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.circuits[action]
	if c == nil || c.state != stateOpen {
		return 0
	}
	if rem := b.cooldown - b.now().Sub(c.openedAt); rem > 0 {
		return rem
	}
	return 0
}

// Record feeds one outcome into action's circuit. It returns ErrCircuitOpen
// (wrapped with the last failure) when this outcome opened or kept it open.
func (b *Breaker) Record(action Action, err error) error {
	if b == nil || !b.enabled {
		return nil
	}
	b.mu.Lock()
	c := b.circuits[action]
	if c == nil || c.limit < 1 {
		b.mu.Unlock()
		return nil
	}
	if err == nil {
		recovered, prevFailures, prevState := b.successLocked(c)
		b.mu.Unlock()
		if recovered {
			b.notify(logrus.InfoLevel, "circuit_breaker_recovered", map[string]string{
				"action":                        string(action),
				"previous_consecutive_failures": strconv.Itoa(prevFailures),
				"from_state":                    string(prevState),
			})
		}
		return nil
	}

	switch c.state {
	case stateOpen:
		openErr := c.openErr
		b.mu.Unlock()
		return openErr
	case stateHalfOpen:
		openErr := b.tripLocked(c, err, "half_open_probe_failed")
		b.mu.Unlock()
		b.notify(logrus.ErrorLevel, "circuit_breaker_trip", map[string]string{
			"action":     string(action),
			"phase":      "half_open",
			"last_error": err.Error(),
		})
		return openErr
	}

	c.failures++
	failures, limit := c.failures, c.limit
	if failures < limit {
		b.mu.Unlock()
		if limit > 1 && failures == limit-1 && action != ActionReconnect {
			b.notify(logrus.WarnLevel, "circuit_breaker_near_trip", map[string]string{
				"action":               string(action),
				"consecutive_failures": strconv.Itoa(failures),
				"threshold":            strconv.Itoa(limit),
				"last_error":           err.Error(),
			})
		}
		return nil
	}
	openErr := b.tripLocked(c, err, "consecutive_failures")
	b.mu.Unlock()
	b.notify(logrus.ErrorLevel, "circuit_breaker_trip", map[string]string{
		"action":               string(action),
		"consecutive_failures": strconv.Itoa(failures),
		"threshold":            strconv.Itoa(limit),
		"last_error":           err.Error(),
	})
	return openErr
}

func (b *Breaker) successLocked(c *circuit) (bool, int, circuitState) {
	prevFailures, prevState := c.failures, c.state
	switch c.state {
	case stateHalfOpen:
		c.successes++
		if c.successes < b.halfOpenSuccesses {
			return false, prevFailures, prevState
		}
		c.state = stateClosed
		c.failures = 0
		c.openErr = nil
		c.openedAt = time.Time{}
		c.successes = 0
		return true, prevFailures, prevState
	case stateClosed:
		if c.failures == 0 {
			return false, 0, prevState
		}
		c.failures = 0
		return true, prevFailures, prevState
	}
	// an open circuit only closes through a half-open probe
	return false, prevFailures, prevState
}

func (b *Breaker) tripLocked(c *circuit, err error, reason string) error {
	c.state = stateOpen
	c.openedAt = b.now()
	c.successes = 0
	if c.failures < c.limit {
		c.failures = c.limit
	}
	c.openErr = fmt.Errorf("%w: %s failed %d consecutive times, cooldown=%s, reason=%s, last error: %v",
		ErrCircuitOpen, c.action, c.failures, b.cooldown, reason, err)
	return c.openErr
}

func (b *Breaker) notify(level logrus.Level, event string, fields map[string]string) {
	entry := b.log.WithField("event", event)
	for k, v := range fields {
		entry = entry.WithField(k, v)
	}
	entry.Log(level, "circuit breaker "+event)

	b.mu.Lock()
	a := b.alerter
	b.mu.Unlock()
	if a != nil {
		a.Important(event, fields)
	}
}
