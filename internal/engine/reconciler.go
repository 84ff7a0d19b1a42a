package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc/pool"

	"bitget-spot/internal/alert"
	"bitget-spot/internal/core"
	"bitget-spot/internal/exchange"
	"bitget-spot/internal/exchange/bitget"
	"bitget-spot/internal/logging"
	"bitget-spot/internal/queue"
	"bitget-spot/internal/store"
)

var ErrManualIntervention = errors.New("manual intervention required")
var ErrFatalLocal = errors.New("fatal local error")

const (
	clientOrderIDMax    = 32
	clientOrderIDPrefix = "B-"

	defaultReconcileInterval = 10 * time.Second
	defaultMaxOrderAge       = 24 * time.Hour
	seenTrackerMaxEntries    = 10000
	maxNotFoundPolls         = 3
)

const (
	sourcePlace  = "place"
	sourceCancel = "cancel"
	sourceStream = "stream"
	sourcePoll   = "poll"
)

// StatusMapper maps a raw exchange status onto a canonical state.
type StatusMapper func(raw string) (core.OrderState, error)

type ReconcilerOptions struct {
	API         exchange.OrderAPI
	Store       store.Persister
	MapStatus   StatusMapper
	Interval    time.Duration
	MaxOrderAge time.Duration
	Alerts      alert.Alerter
	Logger      logrus.FieldLogger
	Now         func() time.Time
}

// Reconciler owns the tracked-order table. Orders change state only through
// its methods, fed by placement responses, stream events and REST polls.
type Reconciler struct {
	api       exchange.OrderAPI
	store     store.Persister
	mapStatus StatusMapper
	interval  time.Duration
	maxAge    time.Duration
	alerts    alert.Alerter
	log       logrus.FieldLogger
	now       func() time.Time
	seen      *seenTracker
	metrics   *engineMetrics

	mu       sync.Mutex
	orders   map[string]*core.TrackedOrder
	byExchID map[string]string
	notFound map[string]int
}

func NewReconciler(opts ReconcilerOptions) (*Reconciler, error) {
	if opts.API == nil {
		return nil, errors.New("order api required")
	}
	mapStatus := opts.MapStatus
	if mapStatus == nil {
		mapStatus = bitget.MapStatus
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = defaultReconcileInterval
	}
	maxAge := opts.MaxOrderAge
	if maxAge <= 0 {
		maxAge = defaultMaxOrderAge
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Reconciler{
		api:       opts.API,
		store:     opts.Store,
		mapStatus: mapStatus,
		interval:  interval,
		maxAge:    maxAge,
		alerts:    opts.Alerts,
		log:       logging.Component(opts.Logger, "reconciler"),
		now:       now,
		seen:      newSeenTracker(seenTrackerMaxEntries, 24*time.Hour),
		metrics:   newEngineMetrics(),
		orders:    make(map[string]*core.TrackedOrder),
		byExchID:  make(map[string]string),
		notFound:  make(map[string]int),
	}, nil
}

// Restore loads orders that were active when the process last stopped.
func (r *Reconciler) Restore(orders []core.TrackedOrder) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, o := range orders {
		if o.ClientOrderID == "" {
			continue
		}
		cp := o
		r.orders[o.ClientOrderID] = &cp
		if o.ExchangeOrderID != "" {
			r.byExchID[o.ExchangeOrderID] = o.ClientOrderID
		}
		n++
	}
	if n > 0 {
		r.log.WithFields(logrus.Fields{"event": "orders_restored", "count": n}).Info("restored tracked orders")
	}
	return n
}

// ActiveOrders returns copies of every tracked order, oldest first.
func (r *Reconciler) ActiveOrders() []core.TrackedOrder {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *Reconciler) Order(clientOrderID string) (core.TrackedOrder, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[clientOrderID]
	if !ok {
		return core.TrackedOrder{}, false
	}
	return *o, true
}

func (r *Reconciler) snapshotLocked() []core.TrackedOrder {
	out := make([]core.TrackedOrder, 0, len(r.orders))
	for _, o := range r.orders {
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ClientOrderID < out[j].ClientOrderID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// PlaceOrder submits req once. The order is tracked in PendingCreate before the
// exchange call; a rejection leaves it Rejected and any other failure Failed.
func (r *Reconciler) PlaceOrder(ctx context.Context, req core.OrderRequest) (core.TrackedOrder, error) {
	req.Pair = strings.ToUpper(strings.TrimSpace(req.Pair))
	if req.Pair == "" {
		return core.TrackedOrder{}, fmt.Errorf("%w: pair required", core.ErrInvalidOrder)
	}
	rules, err := r.api.Rules(ctx, req.Pair)
	if err != nil {
		return core.TrackedOrder{}, fmt.Errorf("trading rules %s: %w", req.Pair, err)
	}
	norm, err := core.NormalizeOrder(req, rules)
	if err != nil {
		return core.TrackedOrder{}, err
	}

	now := r.now()
	order := &core.TrackedOrder{
		ClientOrderID: newClientOrderID(norm.Pair),
		Pair:          norm.Pair,
		Side:          norm.Side,
		Type:          norm.Type,
		Price:         norm.Price,
		Size:          norm.Size,
		FilledSize:    decimal.Zero,
		State:         core.PendingCreate,
		CreatedAt:     now,
		LastUpdate:    now,
	}
	r.mu.Lock()
	r.orders[order.ClientOrderID] = order
	r.mu.Unlock()
	r.metrics.transition("", core.PendingCreate, sourcePlace)

	log := r.log.WithFields(logrus.Fields{
		"client_order_id": order.ClientOrderID,
		"pair":            order.Pair,
		"side":            order.Side,
		"type":            order.Type,
		"size":            order.Size.String(),
		"price":           order.Price.String(),
	})

	placed, err := r.api.PlaceOrder(ctx, order.ClientOrderID, norm)
	if err != nil {
		failed := core.Failed
		if core.IsRejection(err) {
			failed = core.Rejected
		}
		r.mu.Lock()
		// a stream event may already have moved the order past PendingCreate
		if order.State == core.PendingCreate {
			order.State = failed
			order.LastUpdate = r.now()
		}
		out := *order
		r.mu.Unlock()
		if out.State == failed {
			r.metrics.transition(core.PendingCreate, failed, sourcePlace)
		}
		log.WithFields(logrus.Fields{"event": "order_place_failed", "state": out.State, "err": err.Error()}).Warn("order placement failed")
		if failed == core.Rejected {
			r.alertImportant("order_rejected", map[string]string{
				"client_order_id": out.ClientOrderID,
				"pair":            out.Pair,
				"err":             err.Error(),
			})
		}
		return out, err
	}

	r.mu.Lock()
	order.ExchangeOrderID = placed.ExchangeOrderID
	r.byExchID[placed.ExchangeOrderID] = order.ClientOrderID
	if !placed.AcceptedAt.IsZero() {
		order.LastUpdate = placed.AcceptedAt
	}
	out := *order
	r.mu.Unlock()
	log.WithFields(logrus.Fields{"event": "order_placed", "exchange_order_id": out.ExchangeOrderID}).Info("order placed")
	return out, nil
}

// CancelOrder asks the exchange to cancel and reports whether it acknowledged.
// Errors are logged and reported as false.
func (r *Reconciler) CancelOrder(ctx context.Context, clientOrderID string) bool {
	r.mu.Lock()
	o, ok := r.orders[clientOrderID]
	var pair, exchID string
	var state core.OrderState
	if ok {
		pair, exchID, state = o.Pair, o.ExchangeOrderID, o.State
	}
	r.mu.Unlock()

	log := r.log.WithFields(logrus.Fields{"client_order_id": clientOrderID, "event": "order_cancel_failed"})
	switch {
	case !ok:
		log.WithField("err", core.ErrUnknownOrder.Error()).Warn("cancel skipped")
		return false
	case exchID == "":
		log.WithField("err", "no exchange order id yet").Warn("cancel skipped")
		return false
	case state.IsTerminal():
		log.WithField("state", state).Warn("cancel skipped for finished order")
		return false
	}

	acked, err := r.api.CancelOrder(ctx, pair, exchID)
	if err != nil {
		log.WithFields(logrus.Fields{"exchange_order_id": exchID, "err": err.Error()}).Warn("cancel request failed")
		switch {
		case errors.Is(err, core.ErrOrderNotFound):
			r.markNotFound(clientOrderID, exchID, sourceCancel)
		case errors.Is(err, core.ErrClockSkew):
			r.clockSkew(err)
		}
		return false
	}
	if !acked {
		log.WithField("exchange_order_id", exchID).Warn("cancel not acknowledged")
		return false
	}
	r.advance(clientOrderID, core.Canceled, sourceCancel, r.now())
	r.log.WithFields(logrus.Fields{
		"event":             "order_canceled",
		"client_order_id":   clientOrderID,
		"exchange_order_id": exchID,
	}).Info("order canceled")
	return true
}

// GetOrderUpdate polls the exchange for order's status and price.
func (r *Reconciler) GetOrderUpdate(ctx context.Context, order core.TrackedOrder) (core.OrderUpdate, error) {
	if order.ExchangeOrderID == "" {
		return core.OrderUpdate{}, fmt.Errorf("order %s has no exchange order id", order.ClientOrderID)
	}
	raw, err := r.api.OrderStatus(ctx, order.ExchangeOrderID)
	if err != nil {
		return core.OrderUpdate{}, err
	}
	state, err := r.mapStatus(raw)
	if err != nil {
		return core.OrderUpdate{}, fmt.Errorf("order %s: %w", order.ExchangeOrderID, err)
	}
	price, err := r.api.OrderPrice(ctx, order.ExchangeOrderID)
	if err != nil {
		return core.OrderUpdate{}, err
	}
	return core.OrderUpdate{
		ClientOrderID:   order.ClientOrderID,
		ExchangeOrderID: order.ExchangeOrderID,
		Pair:            order.Pair,
		RawStatus:       raw,
		State:           state,
		Price:           price,
		Timestamp:       r.now(),
	}, nil
}

// ApplyOrderUpdate applies a poll result. Poll results never override a more
// advanced state already learned from the stream.
func (r *Reconciler) ApplyOrderUpdate(u core.OrderUpdate) error {
	if !u.State.Valid() {
		state, err := r.mapStatus(u.RawStatus)
		if err != nil {
			return err
		}
		u.State = state
	}
	clientID, ok := r.lookup(u.ExchangeOrderID, u.ClientOrderID)
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrUnknownOrder, u.ExchangeOrderID)
	}
	ts := u.Timestamp
	if ts.IsZero() {
		ts = r.now()
	}
	r.advance(clientID, u.State, sourcePoll, ts)
	return nil
}

// ApplyStreamEvent applies one private order event and, when present, its fill.
func (r *Reconciler) ApplyStreamEvent(ev core.OrderEvent) error {
	var state core.OrderState
	if ev.RawStatus != "" {
		mapped, err := r.mapStatus(ev.RawStatus)
		if err != nil {
			return err
		}
		state = mapped
	}
	clientID, ok := r.lookup(ev.ExchangeOrderID, ev.ClientOrderID)
	if !ok {
		return fmt.Errorf("%w: exchange=%s client=%s", core.ErrUnknownOrder, ev.ExchangeOrderID, ev.ClientOrderID)
	}
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = r.now()
	}

	r.mu.Lock()
	if o := r.orders[clientID]; o != nil && o.ExchangeOrderID == "" && ev.ExchangeOrderID != "" {
		o.ExchangeOrderID = ev.ExchangeOrderID
		r.byExchID[ev.ExchangeOrderID] = clientID
	}
	r.mu.Unlock()

	if ev.Fill != nil {
		if err := r.applyFill(clientID, *ev.Fill); err != nil {
			return err
		}
	}
	if state != "" {
		r.advance(clientID, state, sourceStream, ts)
	}
	return nil
}

func (r *Reconciler) applyFill(clientID string, fill core.Fill) error {
	if fill.ClientOrderID == "" {
		fill.ClientOrderID = clientID
	}
	key := fillKey(fill)
	now := r.now()
	if key != "" && r.seen.Seen(key, now) {
		return nil
	}
	if r.store != nil && key != "" {
		dup, err := r.store.HasLedgerKey(key)
		if err != nil {
			return fmt.Errorf("%w: fill ledger check: %v", ErrFatalLocal, err)
		}
		if dup {
			return nil
		}
		if err := r.store.AppendFill(fill); err != nil {
			return fmt.Errorf("%w: append fill: %v", ErrFatalLocal, err)
		}
		if err := r.store.RecordLedgerKey(key, now); err != nil {
			return fmt.Errorf("%w: fill ledger record: %v", ErrFatalLocal, err)
		}
	}

	r.mu.Lock()
	o := r.orders[clientID]
	var filled decimal.Decimal
	if o != nil {
		o.FilledSize = o.FilledSize.Add(fill.Size)
		o.LastUpdate = now
		filled = o.FilledSize
	}
	r.mu.Unlock()
	r.metrics.fill(fill.Pair)
	r.log.WithFields(logrus.Fields{
		"event":           "order_fill",
		"client_order_id": clientID,
		"trade_id":        fill.TradeID,
		"price":           fill.Price.String(),
		"size":            fill.Size.String(),
		"filled_size":     filled.String(),
	}).Info("fill applied")
	return nil
}

func (r *Reconciler) lookup(exchID, clientID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if exchID != "" {
		if id, ok := r.byExchID[exchID]; ok {
			return id, true
		}
	}
	if clientID != "" {
		if _, ok := r.orders[clientID]; ok {
			return clientID, true
		}
	}
	return "", false
}

func (r *Reconciler) advance(clientID string, candidate core.OrderState, source string, at time.Time) bool {
	r.mu.Lock()
	o := r.orders[clientID]
	if o == nil {
		r.mu.Unlock()
		return false
	}
	from := o.State
	next, ok := core.Advance(from, candidate)
	if ok && next != from {
		o.State = next
		o.LastUpdate = at
	}
	r.mu.Unlock()

	if !ok {
		if candidate != from {
			r.log.WithFields(logrus.Fields{
				"event":           "order_transition_ignored",
				"client_order_id": clientID,
				"from":            from,
				"candidate":       candidate,
				"source":          source,
			}).Debug("state change ignored")
		}
		return false
	}
	if next != from {
		r.metrics.transition(from, next, source)
		r.log.WithFields(logrus.Fields{
			"event":           "order_transition",
			"client_order_id": clientID,
			"from":            from,
			"to":              next,
			"source":          source,
		}).Info("order state changed")
	}
	return true
}

// Reconcile polls every open order, retires finished ones to history and
// persists the remaining active set.
func (r *Reconciler) Reconcile(ctx context.Context) error {
	started := time.Now()
	defer r.metrics.pass(started)

	for _, o := range r.pollCandidates() {
		u, err := r.GetOrderUpdate(ctx, o)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, core.ErrUnmappedStatus) {
				return err
			}
			switch {
			case errors.Is(err, core.ErrOrderNotFound):
				r.markNotFound(o.ClientOrderID, o.ExchangeOrderID, sourcePoll)
				continue
			case errors.Is(err, core.ErrClockSkew):
				r.clockSkew(err)
				continue
			}
			r.log.WithFields(logrus.Fields{
				"event":             "order_poll_failed",
				"client_order_id":   o.ClientOrderID,
				"exchange_order_id": o.ExchangeOrderID,
				"err":               err.Error(),
			}).Warn("order poll failed")
			continue
		}
		r.mu.Lock()
		delete(r.notFound, o.ClientOrderID)
		r.mu.Unlock()
		if err := r.ApplyOrderUpdate(u); err != nil && !errors.Is(err, core.ErrUnknownOrder) {
			return err
		}
	}
	return r.retire()
}

// markNotFound counts consecutive lookups the exchange answered with "order not
// found" and fails the order once the count reaches maxNotFoundPolls.
func (r *Reconciler) markNotFound(clientID, exchID, source string) {
	r.mu.Lock()
	r.notFound[clientID]++
	misses := r.notFound[clientID]
	if misses >= maxNotFoundPolls {
		delete(r.notFound, clientID)
	}
	r.mu.Unlock()

	log := r.log.WithFields(logrus.Fields{
		"event":             "order_not_found",
		"client_order_id":   clientID,
		"exchange_order_id": exchID,
		"misses":            misses,
		"source":            source,
	})
	if misses < maxNotFoundPolls {
		log.Warn("exchange does not know order")
		return
	}
	log.Error("exchange does not know order, marking failed")
	if r.advance(clientID, core.Failed, source, r.now()) {
		r.alertImportant("order_not_found", map[string]string{
			"client_order_id":   clientID,
			"exchange_order_id": exchID,
		})
	}
}

func (r *Reconciler) clockSkew(err error) {
	r.log.WithFields(logrus.Fields{"event": "clock_skew_detected", "err": err.Error()}).Error("exchange rejected request timestamp")
	r.alertImportant("clock_skew_detected", map[string]string{"err": err.Error()})
}

func (r *Reconciler) pollCandidates() []core.TrackedOrder {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]core.TrackedOrder, 0, len(r.orders))
	for _, o := range r.orders {
		if !o.State.IsTerminal() && o.ExchangeOrderID != "" {
			out = append(out, *o)
		}
	}
	return out
}

func (r *Reconciler) retire() error {
	now := r.now()
	r.mu.Lock()
	var done []core.TrackedOrder
	var stale []core.TrackedOrder
	for _, o := range r.orders {
		switch {
		case o.State.IsTerminal():
			done = append(done, *o)
		case !o.CreatedAt.IsZero() && now.Sub(o.CreatedAt) > r.maxAge:
			stale = append(stale, *o)
		}
	}
	r.mu.Unlock()

	if len(done) > 0 && r.store != nil {
		if err := r.store.AppendHistory(done...); err != nil {
			return fmt.Errorf("%w: append order history: %v", ErrFatalLocal, err)
		}
	}
	r.mu.Lock()
	for _, o := range done {
		delete(r.orders, o.ClientOrderID)
		delete(r.notFound, o.ClientOrderID)
		if o.ExchangeOrderID != "" {
			delete(r.byExchID, o.ExchangeOrderID)
		}
	}
	active := r.snapshotLocked()
	r.mu.Unlock()

	for _, o := range done {
		r.log.WithFields(logrus.Fields{
			"event":           "order_retired",
			"client_order_id": o.ClientOrderID,
			"state":           o.State,
			"filled_size":     o.FilledSize.String(),
		}).Info("order retired")
	}
	for _, o := range stale {
		r.log.WithFields(logrus.Fields{
			"event":           "order_stale",
			"client_order_id": o.ClientOrderID,
			"state":           o.State,
			"age":             now.Sub(o.CreatedAt).Round(time.Second).String(),
		}).Warn("order open longer than max age")
	}
	if r.store != nil {
		if err := r.store.SaveActiveOrders(active); err != nil {
			return fmt.Errorf("%w: save active orders: %v", ErrFatalLocal, err)
		}
	}
	return nil
}

// Run consumes the user-stream queue and runs a reconciliation pass every
// interval until ctx ends or a hard error occurs.
func (r *Reconciler) Run(ctx context.Context, in *queue.Queue[bitget.Message], parser *bitget.Parser) error {
	if in == nil || parser == nil {
		return errors.New("user stream queue and parser required")
	}
	p := pool.New().WithContext(ctx).WithCancelOnError().WithFirstError()
	p.Go(func(ctx context.Context) error {
		for {
			msg, err := in.Pop(ctx)
			if err != nil {
				if errors.Is(err, queue.ErrClosed) {
					return nil
				}
				return err
			}
			if err := r.handleMessage(msg, parser); err != nil {
				return err
			}
		}
	})
	p.Go(func(ctx context.Context) error {
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				if err := r.Reconcile(ctx); err != nil {
					if ctx.Err() != nil {
						return ctx.Err()
					}
					return r.escalate(err)
				}
			}
		}
	})
	return p.Wait()
}

func (r *Reconciler) handleMessage(msg bitget.Message, parser *bitget.Parser) error {
	events, err := parser.Parse(msg)
	if err != nil {
		r.log.WithFields(logrus.Fields{"event": "user_stream_parse_failed", "channel": msg.Arg.Channel, "err": err.Error()}).Warn("private message skipped")
	}
	for _, ev := range events {
		switch ev.Kind {
		case bitget.EventPrivateOrderUpdate, bitget.EventPrivateTradeFill:
		default:
			continue
		}
		if ev.Order == nil {
			continue
		}
		if err := r.ApplyStreamEvent(*ev.Order); err != nil {
			if errors.Is(err, core.ErrUnknownOrder) {
				r.log.WithFields(logrus.Fields{
					"event":             "order_event_untracked",
					"exchange_order_id": ev.Order.ExchangeOrderID,
					"client_order_id":   ev.Order.ClientOrderID,
				}).Debug("event for untracked order")
				continue
			}
			return r.escalate(err)
		}
	}
	return nil
}

// escalate turns state-tracking failures into errors the supervisor stops on.
func (r *Reconciler) escalate(err error) error {
	switch {
	case errors.Is(err, ErrFatalLocal):
		return err
	case errors.Is(err, core.ErrUnmappedStatus):
		r.alertImportant("order_status_unmapped", map[string]string{"err": err.Error()})
		return fmt.Errorf("%w: %v", ErrManualIntervention, err)
	}
	return err
}

func (r *Reconciler) alertImportant(event string, fields map[string]string) {
	if r.alerts == nil {
		return
	}
	r.alerts.Important(event, fields)
}

func newClientOrderID(pair string) string {
	sym := strings.ToUpper(strings.NewReplacer("-", "", "_", "", "/", "").Replace(pair))
	if len(sym) > 12 {
		sym = sym[:12]
	}
	prefix := clientOrderIDPrefix + sym + "-"
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return prefix + id[:clientOrderIDMax-len(prefix)]
}
