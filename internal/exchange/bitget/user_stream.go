package bitget

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sirupsen/logrus"

	"bitget-spot/internal/logging"
	"bitget-spot/internal/queue"
)

type StreamState int32

const (
	StateDisconnected StreamState = iota
	StateConnecting
	StateAuthenticating
	StateSubscribed
	StateStreaming
	StateInterrupted
)

func (s StreamState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateSubscribed:
		return "subscribed"
	case StateStreaming:
		return "streaming"
	case StateInterrupted:
		return "interrupted"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

const (
	DefaultRetryInterval = 5 * time.Second
	defaultLoginTimeout  = 10 * time.Second
)

type UserStreamOptions struct {
	Signer *Signer
	WSURL  string
	Dialer Dialer
	Out    *queue.Queue[Message]
	// Backoff yields the delay between attempts; nil waits DefaultRetryInterval.
	Backoff      backoff.BackOff
	LoginTimeout time.Duration
	Logger       logrus.FieldLogger
	// Sleep waits between attempts; nil uses a timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// UserStream keeps the authenticated private subscription alive and forwards
// every frame to Out unparsed.
type UserStream struct {
	signer       *Signer
	url          string
	dialer       Dialer
	out          *queue.Queue[Message]
	loginTimeout time.Duration
	retry        backoff.BackOff
	sleep        func(ctx context.Context, d time.Duration) error
	log          logrus.FieldLogger
	metrics      *connectorMetrics

	mu   sync.Mutex
	conn Conn

	state    atomic.Int32
	backoffs atomic.Int64
}

func NewUserStream(opts UserStreamOptions) (*UserStream, error) {
	if opts.Signer == nil {
		return nil, fmt.Errorf("user stream: %w", errMissingSigner)
	}
	if opts.Out == nil {
		return nil, errors.New("user stream requires an output queue")
	}
	url := strings.TrimSpace(opts.WSURL)
	if url == "" {
		url = DefaultWSURL
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = WSDialer{}
	}
	retry := opts.Backoff
	if retry == nil {
		retry = backoff.NewConstantBackOff(DefaultRetryInterval)
	}
	loginTimeout := opts.LoginTimeout
	if loginTimeout <= 0 {
		loginTimeout = defaultLoginTimeout
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	return &UserStream{
		signer:       opts.Signer,
		url:          url,
		dialer:       dialer,
		out:          opts.Out,
		loginTimeout: loginTimeout,
		retry:        retry,
		sleep:        sleep,
		log:          logging.Component(opts.Logger, "user_stream"),
		metrics:      newConnectorMetrics(),
	}, nil
}

var errMissingSigner = errors.New("signer required")

func (u *UserStream) State() StreamState { return StreamState(u.state.Load()) }

// Backoffs is the number of retry delays taken since construction.
func (u *UserStream) Backoffs() int64 { return u.backoffs.Load() }

func (u *UserStream) setState(s StreamState) {
	prev := StreamState(u.state.Swap(int32(s)))
	if prev != s {
		u.log.WithFields(logrus.Fields{"event": "user_stream_state", "from": prev.String(), "to": s.String()}).Debug("user stream state changed")
	}
}

// Run retries forever with a fixed delay. Only ctx ends it.
func (u *UserStream) Run(ctx context.Context) error {
	defer u.setState(StateDisconnected)
	for {
		err := u.stream(ctx)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		wait := u.retry.NextBackOff()
		u.log.WithFields(logrus.Fields{"event": "user_stream_interrupted", "retry_in": wait.String()}).WithError(err).Warn("user stream interrupted, retrying")
		u.backoffs.Add(1)
		u.metrics.countBackoff(ctx)
		if err := u.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func (u *UserStream) stream(ctx context.Context) error {
	defer u.onInterruption(ctx)

	conn, err := u.getConnection(ctx)
	if err != nil {
		return err
	}
	u.setState(StateStreaming)
	for {
		msg, err := conn.Receive(ctx)
		if err != nil {
			if errors.Is(err, ErrMalformedFrame) {
				u.metrics.countParseError(ctx, ChannelPrivate)
				u.log.WithField("event", "user_stream_bad_frame").WithError(err).Warn("skipping undecodable frame")
				continue
			}
			return err
		}
		u.metrics.countMessage(ctx, "private", msg.Arg.Channel)
		if err := u.out.Push(ctx, msg); err != nil {
			return err
		}
	}
}

// getConnection returns the cached connection or dials, logs in and subscribes a new one.
func (u *UserStream) getConnection(ctx context.Context) (Conn, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.conn != nil {
		return u.conn, nil
	}

	u.setState(StateConnecting)
	conn, err := u.dialer.Dial(ctx, u.url)
	if err != nil {
		return nil, fmt.Errorf("dial user stream: %w", err)
	}

	u.setState(StateAuthenticating)
	if err := u.login(ctx, conn); err != nil {
		_ = conn.Close()
		return nil, err
	}

	req := subscribe(StreamArg{InstType: instTypeSpot, Channel: ChannelPrivate, InstID: privateInstID})
	if err := conn.Send(ctx, req); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("subscribe private channel: %w", err)
	}
	u.setState(StateSubscribed)
	u.conn = conn
	u.log.WithField("event", "user_stream_subscribed").Info("private channel subscribed")
	return conn, nil
}

func (u *UserStream) login(ctx context.Context, conn Conn) error {
	if err := conn.Send(ctx, u.signer.Login()); err != nil {
		return fmt.Errorf("send login: %w", err)
	}
	loginCtx, cancel := context.WithTimeout(ctx, u.loginTimeout)
	defer cancel()
	for {
		msg, err := conn.Receive(loginCtx)
		if err != nil {
			if errors.Is(err, ErrMalformedFrame) {
				continue
			}
			return fmt.Errorf("await login ack: %w", err)
		}
		switch msg.Event {
		case "login":
			if msg.Code != 0 {
				return fmt.Errorf("login rejected %d: %s", msg.Code, msg.Msg)
			}
			return nil
		case "error":
			return fmt.Errorf("login failed %d: %s", msg.Code, msg.Msg)
		}
	}
}

// onInterruption drops the cached connection so the next cycle logs in again.
func (u *UserStream) onInterruption(ctx context.Context) {
	u.mu.Lock()
	conn := u.conn
	u.conn = nil
	u.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	if ctx.Err() != nil {
		u.setState(StateDisconnected)
		return
	}
	u.setState(StateInterrupted)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
