package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc/pool"

	"bitget-spot/internal/core"
	"bitget-spot/internal/exchange/bitget"
	"bitget-spot/internal/logging"
	"bitget-spot/internal/orderbook"
	"bitget-spot/internal/queue"
)

const defaultOutDir = "data/bitget"

type tradeLine struct {
	Time      string `json:"time"`
	Timestamp int64  `json:"timestamp"`
	Pair      string `json:"pair"`
	Price     string `json:"price"`
	Size      string `json:"size"`
	Side      string `json:"side"`
}

type bookLine struct {
	Time     string `json:"time"`
	Pair     string `json:"pair"`
	Sequence int64  `json:"sequence"`
	BidPrice string `json:"bid_price,omitempty"`
	BidSize  string `json:"bid_size,omitempty"`
	AskPrice string `json:"ask_price,omitempty"`
	AskSize  string `json:"ask_size,omitempty"`
}

// dateWriter appends JSON lines to <root>/<date>.jsonl, switching files when the date changes.
type dateWriter struct {
	root        string
	currentDate string
	currentFile *os.File
}

func newDateWriter(root string) (*dateWriter, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &dateWriter{root: root}, nil
}

func (w *dateWriter) write(date string, line []byte) error {
	if err := w.rotate(date); err != nil {
		return err
	}
	_, err := w.currentFile.Write(append(line, '\n'))
	return err
}

func (w *dateWriter) rotate(date string) error {
	if date == w.currentDate && w.currentFile != nil {
		return nil
	}
	if err := w.close(); err != nil {
		return err
	}
	path := filepath.Join(w.root, date+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	w.currentFile = f
	w.currentDate = date
	return nil
}

func (w *dateWriter) close() error {
	if w == nil || w.currentFile == nil {
		return nil
	}
	if err := w.currentFile.Sync(); err != nil {
		_ = w.currentFile.Close()
		w.currentFile = nil
		return err
	}
	err := w.currentFile.Close()
	w.currentFile = nil
	return err
}

// recorder is owned by a single goroutine; it is not safe for concurrent use.
type recorder struct {
	trades *dateWriter
	books  *dateWriter
	counts map[string]int
}

func newRecorder(root string) (*recorder, error) {
	trades, err := newDateWriter(filepath.Join(root, "trades"))
	if err != nil {
		return nil, err
	}
	books, err := newDateWriter(filepath.Join(root, "books"))
	if err != nil {
		return nil, err
	}
	return &recorder{trades: trades, books: books, counts: make(map[string]int)}, nil
}

func (r *recorder) trade(t core.PublicTrade) error {
	ms := int64(t.Timestamp * 1000)
	ts := time.UnixMilli(ms).UTC()
	encoded, err := json.Marshal(tradeLine{
		Time:      ts.Format(time.RFC3339Nano),
		Timestamp: ms,
		Pair:      t.Pair,
		Price:     t.Price.String(),
		Size:      t.Size.String(),
		Side:      string(t.Side),
	})
	if err != nil {
		return err
	}
	r.counts["trades"]++
	return r.trades.write(ts.Format("2006-01-02"), encoded)
}

func (r *recorder) book(s orderbook.Snapshot) error {
	ts := s.Time.UTC()
	if s.Time.IsZero() {
		ts = time.Now().UTC()
	}
	line := bookLine{Time: ts.Format(time.RFC3339Nano), Pair: s.Pair, Sequence: s.Sequence}
	if bid, ok := s.BestBid(); ok {
		line.BidPrice, line.BidSize = bid.Price.String(), bid.Size.String()
	}
	if ask, ok := s.BestAsk(); ok {
		line.AskPrice, line.AskSize = ask.Price.String(), ask.Size.String()
	}
	encoded, err := json.Marshal(line)
	if err != nil {
		return err
	}
	r.counts["books"]++
	return r.books.write(ts.Format("2006-01-02"), encoded)
}

func (r *recorder) close() error {
	return errors.Join(r.trades.close(), r.books.close())
}

func main() {
	var (
		restURL  string
		wsURL    string
		pairsRaw string
		outDir   string
		duration time.Duration
		level    string
	)
	flag.StringVar(&restURL, "rest-url", bitget.DefaultRestURL, "exchange REST base url")
	flag.StringVar(&wsURL, "ws-url", bitget.DefaultWSURL, "exchange websocket url")
	flag.StringVar(&pairsRaw, "pairs", "BTC-USDT", "comma separated trading pairs, e.g. BTC-USDT,ETH-USDT")
	flag.StringVar(&outDir, "out-dir", defaultOutDir, "output root dir")
	flag.DurationVar(&duration, "duration", 0, "stop after this long; 0 records until interrupted")
	flag.StringVar(&level, "log-level", "info", "log level")
	flag.Parse()

	pairs := parsePairs(pairsRaw)
	if len(pairs) == 0 {
		fatal("at least one pair is required")
	}
	logger, err := logging.New(logging.Options{Level: level, Format: "text", Output: "stderr"})
	if err != nil {
		fatal(err.Error())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, duration)
		defer cancel()
	}

	rec, err := newRecorder(outDir)
	if err != nil {
		fatal(err.Error())
	}
	defer func() {
		if closeErr := rec.close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "close writer failed: %v\n", closeErr)
		}
	}()

	client := bitget.NewClient(bitget.Options{RestBaseURL: restURL, Logger: logger})
	md, err := bitget.NewMarketData(bitget.MarketDataOptions{
		Client:    client,
		WSURL:     wsURL,
		QueueSize: 4096,
		Policy:    queue.DropOldest,
		Logger:    logger,
	})
	if err != nil {
		fatal(err.Error())
	}
	defer md.Close()

	fmt.Printf("recording pairs=%s output=%s\n", strings.Join(pairs, ","), outDir)
	if err := record(ctx, md, pairs, rec, logger); err != nil && !isDone(err) {
		fatal(err.Error())
	}
	fmt.Printf("done: trades=%d books=%d dropped=%d output=%s\n", rec.counts["trades"], rec.counts["books"], md.Dropped(), outDir)
}

func record(ctx context.Context, md *bitget.MarketData, pairs []string, rec *recorder, logger logrus.FieldLogger) error {
	trades := make(chan core.PublicTrade, 256)
	books := make(chan orderbook.Snapshot, 64)
	log := logging.Component(logger, "recorder")

	p := pool.New().WithContext(ctx).WithCancelOnError().WithFirstError()
	p.Go(func(ctx context.Context) error { return subscribe(ctx, md, pairs, log) })
	p.Go(func(ctx context.Context) error { return md.DrainTrades(ctx, trades) })
	p.Go(func(ctx context.Context) error { return md.DrainOrderBook(ctx, books) })
	p.Go(func(ctx context.Context) error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case t := <-trades:
				if err := rec.trade(t); err != nil {
					return err
				}
			case s := <-books:
				if err := rec.book(s); err != nil {
					return err
				}
			}
		}
	})
	return p.Wait()
}

func subscribe(ctx context.Context, md *bitget.MarketData, pairs []string, log logrus.FieldLogger) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 30 * time.Second
	for {
		started := time.Now()
		err := md.RunSubscription(ctx, pairs)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if time.Since(started) > time.Minute {
			b.Reset()
		}
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			wait = b.MaxInterval
		}
		log.WithError(err).WithField("retry_in", wait.String()).Warn("market data subscription ended")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func parsePairs(raw string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, part := range strings.Split(raw, ",") {
		p := strings.ToUpper(strings.TrimSpace(part))
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}

func isDone(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}
