package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/joho/godotenv"

	"bitget-spot/internal/config"
	"bitget-spot/internal/exchange/bitget"
	"bitget-spot/internal/logging"
	"bitget-spot/internal/queue"
)

type checkStatus string

const (
	statusPass checkStatus = "PASS"
	statusFail checkStatus = "FAIL"
)

const maxClockSkew = 5 * time.Second

type checkResult struct {
	Name       string      `json:"name"`
	Status     checkStatus `json:"status"`
	DurationMs int64       `json:"duration_ms"`
	Detail     string      `json:"detail,omitempty"`
	Error      string      `json:"error,omitempty"`
}

type report struct {
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	InstanceID string        `json:"instance_id"`
	Pairs      []string      `json:"pairs"`
	Checks     []checkResult `json:"checks"`
}

func (r report) failed() int {
	n := 0
	for _, c := range r.Checks {
		if c.Status == statusFail {
			n++
		}
	}
	return n
}

type selectedChecks struct {
	clock    bool
	products bool
	balances bool
	book     bool
	stream   bool
}

func main() {
	var (
		configPath  string
		envFile     string
		timeoutSec  int
		streamWait  int
		outJSONPath string
		checkFlag   string
	)
	flag.StringVar(&configPath, "config", "config/config.yaml", "config yaml path")
	flag.StringVar(&envFile, "env-file", ".env", "optional dotenv file with credentials")
	flag.IntVar(&timeoutSec, "timeout-sec", 60, "total timeout seconds")
	flag.IntVar(&streamWait, "stream-wait-sec", 10, "wait seconds for the private stream to subscribe")
	flag.StringVar(&outJSONPath, "out-json", "", "optional output report path")
	flag.StringVar(&checkFlag, "check", "all", "checks to run: all | comma list (clock,products,balances,book,stream)")
	flag.Parse()

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			fatal(err.Error())
		}
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		fatal(err.Error())
	}
	checks, err := parseCheckFlag(checkFlag)
	if err != nil {
		fatal(err.Error())
	}
	if timeoutSec < 10 {
		timeoutSec = 10
	}
	if streamWait < 3 {
		streamWait = 3
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeoutSec)*time.Second)
	defer cancel()

	logger := logging.Discard()
	signer, err := bitget.NewSigner(bitget.Credentials{
		APIKey:     cfg.Exchange.APIKey,
		SecretKey:  cfg.Exchange.SecretKey,
		Passphrase: cfg.Exchange.Passphrase,
	}, nil)
	if err != nil {
		fatal(err.Error())
	}
	fees := cfg.Fees()
	client := bitget.NewClient(bitget.Options{
		Signer:         signer,
		RestBaseURL:    cfg.Exchange.RestBaseURL,
		HTTPTimeoutSec: cfg.Exchange.HTTPTimeoutSec,
		Logger:         logger,
		DefaultFees:    &fees,
	})

	r := report{StartedAt: time.Now().UTC(), InstanceID: cfg.InstanceID, Pairs: cfg.TradingPairs}
	run := func(name string, fn func() (string, error)) {
		start := time.Now()
		detail, err := fn()
		cr := checkResult{Name: name, DurationMs: time.Since(start).Milliseconds(), Detail: detail, Status: statusPass}
		if err != nil {
			cr.Status = statusFail
			cr.Error = err.Error()
		}
		r.Checks = append(r.Checks, cr)
		printResult(cr)
	}

	if checks.clock {
		run("server_time", func() (string, error) {
			sent := time.Now()
			server, err := client.ServerTime(ctx)
			if err != nil {
				return "", err
			}
			skew := clockSkew(sent, time.Now(), server)
			detail := fmt.Sprintf("server=%s skew=%s", server.UTC().Format(time.RFC3339Nano), skew)
			if skew > maxClockSkew || skew < -maxClockSkew {
				return detail, fmt.Errorf("clock skew %s exceeds %s", skew, maxClockSkew)
			}
			return detail, nil
		})
	}
	if checks.products {
		run("products_and_rules", func() (string, error) {
			parts := make([]string, 0, len(cfg.TradingPairs))
			for _, pair := range cfg.TradingPairs {
				rules, err := client.Rules(ctx, pair)
				if err != nil {
					return strings.Join(parts, " "), fmt.Errorf("%s: %w", pair, err)
				}
				parts = append(parts, fmt.Sprintf("%s[tick=%s step=%s minQty=%s minNotional=%s]",
					pair, rules.PriceTick, rules.QtyStep, rules.MinQty, rules.MinNotional))
			}
			return strings.Join(parts, " "), nil
		})
	}
	if checks.balances {
		run("account_balances", func() (string, error) {
			balances, err := client.Balances(ctx)
			if err != nil {
				return "", err
			}
			coins := make([]string, 0, len(balances))
			for coin, amount := range balances {
				if amount.IsPositive() {
					coins = append(coins, coin+"="+amount.String())
				}
			}
			sort.Strings(coins)
			return fmt.Sprintf("non_zero=%d %s", len(coins), strings.Join(coins, " ")), nil
		})
	}
	if checks.book {
		run("order_book_snapshot", func() (string, error) {
			parts := make([]string, 0, len(cfg.TradingPairs))
			for _, pair := range cfg.TradingPairs {
				snap, err := client.OrderBook(ctx, pair, cfg.Exchange.SnapshotDepth)
				if err != nil {
					return strings.Join(parts, " "), fmt.Errorf("%s: %w", pair, err)
				}
				bid, okBid := snap.BestBid()
				ask, okAsk := snap.BestAsk()
				if !okBid || !okAsk {
					return strings.Join(parts, " "), fmt.Errorf("%s: empty book side", pair)
				}
				if !bid.Price.LessThan(ask.Price) {
					return strings.Join(parts, " "), fmt.Errorf("%s: crossed book bid=%s ask=%s", pair, bid.Price, ask.Price)
				}
				parts = append(parts, fmt.Sprintf("%s[bid=%s ask=%s levels=%d/%d]", pair, bid.Price, ask.Price, len(snap.Bids), len(snap.Asks)))
			}
			return strings.Join(parts, " "), nil
		})
	}
	if checks.stream {
		run("private_stream_subscribe", func() (string, error) {
			return checkUserStream(ctx, cfg, signer, time.Duration(streamWait)*time.Second)
		})
	}

	r.FinishedAt = time.Now().UTC()
	if outJSONPath != "" {
		data, err := json.MarshalIndent(r, "", "  ")
		if err != nil {
			fatal(err.Error())
		}
		if err := os.WriteFile(outJSONPath, append(data, '\n'), 0o644); err != nil {
			fatal(err.Error())
		}
	}
	if n := r.failed(); n > 0 {
		fatal(fmt.Sprintf("%d of %d checks failed", n, len(r.Checks)))
	}
	fmt.Printf("all %d checks passed\n", len(r.Checks))
}

func checkUserStream(ctx context.Context, cfg config.Config, signer *bitget.Signer, wait time.Duration) (string, error) {
	sctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	out := queue.New[bitget.Message]("connectcheck", 64, queue.DropOldest)
	defer out.Close()
	stream, err := bitget.NewUserStream(bitget.UserStreamOptions{
		Signer:       signer,
		WSURL:        cfg.Exchange.WSBaseURL,
		Dialer:       bitget.WSDialer{PingInterval: time.Duration(cfg.Exchange.PingIntervalSec) * time.Second},
		Out:          out,
		LoginTimeout: time.Duration(cfg.UserStream.LoginTimeoutSec) * time.Second,
		Logger:       logging.Discard(),
	})
	if err != nil {
		return "", err
	}
	done := make(chan error, 1)
	go func() { done <- stream.Run(sctx) }()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if s := stream.State(); s == bitget.StateSubscribed || s == bitget.StateStreaming {
				cancel()
				<-done
				return fmt.Sprintf("state=%s backoffs=%d", s, stream.Backoffs()), nil
			}
		case err := <-done:
			if err == nil || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				err = fmt.Errorf("not subscribed within %s", wait)
			}
			return fmt.Sprintf("state=%s backoffs=%d", stream.State(), stream.Backoffs()), err
		}
	}
}

// clockSkew estimates local minus server time, taking the midpoint of the round trip.
func clockSkew(sent, received, server time.Time) time.Duration {
	mid := sent.Add(received.Sub(sent) / 2)
	return mid.Sub(server)
}

func parseCheckFlag(raw string) (selectedChecks, error) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if raw == "" || raw == "all" {
		return selectedChecks{clock: true, products: true, balances: true, book: true, stream: true}, nil
	}
	var out selectedChecks
	for _, part := range strings.Split(raw, ",") {
		switch strings.TrimSpace(part) {
		case "clock":
			out.clock = true
		case "products":
			out.products = true
		case "balances":
			out.balances = true
		case "book":
			out.book = true
		case "stream":
			out.stream = true
		case "":
		default:
			return selectedChecks{}, fmt.Errorf("unknown check %q", part)
		}
	}
	if out == (selectedChecks{}) {
		return selectedChecks{}, errors.New("no checks selected")
	}
	return out, nil
}

func printResult(cr checkResult) {
	if cr.Status == statusPass {
		fmt.Printf("[PASS] %s (%dms)", cr.Name, cr.DurationMs)
		if cr.Detail != "" {
			fmt.Printf(" - %s", cr.Detail)
		}
		fmt.Println()
		return
	}
	fmt.Printf("[FAIL] %s (%dms) - %s\n", cr.Name, cr.DurationMs, cr.Error)
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}
