// Package notifier delivers deployment callbacks to evaluator endpoints.
// Deliveries are fire-and-forget from the caller's point of view: Notify
// returns immediately, retries with exponential backoff happen on a tracked
// goroutine, and Shutdown drains in-flight deliveries within a bound.
package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/tbourn/go-deploy-backend/internal/httpclient"
)

// ErrInvalidURL is returned when a callback URL cannot be used at all.
var ErrInvalidURL = errors.New("invalid evaluation url")

// Attempt is one delivery try, kept for logs and metrics.
type Attempt struct {
	Number     int
	StatusCode int
	Err        error
	At         time.Time
	Latency    time.Duration
}

func (a Attempt) ok() bool {
	return a.Err == nil && a.StatusCode >= 200 && a.StatusCode <= 299
}

func (a Attempt) failure() error {
	if a.Err != nil {
		return a.Err
	}
	return fmt.Errorf("evaluator responded %d", a.StatusCode)
}

// DeliveryError is the terminal failure of a delivery after all attempts.
type DeliveryError struct {
	URL      string
	Attempts []Attempt
	Err      error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("notify %s failed after %d attempt(s): %v", e.URL, len(e.Attempts), e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

var (
	attemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notification_attempts_total",
			Help: "Evaluator notification attempts by result.",
		},
		[]string{"result"},
	)
	deliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notification_deliveries_total",
			Help: "Evaluator notifications by final outcome.",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(attemptsTotal, deliveriesTotal)
}

// Options configures a Notifier.
type Options struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Timeout bounds each attempt.
	Timeout  time.Duration
	Client   *http.Client
	Resolver httpclient.Resolver
	Logger   zerolog.Logger
	// Disabled turns Notify into a logged no-op.
	Disabled bool
}

// Notifier posts JSON payloads with retries.
type Notifier struct {
	opts Options

	wg     sync.WaitGroup
	base   context.Context
	cancel context.CancelFunc
}

// New returns a Notifier with defaults filled in.
func New(opts Options) *Notifier {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 5
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = time.Second
	}
	if opts.MaxDelay < opts.BaseDelay {
		opts.MaxDelay = opts.BaseDelay
	}
	if opts.Client == nil {
		opts.Client = http.DefaultClient
	}
	if opts.Resolver == nil {
		opts.Resolver = net.DefaultResolver
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Notifier{opts: opts, base: ctx, cancel: cancel}
}

// Notify schedules delivery of payload to target and returns immediately.
// The outcome is only observable through logs and metrics.
func (n *Notifier) Notify(target string, payload any) {
	if n.opts.Disabled {
		n.opts.Logger.Info().Str("url", target).Msg("evaluator notification skipped")
		return
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		attempts, err := n.Deliver(n.base, target, payload)
		if err != nil {
			deliveriesTotal.WithLabelValues("failed").Inc()
			n.opts.Logger.Error().Err(err).Str("url", target).Int("attempts", len(attempts)).
				Msg("evaluator notification failed")
			return
		}
		deliveriesTotal.WithLabelValues("delivered").Inc()
		n.opts.Logger.Info().Str("url", target).Int("attempts", len(attempts)).Msg("evaluator notified")
	}()
}

// Deliver posts payload to target synchronously, retrying transport errors
// and non-2xx responses. An unusable URL or unresolvable host fails without
// retries.
func (n *Notifier) Deliver(ctx context.Context, target string, payload any) ([]Attempt, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &DeliveryError{URL: target, Err: err}
	}
	if err := n.precheck(ctx, target); err != nil {
		return nil, &DeliveryError{URL: target, Err: err}
	}

	var attempts []Attempt
	op := func() (struct{}, error) {
		a := n.post(ctx, target, body, len(attempts)+1)
		attempts = append(attempts, a)
		ev := n.opts.Logger.Debug()
		if !a.ok() {
			ev = n.opts.Logger.Warn().AnErr("cause", a.failure())
			attemptsTotal.WithLabelValues("error").Inc()
		} else {
			attemptsTotal.WithLabelValues("ok").Inc()
		}
		ev.Str("url", target).Int("attempt", a.Number).Int("status", a.StatusCode).
			Dur("latency", a.Latency).Msg("notification attempt")
		if a.ok() {
			return struct{}{}, nil
		}
		return struct{}{}, a.failure()
	}

	_, err = backoff.Retry(ctx, op,
		backoff.WithBackOff(n.backOff()),
		backoff.WithMaxTries(uint(n.opts.MaxAttempts)),
		backoff.WithMaxElapsedTime(0),
	)
	if err != nil {
		return attempts, &DeliveryError{URL: target, Attempts: attempts, Err: err}
	}
	return attempts, nil
}

// backOff yields base*2^(attempt-1) capped at MaxDelay, with +/-25% jitter.
func (n *Notifier) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = n.opts.BaseDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0.25
	b.MaxInterval = n.opts.MaxDelay
	return b
}

func (n *Notifier) precheck(ctx context.Context, target string) error {
	u, err := url.Parse(target)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Hostname() == "" {
		return ErrInvalidURL
	}
	if _, err := n.opts.Resolver.LookupHost(ctx, u.Hostname()); err != nil {
		return fmt.Errorf("%w: resolve %s: %v", ErrInvalidURL, u.Hostname(), err)
	}
	return nil
}

func (n *Notifier) post(ctx context.Context, target string, body []byte, number int) Attempt {
	a := Attempt{Number: number, At: time.Now()}
	if n.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.opts.Timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		a.Err = backoff.Permanent(err)
		return a
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Notification-Attempt", strconv.Itoa(number))

	resp, err := n.opts.Client.Do(req)
	a.Latency = time.Since(a.At)
	if err != nil {
		a.Err = err
		return a
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
	a.StatusCode = resp.StatusCode
	return a
}

// Shutdown waits for in-flight deliveries. When ctx ends first, pending
// retries are cancelled and ctx's error is returned.
func (n *Notifier) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		n.cancel()
		return nil
	case <-ctx.Done():
		n.cancel()
		<-done
		return ctx.Err()
	}
}
