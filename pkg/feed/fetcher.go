// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.

// Package feed fetches the vendor's realtime feeds and decodes them into the
// canonical event model. Fetching and decoding are separate stages so that
// the scheduler can shed decode work under backpressure without losing
// FeedRun accounting.
package feed

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"

	"github.com/stelioszach03/nyc-subway-monitor/pkg/config"
	"github.com/stelioszach03/nyc-subway-monitor/pkg/telemetry"
	"github.com/stelioszach03/nyc-subway-monitor/pkg/util/log"
)

// FetchErrorKind classifies a failed fetch.
type FetchErrorKind string

// Fetch failure kinds.
const (
	FetchTimeout   FetchErrorKind = "timeout"
	FetchHTTPError FetchErrorKind = "http_error"
	FetchDNSError  FetchErrorKind = "dns_error"
	FetchSizeLimit FetchErrorKind = "size_limit"
)

// FetchError is the classified failure returned by Fetch after retries are
// exhausted.
type FetchError struct {
	Kind FetchErrorKind
	Code int // HTTP status for http_error, zero otherwise
	Err  error
}

func (e *FetchError) Error() string {
	if e.Kind == FetchHTTPError {
		return fmt.Sprintf("fetch %s: status %d", e.Kind, e.Code)
	}
	return fmt.Sprintf("fetch %s: %v", e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

const (
	backoffInitial = 250 * time.Millisecond
	backoffMax     = 4 * time.Second
	backoffJitter  = 0.2
)

// Fetcher performs HTTP GETs of feed URLs with retry and per-feed
// serialization: overlapping ticks for the same feed are skipped, never
// queued.
type Fetcher struct {
	client     *http.Client
	timeout    time.Duration
	maxRetries int
	maxBytes   int64

	mu       sync.Mutex
	inflight map[string]struct{}
}

// NewFetcher builds a Fetcher from the config snapshot.
func NewFetcher(cfg *config.Config) *Fetcher {
	return &Fetcher{
		client:     &http.Client{Timeout: cfg.FeedTimeout},
		timeout:    cfg.FeedTimeout,
		maxRetries: cfg.MaxRetries,
		maxBytes:   cfg.MaxFeedBytes,
		inflight:   make(map[string]struct{}),
	}
}

// TryAcquire marks the feed as in flight. It returns false when a previous
// fetch has not finished; the caller must skip the tick and log the overlap.
func (f *Fetcher) TryAcquire(feedID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, busy := f.inflight[feedID]; busy {
		telemetry.FeedOverlapSkips.WithLabelValues(feedID).Inc()
		return false
	}
	f.inflight[feedID] = struct{}{}
	return true
}

// Release clears the in-flight mark set by TryAcquire.
func (f *Fetcher) Release(feedID string) {
	f.mu.Lock()
	delete(f.inflight, feedID)
	f.mu.Unlock()
}

// Fetch GETs the feed once, retrying transient failures with exponential
// backoff (250ms doubling to 4s, ±20% jitter) up to MaxRetries. The caller
// owns FeedRun accounting.
func (f *Fetcher) Fetch(ctx context.Context, fd config.FeedDescriptor) ([]byte, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = backoffInitial
	policy.MaxInterval = backoffMax
	policy.RandomizationFactor = backoffJitter
	policy.Multiplier = 2

	var body []byte
	op := func() error {
		var err error
		body, err = f.fetchOnce(ctx, fd)
		if err == nil {
			return nil
		}
		var fe *FetchError
		if errors.As(err, &fe) && !retryable(fe) {
			return backoff.Permanent(err)
		}
		log.Debugf("feed %s: fetch attempt failed, will retry: %v", fd.FeedID, err)
		return err
	}

	err := backoff.Retry(op, backoff.WithContext(
		backoff.WithMaxRetries(policy, uint64(f.maxRetries)), ctx))
	if err != nil {
		return nil, err
	}
	return body, nil
}

func retryable(fe *FetchError) bool {
	switch fe.Kind {
	case FetchSizeLimit:
		return false
	case FetchHTTPError:
		// Client errors will not heal within a tick.
		return fe.Code >= 500
	default:
		return true
	}
}

func (f *Fetcher) fetchOnce(ctx context.Context, fd config.FeedDescriptor) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	start := time.Now()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, fd.URL, nil)
	if err != nil {
		return nil, &FetchError{Kind: FetchHTTPError, Err: err}
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	telemetry.FeedFetchDuration.WithLabelValues(fd.FeedID).Observe(time.Since(start).Seconds())

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096)) //nolint:errcheck
		return nil, &FetchError{Kind: FetchHTTPError, Code: resp.StatusCode,
			Err: errors.Errorf("status %d from %s", resp.StatusCode, fd.URL)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, classifyTransportError(err)
	}
	if int64(len(body)) > f.maxBytes {
		return nil, &FetchError{Kind: FetchSizeLimit,
			Err: errors.Errorf("body exceeds %d bytes", f.maxBytes)}
	}
	return body, nil
}

func classifyTransportError(err error) *FetchError {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return &FetchError{Kind: FetchDNSError, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &FetchError{Kind: FetchTimeout, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &FetchError{Kind: FetchTimeout, Err: err}
	}
	// Connection-level failures (refused, reset, unreachable) share the
	// dns_error class: the host could not be reached at all.
	return &FetchError{Kind: FetchDNSError, Err: err}
}
