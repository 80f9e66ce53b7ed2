// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.

package feed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stelioszach03/nyc-subway-monitor/pkg/config"
)

func testFetcher(timeout time.Duration, retries int) *Fetcher {
	return NewFetcher(&config.Config{
		FeedTimeout:  timeout,
		MaxRetries:   retries,
		MaxFeedBytes: 1 << 20,
	})
}

func TestFetchSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("feed-bytes")) //nolint:errcheck
	}))
	defer srv.Close()

	f := testFetcher(time.Second, 0)
	body, err := f.Fetch(context.Background(), config.FeedDescriptor{FeedID: "main", URL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, []byte("feed-bytes"), body)
}

func TestFetchRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte("ok")) //nolint:errcheck
	}))
	defer srv.Close()

	f := testFetcher(time.Second, 3)
	body, err := f.Fetch(context.Background(), config.FeedDescriptor{FeedID: "main", URL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), body)
	assert.Equal(t, int32(3), calls.Load())
}

func TestFetchClientErrorIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := testFetcher(time.Second, 3)
	_, err := f.Fetch(context.Background(), config.FeedDescriptor{FeedID: "main", URL: srv.URL})
	require.Error(t, err)

	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, FetchHTTPError, fe.Kind)
	assert.Equal(t, http.StatusNotFound, fe.Code)
	assert.Equal(t, int32(1), calls.Load(), "4xx must not be retried")
}

func TestFetchTimeoutClassified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
	}))
	defer srv.Close()

	f := testFetcher(50*time.Millisecond, 0)
	_, err := f.Fetch(context.Background(), config.FeedDescriptor{FeedID: "main", URL: srv.URL})
	require.Error(t, err)

	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, FetchTimeout, fe.Kind)
}

func TestFetchSizeLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(make([]byte, 2048)) //nolint:errcheck
	}))
	defer srv.Close()

	f := NewFetcher(&config.Config{
		FeedTimeout:  time.Second,
		MaxRetries:   3,
		MaxFeedBytes: 1024,
	})
	_, err := f.Fetch(context.Background(), config.FeedDescriptor{FeedID: "main", URL: srv.URL})
	require.Error(t, err)

	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, FetchSizeLimit, fe.Kind)
}

func TestTryAcquireSerializesPerFeed(t *testing.T) {
	f := testFetcher(time.Second, 0)

	require.True(t, f.TryAcquire("ace"))
	assert.False(t, f.TryAcquire("ace"), "overlapping tick must be skipped")
	assert.True(t, f.TryAcquire("bdfm"), "other feeds are unaffected")

	f.Release("ace")
	assert.True(t, f.TryAcquire("ace"))
}
