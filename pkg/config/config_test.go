// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	c, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 30*time.Second, c.FeedUpdateInterval)
	assert.Equal(t, 10*time.Second, c.FeedTimeout)
	assert.Equal(t, 3, c.MaxRetries)
	assert.Equal(t, 30*time.Minute, c.HeadwayWindow)
	assert.Equal(t, time.Hour, c.RollingWindow)
	assert.Equal(t, 24, c.SequenceLength)
	assert.Equal(t, 128, c.HiddenSize)
	assert.InDelta(t, 0.05, c.Contamination, 1e-9)
	assert.Equal(t, 3, c.ModelRetrainHour)
	assert.Equal(t, 168*time.Hour, c.TrainingWindow)
	assert.Equal(t, 168*time.Hour, c.Retention)
	assert.Equal(t, 300*time.Second, c.SuppressWindow)
	assert.Equal(t, 30*time.Second, c.WSHeartbeatInterval)
	assert.Equal(t, 1000, c.WSMaxConnections)
	assert.Equal(t, 500*time.Millisecond, c.WriteHighWatermark)
	assert.Equal(t, 2*time.Second, c.WriteDropWatermark)
	assert.Len(t, c.Feeds, 9)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("FEED_UPDATE_INTERVAL", "60")
	t.Setenv("ANOMALY_CONTAMINATION", "0.1")
	t.Setenv("LOG_LEVEL", "debug")

	c, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 60*time.Second, c.FeedUpdateInterval)
	assert.InDelta(t, 0.1, c.Contamination, 1e-9)
	assert.Equal(t, "debug", c.LogLevel)
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("FEED_UPDATE_INTERVAL", "1")
	_, err := Load()
	assert.Error(t, err)
}

func TestParseFeeds(t *testing.T) {
	feeds := parseFeeds("l=http://example.com/l, g=http://example.com/g")
	require.Len(t, feeds, 2)
	assert.Equal(t, "l", feeds[0].FeedID)
	assert.Equal(t, "http://example.com/g", feeds[1].URL)

	assert.Len(t, parseFeeds(""), 9)
	assert.Empty(t, parseFeeds("garbage"))
}

func TestParseFeedsDuplicateRejected(t *testing.T) {
	t.Setenv("FEED_URLS", "l=http://a,l=http://b")
	_, err := Load()
	assert.Error(t, err)
}
