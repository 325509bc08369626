package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/austindbirch/harbor_relay/internal/logging"
	"github.com/austindbirch/harbor_relay/internal/metrics"
)

// nsqStats is the subset of nsqd's /stats?format=json response we read
type nsqStats struct {
	Topics []struct {
		TopicName string `json:"topic_name"`
		Channels  []struct {
			ChannelName   string `json:"channel_name"`
			Depth         int64  `json:"depth"`
			InFlightCount int64  `json:"in_flight_count"`
		} `json:"channels"`
	} `json:"topics"`
}

// Monitor polls nsqd and exports backlog gauges for one topic
type Monitor struct {
	client   *http.Client
	statsURL string
	topic    string
	interval time.Duration
	logger   *logging.Logger
}

func NewMonitor(nsqdHTTPAddr, topic string, interval time.Duration, logger *logging.Logger) *Monitor {
	base := nsqdHTTPAddr
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Monitor{
		client:   &http.Client{Timeout: 5 * time.Second},
		statsURL: strings.TrimRight(base, "/") + "/stats?format=json&topic=" + topic,
		topic:    topic,
		interval: interval,
		logger:   logger,
	}
}

// Run polls until ctx is cancelled
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Poll(ctx); err != nil {
				m.logger.Plain().WithError(err).Warn("queue stats poll failed")
			}
		}
	}
}

// Poll fetches stats once and updates the gauges
func (m *Monitor) Poll(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.statsURL, nil)
	if err != nil {
		return err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("get nsq stats: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("get nsq stats: status %d", resp.StatusCode)
	}

	var stats nsqStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return fmt.Errorf("decode nsq stats: %w", err)
	}
	for _, topic := range stats.Topics {
		if topic.TopicName != m.topic {
			continue
		}
		for _, ch := range topic.Channels {
			metrics.UpdateQueueDepth(topic.TopicName, ch.ChannelName, ch.Depth, ch.InFlightCount)
		}
	}
	return nil
}
