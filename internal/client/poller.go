package client

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/IdrisKulubi/buzzvar-realtime/internal/realtime"
)

// poller approximates the live delivery contract while the persistent
// connection is down: a periodic pull per subscribed channel against the
// read endpoint, deduplicated on the shared watermark table so nothing
// is delivered twice once the live path resumes. Latency is materially
// higher than live; that is the documented degradation, not a bug.
type poller struct {
	manager *Manager
	stopCh  chan struct{}
	doneCh  chan struct{}
}

type pollResult struct {
	Events    []realtime.Envelope `json:"events"`
	Watermark int64               `json:"watermark"`
}

func newPoller(m *Manager) *poller {
	p := &poller{
		manager: m,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}

	// Channels subscribed mid-poll start from "now" rather than
	// replaying history from before the subscription existed.
	now := m.clock.Now().UnixMilli()
	m.mu.Lock()
	for channel := range m.subs {
		if _, ok := m.watermarks[channel]; !ok {
			m.watermarks[channel] = now
		}
	}
	m.mu.Unlock()

	go p.run()
	return p
}

func (p *poller) run() {
	defer close(p.doneCh)

	ticker := p.manager.clock.NewTicker(p.manager.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			p.pollOnce()
		case <-p.stopCh:
			return
		case <-p.manager.stopCh:
			return
		}
	}
}

func (p *poller) stop() {
	close(p.stopCh)
	<-p.doneCh
}

func (p *poller) pollOnce() {
	for _, channel := range p.manager.subscribedChannels() {
		p.pollChannel(channel)
	}
}

func (p *poller) pollChannel(channel string) {
	m := p.manager

	m.mu.Lock()
	watermark := m.watermarks[channel]
	m.mu.Unlock()

	result, err := p.fetch(wireChannel(channel, m.opts.UserID), watermark)
	if err != nil {
		slog.Debug("Poll failed", "channel", channel, "error", err)
		return
	}

	for _, envelope := range result.Events {
		// Strict watermark check: an event already delivered on the
		// live path (or an earlier poll) is dropped here.
		if !m.markSeen(channel, envelope.Watermark(), true) {
			continue
		}
		envelope.Channel = channel
		m.dispatch(envelope)
	}
}

func (p *poller) fetch(channel string, watermark int64) (*pollResult, error) {
	q := url.Values{}
	q.Set("channel", channel)
	q.Set("since", fmt.Sprintf("%d", watermark))

	resp, err := p.manager.httpClient.Get(p.manager.opts.PollURL + "/api/poll?" + q.Encode())
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("poll endpoint returned %d", resp.StatusCode)
	}

	var result pollResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode poll response: %w", err)
	}
	return &result, nil
}

// wireChannel maps a local subscription channel to the channel queried
// on the read endpoint. Addressed notifications are stored per user, so
// the notifications subscription polls the user-scoped channel.
func wireChannel(channel, userID string) string {
	if channel == realtime.ChannelNotifications && userID != "" {
		return realtime.UserNotificationsChannel(userID)
	}
	return channel
}
