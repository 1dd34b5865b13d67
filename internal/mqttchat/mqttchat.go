// Package mqttchat bridges an MQTT broker into the chat queue. Inbound
// messages on <prefix>/chat/in become creator chat, replies addressed
// to the mqtt channel publish to <prefix>/chat/out, and loop plus
// self-update events republish to <prefix>/status so dashboards can
// follow the agent without polling the HTTP API.
//
// Status payloads are the event bus JSON encoding; plain "online" and
// "offline" markers bound the connection lifecycle (offline doubles as
// the broker will message, so a crash flips the retained status too).
package mqttchat

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/jarvis-agent/jarvis/internal/chat"
	"github.com/jarvis-agent/jarvis/internal/config"
	"github.com/jarvis-agent/jarvis/internal/events"
	"github.com/jarvis-agent/jarvis/internal/state"
)

const (
	keepAliveSeconds = 30
	connectTimeout   = 30 * time.Second
	shutdownTimeout  = 5 * time.Second

	// Inbound messages feed the planner context, so a chatty broker
	// must not swamp the queue.
	inboundLimit  = 30
	limitInterval = time.Minute
	maxInboundLen = 8192

	statusBufSize = 64
)

// Listener manages the MQTT connection for the chat bridge. It does not
// connect until Run is called; the reply sender is registered at
// construction so replies fail loudly rather than silently when the
// broker is down.
type Listener struct {
	cfg    config.MQTTConfig
	queue  *chat.Queue
	bus    *events.Bus
	logger *slog.Logger
	limit  *inboundLimiter

	mu sync.Mutex
	cm *autopaho.ConnectionManager
}

// NewListener wires the broker config to the chat queue and registers
// the mqtt reply sender.
func NewListener(cfg config.MQTTConfig, queue *chat.Queue, bus *events.Bus, logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "mqtt")
	l := &Listener{
		cfg:    cfg,
		queue:  queue,
		bus:    bus,
		logger: logger,
		limit:  newInboundLimiter(inboundLimit, limitInterval, logger),
	}
	queue.RegisterSender("mqtt", func(ctx context.Context, content string, origin state.ChatMessage) error {
		return l.publishReply(ctx, content, origin)
	})
	return l
}

// Run connects to the broker, subscribes the inbound chat topic, and
// forwards status events until ctx is cancelled. On shutdown it
// publishes the offline marker before disconnecting. Returns nil
// immediately when the channel is not configured.
func (l *Listener) Run(ctx context.Context) error {
	if !l.cfg.Enabled || l.cfg.BrokerURL == "" {
		l.logger.Info("mqtt listener not running, broker not configured")
		return nil
	}
	brokerURL, err := url.Parse(l.cfg.BrokerURL)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       keepAliveSeconds,
		ConnectUsername: l.cfg.Username,
		ConnectPassword: []byte(l.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   l.statusTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			l.logger.Info("mqtt connected to broker", "broker", l.cfg.BrokerURL)
			if _, err := cm.Subscribe(ctx, &paho.Subscribe{
				Subscriptions: []paho.SubscribeOptions{
					{Topic: l.inboundTopic(), QoS: 1},
				},
			}); err != nil {
				l.logger.Error("mqtt subscribe failed", "topic", l.inboundTopic(), "error", err)
				return
			}
			l.publishMarker(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			l.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: l.cfg.ClientID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					l.handleInbound(pr.Packet.Topic, pr.Packet.Payload)
					return true, nil
				},
			},
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	l.setConn(cm)

	connCtx, connCancel := context.WithTimeout(ctx, connectTimeout)
	if err := cm.AwaitConnection(connCtx); err != nil {
		// Log but don't fail, autopaho keeps retrying in the background.
		l.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}
	connCancel()

	go l.limit.start(ctx)
	l.forwardStatus(ctx, cm)

	// ctx is gone at this point; the farewell publish and disconnect
	// get their own short deadline.
	stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stopCancel()
	l.publishMarker(stopCtx, cm, "offline")
	return cm.Disconnect(stopCtx)
}

func (l *Listener) setConn(cm *autopaho.ConnectionManager) {
	l.mu.Lock()
	l.cm = cm
	l.mu.Unlock()
}

func (l *Listener) conn() *autopaho.ConnectionManager {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cm
}

// --- Topics ---

func (l *Listener) inboundTopic() string  { return l.cfg.TopicPrefix + "/chat/in" }
func (l *Listener) outboundTopic() string { return l.cfg.TopicPrefix + "/chat/out" }
func (l *Listener) statusTopic() string   { return l.cfg.TopicPrefix + "/status" }

// --- Inbound ---

// handleInbound turns a chat/in payload into a queued creator message.
// Payloads are plain text; tooling that wants to wrap the text may send
// {"message": "..."} instead and the wrapper is stripped.
func (l *Listener) handleInbound(topic string, payload []byte) {
	if topic != l.inboundTopic() {
		return
	}
	if !l.limit.allow() {
		return
	}

	text := strings.TrimSpace(string(payload))
	var wrapped struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(payload, &wrapped) == nil && strings.TrimSpace(wrapped.Message) != "" {
		text = strings.TrimSpace(wrapped.Message)
	}
	if text == "" {
		return
	}
	text = truncate(text, maxInboundLen)

	msg := &state.ChatMessage{
		Channel: "mqtt",
		Content: "[MQTT] " + text,
		Metadata: map[string]string{
			"topic": topic,
		},
	}
	if _, err := l.queue.Enqueue(msg); err != nil {
		l.logger.Error("enqueue failed", "error", err)
		return
	}
	l.logger.Info("mqtt message enqueued", "length", len(text))
}

// --- Outbound ---

type replyPayload struct {
	Message string `json:"message"`
	ReplyTo string `json:"reply_to,omitempty"`
}

func (l *Listener) publishReply(ctx context.Context, content string, origin state.ChatMessage) error {
	cm := l.conn()
	if cm == nil {
		return fmt.Errorf("mqtt not connected")
	}
	payload, err := json.Marshal(replyPayload{Message: content, ReplyTo: origin.ID})
	if err != nil {
		return fmt.Errorf("marshal mqtt reply: %w", err)
	}
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   l.outboundTopic(),
		Payload: payload,
		QoS:     1,
	}); err != nil {
		return fmt.Errorf("mqtt reply publish: %w", err)
	}
	return nil
}

func (l *Listener) publishMarker(ctx context.Context, cm *autopaho.ConnectionManager, marker string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   l.statusTopic(),
		Payload: []byte(marker),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		l.logger.Warn("mqtt status marker publish failed", "marker", marker, "error", err)
	} else {
		l.logger.Info("mqtt status marker published", "marker", marker)
	}
}

// --- Status forwarding ---

// forwardStatus republishes loop and self-update events to the status
// topic until ctx is cancelled. Retained, so a late subscriber always
// sees the latest known state.
func (l *Listener) forwardStatus(ctx context.Context, cm *autopaho.ConnectionManager) {
	if l.bus == nil {
		<-ctx.Done()
		return
	}
	ch, unsubscribe := l.bus.Subscribe(statusBufSize)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-ch:
			if !statusWorthy(ev) {
				continue
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if _, err := cm.Publish(ctx, &paho.Publish{
				Topic:   l.statusTopic(),
				Payload: payload,
				QoS:     0,
				Retain:  true,
			}); err != nil {
				l.logger.Debug("mqtt status publish failed", "kind", ev.Kind, "error", err)
			}
		}
	}
}

// statusWorthy filters the event stream down to what belongs on the
// status topic. Per-call events (LLM, tools, budget charges) are too
// chatty for a retained state topic.
func statusWorthy(ev events.Event) bool {
	switch ev.Source {
	case events.SourceLoop, events.SourceSelfUpdate:
		return true
	}
	return false
}

// truncate cuts s to at most max bytes without splitting a rune.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := s[:max]
	for len(cut) > 0 && !utf8.ValidString(cut) {
		cut = cut[:len(cut)-1]
	}
	return cut
}

// inboundLimiter drops inbound messages when the rate exceeds the
// configured threshold. Atomic counters keep the hot path lock-free.
type inboundLimiter struct {
	count    atomic.Int64
	dropped  atomic.Int64
	limit    int64
	interval time.Duration
	logger   *slog.Logger
}

func newInboundLimiter(limit int64, interval time.Duration, logger *slog.Logger) *inboundLimiter {
	return &inboundLimiter{
		limit:    limit,
		interval: interval,
		logger:   logger,
	}
}

// start runs the periodic counter reset loop until ctx is cancelled.
// At each interval boundary it logs a warning if anything was dropped.
func (r *inboundLimiter) start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count := r.count.Swap(0)
			dropped := r.dropped.Swap(0)
			if dropped > 0 {
				r.logger.Warn("mqtt messages dropped due to rate limit",
					"received", count,
					"dropped", dropped,
					"interval", r.interval.String(),
					"limit", r.limit,
				)
			}
		}
	}
}

// allow increments the message counter and reports whether the current
// count is within the limit.
func (r *inboundLimiter) allow() bool {
	n := r.count.Add(1)
	if n > r.limit {
		r.dropped.Add(1)
		return false
	}
	return true
}
