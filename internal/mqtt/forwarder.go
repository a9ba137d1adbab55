package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/toolrelay/internal/config"
	"github.com/nugget/toolrelay/internal/events"
)

const (
	eventBuffer    = 256
	eventRateLimit = 200 // per second
)

// publisher is the part of [autopaho.ConnectionManager] the forwarder
// uses.
type publisher interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
}

// Forwarder subscribes to the event bus and republishes every event to
// the broker.
type Forwarder struct {
	cfg        config.MQTTConfig
	instanceID string
	bus        *events.Bus
	tokens     *DailyTokens
	limiter    *rateLimiter
	logger     *slog.Logger
	cm         *autopaho.ConnectionManager
}

// NewForwarder creates a forwarder but does not connect. Call
// [Forwarder.Start] to connect and forward.
func NewForwarder(cfg config.MQTTConfig, instanceID string, bus *events.Bus, logger *slog.Logger) *Forwarder {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = config.DefaultTopicPrefix
	}
	return &Forwarder{
		cfg:        cfg,
		instanceID: instanceID,
		bus:        bus,
		tokens:     NewDailyTokens(nil),
		limiter:    newRateLimiter(eventRateLimit, time.Second, logger),
		logger:     logger,
	}
}

// Start connects to the broker and forwards events until ctx is
// cancelled. A broker that is down at start is retried in the
// background; events published meanwhile are dropped.
func (f *Forwarder) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(f.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	clientID := f.cfg.ClientID
	if clientID == "" {
		clientID = "toolrelay-" + f.instanceID
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: f.cfg.Username,
		ConnectPassword: []byte(f.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   f.AvailabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			f.logger.Info("mqtt connected to broker", "broker", f.cfg.Broker)
			f.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			f.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: clientID,
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
	f.cm = cm

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		f.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	f.forward(ctx, cm)
	return nil
}

// Stop marks the relay offline and disconnects.
func (f *Forwarder) Stop(ctx context.Context) error {
	if f.cm == nil {
		return nil
	}
	f.publishAvailability(ctx, f.cm, "offline")
	return f.cm.Disconnect(ctx)
}

// forward drains the bus subscription into pub until ctx is cancelled.
func (f *Forwarder) forward(ctx context.Context, pub publisher) {
	ch := f.bus.Subscribe(eventBuffer)
	defer f.bus.Unsubscribe(ch)

	go f.limiter.run(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			f.handle(ctx, pub, e)
		}
	}
}

func (f *Forwarder) handle(ctx context.Context, pub publisher, e events.Event) {
	if !f.limiter.allow() {
		return
	}

	payload, err := Payload(f.instanceID, e)
	if err != nil {
		f.logger.Error("mqtt marshal event", "kind", e.Kind, "error", err)
		return
	}
	topic := f.EventTopic(e)
	if _, err := pub.Publish(ctx, &paho.Publish{Topic: topic, Payload: payload, QoS: 0}); err != nil {
		f.logger.Debug("mqtt event publish failed", "topic", topic, "error", err)
	}

	if e.Source == events.SourceAgent && e.Kind == events.KindLLMResponse {
		f.tokens.Record(intField(e.Data, "tokens_in"), intField(e.Data, "tokens_out"))
		f.publishTokens(ctx, pub)
	}
}

func (f *Forwarder) publishTokens(ctx context.Context, pub publisher) {
	input, output, requests := f.tokens.Snapshot()
	states := map[string]string{
		"tokens_today":   strconv.FormatInt(input+output, 10),
		"requests_today": strconv.FormatInt(requests, 10),
	}
	for entity, value := range states {
		if _, err := pub.Publish(ctx, &paho.Publish{
			Topic:   f.StateTopic(entity),
			Payload: []byte(value),
			QoS:     0,
			Retain:  true,
		}); err != nil {
			f.logger.Debug("mqtt state publish failed", "entity", entity, "error", err)
		}
	}
}

func (f *Forwarder) publishAvailability(ctx context.Context, pub publisher, status string) {
	if _, err := pub.Publish(ctx, &paho.Publish{
		Topic:   f.AvailabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		f.logger.Warn("mqtt availability publish failed", "status", status, "error", err)
	} else {
		f.logger.Info("mqtt availability published", "status", status)
	}
}

// --- Topic helpers ---

func (f *Forwarder) baseTopic() string {
	return strings.TrimSuffix(f.cfg.TopicPrefix, "/") + "/" + f.instanceID
}

// AvailabilityTopic carries the retained online/offline status.
func (f *Forwarder) AvailabilityTopic() string {
	return f.baseTopic() + "/availability"
}

// StateTopic carries one retained state value.
func (f *Forwarder) StateTopic(entity string) string {
	return f.baseTopic() + "/" + entity + "/state"
}

// EventTopic is where e is published.
func (f *Forwarder) EventTopic(e events.Event) string {
	return f.baseTopic() + "/events/" + topicSegment(e.Source) + "/" + topicSegment(e.Kind)
}

// topicSegment keeps MQTT wildcards and separators out of a segment.
func topicSegment(s string) string {
	if s == "" {
		return "unknown"
	}
	return strings.NewReplacer("/", "_", "+", "_", "#", "_").Replace(s)
}

type eventPayload struct {
	Instance string `json:"instance"`
	events.Event
}

// Payload renders e for the broker, tagged with the instance id.
func Payload(instanceID string, e events.Event) ([]byte, error) {
	return json.Marshal(eventPayload{Instance: instanceID, Event: e})
}

func intField(data map[string]any, key string) int {
	switch v := data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}
