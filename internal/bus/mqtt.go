// Package bus adapts the MQTT broker into the dispatch channel the queue
// engine drives: one retained "current command" value per robot plus two
// inbound event streams (completion, telemetry).
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/robolab/dispatchd/internal/queue"
)

// Topics are the per-robot logical channel names.
type Topics struct {
	Command   string `json:"jobs"`
	Done      string `json:"done"`
	Telemetry string `json:"telemetry"`
}

// TopicsFor returns the topic layout for one robot.
func TopicsFor(robotID string) Topics {
	return Topics{
		Command:   fmt.Sprintf("robot/%s/cmd/job", robotID),
		Done:      fmt.Sprintf("robot/%s/evt/done", robotID),
		Telemetry: fmt.Sprintf("robot/%s/telemetry", robotID),
	}
}

// Config holds broker connection settings.
type Config struct {
	Host      string
	Port      int
	Username  string
	Password  string
	RobotID   string
	KeepAlive time.Duration
}

// Bus is the MQTT dispatch channel. Completion and telemetry handlers must
// be registered before Connect; subscriptions are re-established inside the
// on-connect hook so reconnects keep the inbound streams alive.
type Bus struct {
	client mqtt.Client
	topics Topics
	logger *slog.Logger

	mu           sync.RWMutex
	onCompletion func(CompletionEvent)
	onTelemetry  func(raw string)
}

// New builds a Bus for the given broker. It does not connect.
func New(cfg Config, logger *slog.Logger) *Bus {
	b := &Bus{
		topics: TopicsFor(cfg.RobotID),
		logger: logger,
	}

	keepAlive := cfg.KeepAlive
	if keepAlive <= 0 {
		keepAlive = 60 * time.Second
	}

	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.Host, cfg.Port)).
		SetClientID("dispatchd-" + uuid.NewString()[:8]).
		SetKeepAlive(keepAlive).
		SetAutoReconnect(true).
		SetOnConnectHandler(b.handleConnect).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			b.logger.Warn("broker connection lost", "error", err)
		})
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	b.client = mqtt.NewClient(opts)
	return b
}

// Topics returns the channel names in use, for the status endpoint.
func (b *Bus) Topics() Topics { return b.topics }

// OnCompletion registers the handler for inbound completion events. The
// handler is invoked once per delivered message; at-least-once delivery
// means it must tolerate duplicates.
func (b *Bus) OnCompletion(fn func(CompletionEvent)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onCompletion = fn
}

// OnTelemetry registers the handler for the heartbeat stream. The payload is
// opaque.
func (b *Bus) OnTelemetry(fn func(raw string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onTelemetry = fn
}

// Connect establishes the broker session, honoring ctx for the initial
// connection wait.
func (b *Bus) Connect(ctx context.Context) error {
	tok := b.client.Connect()

	done := make(chan struct{})
	go func() {
		tok.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
	}

	if err := tok.Error(); err != nil {
		return fmt.Errorf("connect to broker: %w", err)
	}
	return nil
}

// Close disconnects from the broker, allowing a short drain for in-flight
// publishes.
func (b *Bus) Close() {
	b.client.Disconnect(250)
}

// PublishCurrent sets the retained current-command value to the job's
// compact JSON form without its status field. QoS1 + retain means a
// reconnecting robot immediately observes the last assignment. The publish
// is fire-and-forget; delivery failures are logged, never propagated.
func (b *Bus) PublishCurrent(j *queue.Job) {
	cp := *j
	cp.Status = ""
	payload, err := json.Marshal(&cp)
	if err != nil {
		b.logger.Error("marshal current command", "job_id", j.JobID, "error", err)
		return
	}

	tok := b.client.Publish(b.topics.Command, 1, true, payload)
	go func() {
		tok.Wait()
		if err := tok.Error(); err != nil {
			b.logger.Error("publish current command", "job_id", j.JobID, "topic", b.topics.Command, "error", err)
		}
	}()
}

// ClearCurrent publishes an empty retained payload, signalling "no command
// pending" to any subscriber.
func (b *Bus) ClearCurrent() {
	tok := b.client.Publish(b.topics.Command, 1, true, []byte{})
	go func() {
		tok.Wait()
		if err := tok.Error(); err != nil {
			b.logger.Error("clear current command", "topic", b.topics.Command, "error", err)
		}
	}()
}

func (b *Bus) handleConnect(c mqtt.Client) {
	subs := map[string]byte{
		b.topics.Done:      1,
		b.topics.Telemetry: 0,
	}
	tok := c.SubscribeMultiple(subs, b.handleMessage)
	tok.Wait()
	if err := tok.Error(); err != nil {
		b.logger.Error("subscribe to inbound topics", "error", err)
		return
	}
	b.logger.Info("connected to broker", "done_topic", b.topics.Done, "telemetry_topic", b.topics.Telemetry)
}

func (b *Bus) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	b.mu.RLock()
	onCompletion := b.onCompletion
	onTelemetry := b.onTelemetry
	b.mu.RUnlock()

	switch msg.Topic() {
	case b.topics.Done:
		if onCompletion == nil {
			return
		}
		ev := DecodeCompletion(msg.Payload())
		if ev.JobID == "" {
			b.logger.Warn("completion event without job_id", "raw", ev.Raw)
		}
		onCompletion(ev)
	case b.topics.Telemetry:
		if onTelemetry == nil {
			return
		}
		onTelemetry(string(msg.Payload()))
	default:
		b.logger.Debug("message on unexpected topic", "topic", msg.Topic())
	}
}
