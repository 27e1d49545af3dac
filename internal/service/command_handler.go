package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/nexus-edge/acquisition-gateway/internal/domain"
	"github.com/nexus-edge/acquisition-gateway/internal/metrics"
	"github.com/rs/zerolog"
)

// MQTTClient is the subset of the paho client the command handler needs.
type MQTTClient interface {
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Unsubscribe(topics ...string) mqtt.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// Writer executes a variable write. *Sampler implements it.
type Writer interface {
	WriteVariable(ctx context.Context, deviceID, variableID string, value interface{}) error
}

// CommandHandler handles write commands received via MQTT.
// Commands go through a bounded queue; when it is full new commands are
// rejected rather than buffered.
type CommandHandler struct {
	client  MQTTClient
	writer  Writer
	logger  zerolog.Logger
	metrics *metrics.Registry
	config  CommandConfig
	stats   CommandStats
	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	queue   chan WriteCommand
}

// CommandConfig holds configuration for the command handler.
type CommandConfig struct {
	// TopicPrefix is the MQTT topic prefix for commands
	TopicPrefix string

	// ResponseTopicPrefix is the MQTT topic prefix for responses
	ResponseTopicPrefix string

	// WriteTimeout bounds each write, including the wait for a busy link
	WriteTimeout time.Duration

	// QoS is the MQTT QoS level for commands and responses
	QoS byte

	// EnableAcknowledgement publishes a response for every command
	EnableAcknowledgement bool

	// Workers is the number of commands executed concurrently
	Workers int

	// QueueSize is the number of commands buffered before rejecting
	QueueSize int
}

// DefaultCommandConfig returns sensible defaults for command handling.
func DefaultCommandConfig() CommandConfig {
	return CommandConfig{
		TopicPrefix:           "gateway/cmd",
		ResponseTopicPrefix:   "gateway/cmd/response",
		WriteTimeout:          10 * time.Second,
		QoS:                   1,
		EnableAcknowledgement: true,
		Workers:               4,
		QueueSize:             100,
	}
}

// CommandStats tracks command handling statistics.
type CommandStats struct {
	Received  atomic.Uint64
	Succeeded atomic.Uint64
	Failed    atomic.Uint64
	Rejected  atomic.Uint64
}

// WriteCommand is one variable write received via MQTT.
type WriteCommand struct {
	RequestID  string      `json:"request_id,omitempty"`
	DeviceID   string      `json:"device_id"`
	VariableID string      `json:"variable_id"`
	Value      interface{} `json:"value"`
	Timestamp  time.Time   `json:"timestamp,omitempty"`
}

// WriteResponse is the acknowledgement of a write command.
type WriteResponse struct {
	RequestID  string    `json:"request_id,omitempty"`
	DeviceID   string    `json:"device_id"`
	VariableID string    `json:"variable_id"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	DurationMs int64     `json:"duration_ms"`
}

// NewCommandHandler creates a new command handler.
func NewCommandHandler(client MQTTClient, writer Writer, config CommandConfig, logger zerolog.Logger, metricsReg *metrics.Registry) *CommandHandler {
	defaults := DefaultCommandConfig()
	if config.TopicPrefix == "" {
		config.TopicPrefix = defaults.TopicPrefix
	}
	if config.ResponseTopicPrefix == "" {
		config.ResponseTopicPrefix = defaults.ResponseTopicPrefix
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}
	if config.Workers <= 0 {
		config.Workers = defaults.Workers
	}
	if config.QueueSize <= 0 {
		config.QueueSize = defaults.QueueSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &CommandHandler{
		client:  client,
		writer:  writer,
		logger:  logger.With().Str("component", "command-handler").Logger(),
		metrics: metricsReg,
		config:  config,
		ctx:     ctx,
		cancel:  cancel,
		queue:   make(chan WriteCommand, config.QueueSize),
	}
}

// SubscribedTopics returns the MQTT topic patterns this handler subscribes to.
func (h *CommandHandler) SubscribedTopics() []string {
	return []string{
		h.config.TopicPrefix + "/+/write",
		h.config.TopicPrefix + "/+/+/set",
	}
}

// Start subscribes to the command topics and starts the workers.
func (h *CommandHandler) Start() error {
	if h.running.Load() {
		return nil
	}

	topics := h.SubscribedTopics()
	token := h.client.Subscribe(topics[0], h.config.QoS, h.handleDeviceWrite)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("%w: %v", domain.ErrMQTTSubscribeFailed, token.Error())
	}
	token = h.client.Subscribe(topics[1], h.config.QoS, h.handleVariableSet)
	if token.Wait() && token.Error() != nil {
		h.client.Unsubscribe(topics[0])
		return fmt.Errorf("%w: %v", domain.ErrMQTTSubscribeFailed, token.Error())
	}

	for i := 0; i < h.config.Workers; i++ {
		h.wg.Add(1)
		go h.worker()
	}
	h.running.Store(true)

	h.logger.Info().
		Str("topic_prefix", h.config.TopicPrefix).
		Int("workers", h.config.Workers).
		Int("queue_size", h.config.QueueSize).
		Msg("Command handler started")
	return nil
}

// Stop unsubscribes and waits for running writes. Queued commands that have
// not started are rejected.
func (h *CommandHandler) Stop() error {
	if !h.running.Load() {
		return nil
	}

	h.client.Unsubscribe(h.SubscribedTopics()...)
	h.cancel()
	h.wg.Wait()

drain:
	for {
		select {
		case cmd := <-h.queue:
			h.reject(cmd, "service shutting down")
		default:
			break drain
		}
	}

	h.running.Store(false)
	h.logger.Info().Msg("Command handler stopped")
	return nil
}

func (h *CommandHandler) worker() {
	defer h.wg.Done()
	for {
		select {
		case <-h.ctx.Done():
			return
		case cmd := <-h.queue:
			h.execute(cmd)
		}
	}
}

// handleDeviceWrite handles <prefix>/<device_id>/write with payload
// {"request_id":"...","variable_id":"...","value":...}.
func (h *CommandHandler) handleDeviceWrite(_ mqtt.Client, msg mqtt.Message) {
	h.stats.Received.Add(1)

	parts := strings.Split(msg.Topic(), "/")
	if len(parts) < 2 {
		h.invalid(msg.Topic(), "invalid command topic")
		return
	}

	var cmd WriteCommand
	if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
		h.logger.Warn().Err(err).Str("topic", msg.Topic()).Msg("Failed to parse write command")
		h.invalid(msg.Topic(), "invalid payload")
		return
	}
	cmd.DeviceID = parts[len(parts)-2]
	if cmd.VariableID == "" {
		h.reject(cmd, "variable_id is required")
		return
	}
	h.enqueue(cmd)
}

// handleVariableSet handles <prefix>/<device_id>/<variable_id>/set. The payload
// is {"request_id":"...","value":...} or a bare JSON value.
func (h *CommandHandler) handleVariableSet(_ mqtt.Client, msg mqtt.Message) {
	h.stats.Received.Add(1)

	parts := strings.Split(msg.Topic(), "/")
	if len(parts) < 3 {
		h.invalid(msg.Topic(), "invalid command topic")
		return
	}

	cmd := parseSetPayload(msg.Payload())
	cmd.DeviceID = parts[len(parts)-3]
	cmd.VariableID = parts[len(parts)-2]
	h.enqueue(cmd)
}

func parseSetPayload(payload []byte) WriteCommand {
	var envelope struct {
		RequestID string          `json:"request_id"`
		Value     json.RawMessage `json:"value"`
	}
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		if err := json.Unmarshal(trimmed, &envelope); err == nil && envelope.Value != nil {
			var value interface{}
			if err := json.Unmarshal(envelope.Value, &value); err == nil {
				return WriteCommand{RequestID: envelope.RequestID, Value: value}
			}
		}
	}

	var value interface{}
	if err := json.Unmarshal(trimmed, &value); err != nil {
		value = string(payload)
	}
	return WriteCommand{Value: value}
}

func (h *CommandHandler) enqueue(cmd WriteCommand) {
	if cmd.Timestamp.IsZero() {
		cmd.Timestamp = time.Now()
	}
	select {
	case h.queue <- cmd:
	default:
		h.logger.Warn().
			Str("device_id", cmd.DeviceID).
			Str("variable_id", cmd.VariableID).
			Msg("Command rejected: queue full")
		h.reject(cmd, "command queue full, try again later")
	}
}

func (h *CommandHandler) invalid(topic, reason string) {
	h.stats.Rejected.Add(1)
	if h.metrics != nil {
		h.metrics.RecordCommand("rejected")
	}
	h.logger.Warn().Str("topic", topic).Str("reason", reason).Msg("Command dropped")
}

func (h *CommandHandler) reject(cmd WriteCommand, reason string) {
	h.stats.Rejected.Add(1)
	if h.metrics != nil {
		h.metrics.RecordCommand("rejected")
	}
	h.respond(cmd, false, reason, 0)
}

func (h *CommandHandler) execute(cmd WriteCommand) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(h.ctx, h.config.WriteTimeout)
	defer cancel()

	err := h.writer.WriteVariable(ctx, cmd.DeviceID, cmd.VariableID, cmd.Value)
	duration := time.Since(start)
	if err != nil {
		h.stats.Failed.Add(1)
		if h.metrics != nil {
			h.metrics.RecordCommand("failed")
		}
		h.logger.Error().
			Err(err).
			Str("device_id", cmd.DeviceID).
			Str("variable_id", cmd.VariableID).
			Interface("value", cmd.Value).
			Msg("Write command failed")
		h.respond(cmd, false, err.Error(), duration)
		return
	}

	h.stats.Succeeded.Add(1)
	if h.metrics != nil {
		h.metrics.RecordCommand("succeeded")
	}
	h.logger.Debug().
		Str("device_id", cmd.DeviceID).
		Str("variable_id", cmd.VariableID).
		Interface("value", cmd.Value).
		Dur("duration", duration).
		Msg("Write command succeeded")
	h.respond(cmd, true, "", duration)
}

// respond publishes the acknowledgement on <response_prefix>/<device_id>/<variable_id>.
func (h *CommandHandler) respond(cmd WriteCommand, success bool, errMsg string, duration time.Duration) {
	if !h.config.EnableAcknowledgement {
		return
	}

	payload, err := json.Marshal(WriteResponse{
		RequestID:  cmd.RequestID,
		DeviceID:   cmd.DeviceID,
		VariableID: cmd.VariableID,
		Success:    success,
		Error:      errMsg,
		Timestamp:  time.Now(),
		DurationMs: duration.Milliseconds(),
	})
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to marshal response")
		return
	}

	topic := fmt.Sprintf("%s/%s/%s", h.config.ResponseTopicPrefix, cmd.DeviceID, cmd.VariableID)
	token := h.client.Publish(topic, h.config.QoS, false, payload)
	if token.Wait() && token.Error() != nil {
		h.logger.Error().Err(token.Error()).Str("topic", topic).Msg("Failed to publish response")
	}
}

// CommandStatsSnapshot is a point-in-time copy of CommandStats.
type CommandStatsSnapshot struct {
	Received  uint64 `json:"received"`
	Succeeded uint64 `json:"succeeded"`
	Failed    uint64 `json:"failed"`
	Rejected  uint64 `json:"rejected"`
}

// Stats returns a snapshot of command handling statistics.
func (h *CommandHandler) Stats() CommandStatsSnapshot {
	return CommandStatsSnapshot{
		Received:  h.stats.Received.Load(),
		Succeeded: h.stats.Succeeded.Load(),
		Failed:    h.stats.Failed.Load(),
		Rejected:  h.stats.Rejected.Load(),
	}
}
