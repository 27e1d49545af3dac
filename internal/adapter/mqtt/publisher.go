// Package mqtt publishes sampler results to an MQTT broker with automatic
// reconnection and bounded buffering while the broker is unreachable.
package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/nexus-edge/acquisition-gateway/internal/domain"
	"github.com/nexus-edge/acquisition-gateway/internal/metrics"
	"github.com/rs/zerolog"
)

// Publisher publishes one message per device refresh.
type Publisher struct {
	config        Config
	client        pahomqtt.Client
	logger        zerolog.Logger
	metrics       *metrics.Registry
	mu            sync.RWMutex
	connected     atomic.Bool
	everConnected atomic.Bool
	messageBuffer chan *BufferedMessage
	done          chan struct{}
	startOnce     sync.Once
	wg            sync.WaitGroup
	stats         PublisherStats
}

// Config holds MQTT publisher configuration.
type Config struct {
	BrokerURL      string
	ClientID       string
	Username       string
	Password       string
	CleanSession   bool
	QoS            byte
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	ReconnectDelay time.Duration
	TLSEnabled     bool
	TLSCertFile    string
	TLSKeyFile     string
	TLSCAFile      string
	BufferSize     int
	PublishTimeout time.Duration
	RetainMessages bool
	TopicPrefix    string
}

// BufferedMessage is a message waiting for the broker.
type BufferedMessage struct {
	Topic     string
	Payload   []byte
	QoS       byte
	Retained  bool
	Timestamp time.Time
}

// PublisherStats tracks publisher counters.
type PublisherStats struct {
	MessagesPublished atomic.Uint64
	MessagesFailed    atomic.Uint64
	MessagesBuffered  atomic.Uint64
	MessagesDropped   atomic.Uint64
	BytesSent         atomic.Uint64
	ReconnectCount    atomic.Uint64
}

// StatsSnapshot is a point-in-time copy of PublisherStats.
type StatsSnapshot struct {
	MessagesPublished uint64 `json:"messages_published"`
	MessagesFailed    uint64 `json:"messages_failed"`
	MessagesBuffered  uint64 `json:"messages_buffered"`
	MessagesDropped   uint64 `json:"messages_dropped"`
	BytesSent         uint64 `json:"bytes_sent"`
	ReconnectCount    uint64 `json:"reconnect_count"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		BrokerURL:      "tcp://localhost:1883",
		ClientID:       "acquisition-gateway",
		CleanSession:   true,
		QoS:            1,
		KeepAlive:      30 * time.Second,
		ConnectTimeout: 10 * time.Second,
		ReconnectDelay: 5 * time.Second,
		BufferSize:     10000,
		PublishTimeout: 5 * time.Second,
		TopicPrefix:    "gateway/data",
	}
}

// NewPublisher creates a new MQTT publisher. It does not connect.
func NewPublisher(config Config, logger zerolog.Logger, metricsReg *metrics.Registry) *Publisher {
	defaults := DefaultConfig()
	if config.BufferSize <= 0 {
		config.BufferSize = defaults.BufferSize
	}
	if config.PublishTimeout <= 0 {
		config.PublishTimeout = defaults.PublishTimeout
	}
	if config.KeepAlive <= 0 {
		config.KeepAlive = defaults.KeepAlive
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = defaults.ConnectTimeout
	}
	if config.ReconnectDelay <= 0 {
		config.ReconnectDelay = defaults.ReconnectDelay
	}
	if config.TopicPrefix == "" {
		config.TopicPrefix = defaults.TopicPrefix
	}

	return &Publisher{
		config:        config,
		logger:        logger.With().Str("component", "mqtt-publisher").Logger(),
		metrics:       metricsReg,
		messageBuffer: make(chan *BufferedMessage, config.BufferSize),
		done:          make(chan struct{}),
	}
}

// Connect establishes the connection to the MQTT broker.
func (p *Publisher) Connect(ctx context.Context) error {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(p.config.BrokerURL)
	opts.SetClientID(p.config.ClientID)
	opts.SetCleanSession(p.config.CleanSession)
	opts.SetKeepAlive(p.config.KeepAlive)
	opts.SetConnectTimeout(p.config.ConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(p.config.ReconnectDelay)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(p.config.ReconnectDelay)

	if p.config.Username != "" {
		opts.SetUsername(p.config.Username)
		opts.SetPassword(p.config.Password)
	}

	if p.config.TLSEnabled {
		tlsConfig, err := p.createTLSConfig()
		if err != nil {
			return fmt.Errorf("failed to create TLS config: %w", err)
		}
		opts.SetTLSConfig(tlsConfig)
	}

	opts.SetOnConnectHandler(p.onConnect)
	opts.SetConnectionLostHandler(p.onConnectionLost)
	opts.SetReconnectingHandler(p.onReconnecting)

	client := pahomqtt.NewClient(opts)
	p.mu.Lock()
	p.client = client
	p.mu.Unlock()

	p.logger.Info().Str("broker", p.config.BrokerURL).Msg("Connecting to MQTT broker")

	// Messages stay buffered until the first connection succeeds; paho
	// keeps retrying in the background when this attempt fails.
	p.start()
	token := client.Connect()
	connectDone := make(chan bool, 1)
	go func() {
		connectDone <- token.WaitTimeout(p.config.ConnectTimeout)
	}()

	select {
	case success := <-connectDone:
		if !success {
			return fmt.Errorf("%w: connection timeout", domain.ErrMQTTConnectionFailed)
		}
		if token.Error() != nil {
			return fmt.Errorf("%w: %v", domain.ErrMQTTConnectionFailed, token.Error())
		}
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", domain.ErrMQTTConnectionFailed, ctx.Err())
	}

	p.connected.Store(true)
	p.logger.Info().Msg("Connected to MQTT broker")
	return nil
}

// start runs the buffer processor once.
func (p *Publisher) start() {
	p.startOnce.Do(func() {
		p.wg.Add(1)
		go p.processBuffer()
	})
}

// Disconnect flushes what it can and disconnects from the broker.
func (p *Publisher) Disconnect() {
	p.logger.Info().Msg("Disconnecting from MQTT broker")

	select {
	case <-p.done:
	default:
		close(p.done)
	}
	p.wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	// Also stops a pending connect retry.
	if p.client != nil {
		p.client.Disconnect(1000)
	}
	p.connected.Store(false)
	p.logger.Info().Msg("Disconnected from MQTT broker")
}

// Topic returns the topic values of deviceID are published on.
func (p *Publisher) Topic(deviceID string) string {
	return p.config.TopicPrefix + "/" + sanitizeTopicSegment(deviceID) + "/values"
}

// Publish sends the values of one refresh. It is buffered while disconnected.
func (p *Publisher) Publish(ctx context.Context, result *domain.TickResult) error {
	if result.Empty() {
		return nil
	}
	payload, err := EncodeTickResult(result)
	if err != nil {
		p.stats.MessagesFailed.Add(1)
		return fmt.Errorf("failed to serialize tick result: %w", err)
	}

	msg := &BufferedMessage{
		Topic:     p.Topic(result.DeviceID),
		Payload:   payload,
		QoS:       p.config.QoS,
		Retained:  p.config.RetainMessages,
		Timestamp: time.Now(),
	}
	if !p.connected.Load() {
		p.bufferMessage(msg)
		return nil
	}
	return p.publishRaw(ctx, msg)
}

func (p *Publisher) publishRaw(ctx context.Context, msg *BufferedMessage) error {
	p.mu.RLock()
	client := p.client
	p.mu.RUnlock()
	if client == nil {
		return domain.ErrMQTTNotConnected
	}

	start := time.Now()
	token := client.Publish(msg.Topic, msg.QoS, msg.Retained, msg.Payload)

	publishDone := make(chan bool, 1)
	go func() {
		publishDone <- token.WaitTimeout(p.config.PublishTimeout)
	}()

	var err error
	select {
	case success := <-publishDone:
		if !success {
			err = fmt.Errorf("%w: publish timeout", domain.ErrMQTTPublishFailed)
		} else if token.Error() != nil {
			err = fmt.Errorf("%w: %v", domain.ErrMQTTPublishFailed, token.Error())
		}
	case <-ctx.Done():
		err = fmt.Errorf("%w: %v", domain.ErrMQTTPublishFailed, ctx.Err())
	}

	if p.metrics != nil {
		p.metrics.RecordMQTTPublish(err == nil, time.Since(start).Seconds())
	}
	if err != nil {
		p.stats.MessagesFailed.Add(1)
		return err
	}
	p.stats.MessagesPublished.Add(1)
	p.stats.BytesSent.Add(uint64(len(msg.Payload)))
	return nil
}

// bufferMessage queues msg, dropping the oldest message when the buffer is full.
func (p *Publisher) bufferMessage(msg *BufferedMessage) {
	for {
		select {
		case p.messageBuffer <- msg:
			p.stats.MessagesBuffered.Add(1)
			if p.metrics != nil {
				p.metrics.UpdateMQTTBufferSize(len(p.messageBuffer))
			}
			return
		default:
		}

		select {
		case <-p.messageBuffer:
			p.stats.MessagesDropped.Add(1)
			p.logger.Warn().Msg("Buffer full, dropped oldest message")
		default:
		}
	}
}

// processBuffer publishes buffered messages while connected.
func (p *Publisher) processBuffer() {
	defer p.wg.Done()

	for {
		select {
		case <-p.done:
			p.drainBuffer()
			return

		case msg := <-p.messageBuffer:
			if p.metrics != nil {
				p.metrics.UpdateMQTTBufferSize(len(p.messageBuffer))
			}
			if !p.connected.Load() {
				p.bufferMessage(msg)
				select {
				case <-p.done:
				case <-time.After(100 * time.Millisecond):
				}
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), p.config.PublishTimeout)
			if err := p.publishRaw(ctx, msg); err != nil {
				p.logger.Warn().Err(err).Str("topic", msg.Topic).Msg("Failed to publish buffered message")
			}
			cancel()
		}
	}
}

// drainBuffer publishes remaining buffered messages, bounded by five seconds.
func (p *Publisher) drainBuffer() {
	timeout := time.After(5 * time.Second)
	for {
		select {
		case msg := <-p.messageBuffer:
			if !p.connected.Load() {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), p.config.PublishTimeout)
			if err := p.publishRaw(ctx, msg); err != nil {
				p.logger.Warn().Err(err).Str("topic", msg.Topic).Msg("Failed to drain buffered message")
			}
			cancel()
		case <-timeout:
			if remaining := len(p.messageBuffer); remaining > 0 {
				p.logger.Warn().Int("count", remaining).Msg("Timeout draining buffer, messages dropped")
			}
			return
		default:
			return
		}
	}
}

func (p *Publisher) createTLSConfig() (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
	}

	if p.config.TLSCAFile != "" {
		caCert, err := os.ReadFile(p.config.TLSCAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %w", err)
		}
		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		tlsConfig.RootCAs = caCertPool
	}

	if p.config.TLSCertFile != "" && p.config.TLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(p.config.TLSCertFile, p.config.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

func (p *Publisher) onConnect(client pahomqtt.Client) {
	p.connected.Store(true)
	if p.everConnected.Swap(true) && p.metrics != nil {
		p.metrics.RecordMQTTReconnect()
	}
	p.logger.Info().Msg("MQTT connection established")
}

func (p *Publisher) onConnectionLost(client pahomqtt.Client, err error) {
	p.connected.Store(false)
	p.logger.Warn().Err(err).Msg("MQTT connection lost")
}

func (p *Publisher) onReconnecting(client pahomqtt.Client, opts *pahomqtt.ClientOptions) {
	p.stats.ReconnectCount.Add(1)
	p.logger.Info().Msg("Attempting to reconnect to MQTT broker")
}

// IsConnected returns true if the publisher is connected to the broker.
func (p *Publisher) IsConnected() bool {
	return p.connected.Load()
}

// Stats returns a snapshot of the publisher statistics.
func (p *Publisher) Stats() StatsSnapshot {
	return StatsSnapshot{
		MessagesPublished: p.stats.MessagesPublished.Load(),
		MessagesFailed:    p.stats.MessagesFailed.Load(),
		MessagesBuffered:  p.stats.MessagesBuffered.Load(),
		MessagesDropped:   p.stats.MessagesDropped.Load(),
		BytesSent:         p.stats.BytesSent.Load(),
		ReconnectCount:    p.stats.ReconnectCount.Load(),
	}
}

// BufferSize returns the current number of buffered messages.
func (p *Publisher) BufferSize() int {
	return len(p.messageBuffer)
}

// HealthCheck implements the health.Checker interface.
func (p *Publisher) HealthCheck(ctx context.Context) error {
	if !p.connected.Load() {
		return domain.ErrMQTTNotConnected
	}
	return nil
}

// Client returns the underlying MQTT client, shared with the command handler.
func (p *Publisher) Client() pahomqtt.Client {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.client
}

// tickPayload is the wire form of a TickResult.
type tickPayload struct {
	Tick   uint64                 `json:"tick"`
	TS     int64                  `json:"ts"`
	Values map[string]interface{} `json:"values"`
	Error  string                 `json:"error,omitempty"`
}

// EncodeTickResult renders r as {"tick":N,"ts":ms,"values":{...}}. Byte arrays
// are hex-encoded; NaN and infinities become null.
func EncodeTickResult(r *domain.TickResult) ([]byte, error) {
	values := make(map[string]interface{}, len(r.Values))
	for id, v := range r.Values {
		values[id] = jsonValue(v)
	}
	out := tickPayload{
		Tick:   r.Tick,
		TS:     r.Timestamp.UnixMilli(),
		Values: values,
	}
	if r.Err != nil {
		out.Error = r.Err.Error()
	}
	return json.Marshal(out)
}

func jsonValue(v interface{}) interface{} {
	switch x := v.(type) {
	case []byte:
		return hex.EncodeToString(x)
	case float32:
		if math.IsNaN(float64(x)) || math.IsInf(float64(x), 0) {
			return nil
		}
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return nil
		}
	}
	return v
}

func sanitizeTopicSegment(s string) string {
	s = strings.TrimSpace(s)
	s = strings.NewReplacer("/", "_", "#", "_", "+", "_", " ", "_").Replace(s)
	return strings.Trim(s, "_")
}
