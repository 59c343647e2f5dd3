package feedback

import (
	"encoding/json"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/lucianHymer/voicecall/internal/call"
	"github.com/lucianHymer/voicecall/internal/config"
	"github.com/lucianHymer/voicecall/internal/logger"
)

const publishTimeout = 2 * time.Second

// mqttClient is the part of paho.Client the sink uses
type mqttClient interface {
	IsConnectionOpen() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	Disconnect(quiesce uint)
}

// StateMessage is the retained payload on the state topic
type StateMessage struct {
	State      call.State `json:"state"`
	Connected  bool       `json:"connected"`
	Recording  bool       `json:"recording"`
	Suspended  bool       `json:"suspended"`
	Playing    bool       `json:"playing"`
	Error      string     `json:"error,omitempty"`
	Segments   uint64     `json:"segments"`
	Reconnects uint64     `json:"reconnects"`
	Timestamp  int64      `json:"ts"`
}

// MQTTSink publishes turn state changes as retained messages.
// Levels are not published; they change every frame.
type MQTTSink struct {
	client mqttClient
	topic  string
	logger *logger.ContextLogger

	last    StateMessage
	started bool
}

// NewMQTTSink connects to the broker in the background and returns
// immediately. Snapshots are dropped until the connection is up.
func NewMQTTSink(cfg config.MQTTConfig, log *logger.Logger) *MQTTSink {
	l := log.With("mqtt")
	l.Info("Connecting to broker %s", cfg.Broker)

	opts := paho.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetCleanSession(true).
		SetMaxReconnectInterval(10 * time.Second)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		if cfg.Password != "" {
			opts.SetPassword(cfg.Password)
		}
	}

	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		l.Warn("Connection lost: %v", err)
	})
	opts.SetOnConnectHandler(func(_ paho.Client) {
		l.Info("Connected to broker")
	})

	client := paho.NewClient(opts)
	// With connect retry the token only completes once connected
	client.Connect()

	return newMQTTSink(client, cfg.Topic, log)
}

func newMQTTSink(client mqttClient, topic string, log *logger.Logger) *MQTTSink {
	return &MQTTSink{client: client, topic: topic, logger: log.With("mqtt")}
}

func (m *MQTTSink) Publish(s call.Snapshot) {
	msg := StateMessage{
		State:      s.State,
		Connected:  s.Connected,
		Recording:  s.Recording,
		Suspended:  s.Suspended,
		Playing:    s.Playing,
		Error:      s.Error,
		Segments:   s.Segments,
		Reconnects: s.Reconnects,
	}
	if m.started && !changed(m.last, msg) {
		return
	}
	if !m.client.IsConnectionOpen() {
		return
	}

	msg.Timestamp = time.Now().UnixMilli()
	payload, err := json.Marshal(msg)
	if err != nil {
		m.logger.Error("Failed to marshal state: %v", err)
		return
	}

	m.last = msg
	m.started = true

	token := m.client.Publish(m.topic, 1, true, payload)
	go func() {
		if !token.WaitTimeout(publishTimeout) {
			m.logger.Warn("Publish to %s timed out", m.topic)
			return
		}
		if err := token.Error(); err != nil {
			m.logger.Warn("Publish to %s failed: %v", m.topic, err)
		}
	}()
}

// changed ignores counters so segment churn doesn't flood the broker
func changed(a, b StateMessage) bool {
	return a.State != b.State ||
		a.Connected != b.Connected ||
		a.Recording != b.Recording ||
		a.Suspended != b.Suspended ||
		a.Playing != b.Playing ||
		a.Error != b.Error
}

// Close disconnects from the broker
func (m *MQTTSink) Close() {
	m.client.Disconnect(250)
}
