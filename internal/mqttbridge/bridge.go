// Package mqttbridge forwards events dispatched by a pubsub.EventHandler
// onto a real MQTT broker, so notifier topics can be observed by MQTT
// tooling without teaching the core protocol about MQTT at all. This is
// additive interop, not anything spec.md requires of the wire protocol
// itself.
package mqttbridge

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/hydra-dbg/common/internal/obslog"
	"github.com/hydra-dbg/common/pubsub"
)

// Bridge republishes notifier events under an MQTT topic prefix.
type Bridge struct {
	client mqtt.Client
	prefix string
	qos    byte
	logger obslog.Logger
}

// Options configures a Bridge.
type Options struct {
	// BrokerAddress is an MQTT broker URL, e.g. "tcp://localhost:1883".
	BrokerAddress string
	// ClientID defaults to a timestamped "notifier-bridge-<ns>" name.
	ClientID string
	// TopicPrefix is prepended to the notifier topic, dot-separators
	// translated to MQTT's "/" convention. Defaults to "notifier".
	TopicPrefix string
	// QoS is the MQTT quality of service used for republished messages.
	QoS byte
}

// Connect dials the configured MQTT broker and returns a ready Bridge.
func Connect(opts Options, logger obslog.Logger) (*Bridge, error) {
	if logger == nil {
		logger = obslog.NoOp()
	}
	if opts.TopicPrefix == "" {
		opts.TopicPrefix = "notifier"
	}
	if opts.ClientID == "" {
		opts.ClientID = fmt.Sprintf("notifier-bridge-%d", time.Now().UnixNano())
	}

	clientOpts := mqtt.NewClientOptions().AddBroker(opts.BrokerAddress).SetClientID(opts.ClientID)
	clientOpts = clientOpts.SetOrderMatters(false)

	client := mqtt.NewClient(clientOpts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqttbridge: connect: %w", token.Error())
	}

	logger.Debug("mqttbridge connected", "broker", opts.BrokerAddress, "client_id", opts.ClientID)

	return &Bridge{client: client, prefix: opts.TopicPrefix, qos: opts.QoS, logger: logger}, nil
}

// Forward subscribes to topicStr on eh and republishes every delivered
// event to the bridge's MQTT broker, re-encoding the decoded payload as
// JSON. It returns the
// notifier-side subscription id so the caller can Unsubscribe later.
func (b *Bridge) Forward(eh *pubsub.EventHandler, topicStr string) (uint64, error) {
	mqttTopic := b.mqttTopic(topicStr)

	return eh.Subscribe(topicStr, func(obj any) {
		data, err := json.Marshal(obj)
		if err != nil {
			b.logger.Error("mqttbridge: failed to encode event", "topic", topicStr, "error", err)
			return
		}

		token := b.client.Publish(mqttTopic, b.qos, false, data)
		token.Wait()
		if err := token.Error(); err != nil {
			b.logger.Error("mqttbridge: publish failed", "mqtt_topic", mqttTopic, "error", err)
		}
	})
}

func (b *Bridge) mqttTopic(topicStr string) string {
	suffix := strings.ReplaceAll(topicStr, ".", "/")
	if suffix == "" {
		return b.prefix
	}
	return b.prefix + "/" + suffix
}

// Close disconnects from the MQTT broker.
func (b *Bridge) Close() error {
	b.client.Disconnect(250)
	return nil
}
