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

	"github.com/nugget/mailroom/internal/config"
	"github.com/nugget/mailroom/internal/email"
)

// Poll commands beyond this many per minute are dropped.
const commandRateLimit = 6

// Publisher manages the MQTT connection, publishes HA discovery config
// messages on (re-)connect, and forwards new-mail events to the broker.
// It implements [email.Notifier].
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	accounts   []string
	device     DeviceInfo
	logger     *slog.Logger
	cm         *autopaho.ConnectionManager

	poll    PollFunc
	limiter *commandRateLimiter
}

var _ email.Notifier = (*Publisher)(nil)

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to begin the connection. accounts lists the mail accounts that get a
// discovery sensor.
func New(cfg config.MQTTConfig, instanceID string, accounts []string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		accounts:   accounts,
		device:     NewDeviceInfo(instanceID, cfg.DeviceName),
		logger:     logger,
		limiter:    newCommandRateLimiter(commandRateLimit, time.Minute, logger),
	}
}

// SetPollFunc installs the callback run when a message arrives on the
// poll command topic. Must be called before [Publisher.Start].
func (p *Publisher) SetPollFunc(fn PollFunc) {
	p.poll = fn
}

// Start connects to the MQTT broker and blocks until ctx is cancelled.
// On every (re-)connect it publishes discovery configs and a birth
// message and subscribes to the command topic.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.publishDiscovery(ctx, cm)
			p.publishAvailability(ctx, cm, "online")
			p.subscribeCommands(ctx, cm)
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "mailroom-" + p.cfg.DeviceName,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					p.handleCommand(ctx, pr.Packet.Topic, pr.Packet.Payload)
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
	p.cm = cm

	go p.limiter.start(ctx)

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	<-ctx.Done()
	return nil
}

// Stop gracefully disconnects by publishing an "offline" availability
// message before closing the MQTT connection.
func (p *Publisher) Stop(ctx context.Context) error {
	if p.cm == nil {
		return nil
	}
	p.publishAvailability(ctx, p.cm, "offline")
	return p.cm.Disconnect(ctx)
}

// AwaitConnection blocks until the MQTT broker connection is
// established or ctx expires. Used by connwatch health probes.
func (p *Publisher) AwaitConnection(ctx context.Context) error {
	if p.cm == nil {
		return fmt.Errorf("mqtt publisher not started")
	}
	return p.cm.AwaitConnection(ctx)
}

// NotifyNewMail publishes a poll hit as a JSON event on the account's
// new-mail topic and updates the account sensor. The sensor state is
// the number of messages in the latest batch; its attributes carry the
// newest envelope.
func (p *Publisher) NotifyNewMail(ctx context.Context, nm email.NewMail) error {
	if p.cm == nil {
		return fmt.Errorf("mqtt publisher not started")
	}

	event, err := json.Marshal(nm)
	if err != nil {
		return fmt.Errorf("marshal new mail event: %w", err)
	}
	if _, err := p.cm.Publish(ctx, &paho.Publish{
		Topic:   p.newMailTopic(nm.Account),
		Payload: event,
		QoS:     1,
	}); err != nil {
		return fmt.Errorf("publish new mail event for %s: %w", nm.Account, err)
	}

	if _, err := p.cm.Publish(ctx, &paho.Publish{
		Topic:   p.stateTopic(nm.Account),
		Payload: []byte(strconv.Itoa(len(nm.Messages))),
		Retain:  true,
	}); err != nil {
		p.logger.Debug("mqtt state publish failed", "account", nm.Account, "error", err)
	}

	if attrs, err := json.Marshal(latestAttributes(nm)); err == nil {
		if _, err := p.cm.Publish(ctx, &paho.Publish{
			Topic:   p.attributesTopic(nm.Account),
			Payload: attrs,
			Retain:  true,
		}); err != nil {
			p.logger.Debug("mqtt attributes publish failed", "account", nm.Account, "error", err)
		}
	}

	p.logger.Debug("mqtt new mail published",
		"account", nm.Account, "messages", len(nm.Messages))
	return nil
}

// latestAttributes summarizes the newest message of a batch for the
// sensor's attribute topic.
func latestAttributes(nm email.NewMail) map[string]any {
	attrs := map[string]any{
		"folder":      nm.Folder,
		"count":       len(nm.Messages),
		"detected_at": nm.DetectedAt.Format(time.RFC3339),
	}
	if n := len(nm.Messages); n > 0 {
		latest := nm.Messages[0]
		for _, m := range nm.Messages[1:] {
			if m.UID > latest.UID {
				latest = m
			}
		}
		attrs["uid"] = latest.UID
		attrs["from"] = latest.From
		attrs["subject"] = latest.Subject
	}
	return attrs
}

// --- Topic helpers ---

func (p *Publisher) baseTopic() string {
	return p.cfg.TopicPrefix + "/" + p.cfg.DeviceName
}

func (p *Publisher) availabilityTopic() string {
	return p.baseTopic() + "/availability"
}

func (p *Publisher) commandTopic() string {
	return p.baseTopic() + "/poll"
}

func (p *Publisher) newMailTopic(account string) string {
	return p.baseTopic() + "/" + topicSegment(account) + "/new"
}

func (p *Publisher) stateTopic(account string) string {
	return p.baseTopic() + "/" + topicSegment(account) + "/state"
}

func (p *Publisher) attributesTopic(account string) string {
	return p.baseTopic() + "/" + topicSegment(account) + "/attributes"
}

func (p *Publisher) discoveryTopic(component, entity string) string {
	return p.cfg.DiscoveryPrefix + "/" + component + "/" + p.cfg.DeviceName + "/" + entity + "/config"
}

// topicSegment makes an account name safe for use as a single topic
// level: wildcards and separators become underscores.
func topicSegment(name string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '+', '#', ' ':
			return '_'
		}
		return r
	}, strings.ToLower(name))
}

// --- Discovery ---

type sensorDef struct {
	entitySuffix string
	config       SensorConfig
}

func (p *Publisher) sensorDefinitions() []sensorDef {
	avail := p.availabilityTopic()
	defs := make([]sensorDef, 0, len(p.accounts))
	for _, account := range p.accounts {
		seg := topicSegment(account)
		defs = append(defs, sensorDef{
			entitySuffix: seg + "_new_mail",
			config: SensorConfig{
				Name:                p.device.Name + " " + account + " New Mail",
				UniqueID:            p.instanceID + "_" + seg + "_new_mail",
				StateTopic:          p.stateTopic(account),
				AvailabilityTopic:   avail,
				JsonAttributesTopic: p.attributesTopic(account),
				Device:              p.device,
				Icon:                "mdi:email-alert",
				UnitOfMeasurement:   "messages",
				StateClass:          "measurement",
			},
		})
	}
	return defs
}

func (p *Publisher) publishDiscovery(ctx context.Context, cm *autopaho.ConnectionManager) {
	for _, s := range p.sensorDefinitions() {
		topic := p.discoveryTopic("sensor", s.entitySuffix)
		payload, err := json.Marshal(s.config)
		if err != nil {
			p.logger.Error("mqtt marshal discovery payload",
				"entity", s.entitySuffix, "error", err)
			continue
		}

		if _, err := cm.Publish(ctx, &paho.Publish{
			Topic:   topic,
			Payload: payload,
			QoS:     1,
			Retain:  true,
		}); err != nil {
			p.logger.Warn("mqtt discovery publish failed",
				"entity", s.entitySuffix, "topic", topic, "error", err)
		} else {
			p.logger.Debug("mqtt discovery published",
				"entity", s.entitySuffix, "topic", topic)
		}
	}
}

func (p *Publisher) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed",
			"status", status, "error", err)
	} else {
		p.logger.Info("mqtt availability published", "status", status)
	}
}

func (p *Publisher) subscribeCommands(ctx context.Context, cm *autopaho.ConnectionManager) {
	topic := p.commandTopic()
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: topic, QoS: 1}},
	}); err != nil {
		p.logger.Warn("mqtt subscribe failed", "topic", topic, "error", err)
		return
	}
	p.logger.Debug("mqtt subscribed", "topic", topic)
}
