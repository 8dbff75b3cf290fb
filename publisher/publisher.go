package publisher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cepro/mppgateway/command"
	"github.com/cepro/mppgateway/inverter"
	"github.com/cepro/mppgateway/telemetry"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

const (
	publishTimeout = time.Second * 10
	commandTimeout = time.Minute
	offlinePayload = "offline"
	onlinePayload  = "online"
)

var ErrUnknownInverter = errors.New("no inverter with that serial number")

type Config struct {
	Broker       string
	Port         int
	Username     string
	Password     string
	ClientID     string
	Prefix       string
	PublishUnits bool
	Listen       bool // execute commands received on the settings topics
}

// mqttClient is the part of the paho client the publisher uses.
type mqttClient interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Disconnect(quiesce uint)
}

// Publisher sends inverter readings and settings to an MQTT broker and, when listening, executes commands that
// arrive on the settings topics.
type Publisher struct {
	client       mqttClient
	prefix       string
	publishUnits bool

	devicesMu sync.RWMutex
	devices   map[uuid.UUID]*inverter.Device
	serials   map[string]uuid.UUID // serial number to device ID, learnt from readings

	logger *slog.Logger
}

// New connects to the broker. The connection is kept alive and re-established by the paho client.
func New(cfg Config) (*Publisher, error) {
	p := newPublisher(nil, cfg.Prefix, cfg.PublishUnits)

	brokerURL := fmt.Sprintf("tcp://%s:%d", cfg.Broker, cfg.Port)
	p.logger = slog.Default().With("broker", brokerURL)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	if cfg.ClientID != "" {
		opts.SetClientID(cfg.ClientID)
	}
	opts.SetCleanSession(true)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetAutoReconnect(true)
	opts.SetWill(p.lwtTopic(), offlinePayload, 0, true)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		p.logger.Warn("Lost connection to MQTT broker", "error", err)
	})
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		p.logger.Info("Connected to MQTT broker")
		p.onConnect(c, cfg.Listen)
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(publishTimeout) {
		return nil, fmt.Errorf("connect to %s: timed out", brokerURL)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to %s: %w", brokerURL, err)
	}
	p.client = client

	return p, nil
}

func newPublisher(client mqttClient, prefix string, publishUnits bool) *Publisher {
	return &Publisher{
		client:       client,
		prefix:       strings.Trim(prefix, "/"),
		publishUnits: publishUnits,
		devices:      make(map[uuid.UUID]*inverter.Device),
		serials:      make(map[string]uuid.UUID),
		logger:       slog.Default(),
	}
}

// AddDevice lets the device receive commands over MQTT. Commands are addressed by serial number, so the device
// becomes reachable once a reading of it has been published.
func (p *Publisher) AddDevice(device *inverter.Device) {
	p.devicesMu.Lock()
	defer p.devicesMu.Unlock()
	p.devices[device.ID()] = device
}

func (p *Publisher) learnSerial(serialNumber string, deviceID uuid.UUID) {
	if serialNumber == "" {
		return
	}
	p.devicesMu.Lock()
	defer p.devicesMu.Unlock()
	p.serials[serialNumber] = deviceID
}

func (p *Publisher) device(serialNumber string) (*inverter.Device, bool) {
	p.devicesMu.RLock()
	defer p.devicesMu.RUnlock()
	id, ok := p.serials[serialNumber]
	if !ok {
		return nil, false
	}
	device, ok := p.devices[id]
	return device, ok
}

// Run publishes every reading received on `readings` until ctx is done.
func (p *Publisher) Run(ctx context.Context, readings <-chan telemetry.Reading) {
	for {
		select {
		case <-ctx.Done():
			return
		case reading := <-readings:
			err := p.PublishReading(reading)
			if err != nil {
				p.logger.Error("Failed to publish reading", "error", err)
			}
		}
	}
}

// PublishReading publishes each value of the reading to /<prefix>/<serial>/status/<key>/value, and the unit to
// .../unit when units are published.
func (p *Publisher) PublishReading(reading telemetry.Reading) error {
	p.learnSerial(reading.SerialNumber, reading.DeviceID)

	var errs []error
	for key, value := range reading.Values {
		base := p.topic(reading.SerialNumber, "status", key)
		errs = append(errs, p.publish(base+"/value", formatValue(value.Value)))
		if p.publishUnits {
			errs = append(errs, p.publish(base+"/unit", value.Unit))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("publish reading %s: %w", reading.ID, err)
	}
	p.logger.Debug("Published reading", "serial_number", reading.SerialNumber, "values", len(reading.Values))
	return nil
}

// PublishSettings publishes the value, default and unit of each setting under /<prefix>/<serial>/settings/<key>.
func (p *Publisher) PublishSettings(serialNumber string, settings telemetry.Settings) error {
	var errs []error
	for key, setting := range settings {
		base := p.topic(serialNumber, "settings", key)
		errs = append(errs,
			p.publish(base+"/value", formatValue(setting.Value)),
			p.publish(base+"/default", formatValue(setting.Default)),
			p.publish(base+"/unit", setting.Unit),
		)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("publish settings: %w", err)
	}
	return nil
}

// onConnect runs on every (re)connect: the retained state on the lwt topic goes back to online and the command
// subscription is renewed, as the session is clean.
func (p *Publisher) onConnect(c mqttClient, listen bool) {
	c.Publish(p.lwtTopic(), 0, true, onlinePayload)
	if listen {
		c.Subscribe(p.commandTopicFilter(), 0, p.onMessage)
	}
}

// Close announces the publisher going offline and disconnects. The broker does not send the will on a clean
// disconnect, so the offline state replaces the retained online one here.
func (p *Publisher) Close() {
	err := p.publishRetained(p.lwtTopic(), offlinePayload)
	if err != nil {
		p.logger.Warn("Failed to publish offline state", "error", err)
	}
	p.client.Disconnect(250)
}

func (p *Publisher) onMessage(_ mqtt.Client, msg mqtt.Message) {
	// commands can take several seconds; don't hold up the client's message handling
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()
		err := p.handleCommand(ctx, msg.Topic())
		if err != nil {
			p.logger.Warn("Failed to handle command", "topic", msg.Topic(), "error", err)
		}
	}()
}

// handleCommand executes the command named by a /<prefix>/<serial>/settings/<command> topic on the inverter with
// that serial number, and publishes the response text to /<prefix>/<serial>/response. Deeper topics under
// settings are the ones this publisher writes itself and are ignored.
func (p *Publisher) handleCommand(ctx context.Context, topic string) error {
	parts := strings.Split(strings.Trim(topic, "/"), "/")
	if len(parts) != 4 || parts[0] != p.prefix || parts[2] != "settings" || parts[3] == "" {
		return nil
	}
	serialNumber, request := parts[1], parts[3]

	device, ok := p.device(serialNumber)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownInverter, serialNumber)
	}

	p.logger.Info("Received command", "serial_number", serialNumber, "command", request)
	result, err := device.Execute(ctx, request)
	if err != nil {
		return errors.Join(err, p.publish(p.topic(serialNumber, "response"), err.Error()))
	}
	return p.publish(p.topic(serialNumber, "response"), command.Payload(result.Raw))
}

func (p *Publisher) publish(topic string, payload string) error {
	return p.send(topic, false, payload)
}

func (p *Publisher) publishRetained(topic string, payload string) error {
	return p.send(topic, true, payload)
}

func (p *Publisher) send(topic string, retained bool, payload string) error {
	token := p.client.Publish(topic, 0, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish %s: timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

func (p *Publisher) topic(parts ...string) string {
	return "/" + p.prefix + "/" + strings.Join(parts, "/")
}

func (p *Publisher) lwtTopic() string {
	return p.topic("lwt")
}

func (p *Publisher) commandTopicFilter() string {
	return p.topic("+", "settings", "#")
}

func formatValue(v interface{}) string {
	if v == nil {
		return ""
	}
	return fmt.Sprint(v)
}
