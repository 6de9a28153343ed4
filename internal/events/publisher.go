// Package events forwards pipeline events to an MQTT broker so downstream
// consumers (note generation, study planners) can react to finished
// transcripts without polling the API.
package events

import (
	"encoding/json"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/studyhall/recap/internal/config"
	"github.com/studyhall/recap/internal/session"
)

// publishedTypes are the durable pipeline events worth announcing.
// High-frequency UI events (level, tick) stay on the SSE stream only.
var publishedTypes = []string{
	session.EventCompleted,
	session.EventTranscription,
	session.EventDeleted,
}

// Publisher bridges the in-process event bus to MQTT. It is a background
// service: Start subscribes, Stop drains and disconnects.
type Publisher struct {
	conn        mqtt.Client
	bus         *session.EventBus
	topicPrefix string
	connected   atomic.Bool
	log         zerolog.Logger

	unsubscribe func()
	stop        chan struct{}
	done        chan struct{}
}

// Connect dials the broker and returns a publisher. The connection
// auto-reconnects; publishes while disconnected are dropped with a warning.
func Connect(cfg config.MQTTConfig, bus *session.EventBus, log zerolog.Logger) (*Publisher, error) {
	p := &Publisher{
		bus:         bus,
		topicPrefix: cfg.TopicPrefix,
		log:         log.With().Str("component", "mqtt").Logger(),
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOrderMatters(false).
		SetOnConnectHandler(p.onConnect).
		SetConnectionLostHandler(p.onConnectionLost)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}

	p.conn = mqtt.NewClient(opts)
	token := p.conn.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Publisher) onConnect(mqtt.Client) {
	p.connected.Store(true)
	p.log.Info().Msg("mqtt connected")
}

func (p *Publisher) onConnectionLost(_ mqtt.Client, err error) {
	p.connected.Store(false)
	p.log.Warn().Err(err).Msg("mqtt connection lost, will auto-reconnect")
}

// IsConnected reports broker connectivity for the health endpoint.
func (p *Publisher) IsConnected() bool {
	return p.connected.Load()
}

// Start begins forwarding bus events to the broker.
func (p *Publisher) Start() {
	ch, cancel := p.bus.Subscribe(session.EventFilter{Types: publishedTypes})
	p.unsubscribe = cancel
	p.stop = make(chan struct{})
	p.done = make(chan struct{})
	go func() {
		defer close(p.done)
		for {
			select {
			case <-p.stop:
				return
			case e := <-ch:
				p.publish(e)
			}
		}
	}()
}

func (p *Publisher) publish(e session.Event) {
	if !p.connected.Load() {
		p.log.Warn().Str("type", e.Type).Msg("mqtt disconnected, dropping event")
		return
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return
	}
	topic := p.topicPrefix + "/recordings/" + e.RecordingID + "/" + e.Type
	token := p.conn.Publish(topic, 0, false, payload)
	token.Wait()
	if err := token.Error(); err != nil {
		p.log.Warn().Err(err).Str("topic", topic).Msg("mqtt publish failed")
	}
}

// Stop unsubscribes from the bus and disconnects from the broker.
func (p *Publisher) Stop() {
	if p.unsubscribe != nil {
		p.unsubscribe()
		close(p.stop)
		<-p.done
	}
	p.log.Info().Msg("disconnecting mqtt publisher")
	p.conn.Disconnect(1000)
}
