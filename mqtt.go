package main

import (
	"fmt"
	"image"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// MQTTSink publishes events to {topic}/results, {topic}/finished and
// {topic}/art. Publishing is fire-and-forget so the loop never waits on the
// broker.
type MQTTSink struct {
	log    *zap.Logger
	client paho.Client
	topic  string
}

// DialMQTT connects to broker and returns a sink publishing under topic.
func DialMQTT(log *zap.Logger, broker, topic, clientID string) (*MQTTSink, error) {
	if log == nil {
		log = zap.NewNop()
	}
	opts := paho.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectTimeout(10 * time.Second)

	client := paho.NewClient(opts)
	tok := client.Connect()
	if !tok.WaitTimeout(15 * time.Second) {
		return nil, fmt.Errorf("mqtt connect to %s: timed out", broker)
	}
	if err := tok.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect to %s: %w", broker, err)
	}
	return NewMQTTSink(log, client, topic), nil
}

func NewMQTTSink(log *zap.Logger, client paho.Client, topic string) *MQTTSink {
	if log == nil {
		log = zap.NewNop()
	}
	return &MQTTSink{
		log:    log.Named("mqtt"),
		client: client,
		topic:  strings.TrimRight(topic, "/"),
	}
}

func (m *MQTTSink) ResultsAvailable(id int, results []Result) { m.publish(resultsEvent(id, results)) }
func (m *MQTTSink) SearchFinished(id int) { m.publish(finishedEvent(id)) }
func (m *MQTTSink) ArtLoaded(id int, img image.Image) { m.publish(artEvent(id, img)) }

func (m *MQTTSink) publish(ev Event) {
	payload, err := ev.Marshal()
	if err != nil {
		m.log.Error("marshal event", zap.String("type", ev.Type), zap.Error(err))
		return
	}
	topic := m.topic + "/" + ev.Type
	tok := m.client.Publish(topic, 0, false, payload)
	go func() {
		if tok.WaitTimeout(10*time.Second) && tok.Error() != nil {
			m.log.Warn("publish failed", zap.String("topic", topic), zap.Error(tok.Error()))
		}
	}()
}

func (m *MQTTSink) Close() {
	m.client.Disconnect(250)
}
