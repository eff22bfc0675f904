// Package publish sends decoded observations to an MQTT broker as JSON.
package publish

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"gnssrx/internal/gps"
)

const publishTimeout = 2 * time.Second

type Config struct {
	Broker   string
	ClientID string
	Topic    string
	QoS      byte
	Retained bool
}

// Pose is the antenna position in the vehicle frame, metres.
type Pose struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Message is the JSON document published for every new observation.
type Message struct {
	Observation gps.Observation     `json:"observation"`
	State       gps.ConnectionState `json:"state"`
	SensorPose  Pose                `json:"sensor_pose"`
	PublishedAt time.Time           `json:"published_at"`
}

// Payload encodes one observation for the wire.
func Payload(obs gps.Observation, st gps.ConnectionState, pose Pose, now time.Time) ([]byte, error) {
	return json.Marshal(Message{
		Observation: obs,
		State:       st,
		SensorPose:  pose,
		PublishedAt: now.UTC(),
	})
}

type tokenPublisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

type Publisher struct {
	cfg    Config
	pose   Pose
	client tokenPublisher
	now    func() time.Time

	mu        sync.Mutex
	published uint64
	failed    uint64
}

// Connect dials the broker and returns a ready Publisher.
func Connect(cfg Config, pose Pose) (*Publisher, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(5 * time.Second)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", cfg.Broker, token.Error())
	}
	log.Printf("mqtt connected broker=%s topic=%s", cfg.Broker, cfg.Topic)
	return newPublisher(cfg, pose, client), nil
}

func newPublisher(cfg Config, pose Pose, client tokenPublisher) *Publisher {
	return &Publisher{cfg: cfg, pose: pose, client: client, now: time.Now}
}

// Publish sends one observation. Failures are logged and counted; the
// caller's read loop is never stopped by the broker.
func (p *Publisher) Publish(obs gps.Observation, st gps.ConnectionState) {
	payload, err := Payload(obs, st, p.pose, p.now())
	if err != nil {
		p.fail(fmt.Errorf("marshal: %w", err))
		return
	}
	token := p.client.Publish(p.cfg.Topic, p.cfg.QoS, p.cfg.Retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		p.fail(fmt.Errorf("publish timed out after %s", publishTimeout))
		return
	}
	if err := token.Error(); err != nil {
		p.fail(err)
		return
	}
	p.mu.Lock()
	p.published++
	p.mu.Unlock()
}

func (p *Publisher) fail(err error) {
	p.mu.Lock()
	p.failed++
	p.mu.Unlock()
	log.Printf("mqtt publish error topic=%s: %v", p.cfg.Topic, err)
}

// Stats returns published and failed message counts.
func (p *Publisher) Stats() (published, failed uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.published, p.failed
}

func (p *Publisher) Close() {
	if p == nil || p.client == nil {
		return
	}
	p.client.Disconnect(250)
}
