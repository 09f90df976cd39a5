package alert

import (
	"fmt"
	"log"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/sweeney/coop-controller/internal/routine"
)

// bufferCapacity bounds how many messages are held while disconnected.
const bufferCapacity = 256

// RealPublisher publishes to an actual MQTT broker. Messages sent while the
// broker is unreachable are buffered and replayed on reconnect, oldest
// dropped first when the buffer fills.
type RealPublisher struct {
	client paho.Client
	now    func() time.Time

	mu  sync.Mutex
	buf *ringBuffer
}

// NewRealPublisher connects to the given broker.
func NewRealPublisher(broker string) (*RealPublisher, error) {
	p := &RealPublisher{
		now: time.Now,
		buf: newRingBuffer(bufferCapacity),
	}

	opts := paho.NewClientOptions().
		AddBroker(broker).
		SetClientID("coop-controller").
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOnConnectHandler(func(paho.Client) {
			p.replay()
		}).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			log.Printf("alert: broker connection lost: %v", err)
		})

	p.client = paho.NewClient(opts)
	token := p.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}
	return p, nil
}

// PublishToggle sends a confirmation event. QoS 0; toggles are frequent and
// losing one is harmless.
func (p *RealPublisher) PublishToggle(result routine.DeviceConfirmResult) error {
	payload, err := FormatTogglePayload(p.now(), result)
	if err != nil {
		return fmt.Errorf("format toggle payload: %w", err)
	}
	return p.send(TopicEvents, 0, false, payload)
}

// PublishFailure sends a routine failure report. QoS 1; the report is the
// user's only notice that a load did not switch.
func (p *RealPublisher) PublishFailure(routineName string, failures []routine.DeviceConfirmResult) error {
	payload, err := FormatFailurePayload(p.now(), routineName, failures)
	if err != nil {
		return fmt.Errorf("format failure payload: %w", err)
	}
	return p.send(TopicAlerts, 1, false, payload)
}

// PublishSystem sends a lifecycle event at QoS 1.
func (p *RealPublisher) PublishSystem(event SystemEvent) error {
	payload, err := FormatSystemPayload(event)
	if err != nil {
		return fmt.Errorf("format system payload: %w", err)
	}
	return p.send(TopicSystem, 1, event.Retained, payload)
}

// IsConnected reports the broker connection state.
func (p *RealPublisher) IsConnected() bool {
	return p.client.IsConnectionOpen()
}

// Close disconnects from the broker.
func (p *RealPublisher) Close() error {
	p.client.Disconnect(1000)
	return nil
}

// send publishes or, when disconnected, buffers for replay.
func (p *RealPublisher) send(topic string, qos byte, retained bool, payload []byte) error {
	if !p.client.IsConnectionOpen() {
		p.mu.Lock()
		p.buf.push(bufferedMsg{topic: topic, payload: payload, qos: qos, retained: retained})
		p.mu.Unlock()
		return nil
	}
	token := p.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

// replay flushes buffered messages after a reconnect.
func (p *RealPublisher) replay() {
	p.mu.Lock()
	msgs := p.buf.drainAll()
	p.mu.Unlock()
	if len(msgs) == 0 {
		return
	}
	log.Printf("alert: replaying %d buffered messages", len(msgs))
	for _, m := range msgs {
		token := p.client.Publish(m.topic, m.qos, m.retained, m.payload)
		token.WaitTimeout(5 * time.Second)
	}
}
