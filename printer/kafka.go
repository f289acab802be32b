package printer

import (
	"context"
	"encoding/json"

	"github.com/segmentio/kafka-go"
	log "github.com/sirupsen/logrus"
)

// StatusPublisher forwards every status update from the bus to a Kafka
// topic, keyed by device id. It is an optional subscriber: the engine
// runs the same without it.
type StatusPublisher struct {
	writer *kafka.Writer
	cancel func()
	done   chan struct{}
}

// NewStatusPublisher subscribes to the bus and starts publishing.
func NewStatusPublisher(brokers []string, topic string, bus *Bus) *StatusPublisher {
	p := &StatusPublisher{
		writer: &kafka.Writer{
			Addr:     kafka.TCP(brokers...),
			Topic:    topic,
			Balancer: &kafka.LeastBytes{},
		},
		done: make(chan struct{}),
	}

	ch, cancel := bus.Subscribe()
	p.cancel = cancel
	go p.run(ch)
	return p
}

func (p *StatusPublisher) run(ch <-chan StatusUpdate) {
	defer close(p.done)

	for u := range ch {
		value, err := json.Marshal(u.Status)
		if err != nil {
			log.Printf("Kafka publisher: encoding status for %s: %v", u.DeviceID, err)
			continue
		}
		err = p.writer.WriteMessages(context.Background(), kafka.Message{
			Key:   []byte(u.DeviceID),
			Value: value,
		})
		if err != nil {
			log.Printf("Kafka publisher: writing status for %s: %v", u.DeviceID, err)
		}
	}
}

// Close unsubscribes from the bus and closes the Kafka writer.
func (p *StatusPublisher) Close() error {
	p.cancel()
	<-p.done
	return p.writer.Close()
}
