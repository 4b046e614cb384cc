package events

import "encoding/json"

// Message is one lifecycle event as received from the bus.
type Message struct {
	Topic string
	Data  []byte
}

// Decode unmarshals the payload into v, typically one of the event structs.
func (m Message) Decode(v any) error {
	return json.Unmarshal(m.Data, v)
}

// Subscriber receives events from the event bus.
type Subscriber interface {
	// Subscribe delivers messages matching topic, which may use NATS
	// wildcards. Call the returned cancel function to unsubscribe and close
	// the channel.
	Subscribe(topic string) (<-chan Message, func(), error)
	Close() error
}
