package amqp

import (
	"encoding/json"
	"time"

	"loanledger/internal/core"
)

// PaymentEventMessage is the wire form of a payment lifecycle event.
type PaymentEventMessage struct {
	core.PaymentEvent
	PublishedAt time.Time `json:"published_at"`
}

func NewPaymentEventMessage(ev core.PaymentEvent) *PaymentEventMessage {
	return &PaymentEventMessage{
		PaymentEvent: ev,
		PublishedAt:  time.Now(),
	}
}

// ToJSON converts the message to JSON bytes
func (m *PaymentEventMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// PaymentEventMessageFromJSON decodes a message produced by ToJSON.
func PaymentEventMessageFromJSON(data []byte) (*PaymentEventMessage, error) {
	var msg PaymentEventMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
