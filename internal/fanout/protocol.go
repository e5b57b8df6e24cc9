package fanout

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/charleschow/live-odds/internal/events"
)

// Inbound control message types.
const (
	MsgSubscribe   = "subscribe"
	MsgUnsubscribe = "unsubscribe"
	MsgPing        = "ping"
)

// Outbound message types.
const (
	MsgConnected      = "connected"
	MsgSubscribed     = "subscribed"
	MsgSubscribeError = "subscribe_error"
	MsgUnsubscribed   = "unsubscribed"
	MsgPong           = "pong"
	MsgError          = "error"
	MsgPriceUpdate    = "price_update"
)

const welcomeText = "Connected to live odds feed"

// InboundMessage is a control message sent by a viewer.
type InboundMessage struct {
	Type     string `json:"type"`
	MarketID string `json:"market_id,omitempty"`
}

// Envelope is the wire format for everything the server sends.
type Envelope struct {
	Type      string              `json:"type"`
	Message   string              `json:"message,omitempty"`
	MarketID  string              `json:"market_id,omitempty"`
	Error     string              `json:"error,omitempty"`
	Timestamp string              `json:"timestamp,omitempty"`
	Data      *events.PriceUpdate `json:"data,omitempty"`
}

// MarshalUpdate wraps a PriceUpdate in a price_update envelope.
func MarshalUpdate(u events.PriceUpdate) ([]byte, error) {
	data, err := json.Marshal(Envelope{Type: MsgPriceUpdate, Data: &u})
	if err != nil {
		return nil, fmt.Errorf("marshal price_update: %w", err)
	}
	return data, nil
}

func welcome(now time.Time) Envelope {
	return Envelope{
		Type:      MsgConnected,
		Message:   welcomeText,
		Timestamp: now.UTC().Format(time.RFC3339Nano),
	}
}

// ParseInbound decodes a viewer control message.
func ParseInbound(data []byte) (InboundMessage, error) {
	var msg InboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, fmt.Errorf("unmarshal control message: %w", err)
	}
	if msg.Type == "" {
		return msg, fmt.Errorf("control message missing type")
	}
	return msg, nil
}

// UnmarshalEnvelope decodes a server message on the viewer side.
func UnmarshalEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return env, fmt.Errorf("unmarshal envelope: %w", err)
	}
	return env, nil
}
