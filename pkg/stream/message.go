// Package stream carries finished run results over a websocket.
package stream

import (
	"encoding/json"
	"time"
)

const TypeRun = "run"

// Message is the envelope written to every subscriber.
type Message struct {
	Type string          `json:"type"`
	Time time.Time       `json:"time"`
	Data json.RawMessage `json:"data"`
}

func NewMessage(typ string, payload any) (Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: typ, Time: time.Now().UTC(), Data: data}, nil
}
