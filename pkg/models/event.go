package models

import "time"

type EventType string

const (
	EventHold   EventType = "HOLD"
	EventBought EventType = "BOUGHT"
	EventSold   EventType = "SOLD"
)

// Event is a notification emitted at the end of a run.
type Event struct {
	ID      string    `json:"id" yaml:"id"`
	Title   string    `json:"title" yaml:"title"`
	Type    EventType `json:"type" yaml:"type"`
	Message string    `json:"message" yaml:"message"`
	Time    time.Time `json:"ts" yaml:"ts"`
}

// Text renders the event the way chat sinks display it.
func (e Event) Text() string {
	text := "[" + string(e.Type) + "] " + e.Title
	if e.Message != "" {
		text += "\n" + e.Message
	}
	return text
}
