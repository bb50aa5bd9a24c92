package models

import "time"

// timestampLayout matches JavaScript's Date.toISOString so the queue payloads
// stay interchangeable with the other services on the broker.
const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

func Timestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

// QueuedMessage is the payload published to a channel queue.
type QueuedMessage struct {
	ID         string  `json:"id"`
	TraceID    string  `json:"traceId"`
	Channel    Channel `json:"channel"`
	Content    Content `json:"content"`
	Timestamp  string  `json:"timestamp"`
	RetryCount int     `json:"retryCount,omitempty"`
}

func NewQueuedMessage(msg *Message, at time.Time) QueuedMessage {
	return QueuedMessage{
		ID:         msg.ID,
		TraceID:    msg.TraceID,
		Channel:    msg.Channel,
		Content:    msg.Content,
		Timestamp:  Timestamp(at),
		RetryCount: msg.Attempts,
	}
}

// DeliveryResult is the payload a delivery worker publishes to the results queue.
type DeliveryResult struct {
	MessageID  string `json:"messageId"`
	TraceID    string `json:"traceId"`
	Status     Status `json:"status"`
	DeliveryID string `json:"deliveryId"`
	Error      string `json:"error,omitempty"`
	Timestamp  string `json:"timestamp"`
}
