package models

import "time"

type Channel string

const (
	ChannelEmail    Channel = "email"
	ChannelSMS      Channel = "sms"
	ChannelWhatsApp Channel = "whatsapp"
)

// Channels lists every supported channel in routing order.
var Channels = []Channel{ChannelEmail, ChannelSMS, ChannelWhatsApp}

func (c Channel) Valid() bool {
	switch c {
	case ChannelEmail, ChannelSMS, ChannelWhatsApp:
		return true
	}
	return false
}

type Status string

const (
	StatusPending   Status = "pending"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
)

func (s Status) Valid() bool {
	return s == StatusPending || s == StatusDelivered || s == StatusFailed
}

// CanTransition reports whether a Message may move from s to next.
// delivered is terminal; failed only goes back to pending through a retry.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusDelivered || next == StatusFailed
	case StatusFailed:
		return next == StatusPending
	}
	return false
}

// Content is the channel-independent payload snapshot stored with a Message
// and its Delivery. Subject is only set for email.
type Content struct {
	Recipient string `json:"recipient" bson:"recipient"`
	Subject   string `json:"subject,omitempty" bson:"subject,omitempty"`
	Body      string `json:"body" bson:"body"`
}

// Message is the canonical intake record. It is never deleted.
type Message struct {
	ID            string     `json:"id" bson:"id"`
	TraceID       string     `json:"traceId" bson:"traceId"`
	Channel       Channel    `json:"channel" bson:"channel"`
	Content       Content    `json:"content" bson:"content"`
	Status        Status     `json:"status" bson:"status"`
	Attempts      int        `json:"attempts" bson:"attempts"`
	LastAttempt   *time.Time `json:"lastAttempt,omitempty" bson:"lastAttempt,omitempty"`
	LastError     string     `json:"lastError,omitempty" bson:"lastError,omitempty"`
	NextAttemptAt *time.Time `json:"nextAttemptAt,omitempty" bson:"nextAttemptAt,omitempty"`
	QueuedAt      *time.Time `json:"queuedAt,omitempty" bson:"queuedAt,omitempty"`
	CreatedAt     time.Time  `json:"createdAt" bson:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt" bson:"updatedAt"`
}
