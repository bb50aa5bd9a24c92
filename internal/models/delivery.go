package models

import "time"

// Delivery is the outcome of the latest delivery attempt for a message,
// upserted by MessageID.
type Delivery struct {
	MessageID   string     `json:"messageId" bson:"messageId"`
	DeliveryID  string     `json:"deliveryId" bson:"deliveryId"`
	TraceID     string     `json:"traceId" bson:"traceId"`
	Channel     Channel    `json:"channel" bson:"channel"`
	Content     Content    `json:"content" bson:"content"`
	Status      Status     `json:"status" bson:"status"`
	DeliveredAt *time.Time `json:"deliveredAt,omitempty" bson:"deliveredAt,omitempty"`
	Error       string     `json:"error,omitempty" bson:"error,omitempty"`
	CreatedAt   time.Time  `json:"createdAt" bson:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt" bson:"updatedAt"`
}

// Attempt records one physical delivery attempt. ID is the attempt's
// deliveryId and is never reused.
type Attempt struct {
	ID        string    `json:"id" bson:"id"`
	MessageID string    `json:"messageId" bson:"messageId"`
	TraceID   string    `json:"traceId" bson:"traceId"`
	Channel   Channel   `json:"channel" bson:"channel"`
	Status    Status    `json:"status" bson:"status"`
	Error     string    `json:"error,omitempty" bson:"error,omitempty"`
	LatencyMs int64     `json:"latencyMs" bson:"latencyMs"`
	CreatedAt time.Time `json:"createdAt" bson:"createdAt"`
}
