package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shohag/notifyrelay/internal/models"
)

// ErrUnavailable marks failures talking to the document store.
var ErrUnavailable = errors.New("store unavailable")

func unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}

// ResultUpdate moves a pending Message to a reported outcome. It only applies
// while the Message is still pending under the same TraceID.
type ResultUpdate struct {
	MessageID     string
	TraceID       string
	Status        models.Status
	Error         string
	At            time.Time
	NextAttemptAt *time.Time
}

// RetryClaim moves a failed Message back to pending. It only applies while
// the Message is failed and still has SeenAttempts attempts.
type RetryClaim struct {
	MessageID    string
	SeenAttempts int
	MaxAttempts  int
	TraceID      string
	At           time.Time
}

type Storage interface {
	// Messages
	CreateMessage(ctx context.Context, msg *models.Message) error
	GetMessage(ctx context.Context, id string) (*models.Message, error)
	FindRecentDuplicate(ctx context.Context, channel models.Channel, recipient, body string, since time.Time) (*models.Message, error)
	ListMessages(ctx context.Context, status models.Status, limit, offset int) ([]models.Message, error)
	MarkQueued(ctx context.Context, id, traceID string, at time.Time) error
	ApplyResult(ctx context.Context, u ResultUpdate) (bool, error)
	DueForRetry(ctx context.Context, now time.Time, maxAttempts, limit int) ([]models.Message, error)
	ClaimRetry(ctx context.Context, c RetryClaim) (bool, error)
	ListUnqueued(ctx context.Context, before time.Time, limit int) ([]models.Message, error)
	ListStalePending(ctx context.Context, queuedBefore time.Time, limit int) ([]models.Message, error)

	// Deliveries
	UpsertDelivery(ctx context.Context, d *models.Delivery) error
	GetDelivery(ctx context.Context, messageID string) (*models.Delivery, error)
	ListDeliveries(ctx context.Context, status models.Status, limit int) ([]models.Delivery, error)

	// Attempts
	CreateAttempt(ctx context.Context, a *models.Attempt) error
	GetAttemptsByMessage(ctx context.Context, messageID string) ([]models.Attempt, error)

	// Stats
	GetStats(ctx context.Context) (*Stats, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// Stats counts deliveries by status and by channel.
type Stats struct {
	Total     int64                    `json:"total"`
	ByStatus  map[models.Status]int64  `json:"byStatus"`
	ByChannel map[models.Channel]int64 `json:"byChannel"`
}

func newStats() *Stats {
	s := &Stats{
		ByStatus:  map[models.Status]int64{},
		ByChannel: map[models.Channel]int64{},
	}
	for _, st := range []models.Status{models.StatusPending, models.StatusDelivered, models.StatusFailed} {
		s.ByStatus[st] = 0
	}
	for _, ch := range models.Channels {
		s.ByChannel[ch] = 0
	}
	return s
}
