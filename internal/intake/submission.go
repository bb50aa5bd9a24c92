package intake

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/shohag/notifyrelay/internal/models"
)

var (
	emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
	phonePattern = regexp.MustCompile(`^\+?[1-9]\d{1,14}$`)
)

// ValidationError reports a malformed intake request.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Reason)
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// Request is the intake wire shape: {channel, content:{recipient, subject?, body}}.
type Request struct {
	Channel string         `json:"channel"`
	Content RequestContent `json:"content"`
}

type RequestContent struct {
	Recipient string `json:"recipient"`
	Subject   string `json:"subject,omitempty"`
	Body      string `json:"body"`
}

// Submission is a validated request. Only Email carries a subject.
type Submission interface {
	Channel() models.Channel
	Content() models.Content
	submission()
}

type Email struct {
	Recipient string
	Subject   string
	Body      string
}

type SMS struct {
	Recipient string
	Body      string
}

type WhatsApp struct {
	Recipient string
	Body      string
}

func (Email) Channel() models.Channel    { return models.ChannelEmail }
func (SMS) Channel() models.Channel      { return models.ChannelSMS }
func (WhatsApp) Channel() models.Channel { return models.ChannelWhatsApp }

func (e Email) Content() models.Content {
	return models.Content{Recipient: e.Recipient, Subject: e.Subject, Body: e.Body}
}

func (s SMS) Content() models.Content {
	return models.Content{Recipient: s.Recipient, Body: s.Body}
}

func (w WhatsApp) Content() models.Content {
	return models.Content{Recipient: w.Recipient, Body: w.Body}
}

func (Email) submission()    {}
func (SMS) submission()      {}
func (WhatsApp) submission() {}

// Parse validates req and returns the matching Submission variant.
func Parse(req Request) (Submission, error) {
	ch := models.Channel(req.Channel)
	if req.Channel == "" {
		return nil, invalid("channel", "is required")
	}
	if !ch.Valid() {
		return nil, invalid("channel", "must be one of: email, sms, whatsapp")
	}

	c := req.Content
	if blank(c.Recipient) {
		return nil, invalid("content.recipient", "is required")
	}
	if blank(c.Body) {
		return nil, invalid("content.body", "is required")
	}

	switch ch {
	case models.ChannelEmail:
		if blank(c.Subject) {
			return nil, invalid("content.subject", "is required for email")
		}
		if !emailPattern.MatchString(c.Recipient) {
			return nil, invalid("content.recipient", "must be a valid email address for email channel")
		}
		return Email{Recipient: c.Recipient, Subject: c.Subject, Body: c.Body}, nil
	default:
		if c.Subject != "" {
			return nil, invalid("content.subject", "is only allowed for email")
		}
		if !phonePattern.MatchString(c.Recipient) {
			return nil, invalid("content.recipient", "must be a valid phone number (E.164) for sms/whatsapp channels")
		}
		if ch == models.ChannelSMS {
			return SMS{Recipient: c.Recipient, Body: c.Body}, nil
		}
		return WhatsApp{Recipient: c.Recipient, Body: c.Body}, nil
	}
}

func blank(s string) bool {
	return strings.TrimSpace(s) == ""
}
