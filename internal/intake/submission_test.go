package intake

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shohag/notifyrelay/internal/models"
)

func TestParseVariants(t *testing.T) {
	sub, err := Parse(Request{Channel: "email", Content: RequestContent{Recipient: "a@b.com", Subject: "hi", Body: "x"}})
	require.NoError(t, err)
	require.IsType(t, Email{}, sub)
	assert.Equal(t, models.ChannelEmail, sub.Channel())
	assert.Equal(t, models.Content{Recipient: "a@b.com", Subject: "hi", Body: "x"}, sub.Content())

	sub, err = Parse(Request{Channel: "sms", Content: RequestContent{Recipient: "+15550001", Body: "x"}})
	require.NoError(t, err)
	require.IsType(t, SMS{}, sub)
	assert.Empty(t, sub.Content().Subject)

	sub, err = Parse(Request{Channel: "whatsapp", Content: RequestContent{Recipient: "447700900123", Body: "x"}})
	require.NoError(t, err)
	require.IsType(t, WhatsApp{}, sub)
	assert.Equal(t, models.ChannelWhatsApp, sub.Channel())
}

func TestParseRejects(t *testing.T) {
	cases := map[string]struct {
		req   Request
		field string
	}{
		"missing channel":       {Request{Content: RequestContent{Recipient: "a@b.com", Body: "x"}}, "channel"},
		"unknown channel":       {Request{Channel: "fax", Content: RequestContent{Recipient: "a@b.com", Body: "x"}}, "channel"},
		"missing recipient":     {Request{Channel: "sms", Content: RequestContent{Body: "x"}}, "content.recipient"},
		"missing body":          {Request{Channel: "sms", Content: RequestContent{Recipient: "+15550001"}}, "content.body"},
		"blank body":            {Request{Channel: "sms", Content: RequestContent{Recipient: "+15550001", Body: "   "}}, "content.body"},
		"email without subject": {Request{Channel: "email", Content: RequestContent{Recipient: "a@b.com", Body: "x"}}, "content.subject"},
		"sms with subject":      {Request{Channel: "sms", Content: RequestContent{Recipient: "+15550001", Subject: "s", Body: "x"}}, "content.subject"},
		"bad email":             {Request{Channel: "email", Content: RequestContent{Recipient: "not-an-email", Subject: "s", Body: "x"}}, "content.recipient"},
		"bad phone":             {Request{Channel: "whatsapp", Content: RequestContent{Recipient: "0123", Body: "x"}}, "content.recipient"},
		"phone too long":        {Request{Channel: "sms", Content: RequestContent{Recipient: "+1234567890123456", Body: "x"}}, "content.recipient"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(tc.req)
			require.Error(t, err)
			var verr *ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, tc.field, verr.Field)
		})
	}
}
