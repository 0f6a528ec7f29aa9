package notify

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/easwatch/easwatch/internal/errors"
)

func TestNewPushSenderRequiresURL(t *testing.T) {
	t.Parallel()

	s, err := NewPushSender(nil)
	require.Error(t, err)
	assert.Nil(t, s)
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))
}

func TestNewPushSenderRejectsUnknownService(t *testing.T) {
	t.Parallel()

	s, err := NewPushSender([]string{"notaservice://example.com"})
	require.Error(t, err)
	assert.Nil(t, s)
	assert.True(t, errors.IsCategory(err, errors.CategoryNotification))
}

func TestNewPushSenderAcceptsWebhookURL(t *testing.T) {
	t.Parallel()

	s, err := NewPushSender([]string{"generic://example.com/hook"})
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.NotNil(t, s.router)
}

func TestNewPushSenderValidatesEveryURL(t *testing.T) {
	t.Parallel()

	_, err := NewPushSender([]string{
		"generic://example.com/hook",
		"notaservice://example.com",
	})
	require.Error(t, err, "one bad URL fails the whole sender")
	assert.True(t, errors.IsCategory(err, errors.CategoryNotification))
}
