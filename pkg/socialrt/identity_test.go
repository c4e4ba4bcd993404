package socialrt

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIdentityHeaders(t *testing.T) {
	t.Run("user id only", func(t *testing.T) {
		headers := Identity{UserID: "1"}.Headers()
		assert.Equal(t, map[string]string{"userId": "1"}, headers)
	})

	t.Run("all fields", func(t *testing.T) {
		headers := Identity{UserID: "7", Role: "ADMIN", Email: "a@example.com"}.Headers()
		assert.Equal(t, "7", headers[HeaderUserID])
		assert.Equal(t, "ADMIN", headers[HeaderRole])
		assert.Equal(t, "a@example.com", headers[HeaderEmail])
	})
}

func TestConversationTopic(t *testing.T) {
	assert.Equal(t, "/topic/conversations.42", ConversationTopic("42"))
}
