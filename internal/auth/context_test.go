package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAuthContext(t *testing.T) {
	ctx := context.Background()
	_, ok := GetUserID(ctx)
	assert.False(t, ok)

	ctx = SetAuthContext(ctx, "adele@contoso.test", "Adele Vance")
	userID, ok := GetUserID(ctx)
	assert.True(t, ok)
	assert.Equal(t, "adele@contoso.test", userID)

	name, ok := GetDisplayName(ctx)
	assert.True(t, ok)
	assert.Equal(t, "Adele Vance", name)
}
