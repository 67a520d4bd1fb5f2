// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
)

type contextKey string

const (
	userIDKey      contextKey = "user_id"
	displayNameKey contextKey = "display_name"
)

// SetUserID sets the user ID in the context
func SetUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// GetUserID retrieves the user ID from the context
func GetUserID(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(userIDKey).(string)
	return userID, ok
}

// SetDisplayName sets the display name of the signed-in user in the context
func SetDisplayName(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, displayNameKey, name)
}

// GetDisplayName retrieves the display name from the context
func GetDisplayName(ctx context.Context) (string, bool) {
	name, ok := ctx.Value(displayNameKey).(string)
	return name, ok
}

// SetAuthContext sets both user ID and display name in context
func SetAuthContext(ctx context.Context, userID, displayName string) context.Context {
	ctx = SetUserID(ctx, userID)
	ctx = SetDisplayName(ctx, displayName)
	return ctx
}
