// Package bus is the cross-process broadcast channel shared by all gateway
// instances. A room is an opaque key (conversation or personal room);
// every process subscribed to a room receives every payload published to
// it, in publish order for a single publisher.
package bus

import (
	"context"
	"errors"
	"strings"
)

var ErrClosed = errors.New("bus closed")

type Handler func(data []byte)

type Subscription interface {
	Unsubscribe() error
}

type Bus interface {
	Publish(ctx context.Context, room string, data []byte) error
	// Subscribe 可能涉及网络往返，ctx 限定等待时间
	Subscribe(ctx context.Context, room string, h Handler) (Subscription, error)
	Close() error
}

// ConversationRoom is the room every participant of conv joins.
func ConversationRoom(conversationID string) string { return "conv:" + conversationID }

// UserRoom is the personal room used for direct delivery to one user.
func UserRoom(userID string) string { return "user:" + userID }

// IsUserRoom reports whether room is a personal room and returns its user.
func IsUserRoom(room string) (string, bool) {
	if strings.HasPrefix(room, "user:") {
		return strings.TrimPrefix(room, "user:"), true
	}
	return "", false
}
