// Package notify turns message-created events into push notifications on
// every registered device of every offline recipient.
package notify

import (
	"context"

	"github.com/google/uuid"

	"IMDelivery/module/chat/model"
)

// Notification 一次推送请求；Key 由 (messageId, deviceId) 派生，重投时保持不变
type Notification struct {
	Key      string
	DeviceID string
	Token    string
	Title    string
	Body     string
	Data     map[string]string
}

// Provider sends one push. An error matching errs.ErrTokenInvalid means the
// token is gone for good and should be cleared.
type Provider interface {
	Name() model.PushProvider
	Send(ctx context.Context, n Notification) error
}

var keyNamespace = uuid.MustParse("6f1c8e0a-4d8b-5b4e-9a51-2f0c3b7d1e90")

// IdempotencyKey is a UUIDv5 so it is also a valid apns-id.
func IdempotencyKey(messageID, deviceID string) string {
	return uuid.NewSHA1(keyNamespace, []byte(messageID+"/"+deviceID)).String()
}
