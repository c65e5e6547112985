// Package device keeps the push-capable devices of each user.
package device

import (
	"context"

	"IMDelivery/module/chat/model"
)

// Registry 设备注册表；同一 device_id 重复注册时后写者胜出（可换绑用户）
type Registry interface {
	Register(ctx context.Context, d model.Device) error
	DevicesFor(ctx context.Context, userID string) ([]model.Device, error)
	// ClearPushToken drops token from the device only if it still carries it,
	// so a token re-registered meanwhile survives.
	ClearPushToken(ctx context.Context, deviceID, token string) error
	Delete(ctx context.Context, userID, deviceID string) error
}

func validate(d model.Device) error {
	if d.DeviceID == "" || d.UserID == "" {
		return errMissingID
	}
	if _, err := model.ParsePushProvider(string(d.Provider)); err != nil {
		return err
	}
	return nil
}
