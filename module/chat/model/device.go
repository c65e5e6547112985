package model

import (
	"fmt"
	"strings"
	"time"
)

type PushProvider string

const (
	ProviderFCM  PushProvider = "FCM"
	ProviderAPNS PushProvider = "APNS"
)

func ParsePushProvider(s string) (PushProvider, error) {
	switch p := PushProvider(strings.ToUpper(strings.TrimSpace(s))); p {
	case ProviderFCM, ProviderAPNS:
		return p, nil
	}
	return "", fmt.Errorf("unknown push provider %q", s)
}

// Device 一个设备同一时刻只属于一个用户；重新注册时后写者胜出
type Device struct {
	DeviceID     string       `json:"deviceId"`
	UserID       string       `json:"userId"`
	PushToken    string       `json:"pushToken,omitempty"`
	Provider     PushProvider `json:"provider"`
	LastActiveAt time.Time    `json:"lastActiveAt"`
}

// Pushable reports whether the device can currently receive a push.
func (d Device) Pushable() bool {
	return d.PushToken != "" && (d.Provider == ProviderFCM || d.Provider == ProviderAPNS)
}

// PresenceSession 在线会话：只存在于连接生命周期内，不落库
type PresenceSession struct {
	UserID        string
	SessionHandle string
	NodeID        string
	ExpireAt      time.Time
}
