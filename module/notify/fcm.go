package notify

import (
	"context"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"

	"IMDelivery/module/chat/model"
	"IMDelivery/tools/errs"
)

type FCMConfig struct {
	CredentialsFile string `mapstructure:"credentials_file" yaml:"credentials_file"`
	ProjectID       string `mapstructure:"project_id" yaml:"project_id"`
}

type fcmSender interface {
	Send(ctx context.Context, m *messaging.Message) (string, error)
}

type FCM struct {
	client fcmSender
}

func NewFCM(ctx context.Context, c FCMConfig) (*FCM, error) {
	var opts []option.ClientOption
	if c.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(c.CredentialsFile))
	}
	var conf *firebase.Config
	if c.ProjectID != "" {
		conf = &firebase.Config{ProjectID: c.ProjectID}
	}
	app, err := firebase.NewApp(ctx, conf, opts...)
	if err != nil {
		return nil, errs.WrapMsg(err, "firebase app")
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, errs.WrapMsg(err, "firebase messaging")
	}
	return &FCM{client: client}, nil
}

func newFCMWithSender(s fcmSender) *FCM { return &FCM{client: s} }

func (p *FCM) Name() model.PushProvider { return model.ProviderFCM }

func (p *FCM) Send(ctx context.Context, n Notification) error {
	_, err := p.client.Send(ctx, &messaging.Message{
		Token:        n.Token,
		Notification: &messaging.Notification{Title: n.Title, Body: n.Body},
		Data:         n.Data,
		// 同一 key 的重复推送在设备侧折叠
		Android: &messaging.AndroidConfig{CollapseKey: n.Key, Priority: "high"},
	})
	if err == nil {
		return nil
	}
	if messaging.IsUnregistered(err) || messaging.IsSenderIDMismatch(err) {
		return errs.ErrTokenInvalid.WrapMsg("fcm", "deviceId", n.DeviceID, "err", err)
	}
	return errs.WrapMsg(err, "fcm send", "deviceId", n.DeviceID)
}
