package notify

import (
	"context"
	"fmt"
	"net/http"

	"github.com/sideshow/apns2"
	"github.com/sideshow/apns2/payload"
	"github.com/sideshow/apns2/token"

	"IMDelivery/module/chat/model"
	"IMDelivery/tools/errs"
)

type APNSConfig struct {
	KeyFile    string `mapstructure:"key_file" yaml:"key_file"` // .p8
	KeyID      string `mapstructure:"key_id" yaml:"key_id"`
	TeamID     string `mapstructure:"team_id" yaml:"team_id"`
	Topic      string `mapstructure:"topic" yaml:"topic"` // bundle id
	Production bool   `mapstructure:"production" yaml:"production"`
}

type apnsPusher interface {
	PushWithContext(ctx apns2.Context, n *apns2.Notification) (*apns2.Response, error)
}

type APNS struct {
	client apnsPusher
	topic  string
}

func NewAPNS(c APNSConfig) (*APNS, error) {
	key, err := token.AuthKeyFromFile(c.KeyFile)
	if err != nil {
		return nil, errs.WrapMsg(err, "apns auth key", "file", c.KeyFile)
	}
	client := apns2.NewTokenClient(&token.Token{AuthKey: key, KeyID: c.KeyID, TeamID: c.TeamID})
	if c.Production {
		client = client.Production()
	} else {
		client = client.Development()
	}
	return &APNS{client: client, topic: c.Topic}, nil
}

func (p *APNS) Name() model.PushProvider { return model.ProviderAPNS }

func (p *APNS) Send(ctx context.Context, n Notification) error {
	pl := payload.NewPayload().AlertTitle(n.Title).AlertBody(n.Body).Sound("default")
	for k, v := range n.Data {
		pl = pl.Custom(k, v)
	}
	res, err := p.client.PushWithContext(ctx, &apns2.Notification{
		ApnsID:      n.Key,
		CollapseID:  n.Key,
		DeviceToken: n.Token,
		Topic:       p.topic,
		Payload:     pl,
		Priority:    apns2.PriorityHigh,
	})
	if err != nil {
		return errs.WrapMsg(err, "apns push", "deviceId", n.DeviceID)
	}
	if res.Sent() {
		return nil
	}
	switch res.Reason {
	case apns2.ReasonBadDeviceToken, apns2.ReasonUnregistered, apns2.ReasonDeviceTokenNotForTopic:
		return errs.ErrTokenInvalid.WrapMsg("apns", "deviceId", n.DeviceID, "reason", res.Reason)
	}
	if res.StatusCode == http.StatusGone {
		return errs.ErrTokenInvalid.WrapMsg("apns", "deviceId", n.DeviceID, "status", res.StatusCode)
	}
	return fmt.Errorf("apns rejected: status=%d reason=%s", res.StatusCode, res.Reason)
}
