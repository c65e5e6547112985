package chat

import (
	"go.uber.org/zap"

	"IMDelivery/module/chat/model"
	"IMDelivery/module/message"
	"IMDelivery/service/bus"
	"IMDelivery/tools/errs"
)

func handleAuth(ctx *ChatContext, f *Frame, sess *Session) error {
	if sess.State() != StateAuthenticating {
		return errs.ErrMalformedPayload.WrapMsg("already authenticated")
	}
	var d AuthData
	if err := decodeData(f, &d); err != nil {
		return err
	}
	return ctx.S.authenticate(ctx, sess, d.Token)
}

func handleJoin(ctx *ChatContext, f *Frame, sess *Session) error {
	var d ConversationData
	if err := decodeData(f, &d); err != nil {
		return err
	}
	if d.ConversationID == "" {
		return errs.ErrMalformedPayload.WrapMsg("conversationId is required")
	}
	ok, err := ctx.S.dir.IsParticipant(ctx, d.ConversationID, sess.UserID())
	if err != nil {
		return err
	}
	if !ok {
		return errs.ErrNotParticipant.WrapMsg("join", "conversationId", d.ConversationID)
	}
	if err := ctx.S.hub.Join(ctx, bus.ConversationRoom(d.ConversationID), sess); err != nil {
		return errs.ErrInternal.WrapMsg("join room", "err", err)
	}
	ctx.S.reply(sess, FrameJoined, d)
	return nil
}

func handleLeave(ctx *ChatContext, f *Frame, sess *Session) error {
	var d ConversationData
	if err := decodeData(f, &d); err != nil {
		return err
	}
	ctx.S.hub.Leave(bus.ConversationRoom(d.ConversationID), sess)
	ctx.S.reply(sess, FrameLeft, d)
	return nil
}

func handleSend(ctx *ChatContext, f *Frame, sess *Session) error {
	var d SendData
	if err := decodeData(f, &d); err != nil {
		return err
	}
	m, err := ctx.S.msgs.Send(ctx, message.SendRequest{
		ConversationID: d.ConversationID,
		SenderID:       sess.UserID(),
		SenderName:     sess.Name(),
		Payload:        d.Payload,
		TempID:         d.TempID,
		ReplyTo:        d.ReplyTo,
	})
	if err != nil {
		return err
	}
	ctx.S.reply(sess, FrameMessageAck, AckData{TempID: d.TempID, MessageID: m.ID, Seq: m.Seq})
	return nil
}

// handleTyping 尽力而为：超出速率静默丢弃，发布失败只记日志
func handleTyping(ctx *ChatContext, f *Frame, sess *Session) error {
	var d ConversationData
	if err := decodeData(f, &d); err != nil {
		return err
	}
	room := bus.ConversationRoom(d.ConversationID)
	if !sess.InRoom(room) {
		return errs.ErrNotParticipant.WrapMsg("typing before join", "conversationId", d.ConversationID)
	}
	if !sess.allowTyping() {
		return nil
	}
	if err := ctx.S.hub.Publish(ctx, room, FrameTyping, TypingData{ConversationID: d.ConversationID, UserID: sess.UserID()}); err != nil {
		ctx.S.log.Debug("typing publish", zap.String("room", room), zap.Error(err))
	}
	return nil
}

// handleReceipt read / delivered 回执；状态实际前进时通知发送者的个人房间
func handleReceipt(ctx *ChatContext, f *Frame, sess *Session) error {
	var d ReadData
	if err := decodeData(f, &d); err != nil {
		return err
	}
	status := model.StatusRead
	if f.Type == FrameDelivered {
		status = model.StatusDelivered
	}
	advanced, err := ctx.S.msgs.Acknowledge(ctx, sess.UserID(), d.ConversationID, d.MessageID, status)
	if err != nil || !advanced {
		return err
	}
	senderID, err := ctx.S.senderOf(ctx, d.MessageID)
	if err != nil || senderID == "" {
		return nil
	}
	r := ReceiptData{ConversationID: d.ConversationID, MessageID: d.MessageID, UserID: sess.UserID(), Status: status.String()}
	if err := ctx.S.hub.Publish(ctx, bus.UserRoom(senderID), FrameReceipt, r); err != nil {
		ctx.S.log.Warn("receipt publish", zap.String("messageId", d.MessageID), zap.Error(err))
	}
	return nil
}

func handlePing(ctx *ChatContext, _ *Frame, sess *Session) error {
	ctx.S.keepAlive(ctx, sess)
	ctx.S.reply(sess, FramePong, nil)
	return nil
}
