package chat

import (
	"encoding/json"

	"IMDelivery/module/chat/model"
	"IMDelivery/tools/errs"
)

// 客户端 -> 网关
const (
	FrameAuth      = "auth"
	FrameJoin      = "join"
	FrameLeave     = "leave"
	FrameSend      = "send"
	FrameTyping    = "typing"
	FrameRead      = "read"
	FrameDelivered = "delivered"
	FramePing      = "ping"
)

// 网关 -> 客户端
const (
	FrameAuthOK          = "auth:ok"
	FrameJoined          = "joined"
	FrameLeft            = "left"
	FrameMessageNew      = "message:new"
	FrameMessageAck      = "message:ack"
	FramePresenceChanged = "presence:changed"
	FrameReceipt         = "receipt"
	FrameError           = "error"
	FramePong            = "pong"
)

// Frame 线上帧：{"type": ..., "data": {...}}
type Frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

func ParseFrame(raw []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, errs.ErrMalformedPayload.WrapMsg("frame is not json")
	}
	if f.Type == "" {
		return nil, errs.ErrMalformedPayload.WrapMsg("frame type missing")
	}
	return &f, nil
}

// EncodeFrame 出站帧只编码一次，广播时各连接共享同一份字节
func EncodeFrame(typ string, data any) ([]byte, error) {
	out := struct {
		Type string `json:"type"`
		Data any    `json:"data,omitempty"`
	}{typ, data}
	return json.Marshal(out)
}

func decodeData(f *Frame, v any) error {
	if len(f.Data) == 0 {
		return errs.ErrMalformedPayload.WrapMsg("frame data missing", "type", f.Type)
	}
	if err := json.Unmarshal(f.Data, v); err != nil {
		return errs.ErrMalformedPayload.WrapMsg("frame data invalid", "type", f.Type)
	}
	return nil
}

type AuthData struct {
	Token string `json:"token"`
}

type AuthOKData struct {
	UserID        string `json:"userId"`
	DeviceID      string `json:"deviceId,omitempty"`
	SessionHandle string `json:"sessionHandle"`
	NodeID        string `json:"nodeId"`
	PingInterval  int64  `json:"pingIntervalMs"`
}

type ConversationData struct {
	ConversationID string `json:"conversationId"`
}

type SendData struct {
	ConversationID string        `json:"conversationId"`
	Payload        model.Payload `json:"payload"`
	TempID         string        `json:"tempId"`
	ReplyTo        string        `json:"replyTo,omitempty"`
}

type AckData struct {
	TempID    string `json:"tempId"`
	MessageID string `json:"messageId"`
	Seq       int64  `json:"seq"`
}

type ReadData struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
}

type ReceiptData struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
	UserID         string `json:"userId"`
	Status         string `json:"status"`
}

type TypingData struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

type PresenceData struct {
	UserID string `json:"userId"`
	Status string `json:"status"` // online | offline
}

type ErrorData struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Ref     string `json:"ref,omitempty"` // 触发错误的帧类型或 tempId
}

// errorData 对外只暴露 code 与简短描述，不透出内部错误细节
func errorData(err error, ref string) ErrorData {
	ce := errs.AsCodeError(err)
	return ErrorData{Code: ce.Code, Message: ce.Msg, Ref: ref}
}
