package notify

import (
	"IMDelivery/module/chat/model"
)

const ellipsis = "…"

var placeholders = map[string]map[model.MessageType]string{
	"en": {
		model.MsgImage:  "[Image]",
		model.MsgVideo:  "[Video]",
		model.MsgAudio:  "[Audio]",
		model.MsgVoice:  "[Voice message]",
		model.MsgFile:   "[File]",
		model.MsgSystem: "[System message]",
	},
	"zh": {
		model.MsgImage:  "[图片]",
		model.MsgVideo:  "[视频]",
		model.MsgAudio:  "[音频]",
		model.MsgVoice:  "[语音]",
		model.MsgFile:   "[文件]",
		model.MsgSystem: "[系统消息]",
	},
}

var defaultTitles = map[string]string{
	"en": "New message",
	"zh": "新消息",
}

// Render 文本截断预览，其余类型用本地化占位；未知 locale 回退到 en
func Render(evt *model.MessageCreatedEvent, locale string, previewRunes int) (title, body string) {
	if _, ok := placeholders[locale]; !ok {
		locale = "en"
	}
	title = evt.SenderName
	if title == "" {
		title = defaultTitles[locale]
	}
	if evt.Type == model.MsgText {
		return title, model.TruncateRunes(evt.ContentPreview, previewRunes, ellipsis)
	}
	if p, ok := placeholders[locale][evt.Type]; ok {
		return title, p
	}
	return title, defaultTitles[locale]
}
