// Copyright 2024-2026 Aiku AI

package connector

import (
	"go.mau.fi/util/ptr"

	"github.com/aiku/feishu-channel/pkg/connector/feishufmt"
)

// NormalizedMessage is the transport-neutral form of an inbound message.
type NormalizedMessage struct {
	AccountID   string
	MessageID   string
	RootID      string
	SenderID    string
	ChatID      string
	ChatKind    ChatKind
	MessageType string
	Content     string
	CreateTime  string
	// Text is set for text messages whose content envelope parsed. It is nil
	// for other message types and for malformed content.
	Text *string
}

// Normalize converts an inbound event into a NormalizedMessage. Malformed
// text content leaves Text nil instead of failing.
func Normalize(evt *InboundEvent) *NormalizedMessage {
	msg := &NormalizedMessage{
		AccountID:   evt.AccountID,
		MessageID:   evt.MessageID,
		RootID:      evt.RootID,
		SenderID:    evt.SenderID,
		ChatID:      evt.ChatID,
		ChatKind:    ChatKindFromType(evt.ChatType),
		MessageType: evt.MessageType,
		Content:     evt.Content,
		CreateTime:  evt.CreateTime,
	}
	if evt.MessageType == "text" {
		if text, ok := feishufmt.ParseText(evt.Content); ok {
			if msg.ChatKind == ChatGroup {
				text = feishufmt.StripMentions(text)
			}
			msg.Text = ptr.Ptr(text)
		}
	}
	return msg
}

// Body returns the text handed to the dispatcher. Rich-text posts are
// flattened; other non-text messages get a "<media:type>" placeholder.
func (m *NormalizedMessage) Body() string {
	if m.Text != nil {
		return *m.Text
	}
	switch m.MessageType {
	case "text":
		return ""
	case "post":
		if text, ok := feishufmt.ParsePost(m.Content); ok {
			if m.ChatKind == ChatGroup {
				return feishufmt.StripMentions(text)
			}
			return text
		}
		return ""
	case "":
		return ""
	default:
		return "<media:" + m.MessageType + ">"
	}
}
