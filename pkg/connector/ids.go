// Copyright 2024-2026 Aiku AI

package connector

import "strings"

// ProviderTag identifies this channel to the host dispatcher.
const ProviderTag = "feishu"

// ChatKind is the transport-neutral conversation kind.
type ChatKind string

const (
	ChatDirect ChatKind = "direct"
	ChatGroup  ChatKind = "group"
)

// ChatKindFromType maps a Feishu chat_type to a ChatKind. Only "p2p" is a
// direct chat; "group" and unknown types are treated as group chats.
func ChatKindFromType(chatType string) ChatKind {
	if chatType == "p2p" {
		return ChatDirect
	}
	return ChatGroup
}

// MakeSessionKey builds the host session key. Direct chats are keyed by the
// sender so a user keeps one session; group chats are keyed by the chat.
func MakeSessionKey(accountID string, kind ChatKind, chatID, senderID string) string {
	peer := chatID
	if kind == ChatDirect && senderID != "" {
		peer = senderID
	}
	return ProviderTag + ":" + accountID + ":" + string(kind) + ":" + peer
}

// MakeTargetID creates the reply target id for a chat.
func MakeTargetID(chatID string) string {
	return "chat:" + chatID
}

// ParseTargetID extracts the chat id from a target id. Bare chat ids are
// returned unchanged.
func ParseTargetID(targetID string) string {
	return strings.TrimPrefix(targetID, "chat:")
}
