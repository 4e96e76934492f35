// Copyright 2024-2026 Aiku AI

package connector

import (
	"encoding/json"
	"errors"
	"fmt"
)

// EventTypeMessageReceive is the only event type turned into messages.
const EventTypeMessageReceive = "im.message.receive_v1"

type eventEnvelope struct {
	Schema string          `json:"schema"`
	Header eventHeader     `json:"header"`
	Event  json.RawMessage `json:"event"`
}

type eventHeader struct {
	EventID    string `json:"event_id"`
	EventType  string `json:"event_type"`
	CreateTime string `json:"create_time"`
	AppID      string `json:"app_id"`
	TenantKey  string `json:"tenant_key"`
}

type messageReceiveEvent struct {
	Sender struct {
		SenderID struct {
			OpenID  string `json:"open_id"`
			UserID  string `json:"user_id"`
			UnionID string `json:"union_id"`
		} `json:"sender_id"`
		SenderType string `json:"sender_type"`
	} `json:"sender"`
	Message struct {
		MessageID   string `json:"message_id"`
		RootID      string `json:"root_id"`
		ParentID    string `json:"parent_id"`
		ChatID      string `json:"chat_id"`
		ChatType    string `json:"chat_type"`
		MessageType string `json:"message_type"`
		Content     string `json:"content"`
		CreateTime  string `json:"create_time"`
	} `json:"message"`
}

// InboundEvent is one message received from the gateway. It only lives for
// the duration of processing.
type InboundEvent struct {
	AccountID   string
	EventID     string
	MessageID   string
	RootID      string
	ChatID      string
	ChatType    string
	SenderID    string
	SenderType  string
	MessageType string
	Content     string
	// CreateTime is milliseconds since epoch, string encoded. May be empty.
	CreateTime string
}

// parseMessageEvent decodes an event payload. Returns (nil, nil) to skip
// silently, (nil, err) for malformed payloads, or (event, nil) to proceed.
func parseMessageEvent(accountID string, payload []byte) (*InboundEvent, error) {
	var env eventEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event envelope: %w", err)
	}
	if env.Header.EventType != EventTypeMessageReceive {
		return nil, nil
	}

	var body messageReceiveEvent
	if err := json.Unmarshal(env.Event, &body); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message event: %w", err)
	}
	if body.Message.MessageID == "" {
		return nil, errors.New("message event missing message_id")
	}

	// Echo prevention: skip messages sent by apps, including this one.
	if body.Sender.SenderType == "app" {
		return nil, nil
	}

	senderID := body.Sender.SenderID.OpenID
	if senderID == "" {
		senderID = body.Sender.SenderID.UserID
	}

	createTime := body.Message.CreateTime
	if createTime == "" {
		createTime = env.Header.CreateTime
	}

	return &InboundEvent{
		AccountID:   accountID,
		EventID:     env.Header.EventID,
		MessageID:   body.Message.MessageID,
		RootID:      body.Message.RootID,
		ChatID:      body.Message.ChatID,
		ChatType:    body.Message.ChatType,
		SenderID:    senderID,
		SenderType:  body.Sender.SenderType,
		MessageType: body.Message.MessageType,
		Content:     body.Message.Content,
		CreateTime:  createTime,
	}, nil
}

// handleEvent is the gateway event handler: it runs admission synchronously
// and hands accepted messages to the dispatch queue so the frame can be
// acknowledged immediately.
func (fc *FeishuConnector) handleEvent(account Account, payload []byte) error {
	evt, err := parseMessageEvent(account.ID, payload)
	if err != nil {
		return err
	}
	if evt == nil {
		return nil
	}

	if fc.admission.Admit(evt) != Accept {
		return nil
	}

	msg := Normalize(evt)
	fc.log.Debug().
		Str("account_id", account.ID).
		Str("message_id", msg.MessageID).
		Str("chat_id", msg.ChatID).
		Str("chat_kind", string(msg.ChatKind)).
		Str("message_type", msg.MessageType).
		Msg("Received new message")

	if err := fc.queue.Enqueue(dispatchJob{account: account, msg: msg}); err != nil {
		fc.log.Warn().Err(err).
			Str("account_id", account.ID).
			Str("message_id", msg.MessageID).
			Msg("Dropping message, dispatch queue unavailable")
	}
	return nil
}
