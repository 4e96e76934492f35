// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aiku/feishu-channel/pkg/connector/replyfmt"
)

// SendResult is the outcome of an outbound send. Platform failures and
// transport errors both end up in Error; nothing is returned as a Go error.
type SendResult struct {
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
	MessageID string `json:"message_id,omitempty"`
}

// clientCache holds one APIClient per application id, so the tenant token
// survives across sends.
type clientCache struct {
	baseURL    string
	httpClient *http.Client

	mu      sync.Mutex
	clients map[string]*APIClient
}

func newClientCache(baseURL string, httpClient *http.Client) *clientCache {
	return &clientCache{
		baseURL:    baseURL,
		httpClient: httpClient,
		clients:    make(map[string]*APIClient),
	}
}

// get returns the cached client for account.AppID. A changed secret replaces
// the cached client.
func (c *clientCache) get(account Account) *APIClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	if client, ok := c.clients[account.AppID]; ok && client.appSecret == account.AppSecret {
		return client
	}
	client := NewAPIClient(c.baseURL, account, c.httpClient)
	c.clients[account.AppID] = client
	return client
}

// Sender sends text messages on behalf of accounts.
type Sender struct {
	clients *clientCache
	log     zerolog.Logger
}

// NewSender creates a Sender talking to baseURL. A nil httpClient uses the
// APIClient default.
func NewSender(baseURL string, httpClient *http.Client, log zerolog.Logger) *Sender {
	return &Sender{
		clients: newClientCache(baseURL, httpClient),
		log:     log.With().Str("component", "sender").Logger(),
	}
}

// SendText posts text as a new message in chatID.
func (s *Sender) SendText(ctx context.Context, account Account, chatID, text string) SendResult {
	content, err := replyfmt.Content(text)
	if err != nil {
		return SendResult{Error: err.Error()}
	}
	resp, err := s.clients.get(account).SendMessage(ctx, ParseTargetID(chatID), "text", content, uuid.NewString())
	return s.result(account, "send", resp, err)
}

// ReplyText posts text as a reply to messageID.
func (s *Sender) ReplyText(ctx context.Context, account Account, messageID, text string) SendResult {
	content, err := replyfmt.Content(text)
	if err != nil {
		return SendResult{Error: err.Error()}
	}
	resp, err := s.clients.get(account).ReplyMessage(ctx, messageID, "text", content, uuid.NewString())
	return s.result(account, "reply", resp, err)
}

func (s *Sender) result(account Account, op string, resp *MessageResponse, err error) SendResult {
	if err != nil {
		s.log.Warn().Err(err).
			Str("account_id", account.ID).
			Str("op", op).
			Msg("Failed to send message")
		return SendResult{Error: err.Error()}
	}
	return SendResult{OK: true, MessageID: resp.Data.MessageID}
}
