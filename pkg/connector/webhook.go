// Copyright 2024-2026 Aiku AI

package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

// maxWebhookResponseSize caps how much of a webhook response is read.
const maxWebhookResponseSize = 1 << 20

// WebhookDispatcher forwards messages to an HTTP endpoint. The endpoint
// receives the MessageContext as JSON and answers with
// {"replies":[{"text":"..."}]}; each reply is delivered in order.
type WebhookDispatcher struct {
	url  string
	http *http.Client
	log  zerolog.Logger
}

var _ Dispatcher = (*WebhookDispatcher)(nil)

// NewWebhookDispatcher creates a dispatcher posting to url. A nil httpClient
// uses http.DefaultClient; the per-message timeout comes from the context.
func NewWebhookDispatcher(url string, httpClient *http.Client, log zerolog.Logger) *WebhookDispatcher {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &WebhookDispatcher{
		url:  url,
		http: httpClient,
		log:  log.With().Str("component", "webhook_dispatcher").Logger(),
	}
}

func (d *WebhookDispatcher) Dispatch(ctx context.Context, msg *MessageContext, deliver DeliverFunc) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message context: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.http.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxWebhookResponseSize))
	if err != nil {
		return fmt.Errorf("failed to read webhook response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if !gjson.ValidBytes(body) {
		return fmt.Errorf("webhook returned invalid JSON")
	}

	var deliverErr error
	gjson.GetBytes(body, "replies").ForEach(func(_, reply gjson.Result) bool {
		text := reply.Get("text").String()
		if text == "" {
			return true
		}
		if err := deliver(ctx, ReplyPayload{Text: text}); err != nil {
			deliverErr = err
			return false
		}
		return true
	})
	if deliverErr != nil {
		return deliverErr
	}
	d.log.Trace().Str("message_id", msg.MessageID).Msg("Webhook dispatch complete")
	return nil
}
