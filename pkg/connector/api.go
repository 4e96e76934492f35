// Copyright 2024-2026 Aiku AI

package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// tokenRefreshMargin is how long before expiry a cached token is refreshed.
const tokenRefreshMargin = time.Minute

// APIClient calls the Feishu open platform REST API on behalf of one app.
type APIClient struct {
	baseURL   string
	appID     string
	appSecret string
	http      *http.Client
	now       func() time.Time

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

// NewAPIClient creates a client for account. A nil httpClient uses a client
// with a 30 second timeout.
func NewAPIClient(baseURL string, account Account, httpClient *http.Client) *APIClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &APIClient{
		baseURL:   baseURL,
		appID:     account.AppID,
		appSecret: account.AppSecret,
		http:      httpClient,
		now:       time.Now,
	}
}

// apiResponse is the envelope every open platform response carries.
type apiResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func (r apiResponse) err() error {
	if r.Code == 0 {
		return nil
	}
	return &APIError{Code: r.Code, Msg: r.Msg}
}

type tokenResponse struct {
	apiResponse
	TenantAccessToken string `json:"tenant_access_token"`
	Expire            int    `json:"expire"`
}

// TenantAccessToken returns a cached tenant access token, fetching a new one
// when it is missing or about to expire.
func (c *APIClient) TenantAccessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && c.now().Before(c.tokenExpiry.Add(-tokenRefreshMargin)) {
		return c.token, nil
	}

	var resp tokenResponse
	err := c.do(ctx, http.MethodPost, "/open-apis/auth/v3/tenant_access_token/internal", "", map[string]string{
		"app_id":     c.appID,
		"app_secret": c.appSecret,
	}, &resp)
	if err != nil {
		return "", fmt.Errorf("failed to get tenant access token: %w", err)
	}
	c.token = resp.TenantAccessToken
	c.tokenExpiry = c.now().Add(time.Duration(resp.Expire) * time.Second)
	return c.token, nil
}

type endpointResponse struct {
	apiResponse
	Data struct {
		URL string `json:"URL"`
	} `json:"data"`
}

// GatewayEndpoint asks the platform for the websocket URL of the event gateway.
func (c *APIClient) GatewayEndpoint(ctx context.Context) (string, error) {
	var resp endpointResponse
	err := c.do(ctx, http.MethodPost, "/callback/ws/endpoint", "", map[string]string{
		"AppID":     c.appID,
		"AppSecret": c.appSecret,
	}, &resp)
	if err != nil {
		return "", fmt.Errorf("failed to get gateway endpoint: %w", err)
	}
	if resp.Data.URL == "" {
		return "", fmt.Errorf("gateway endpoint response missing URL")
	}
	return resp.Data.URL, nil
}

type messageRequest struct {
	ReceiveID string `json:"receive_id,omitempty"`
	MsgType   string `json:"msg_type"`
	Content   string `json:"content"`
	UUID      string `json:"uuid,omitempty"`
}

// MessageResponse is the result of a send or reply call.
type MessageResponse struct {
	apiResponse
	Data struct {
		MessageID string `json:"message_id"`
		ChatID    string `json:"chat_id"`
	} `json:"data"`
}

// SendMessage posts a new message to a chat.
func (c *APIClient) SendMessage(ctx context.Context, chatID, msgType, content, uuid string) (*MessageResponse, error) {
	token, err := c.TenantAccessToken(ctx)
	if err != nil {
		return nil, err
	}
	var resp MessageResponse
	err = c.do(ctx, http.MethodPost, "/open-apis/im/v1/messages?receive_id_type=chat_id", token, messageRequest{
		ReceiveID: chatID,
		MsgType:   msgType,
		Content:   content,
		UUID:      uuid,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// ReplyMessage posts a reply to an existing message.
func (c *APIClient) ReplyMessage(ctx context.Context, messageID, msgType, content, uuid string) (*MessageResponse, error) {
	token, err := c.TenantAccessToken(ctx)
	if err != nil {
		return nil, err
	}
	var resp MessageResponse
	err = c.do(ctx, http.MethodPost, "/open-apis/im/v1/messages/"+url.PathEscape(messageID)+"/reply", token, messageRequest{
		MsgType: msgType,
		Content: content,
		UUID:    uuid,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// errorCoder is satisfied by every response type embedding apiResponse.
type errorCoder interface {
	err() error
}

// do sends a JSON request and decodes the response into out. A non-zero
// platform code is returned as *APIError, even on non-2xx statuses.
func (c *APIClient) do(ctx context.Context, method, path, token string, body any, out errorCoder) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		if resp.StatusCode >= 300 {
			return fmt.Errorf("unexpected status %d", resp.StatusCode)
		}
		return fmt.Errorf("failed to decode response: %w", err)
	}
	if err := out.err(); err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}
