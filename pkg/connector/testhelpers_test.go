// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

// endpointCall records which API endpoints were hit during a test.
type endpointCall struct {
	Method string
	Path   string
	Query  string
	Auth   string
	Body   string
}

// fakeFeishu is a test helper that wraps an httptest.Server simulating the
// Feishu open platform and its event gateway. It records calls and provides
// canned responses.
type fakeFeishu struct {
	Server *httptest.Server

	mu      sync.Mutex
	calls   []endpointCall
	wsCount int

	// MessageCode and MessageMsg make the message endpoints answer with a
	// platform error.
	MessageCode int
	MessageMsg  string
	// FailEndpoints causes matching path prefixes to return 500 with a
	// non-JSON body.
	FailEndpoints map[string]bool

	// Conns receives every accepted gateway websocket.
	Conns chan *websocket.Conn
	// Acks receives every data frame the client wrote back.
	Acks chan *gatewayFrame
	// Pings receives every ping control frame.
	Pings chan *gatewayFrame

	upgrader websocket.Upgrader
}

func newFakeFeishu() *fakeFeishu {
	f := &fakeFeishu{
		FailEndpoints: make(map[string]bool),
		Conns:         make(chan *websocket.Conn, 10),
		Acks:          make(chan *gatewayFrame, 100),
		Pings:         make(chan *gatewayFrame, 100),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	f.Server = httptest.NewServer(http.HandlerFunc(f.handler))
	return f
}

func (f *fakeFeishu) Close() {
	f.Server.Close()
}

func (f *fakeFeishu) record(r *http.Request, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, endpointCall{
		Method: r.Method,
		Path:   r.URL.Path,
		Query:  r.URL.RawQuery,
		Auth:   r.Header.Get("Authorization"),
		Body:   body,
	})
}

func (f *fakeFeishu) Calls() []endpointCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]endpointCall, len(f.calls))
	copy(cp, f.calls)
	return cp
}

// CallsTo returns the recorded calls whose path contains path.
func (f *fakeFeishu) CallsTo(path string) []endpointCall {
	var out []endpointCall
	for _, c := range f.Calls() {
		if strings.Contains(c.Path, path) {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeFeishu) SetMessageError(code int, msg string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.MessageCode = code
	f.MessageMsg = msg
}

// FailEndpoint makes paths starting with prefix return 500.
func (f *fakeFeishu) FailEndpoint(prefix string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.FailEndpoints[prefix] = true
}

func (f *fakeFeishu) WSCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.wsCount
}

func (f *fakeFeishu) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (f *fakeFeishu) handler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/ws" {
		f.handleWS(w, r)
		return
	}

	body, _ := io.ReadAll(r.Body)
	f.record(r, string(body))

	f.mu.Lock()
	failing := false
	for prefix := range f.FailEndpoints {
		if strings.HasPrefix(r.URL.Path, prefix) {
			failing = true
		}
	}
	msgCode, msgText := f.MessageCode, f.MessageMsg
	f.mu.Unlock()
	if failing {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("internal error"))
		return
	}

	path := r.URL.Path
	switch {
	case r.Method == http.MethodPost && path == "/open-apis/auth/v3/tenant_access_token/internal":
		if gjson.Get(string(body), "app_secret").String() == "" {
			f.writeJSON(w, map[string]any{"code": 10014, "msg": "app secret invalid"})
			return
		}
		f.writeJSON(w, map[string]any{
			"code":                0,
			"msg":                 "ok",
			"tenant_access_token": "t-" + gjson.Get(string(body), "app_id").String(),
			"expire":              7200,
		})

	case r.Method == http.MethodPost && path == "/callback/ws/endpoint":
		f.writeJSON(w, map[string]any{
			"code": 0,
			"msg":  "ok",
			"data": map[string]any{
				"URL": wsURL(f.Server) + "/ws?device_id=dev_1&service_id=" + strconv.Itoa(testServiceID),
				"ClientConfig": map[string]any{
					"ReconnectCount":    -1,
					"ReconnectInterval": 120,
					"ReconnectNonce":    30,
					"PingInterval":      120,
				},
			},
		})

	case r.Method == http.MethodPost && path == "/open-apis/im/v1/messages":
		if msgCode != 0 {
			f.writeJSON(w, map[string]any{"code": msgCode, "msg": msgText})
			return
		}
		f.writeJSON(w, map[string]any{
			"code": 0,
			"msg":  "success",
			"data": map[string]any{
				"message_id": fmt.Sprintf("om_sent_%d", len(f.Calls())),
				"chat_id":    gjson.Get(string(body), "receive_id").String(),
			},
		})

	case r.Method == http.MethodPost && strings.HasPrefix(path, "/open-apis/im/v1/messages/") && strings.HasSuffix(path, "/reply"):
		if msgCode != 0 {
			f.writeJSON(w, map[string]any{"code": msgCode, "msg": msgText})
			return
		}
		f.writeJSON(w, map[string]any{
			"code": 0,
			"msg":  "success",
			"data": map[string]any{"message_id": fmt.Sprintf("om_reply_%d", len(f.Calls()))},
		})

	default:
		w.WriteHeader(http.StatusNotFound)
		f.writeJSON(w, map[string]any{"code": 404, "msg": "not found"})
	}
}

// handleWS accepts a gateway connection. Ping frames are answered with pong
// frames; data frames written by the client are forwarded to Acks.
func (f *fakeFeishu) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	f.mu.Lock()
	f.wsCount++
	f.mu.Unlock()
	f.Conns <- conn

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		frame, err := unmarshalFrame(data)
		if err != nil {
			continue
		}
		switch {
		case frame.Method == frameMethodControl && frame.Header(headerType) == frameTypePing:
			select {
			case f.Pings <- frame:
			default:
			}
			pong := &gatewayFrame{
				Service: frame.Service,
				Method:  frameMethodControl,
				Headers: []frameHeader{{Key: headerType, Value: frameTypePong}},
				Payload: []byte(`{"PingInterval":120}`),
			}
			_ = writeMessage(conn, websocket.BinaryMessage, pong.Marshal())
		case frame.Method == frameMethodData:
			select {
			case f.Acks <- frame:
			default:
			}
		}
	}
}

// nextConn waits for the next gateway connection.
func (f *fakeFeishu) nextConn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-f.Conns:
		return conn
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for gateway connection")
		return nil
	}
}

// nextAckFrame waits for the next acknowledgement frame.
func (f *fakeFeishu) nextAckFrame(t *testing.T) *gatewayFrame {
	t.Helper()
	select {
	case frame := <-f.Acks:
		return frame
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for ack")
		return nil
	}
}

// nextAck waits for the next acknowledgement and returns its message id.
func (f *fakeFeishu) nextAck(t *testing.T) string {
	t.Helper()
	return f.nextAckFrame(t).Header(headerMessageID)
}

// expectNoAck fails if an acknowledgement arrives within wait.
func (f *fakeFeishu) expectNoAck(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case frame := <-f.Acks:
		t.Fatalf("unexpected ack for %q", frame.Header(headerMessageID))
	case <-time.After(wait):
	}
}

// testServiceID is the service id the fake puts in the gateway URL.
const testServiceID = 33

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

// eventFrame builds a data frame of type event. sum and seq describe its
// position when an event is split across frames.
func eventFrame(msgID string, sum, seq int, payload []byte) *gatewayFrame {
	return &gatewayFrame{
		SeqID:   uint64(seq + 1),
		LogID:   7,
		Service: testServiceID,
		Method:  frameMethodData,
		Headers: []frameHeader{
			{Key: headerType, Value: frameTypeEvent},
			{Key: headerMessageID, Value: msgID},
			{Key: headerSum, Value: strconv.Itoa(sum)},
			{Key: headerSeq, Value: strconv.Itoa(seq)},
			{Key: headerTraceID, Value: "trace-" + msgID},
		},
		Payload: payload,
	}
}

// fakeWriteMu serializes writes to server-side test connections, which are
// written both by tests and by the fake's pong replies.
var fakeWriteMu sync.Mutex

func writeMessage(conn *websocket.Conn, msgType int, data []byte) error {
	fakeWriteMu.Lock()
	defer fakeWriteMu.Unlock()
	return conn.WriteMessage(msgType, data)
}

func writeFrame(t *testing.T, conn *websocket.Conn, frame *gatewayFrame) {
	t.Helper()
	if err := writeMessage(conn, websocket.BinaryMessage, frame.Marshal()); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

// pushEvent writes payload as a single event frame with frame message id msgID.
func pushEvent(t *testing.T, conn *websocket.Conn, msgID string, payload []byte) {
	t.Helper()
	writeFrame(t, conn, eventFrame(msgID, 1, 0, payload))
}

// pushFragments writes payload split across parts event frames.
func pushFragments(t *testing.T, conn *websocket.Conn, msgID string, payload []byte, parts int) {
	t.Helper()
	size := (len(payload) + parts - 1) / parts
	for seq := range parts {
		from := min(seq*size, len(payload))
		to := min(from+size, len(payload))
		writeFrame(t, conn, eventFrame(msgID, parts, seq, payload[from:to]))
	}
}

// testMessage describes an im.message.receive_v1 event for messagePayload.
type testMessage struct {
	EventID     string
	MessageID   string
	ChatID      string
	ChatType    string
	SenderID    string
	SenderType  string
	MessageType string
	Content     string
	CreateTime  string
}

// messagePayload builds an im.message.receive_v1 envelope. Empty fields get
// sensible defaults; CreateTime stays empty unless set.
func messagePayload(m testMessage) []byte {
	if m.EventID == "" {
		m.EventID = "ev_" + m.MessageID
	}
	if m.ChatID == "" {
		m.ChatID = "oc_chat"
	}
	if m.ChatType == "" {
		m.ChatType = "p2p"
	}
	if m.SenderID == "" {
		m.SenderID = "ou_sender"
	}
	if m.SenderType == "" {
		m.SenderType = "user"
	}
	if m.MessageType == "" {
		m.MessageType = "text"
	}
	data, _ := json.Marshal(map[string]any{
		"schema": "2.0",
		"header": map[string]any{
			"event_id":   m.EventID,
			"event_type": EventTypeMessageReceive,
			"app_id":     "cli_test",
		},
		"event": map[string]any{
			"sender": map[string]any{
				"sender_id":   map[string]any{"open_id": m.SenderID},
				"sender_type": m.SenderType,
			},
			"message": map[string]any{
				"message_id":   m.MessageID,
				"chat_id":      m.ChatID,
				"chat_type":    m.ChatType,
				"message_type": m.MessageType,
				"content":      m.Content,
				"create_time":  m.CreateTime,
			},
		},
	})
	return data
}

func textContent(text string) string {
	data, _ := json.Marshal(map[string]string{"text": text})
	return string(data)
}

func millis(t time.Time) string {
	return fmt.Sprintf("%d", t.UnixMilli())
}

// fakeHandle is a Handle with Close() error that counts closes.
type fakeHandle struct {
	account  string
	closeErr error
	onEvent  func(payload []byte)

	mu     sync.Mutex
	closed int
}

func (h *fakeHandle) AccountID() string { return h.account }

func (h *fakeHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed++
	return h.closeErr
}

func (h *fakeHandle) Closed() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// Emit simulates an event frame arriving on this handle.
func (h *fakeHandle) Emit(payload []byte) {
	h.onEvent(payload)
}

// stopOnlyHandle has no Close method, only Stop.
type stopOnlyHandle struct {
	account string

	mu      sync.Mutex
	stopped int
}

func (h *stopOnlyHandle) AccountID() string { return h.account }

func (h *stopOnlyHandle) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopped++
}

func (h *stopOnlyHandle) Stopped() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopped
}

// panicHandle panics when closed.
type panicHandle struct {
	account string
}

func (h *panicHandle) AccountID() string { return h.account }
func (h *panicHandle) Close() error      { panic("boom") }

// fakeDialer hands out fakeHandles, or whatever makeHandle returns.
type fakeDialer struct {
	mu         sync.Mutex
	err        error
	makeHandle func(account Account) Handle
	handles    []Handle
	dials      int
}

func (d *fakeDialer) Dial(_ context.Context, account Account, onEvent func(payload []byte), _ zerolog.Logger) (Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.err != nil {
		return nil, d.err
	}
	var h Handle
	if d.makeHandle != nil {
		h = d.makeHandle(account)
	} else {
		h = &fakeHandle{account: account.ID, onEvent: onEvent}
	}
	d.handles = append(d.handles, h)
	return h, nil
}

func (d *fakeDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// Last returns the most recent fakeHandle dialed for accountID.
func (d *fakeDialer) Last(accountID string) *fakeHandle {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := len(d.handles) - 1; i >= 0; i-- {
		if h, ok := d.handles[i].(*fakeHandle); ok && h.account == accountID {
			return h
		}
	}
	return nil
}

// recordingDispatcher records every MessageContext and answers with Replies.
type recordingDispatcher struct {
	Replies []string
	Err     error
	// Panic makes Dispatch panic after recording.
	Panic bool

	mu          sync.Mutex
	msgs        []*MessageContext
	deliverErrs []error
	seen        chan *MessageContext
}

func newRecordingDispatcher(replies ...string) *recordingDispatcher {
	return &recordingDispatcher{
		Replies: replies,
		seen:    make(chan *MessageContext, 100),
	}
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, msg *MessageContext, deliver DeliverFunc) error {
	d.mu.Lock()
	d.msgs = append(d.msgs, msg)
	d.mu.Unlock()
	defer func() { d.seen <- msg }()
	if d.Panic {
		panic("dispatcher exploded")
	}
	for _, reply := range d.Replies {
		err := deliver(ctx, ReplyPayload{Text: reply})
		d.mu.Lock()
		d.deliverErrs = append(d.deliverErrs, err)
		d.mu.Unlock()
	}
	return d.Err
}

func (d *recordingDispatcher) Messages() []*MessageContext {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := make([]*MessageContext, len(d.msgs))
	copy(cp, d.msgs)
	return cp
}

func (d *recordingDispatcher) DeliverErrors() []error {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := make([]error, len(d.deliverErrs))
	copy(cp, d.deliverErrs)
	return cp
}

// waitDispatched waits for the next completed Dispatch call.
func (d *recordingDispatcher) waitDispatched(t *testing.T) *MessageContext {
	t.Helper()
	select {
	case msg := <-d.seen:
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for dispatch")
		return nil
	}
}

// expectNoDispatch fails if Dispatch completes within wait.
func (d *recordingDispatcher) expectNoDispatch(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case msg := <-d.seen:
		t.Fatalf("unexpected dispatch of message %q", msg.MessageID)
	case <-time.After(wait):
	}
}

// testConfig returns a post-processed config pointing at baseURL with fast
// gateway timings.
func testConfig(t *testing.T, baseURL string) Config {
	t.Helper()
	cfg, err := ParseConfig([]byte(fmt.Sprintf(`
base_url: %s
gateway:
  ping_interval: 1s
  pong_wait: 3s
  reconnect_base_wait: 20ms
  reconnect_max_wait: 100ms
dispatch:
  drain_timeout: 2s
`, baseURL)))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	return *cfg
}

var testAccount = Account{ID: "main", AppID: "cli_main", AppSecret: "secret"}
