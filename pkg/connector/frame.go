// Copyright 2024-2026 Aiku AI

package connector

import (
	"bytes"
	"fmt"
	"strconv"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// Gateway frames are pbbp2.Frame protobuf messages carried in binary
// websocket messages:
//
//	message Header { required string key = 1; required string value = 2; }
//	message Frame {
//	  required uint64 SeqID = 1;
//	  required uint64 LogID = 2;
//	  required int32  service = 3;
//	  required int32  method = 4;
//	  repeated Header headers = 5;
//	  optional string payload_encoding = 6;
//	  optional string payload_type = 7;
//	  optional bytes  payload = 8;
//	  optional string LogIDNew = 9;
//	}

// Frame methods.
const (
	frameMethodControl int32 = 0
	frameMethodData    int32 = 1
)

// Frame header keys.
const (
	headerType      = "type"
	headerMessageID = "message_id"
	headerSum       = "sum"
	headerSeq       = "seq"
	headerTraceID   = "trace_id"
	headerBizRT     = "biz_rt"

	headerHandshakeStatus      = "handshake-status"
	headerHandshakeMsg         = "handshake-msg"
	headerHandshakeAuthErrCode = "handshake-autherrcode"
)

// Values of the "type" header.
const (
	frameTypeEvent = "event"
	frameTypeCard  = "card"
	frameTypePing  = "ping"
	frameTypePong  = "pong"
)

type frameHeader struct {
	Key   string
	Value string
}

type gatewayFrame struct {
	SeqID           uint64
	LogID           uint64
	Service         int32
	Method          int32
	Headers         []frameHeader
	PayloadEncoding string
	PayloadType     string
	Payload         []byte
	LogIDNew        string
}

// frameResponse is the payload written back to acknowledge a data frame.
type frameResponse struct {
	Code    int               `json:"code"`
	Headers map[string]string `json:"headers,omitempty"`
	Data    []byte            `json:"data,omitempty"`
}

func newPingFrame(serviceID int32) *gatewayFrame {
	return &gatewayFrame{
		Service: serviceID,
		Method:  frameMethodControl,
		Headers: []frameHeader{{Key: headerType, Value: frameTypePing}},
	}
}

// Header returns the value of key, or "" if absent.
func (f *gatewayFrame) Header(key string) string {
	for _, h := range f.Headers {
		if h.Key == key {
			return h.Value
		}
	}
	return ""
}

// HeaderInt returns the integer value of key, or 0 if absent or malformed.
func (f *gatewayFrame) HeaderInt(key string) int {
	n, err := strconv.Atoi(f.Header(key))
	if err != nil {
		return 0
	}
	return n
}

// SetHeader replaces the value of key or appends it.
func (f *gatewayFrame) SetHeader(key, value string) {
	for i := range f.Headers {
		if f.Headers[i].Key == key {
			f.Headers[i].Value = value
			return
		}
	}
	f.Headers = append(f.Headers, frameHeader{Key: key, Value: value})
}

func (f *gatewayFrame) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, f.SeqID)
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, f.LogID)
	b = protowire.AppendTag(b, 3, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(int64(f.Service)))
	b = protowire.AppendTag(b, 4, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(int64(f.Method)))
	for _, h := range f.Headers {
		var hb []byte
		hb = protowire.AppendTag(hb, 1, protowire.BytesType)
		hb = protowire.AppendString(hb, h.Key)
		hb = protowire.AppendTag(hb, 2, protowire.BytesType)
		hb = protowire.AppendString(hb, h.Value)
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendBytes(b, hb)
	}
	if f.PayloadEncoding != "" {
		b = protowire.AppendTag(b, 6, protowire.BytesType)
		b = protowire.AppendString(b, f.PayloadEncoding)
	}
	if f.PayloadType != "" {
		b = protowire.AppendTag(b, 7, protowire.BytesType)
		b = protowire.AppendString(b, f.PayloadType)
	}
	if f.Payload != nil {
		b = protowire.AppendTag(b, 8, protowire.BytesType)
		b = protowire.AppendBytes(b, f.Payload)
	}
	if f.LogIDNew != "" {
		b = protowire.AppendTag(b, 9, protowire.BytesType)
		b = protowire.AppendString(b, f.LogIDNew)
	}
	return b
}

// unmarshalFrame decodes a binary gateway frame. Unknown fields are skipped.
func unmarshalFrame(data []byte) (*gatewayFrame, error) {
	f := &gatewayFrame{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("invalid frame tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case typ == protowire.VarintType && num >= 1 && num <= 4:
			var v uint64
			v, n = protowire.ConsumeVarint(data)
			switch num {
			case 1:
				f.SeqID = v
			case 2:
				f.LogID = v
			case 3:
				f.Service = int32(v)
			case 4:
				f.Method = int32(v)
			}
		case typ == protowire.BytesType && num == 5:
			var v []byte
			v, n = protowire.ConsumeBytes(data)
			if n >= 0 {
				h, err := unmarshalFrameHeader(v)
				if err != nil {
					return nil, err
				}
				f.Headers = append(f.Headers, h)
			}
		case typ == protowire.BytesType && (num == 6 || num == 7 || num == 9):
			var v string
			v, n = protowire.ConsumeString(data)
			switch num {
			case 6:
				f.PayloadEncoding = v
			case 7:
				f.PayloadType = v
			case 9:
				f.LogIDNew = v
			}
		case typ == protowire.BytesType && num == 8:
			var v []byte
			v, n = protowire.ConsumeBytes(data)
			f.Payload = bytes.Clone(v)
		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
		}
		if n < 0 {
			return nil, fmt.Errorf("invalid frame field %d: %w", num, protowire.ParseError(n))
		}
		data = data[n:]
	}
	return f, nil
}

func unmarshalFrameHeader(data []byte) (frameHeader, error) {
	var h frameHeader
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return h, fmt.Errorf("invalid header tag: %w", protowire.ParseError(n))
		}
		data = data[n:]
		if typ == protowire.BytesType && (num == 1 || num == 2) {
			var v string
			v, n = protowire.ConsumeString(data)
			if num == 1 {
				h.Key = v
			} else {
				h.Value = v
			}
		} else {
			n = protowire.ConsumeFieldValue(num, typ, data)
		}
		if n < 0 {
			return h, fmt.Errorf("invalid header field %d: %w", num, protowire.ParseError(n))
		}
		data = data[n:]
	}
	return h, nil
}

const (
	// fragmentTTL bounds how long a partially received event is kept.
	fragmentTTL = 5 * time.Second
	// maxFragments caps the "sum" header of a split event.
	maxFragments = 1024
)

type fragmentSet struct {
	parts    [][]byte
	got      []bool
	received int
	created  time.Time
}

// fragmentBuffer reassembles events the gateway split across several data
// frames (headers "sum" and "seq"). It is used from the read loop only.
type fragmentBuffer struct {
	now  func() time.Time
	sets map[string]*fragmentSet
}

func newFragmentBuffer() *fragmentBuffer {
	return &fragmentBuffer{now: time.Now, sets: make(map[string]*fragmentSet)}
}

// Add stores part seq of sum for msgID. It returns the joined payload once
// every part arrived, and nil until then.
func (b *fragmentBuffer) Add(msgID string, sum, seq int, part []byte) []byte {
	now := b.now()
	for id, set := range b.sets {
		if now.Sub(set.created) > fragmentTTL {
			delete(b.sets, id)
		}
	}
	if sum > maxFragments || seq < 0 || seq >= sum {
		return nil
	}

	set, ok := b.sets[msgID]
	if !ok || len(set.parts) != sum {
		set = &fragmentSet{parts: make([][]byte, sum), got: make([]bool, sum), created: now}
		b.sets[msgID] = set
	}
	if !set.got[seq] {
		set.got[seq] = true
		set.received++
	}
	set.parts[seq] = part
	if set.received < sum {
		return nil
	}
	delete(b.sets, msgID)
	return bytes.Join(set.parts, nil)
}

// Len returns the number of incomplete events held.
func (b *fragmentBuffer) Len() int {
	return len(b.sets)
}
