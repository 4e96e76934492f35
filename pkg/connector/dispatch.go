// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// MessageContext is what the host dispatcher receives for one inbound message.
type MessageContext struct {
	Sender     string    `json:"sender"`
	Body       string    `json:"body"`
	AccountID  string    `json:"account_id"`
	Provider   string    `json:"provider"`
	Surface    string    `json:"surface"`
	SessionKey string    `json:"session_key"`
	TargetID   string    `json:"target_id"`
	ChatKind   ChatKind  `json:"chat_kind"`
	MessageID  string    `json:"message_id"`
	Timestamp  time.Time `json:"timestamp,omitzero"`
}

// ReplyPayload is one reply produced by the dispatcher.
type ReplyPayload struct {
	Text string `json:"text"`
}

// DeliverFunc sends a reply back to the conversation the message came from.
type DeliverFunc func(ctx context.Context, reply ReplyPayload) error

// Dispatcher is the host bot framework. It may call deliver any number of
// times before returning.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg *MessageContext, deliver DeliverFunc) error
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, msg *MessageContext, deliver DeliverFunc) error

func (f DispatcherFunc) Dispatch(ctx context.Context, msg *MessageContext, deliver DeliverFunc) error {
	return f(ctx, msg, deliver)
}

type dispatchJob struct {
	account Account
	msg     *NormalizedMessage
}

// dispatchQueue decouples admission (on the gateway read loop) from dispatch
// (on worker goroutines). Enqueue never blocks.
type dispatchQueue struct {
	mu     sync.RWMutex
	jobs   chan dispatchJob
	closed bool
}

func newDispatchQueue(size int) *dispatchQueue {
	return &dispatchQueue{jobs: make(chan dispatchJob, size)}
}

// Enqueue adds job without blocking. It fails with ErrQueueFull when the
// buffer is full and ErrAlreadyClosed after Close.
func (q *dispatchQueue) Enqueue(job dispatchJob) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrAlreadyClosed
	}
	select {
	case q.jobs <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops accepting jobs. Workers drain what is already queued.
func (q *dispatchQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.jobs)
	}
}

// Run starts workers goroutines that call handle for every job. It returns
// nil once the queue is closed and drained, or ctx's error if ctx ends
// first; jobs still queued at that point are not handled.
func (q *dispatchQueue) Run(ctx context.Context, workers int, handle func(ctx context.Context, job dispatchJob)) error {
	if workers <= 0 {
		workers = 1
	}
	g, ctx := errgroup.WithContext(ctx)
	for range workers {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case job, ok := <-q.jobs:
					if !ok {
						return nil
					}
					handle(ctx, job)
				}
			}
		})
	}
	return g.Wait()
}

// processJob hands one accepted message to the dispatcher. Errors and panics
// are logged here and never reach the gateway.
func (fc *FeishuConnector) processJob(ctx context.Context, job dispatchJob) {
	log := fc.log.With().
		Str("account_id", job.account.ID).
		Str("message_id", job.msg.MessageID).
		Str("chat_id", job.msg.ChatID).
		Logger()
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("Panic while dispatching message")
		}
	}()

	msgCtx := buildMessageContext(job.msg)
	if msgCtx.Body == "" {
		log.Debug().Str("message_type", job.msg.MessageType).Msg("Skipping message without body")
		return
	}

	if fc.Config.Dispatch.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, fc.Config.Dispatch.Timeout)
		defer cancel()
	}
	deliver := fc.makeDeliver(job.account, job.msg)
	if err := fc.dispatcher.Dispatch(ctx, msgCtx, deliver); err != nil {
		log.Error().Err(err).Msg("Failed to dispatch message")
	}
}

func buildMessageContext(msg *NormalizedMessage) *MessageContext {
	mc := &MessageContext{
		Sender:     msg.SenderID,
		Body:       msg.Body(),
		AccountID:  msg.AccountID,
		Provider:   ProviderTag,
		Surface:    ProviderTag,
		SessionKey: MakeSessionKey(msg.AccountID, msg.ChatKind, msg.ChatID, msg.SenderID),
		TargetID:   MakeTargetID(msg.ChatID),
		ChatKind:   msg.ChatKind,
		MessageID:  msg.MessageID,
	}
	if ts, ok := parseMillis(msg.CreateTime); ok {
		mc.Timestamp = ts
	}
	return mc
}

// makeDeliver returns the delivery callback for msg. Group replies thread
// onto the source message; direct chats get a new message.
func (fc *FeishuConnector) makeDeliver(account Account, msg *NormalizedMessage) DeliverFunc {
	return func(ctx context.Context, reply ReplyPayload) error {
		for _, chunk := range formatReply(reply.Text, fc.Config.TextChunkLimit) {
			var res SendResult
			if msg.ChatKind == ChatGroup {
				res = fc.sender.ReplyText(ctx, account, msg.MessageID, chunk)
			} else {
				res = fc.sender.SendText(ctx, account, msg.ChatID, chunk)
			}
			if !res.OK {
				return fmt.Errorf("failed to deliver reply: %s", res.Error)
			}
		}
		return nil
	}
}
