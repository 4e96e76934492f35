// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

// Handle is a live gateway connection for one account. Handles are closed
// through Close() error when they implement it, otherwise through Stop().
type Handle interface {
	AccountID() string
}

// EventHandler receives the raw payload of each gateway event. A returned
// error is logged; it never tears down the connection.
type EventHandler func(account Account, payload []byte) error

// Dialer opens a gateway connection. This allows tests to inject fake
// handles instead of dialing the platform.
type Dialer interface {
	Dial(ctx context.Context, account Account, onEvent func(payload []byte), log zerolog.Logger) (Handle, error)
}

// registration is one entry in the handle registry.
type registration struct {
	handle    Handle
	closeOnce sync.Once
	done      chan struct{}
}

// ConnectionManager keeps at most one live Handle per account id.
type ConnectionManager struct {
	dialer Dialer
	log    zerolog.Logger

	mu      sync.Mutex
	handles map[string]*registration
}

// NewConnectionManager creates a manager that opens connections via dialer.
func NewConnectionManager(dialer Dialer, log zerolog.Logger) *ConnectionManager {
	return &ConnectionManager{
		dialer:  dialer,
		log:     log.With().Str("component", "gateway").Logger(),
		handles: make(map[string]*registration),
	}
}

// Start opens a connection for account, replacing any existing one. The old
// handle is torn down first and teardown errors are ignored. When ctx is
// cancelled the new handle is stopped exactly once.
func (m *ConnectionManager) Start(ctx context.Context, account Account, onEvent EventHandler) (Handle, error) {
	m.Stop(account.ID)

	log := m.log.With().Str("account_id", account.ID).Logger()
	handler := func(payload []byte) {
		m.runHandler(log, account, onEvent, payload)
	}

	handle, err := m.dialer.Dial(ctx, account, handler, log)
	if err != nil {
		return nil, fmt.Errorf("failed to connect account %s: %w", account.ID, err)
	}
	reg := &registration{handle: handle, done: make(chan struct{})}

	m.mu.Lock()
	prev := m.handles[account.ID]
	m.handles[account.ID] = reg
	m.mu.Unlock()
	// A concurrent Start may have registered in between; keep only ours.
	if prev != nil {
		m.closeRegistration(log, prev)
	}

	log.Info().Str("app_id", account.AppID).Msg("Gateway connected")

	go func() {
		select {
		case <-ctx.Done():
			m.stopRegistration(account.ID, reg)
		case <-reg.done:
		}
	}()
	return handle, nil
}

// runHandler calls onEvent, logging errors and panics. The gateway read loop
// must survive a misbehaving handler.
func (m *ConnectionManager) runHandler(log zerolog.Logger, account Account, onEvent EventHandler, payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("Panic while handling gateway event")
		}
	}()
	if err := onEvent(account, payload); err != nil {
		log.Error().Err(err).Msg("Failed to handle gateway event")
	}
}

// Stop closes and removes the handle for accountID. Close errors are
// discarded and the entry is removed regardless. Unknown ids are a no-op.
func (m *ConnectionManager) Stop(accountID string) {
	m.mu.Lock()
	reg, ok := m.handles[accountID]
	delete(m.handles, accountID)
	m.mu.Unlock()
	if !ok {
		return
	}
	m.closeRegistration(m.log.With().Str("account_id", accountID).Logger(), reg)
}

// stopRegistration stops reg only if it is still the registered handle for
// accountID, so a cancelled context never tears down a replacement.
func (m *ConnectionManager) stopRegistration(accountID string, reg *registration) {
	m.mu.Lock()
	if m.handles[accountID] == reg {
		delete(m.handles, accountID)
	}
	m.mu.Unlock()
	m.closeRegistration(m.log.With().Str("account_id", accountID).Logger(), reg)
}

func (m *ConnectionManager) closeRegistration(log zerolog.Logger, reg *registration) {
	reg.closeOnce.Do(func() {
		if err := closeHandle(reg.handle); err != nil {
			log.Debug().Err(err).Msg("Ignoring error while closing gateway connection")
		}
		close(reg.done)
		log.Info().Msg("Gateway disconnected")
	})
}

// closeHandle tries Close() error, then Stop(). Panics are turned into errors.
func closeHandle(h Handle) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while closing handle: %v", r)
		}
	}()
	switch c := h.(type) {
	case interface{ Close() error }:
		return c.Close()
	case interface{ Stop() }:
		c.Stop()
	}
	return nil
}

// StopAll stops every registered account.
func (m *ConnectionManager) StopAll() {
	for _, id := range m.AccountIDs() {
		m.Stop(id)
	}
}

// Active returns the live handle for accountID.
func (m *ConnectionManager) Active(accountID string) (Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	reg, ok := m.handles[accountID]
	if !ok {
		return nil, false
	}
	return reg.handle, true
}

// AccountIDs returns the ids with a live handle, sorted.
func (m *ConnectionManager) AccountIDs() []string {
	m.mu.Lock()
	ids := lo.Keys(m.handles)
	m.mu.Unlock()
	sort.Strings(ids)
	return ids
}
