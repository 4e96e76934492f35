// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package connector implements a Feishu messaging channel for a reply-driven
// bot host.
//
// Each configured account keeps one long-lived websocket to the Feishu event
// gateway. Inbound message events pass an admission filter (event id dedupe
// and a staleness cutoff), are normalized, and are queued for asynchronous
// dispatch so the gateway frame can be acknowledged right away. Replies from
// the host are delivered back through the open platform REST API.
//
// # Core Types
//
// [FeishuConnector] owns the process-wide state: connection registry, dedupe
// map, API client cache, dispatch queue, dedupe sweep schedule and the admin
// API serving POST /api/reload-accounts.
//
// [ConnectionManager] keeps at most one live [Handle] per account id. Starting
// an account tears down its previous handle first.
//
// [GatewayClient] is the websocket handle. The gateway speaks protobuf
// frames in binary messages; the client reassembles split events,
// acknowledges each event after the handler returns and reconnects with
// exponential backoff.
//
// [AdmissionFilter] combines the [Deduper] and [IsExpired].
//
// [Sender] sends and replies with text, reporting outcomes as [SendResult].
//
// # Sub-packages
//
//   - feishufmt extracts text from Feishu message content.
//   - replyfmt converts host markdown into Feishu text content and chunks it.
package connector
