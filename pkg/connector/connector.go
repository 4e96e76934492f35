// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

// FeishuConnector owns all process-wide state of the channel: the connection
// registry, the dedupe map, the API client cache and the dispatch queue.
type FeishuConnector struct {
	Config     Config
	ConfigPath string

	log        zerolog.Logger
	dispatcher Dispatcher
	httpClient *http.Client

	gateways  *ConnectionManager
	dedupe    *Deduper
	admission *AdmissionFilter
	sender    *Sender
	queue     *dispatchQueue
	cron      *cron.Cron
	admin     *http.Server

	mu            sync.Mutex
	baseCtx       context.Context
	running       map[string]Account
	cancels       map[string]context.CancelFunc
	workersDone   chan struct{}
	cancelWorkers context.CancelFunc
}

// Option customizes a FeishuConnector.
type Option func(fc *FeishuConnector)

// WithDialer replaces the websocket dialer, mainly for tests.
func WithDialer(d Dialer) Option {
	return func(fc *FeishuConnector) {
		fc.gateways = NewConnectionManager(d, fc.log)
	}
}

// WithHTTPClient sets the HTTP client used for the open platform API.
func WithHTTPClient(c *http.Client) Option {
	return func(fc *FeishuConnector) {
		fc.httpClient = c
	}
}

// New creates a connector. cfg must already be post-processed.
func New(cfg Config, dispatcher Dispatcher, log zerolog.Logger, opts ...Option) *FeishuConnector {
	fc := &FeishuConnector{
		Config:     cfg,
		dispatcher: dispatcher,
		log:        log,
		running:    make(map[string]Account),
		cancels:    make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(fc)
	}
	fc.sender = NewSender(cfg.BaseURL, fc.httpClient, log)
	if fc.gateways == nil {
		fc.gateways = NewConnectionManager(&gatewayDialer{fc: fc}, log)
	}
	fc.dedupe = NewDeduper(cfg.Dedupe.TTL, cfg.Dedupe.SweepThreshold)
	fc.admission = NewAdmissionFilter(fc.dedupe, cfg.StaleAfter, log)
	fc.queue = newDispatchQueue(cfg.Dispatch.QueueSize)
	return fc
}

// gatewayDialer opens real gateway connections, sharing API clients with the
// sender so both use one tenant token per app.
type gatewayDialer struct {
	fc *FeishuConnector
}

func (d *gatewayDialer) Dial(ctx context.Context, account Account, onEvent func(payload []byte), log zerolog.Logger) (Handle, error) {
	client := NewGatewayClient(account, d.fc.sender.clients.get(account), d.fc.Config.Gateway, onEvent, log)
	if err := client.Connect(ctx); err != nil {
		return nil, err
	}
	return client, nil
}

// Start launches the dispatch workers, the dedupe sweep, every runnable
// account and the admin API. Cancelling ctx tears down every gateway
// connection; call Stop to drain the dispatch queue.
func (fc *FeishuConnector) Start(ctx context.Context) error {
	fc.mu.Lock()
	if fc.baseCtx != nil {
		fc.mu.Unlock()
		return fmt.Errorf("connector already started")
	}
	fc.baseCtx = ctx
	fc.mu.Unlock()

	workerCtx, cancelWorkers := context.WithCancel(context.WithoutCancel(ctx))
	fc.cancelWorkers = cancelWorkers
	fc.workersDone = make(chan struct{})
	go func() {
		defer close(fc.workersDone)
		if err := fc.queue.Run(workerCtx, fc.Config.Dispatch.Workers, fc.processJob); err != nil {
			fc.log.Warn().Err(err).Msg("Dispatch workers stopped before the queue drained")
		}
	}()

	fc.cron = cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger)))
	_, err := fc.cron.AddFunc(fc.Config.Dedupe.SweepSchedule, func() {
		if removed := fc.dedupe.Sweep(); removed > 0 {
			fc.log.Debug().Int("removed", removed).Int("remaining", fc.dedupe.Len()).Msg("Swept dedupe records")
		}
	})
	if err != nil {
		return fmt.Errorf("invalid dedupe sweep schedule: %w", err)
	}
	fc.cron.Start()

	for _, account := range fc.Config.RunnableAccounts(fc.log) {
		if err := fc.StartAccount(account); err != nil {
			fc.log.Error().Err(err).Str("account_id", account.ID).Msg("Failed to start account")
		}
	}

	if fc.Config.AdminAPIAddr != "" {
		fc.startAdminAPI(fc.Config.AdminAPIAddr)
	}
	return nil
}

func (fc *FeishuConnector) startAdminAPI(addr string) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/reload-accounts", fc.HandleReloadAccounts)
	fc.admin = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		fc.log.Info().Str("addr", addr).Msg("Starting admin API")
		if err := fc.admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fc.log.Error().Err(err).Msg("Admin API error")
		}
	}()
}

// StartAccount connects account, replacing any connection it already has.
func (fc *FeishuConnector) StartAccount(account Account) error {
	if account.AppID == "" || account.AppSecret == "" {
		return ErrMissingCredentials
	}
	fc.mu.Lock()
	baseCtx := fc.baseCtx
	fc.mu.Unlock()
	if baseCtx == nil {
		return ErrNotConnected
	}

	ctx, cancel := context.WithCancel(baseCtx)
	if _, err := fc.gateways.Start(ctx, account, fc.handleEvent); err != nil {
		cancel()
		// The previous connection is already gone.
		fc.mu.Lock()
		prevCancel := fc.cancels[account.ID]
		delete(fc.cancels, account.ID)
		delete(fc.running, account.ID)
		fc.mu.Unlock()
		if prevCancel != nil {
			prevCancel()
		}
		return err
	}

	fc.mu.Lock()
	prevCancel := fc.cancels[account.ID]
	fc.cancels[account.ID] = cancel
	fc.running[account.ID] = account
	fc.mu.Unlock()
	if prevCancel != nil {
		prevCancel()
	}
	return nil
}

// StopAccount disconnects accountID. Unknown ids are a no-op. Messages
// already queued for dispatch are still processed.
func (fc *FeishuConnector) StopAccount(accountID string) {
	fc.gateways.Stop(accountID)
	fc.mu.Lock()
	cancel := fc.cancels[accountID]
	delete(fc.cancels, accountID)
	delete(fc.running, accountID)
	fc.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Stop disconnects every account, stops the sweep and the admin API, and
// waits up to the drain timeout for queued messages to be dispatched.
func (fc *FeishuConnector) Stop(ctx context.Context) {
	if fc.admin != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := fc.admin.Shutdown(shutdownCtx); err != nil {
			fc.log.Warn().Err(err).Msg("Failed to shut down admin API")
		}
		cancel()
	}
	if fc.cron != nil {
		fc.cron.Stop()
	}
	for _, id := range fc.AccountIDs() {
		fc.StopAccount(id)
	}
	fc.gateways.StopAll()

	fc.queue.Close()
	if fc.workersDone == nil {
		return
	}
	timer := time.NewTimer(fc.Config.Dispatch.DrainTimeout)
	defer timer.Stop()
	select {
	case <-fc.workersDone:
		fc.log.Debug().Msg("Dispatch queue drained")
	case <-timer.C:
		fc.log.Warn().Dur("timeout", fc.Config.Dispatch.DrainTimeout).Msg("Dispatch queue not drained in time, cancelling")
		fc.cancelWorkers()
	case <-ctx.Done():
		fc.cancelWorkers()
	}
}

// AccountIDs returns the ids of started accounts, sorted.
func (fc *FeishuConnector) AccountIDs() []string {
	fc.mu.Lock()
	ids := lo.Keys(fc.running)
	fc.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// SendText posts text to target on behalf of a started account. target is a
// "chat:<id>" target id or a bare chat id.
func (fc *FeishuConnector) SendText(ctx context.Context, accountID, target, text string) SendResult {
	fc.mu.Lock()
	account, ok := fc.running[accountID]
	fc.mu.Unlock()
	if !ok {
		return SendResult{Error: fmt.Sprintf("unknown account %q", accountID)}
	}
	return fc.sender.SendText(ctx, account, target, text)
}

// AccountEntry describes one account in a reload request body.
type AccountEntry struct {
	ID        string `json:"id"`
	AppID     string `json:"app_id"`
	AppSecret string `json:"app_secret"`
	Enabled   *bool  `json:"enabled,omitempty"`
}

// ReloadAccounts brings the running accounts in line with desired. Accounts
// not in desired are stopped; new accounts and accounts whose credentials
// changed are (re)started. Unchanged accounts keep their connection.
func (fc *FeishuConnector) ReloadAccounts(desired []Account) (started, stopped int) {
	want := lo.SliceToMap(desired, func(a Account) (string, Account) {
		return a.ID, a
	})

	for _, id := range fc.AccountIDs() {
		if _, ok := want[id]; !ok {
			fc.log.Info().Str("account_id", id).Msg("Removing account")
			fc.StopAccount(id)
			stopped++
		}
	}

	ids := lo.Keys(want)
	sort.Strings(ids)
	for _, id := range ids {
		account := want[id]
		fc.mu.Lock()
		current, ok := fc.running[id]
		fc.mu.Unlock()
		if ok && current == account {
			continue
		}
		if err := fc.StartAccount(account); err != nil {
			fc.log.Error().Err(err).Str("account_id", id).Msg("Failed to start account during reload, skipping")
			continue
		}
		started++
		fc.log.Info().Str("account_id", id).Str("app_id", account.AppID).Msg("Hot-loaded account")
	}

	fc.log.Info().
		Int("started", started).
		Int("stopped", stopped).
		Int("total", len(fc.AccountIDs())).
		Msg("Account reload complete")
	return started, stopped
}

// reloadFromConfig re-reads ConfigPath and reloads its runnable accounts.
func (fc *FeishuConnector) reloadFromConfig() (started, stopped int, err error) {
	if fc.ConfigPath == "" {
		return 0, 0, fmt.Errorf("no config path to reload from")
	}
	cfg, err := LoadConfig(fc.ConfigPath)
	if err != nil {
		return 0, 0, err
	}
	started, stopped = fc.ReloadAccounts(cfg.RunnableAccounts(fc.log))
	return started, stopped, nil
}

func entriesToAccounts(entries []AccountEntry) []Account {
	return lo.FilterMap(entries, func(e AccountEntry, _ int) (Account, bool) {
		if e.ID == "" || e.AppID == "" || e.AppSecret == "" {
			return Account{}, false
		}
		if e.Enabled != nil && !*e.Enabled {
			return Account{}, false
		}
		return Account{ID: e.ID, AppID: e.AppID, AppSecret: e.AppSecret}, true
	})
}

// maxReloadBodySize is the maximum allowed request body for account reload (1 MB).
const maxReloadBodySize = 1 << 20

// HandleReloadAccounts is an HTTP handler for POST /api/reload-accounts.
// It accepts an optional JSON array of account entries; if the body is
// empty or absent, it reloads the accounts from the config file.
func (fc *FeishuConnector) HandleReloadAccounts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var entries []AccountEntry
	if r.Body != nil && r.ContentLength != 0 {
		r.Body = http.MaxBytesReader(w, r.Body, maxReloadBodySize)
		defer r.Body.Close()
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		if len(body) > 0 {
			if err := json.Unmarshal(body, &entries); err != nil {
				http.Error(w, "invalid JSON", http.StatusBadRequest)
				return
			}
		}
	}

	source := "config"
	if len(entries) > 0 {
		source = "body"
	}
	fc.log.Info().
		Str("remote_addr", r.RemoteAddr).
		Int("entries", len(entries)).
		Str("source", source).
		Msg("Account reload requested")

	var started, stopped int
	if len(entries) > 0 {
		started, stopped = fc.ReloadAccounts(entriesToAccounts(entries))
	} else {
		var err error
		started, stopped, err = fc.reloadFromConfig()
		if err != nil {
			fc.log.Error().Err(err).Msg("Failed to reload config")
			http.Error(w, "failed to reload config", http.StatusInternalServerError)
			return
		}
	}

	resp := map[string]int{
		"started": started,
		"stopped": stopped,
		"total":   len(fc.AccountIDs()),
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		fc.log.Warn().Err(err).Msg("Failed to write reload response")
	}
}
