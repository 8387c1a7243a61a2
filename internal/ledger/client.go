package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"dextrack/internal/infra"

	"github.com/gorilla/websocket"
)

// TxHandler receives validated transactions delivered on the
// subscription stream. Handlers are invoked from the read loop and must
// not block for long.
type TxHandler func(txm TxWithMeta)

// Client is a websocket JSON-RPC client for one ledger node. It serves
// request/response RPC (tx, account_tx, ledger) and account
// subscriptions over a single shared connection. All wallet trackers of
// the process share one Client.
type Client struct {
	url     string
	worker  *infra.BaseWSWorker
	limiter *infra.RateLimiter

	mu      sync.Mutex
	nextID  int64
	pending map[int64]chan json.RawMessage

	subMu    sync.RWMutex
	handlers map[string]TxHandler // account -> handler

	heightMu        sync.RWMutex
	validatedLedger int64

	// RPCTimeout bounds a single request/response round trip.
	RPCTimeout time.Duration
}

// NewClient creates a ledger client for the given websocket URL.
// Call Start before issuing RPC.
func NewClient(url string, limiter *infra.RateLimiter) *Client {
	c := &Client{
		url:        url,
		limiter:    limiter,
		pending:    make(map[int64]chan json.RawMessage),
		handlers:   make(map[string]TxHandler),
		RPCTimeout: 15 * time.Second,
	}
	c.worker = infra.NewBaseWSWorker(c)
	return c
}

// Start begins the connection loop (dial, reconnect with backoff).
func (c *Client) Start(ctx context.Context) {
	c.worker.Start(ctx)
}

// Stop closes the connection and stops the worker.
func (c *Client) Stop() {
	c.worker.Stop()
	c.failPending()
}

func (c *Client) ID() string     { return "LEDGER_WS" }
func (c *Client) GetURL() string { return c.url }

// OnConnect runs on every successful dial. The ledger stream feeds the
// validated-height cache; account subscriptions are re-sent so push
// delivery survives reconnects.
func (c *Client) OnConnect(ctx context.Context, conn *websocket.Conn) error {
	// Responses for requests written on the old connection will never
	// arrive; abort their waiters instead of letting them time out.
	c.failPending()

	sub := map[string]interface{}{
		"command": "subscribe",
		"streams": []string{"ledger"},
	}

	c.subMu.RLock()
	accounts := make([]string, 0, len(c.handlers))
	for acct := range c.handlers {
		accounts = append(accounts, acct)
	}
	c.subMu.RUnlock()
	if len(accounts) > 0 {
		sub["accounts"] = accounts
	}

	b, err := json.Marshal(sub)
	if err != nil {
		return err
	}
	return c.worker.Write(websocket.TextMessage, b)
}

func (c *Client) OnPing(ctx context.Context, conn *websocket.Conn) error {
	return conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
}

// OnMessage routes responses to pending RPC callers and stream messages
// to subscription handlers.
func (c *Client) OnMessage(ctx context.Context, msg []byte) {
	var envelope struct {
		ID   int64  `json:"id"`
		Type string `json:"type"`
	}
	if err := json.Unmarshal(msg, &envelope); err != nil {
		slog.Warn("Ledger message parse failed", slog.Any("error", err))
		return
	}

	switch envelope.Type {
	case "response":
		c.mu.Lock()
		ch, ok := c.pending[envelope.ID]
		if ok {
			delete(c.pending, envelope.ID)
		}
		c.mu.Unlock()
		if ok {
			ch <- json.RawMessage(msg)
		}

	case "ledgerClosed":
		var closed struct {
			LedgerIndex int64 `json:"ledger_index"`
		}
		if err := json.Unmarshal(msg, &closed); err != nil {
			return
		}
		c.heightMu.Lock()
		if closed.LedgerIndex > c.validatedLedger {
			c.validatedLedger = closed.LedgerIndex
		}
		c.heightMu.Unlock()

	case "transaction":
		c.dispatchTransaction(msg)
	}
}

func (c *Client) dispatchTransaction(msg []byte) {
	var stream struct {
		EngineResult string      `json:"engine_result"`
		LedgerIndex  int64       `json:"ledger_index"`
		Validated    bool        `json:"validated"`
		Transaction  Transaction `json:"transaction"`
		Meta         Meta        `json:"meta"`
	}
	if err := json.Unmarshal(msg, &stream); err != nil {
		slog.Warn("Stream transaction parse failed", slog.Any("error", err))
		return
	}
	if !stream.Validated {
		return
	}
	if stream.Meta.TransactionResult == "" {
		stream.Meta.TransactionResult = stream.EngineResult
	}

	txm := TxWithMeta{
		Tx:          stream.Transaction,
		Meta:        stream.Meta,
		Validated:   true,
		LedgerIndex: stream.LedgerIndex,
	}

	// A crossing transaction from another account touches our offers
	// without naming our account; every subscribed tracker classifies
	// it and no-ops on a miss.
	c.subMu.RLock()
	handlers := make([]TxHandler, 0, len(c.handlers))
	for _, h := range c.handlers {
		handlers = append(handlers, h)
	}
	c.subMu.RUnlock()

	for _, h := range handlers {
		h(txm)
	}
}

// rpc performs one rate-limited request/response round trip.
func (c *Client) rpc(ctx context.Context, req map[string]interface{}) (json.RawMessage, error) {
	c.limiter.Wait()

	c.mu.Lock()
	c.nextID++
	id := c.nextID
	ch := make(chan json.RawMessage, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	req["id"] = id
	b, err := json.Marshal(req)
	if err != nil {
		c.dropPending(id)
		return nil, err
	}

	if err := c.worker.Write(websocket.TextMessage, b); err != nil {
		c.dropPending(id)
		return nil, fmt.Errorf("rpc write %v: %w", req["command"], err)
	}

	timer := time.NewTimer(c.RPCTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		c.dropPending(id)
		return nil, ctx.Err()
	case <-timer.C:
		c.dropPending(id)
		return nil, fmt.Errorf("rpc %v timed out", req["command"])
	case raw := <-ch:
		if raw == nil {
			return nil, fmt.Errorf("rpc %v aborted: connection lost", req["command"])
		}
		return raw, nil
	}
}

func (c *Client) dropPending(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// failPending aborts all outstanding RPC waits.
func (c *Client) failPending() {
	c.mu.Lock()
	for id, ch := range c.pending {
		delete(c.pending, id)
		ch <- nil
	}
	c.mu.Unlock()
}

func decodeResult(raw json.RawMessage, out interface{}) error {
	var resp struct {
		Status string          `json:"status"`
		Error  string          `json:"error"`
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return err
	}
	if resp.Status != "success" {
		return fmt.Errorf("node returned %q: %s", resp.Status, resp.Error)
	}
	return json.Unmarshal(resp.Result, out)
}

// Tx fetches a transaction and its application metadata by hash.
func (c *Client) Tx(ctx context.Context, hash string) (*TxWithMeta, error) {
	raw, err := c.rpc(ctx, map[string]interface{}{
		"command":     "tx",
		"transaction": hash,
		"binary":      false,
	})
	if err != nil {
		return nil, err
	}

	// The tx result carries transaction fields at the top level next to
	// meta, so the result is decoded twice.
	var tx Transaction
	if err := decodeResult(raw, &tx); err != nil {
		return nil, fmt.Errorf("decode tx %s: %w", hash, err)
	}
	var extra struct {
		Meta        Meta  `json:"meta"`
		Validated   bool  `json:"validated"`
		LedgerIndex int64 `json:"ledger_index"`
	}
	if err := decodeResult(raw, &extra); err != nil {
		return nil, fmt.Errorf("decode tx meta %s: %w", hash, err)
	}
	if tx.Hash == "" {
		tx.Hash = hash
	}

	return &TxWithMeta{
		Tx:          tx,
		Meta:        extra.Meta,
		Validated:   extra.Validated,
		LedgerIndex: extra.LedgerIndex,
	}, nil
}

// maxAccountTxPages bounds one history fetch. Nodes cap account_tx
// pages at a few hundred transactions; a busy wallet's backlog beyond
// the bound is picked up by the next poll cycle.
const maxAccountTxPages = 10

// AccountTx fetches the account's validated transaction history from
// minLedger forward, oldest first, following the response marker until
// the history is exhausted or the page bound is hit.
func (c *Client) AccountTx(ctx context.Context, account string, minLedger int64) ([]TxWithMeta, error) {
	var out []TxWithMeta
	var marker json.RawMessage

	for page := 0; page < maxAccountTxPages; page++ {
		req := map[string]interface{}{
			"command":          "account_tx",
			"account":          account,
			"ledger_index_min": minLedger,
			"ledger_index_max": -1,
			"forward":          true,
		}
		if len(marker) > 0 {
			req["marker"] = marker
		}

		raw, err := c.rpc(ctx, req)
		if err != nil {
			return nil, err
		}

		var result struct {
			Transactions []struct {
				Tx          Transaction `json:"tx"`
				Meta        Meta        `json:"meta"`
				Validated   bool        `json:"validated"`
				LedgerIndex int64       `json:"ledger_index"`
			} `json:"transactions"`
			Marker json.RawMessage `json:"marker"`
		}
		if err := decodeResult(raw, &result); err != nil {
			return nil, fmt.Errorf("decode account_tx %s: %w", account, err)
		}

		for _, t := range result.Transactions {
			if !t.Validated {
				continue
			}
			out = append(out, TxWithMeta{Tx: t.Tx, Meta: t.Meta, Validated: true, LedgerIndex: t.LedgerIndex})
		}

		if len(result.Marker) == 0 || string(result.Marker) == "null" {
			return out, nil
		}
		marker = result.Marker
	}

	slog.Warn("Account history paging stopped at bound",
		slog.String("account", account),
		slog.Int("pages", maxAccountTxPages))
	return out, nil
}

// SubscribeAccount registers a handler for validated transactions
// touching the account and subscribes it on the node.
func (c *Client) SubscribeAccount(account string, handler TxHandler) error {
	c.subMu.Lock()
	c.handlers[account] = handler
	c.subMu.Unlock()

	if !c.worker.Connected() {
		// OnConnect re-sends the full account list once the worker dials.
		return nil
	}

	b, err := json.Marshal(map[string]interface{}{
		"command":  "subscribe",
		"accounts": []string{account},
	})
	if err != nil {
		return err
	}
	return c.worker.Write(websocket.TextMessage, b)
}

// UnsubscribeAccount detaches the handler and unsubscribes the account.
func (c *Client) UnsubscribeAccount(account string) error {
	c.subMu.Lock()
	delete(c.handlers, account)
	c.subMu.Unlock()

	if !c.worker.Connected() {
		return nil
	}

	b, err := json.Marshal(map[string]interface{}{
		"command":  "unsubscribe",
		"accounts": []string{account},
	})
	if err != nil {
		return err
	}
	return c.worker.Write(websocket.TextMessage, b)
}

// CurrentLedgerIndex returns the latest validated ledger height. The
// cached value from the ledger stream is preferred; a fresh RPC is made
// only before the first close arrives.
func (c *Client) CurrentLedgerIndex(ctx context.Context) (int64, error) {
	c.heightMu.RLock()
	cached := c.validatedLedger
	c.heightMu.RUnlock()
	if cached > 0 {
		return cached, nil
	}

	raw, err := c.rpc(ctx, map[string]interface{}{
		"command":      "ledger",
		"ledger_index": "validated",
	})
	if err != nil {
		return 0, err
	}

	var result struct {
		LedgerIndex int64 `json:"ledger_index"`
	}
	if err := decodeResult(raw, &result); err != nil {
		return 0, fmt.Errorf("decode ledger: %w", err)
	}

	c.heightMu.Lock()
	if result.LedgerIndex > c.validatedLedger {
		c.validatedLedger = result.LedgerIndex
	}
	c.heightMu.Unlock()

	return result.LedgerIndex, nil
}

// EnsureConnected verifies the connection is live. The worker reconnects
// on its own; callers only learn whether RPC is currently possible.
func (c *Client) EnsureConnected(ctx context.Context) error {
	if !c.worker.Connected() {
		return fmt.Errorf("ledger connection down, reconnect in progress")
	}
	_, err := c.rpc(ctx, map[string]interface{}{"command": "ping"})
	if err != nil {
		return fmt.Errorf("ledger ping failed: %w", err)
	}
	return nil
}
