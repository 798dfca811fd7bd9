// Package rpc implements ledger.Client over the ledger node's JSON-RPC HTTP endpoint and its
// websocket pub/sub endpoint.
package rpc

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	ethrpc "github.com/ava-labs/coreth/rpc"

	"github.com/ava-labs/ledger-sync/pkg/ledger"
	"github.com/ava-labs/ledger-sync/pkg/metrics"
)

type Config struct {
	HTTPEndpoint string
	// WSEndpoint defaults to HTTPEndpoint with the scheme switched to ws/wss.
	WSEndpoint string
	// RequestTimeout bounds each HTTP call and the subscribe handshake.
	RequestTimeout time.Duration
	// SignaturePageLimit is the page size of getSignaturesForAddress (max 1000).
	SignaturePageLimit int
	// ResubscribeDelay is the base delay before redialing a dropped websocket.
	ResubscribeDelay time.Duration
}

func DefaultConfig(endpoint string) Config {
	return Config{
		HTTPEndpoint:       endpoint,
		RequestTimeout:     15 * time.Second,
		SignaturePageLimit: 1000,
		ResubscribeDelay:   time.Second,
	}
}

// Client is a ledger.Client backed by JSON-RPC.
type Client struct {
	log     *zap.SugaredLogger
	cfg     Config
	rpc     *ethrpc.Client
	metrics *metrics.Metrics // nil if metrics disabled
	nextID  atomic.Uint64

	mu     sync.Mutex
	subs   map[ledger.SubscriptionID]*subscription
	lastID ledger.SubscriptionID
}

var _ ledger.Client = (*Client)(nil)

// New creates a Client. m may be nil.
func New(log *zap.SugaredLogger, cfg Config, m *metrics.Metrics) (*Client, error) {
	if log == nil {
		return nil, errors.New("invalid logger: must not be nil")
	}
	if cfg.HTTPEndpoint == "" {
		return nil, errors.New("invalid rpc endpoint: must not be empty")
	}
	if cfg.RequestTimeout <= 0 {
		return nil, errors.New("invalid request timeout: must be greater than 0")
	}
	if cfg.SignaturePageLimit <= 0 || cfg.SignaturePageLimit > 1000 {
		return nil, errors.New("invalid signature page limit: must be between 1 and 1000")
	}
	if cfg.ResubscribeDelay <= 0 {
		return nil, errors.New("invalid resubscribe delay: must be greater than 0")
	}
	if cfg.WSEndpoint == "" {
		ws, err := websocketURL(cfg.HTTPEndpoint)
		if err != nil {
			return nil, err
		}
		cfg.WSEndpoint = ws
	}
	// Dialing an http(s) endpoint does not connect; RequestTimeout is applied per call.
	rc, err := ethrpc.DialContext(context.Background(), cfg.HTTPEndpoint)
	if err != nil {
		return nil, fmt.Errorf("dial rpc endpoint: %w", err)
	}
	return &Client{
		log:     log,
		cfg:     cfg,
		rpc:     rc,
		metrics: m,
		subs:    make(map[ledger.SubscriptionID]*subscription),
	}, nil
}

func websocketURL(endpoint string) (string, error) {
	switch {
	case strings.HasPrefix(endpoint, "https://"):
		return "wss://" + strings.TrimPrefix(endpoint, "https://"), nil
	case strings.HasPrefix(endpoint, "http://"):
		return "ws://" + strings.TrimPrefix(endpoint, "http://"), nil
	default:
		return "", fmt.Errorf("invalid rpc endpoint %q: must be http or https", endpoint)
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// call performs a JSON-RPC request and decodes the result into out.
func (c *Client) call(ctx context.Context, method string, out any, params ...any) error {
	start := time.Now()
	c.metrics.IncRPCInFlight()
	defer c.metrics.DecRPCInFlight()

	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()
	err := callError(c.rpc.CallContext(ctx, out, method, params...))
	c.metrics.RecordRPCCall(method, err, time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	return nil
}

// callError maps node-reported failures onto rpcError and HTTP failures onto a status error.
func callError(err error) error {
	if err == nil {
		return nil
	}
	var httpErr ethrpc.HTTPError
	if errors.As(err, &httpErr) {
		return fmt.Errorf("rpc status %d: %s", httpErr.StatusCode, strings.TrimSpace(string(httpErr.Body)))
	}
	var nodeErr ethrpc.Error
	if errors.As(err, &nodeErr) {
		return &rpcError{Code: nodeErr.ErrorCode(), Message: nodeErr.Error()}
	}
	return err
}

type commitmentParam struct {
	Commitment ledger.Commitment `json:"commitment"`
}

func (c *Client) CurrentPosition(ctx context.Context, commitment ledger.Commitment) (uint64, error) {
	var slot uint64
	if err := c.call(ctx, "getSlot", &slot, commitmentParam{Commitment: commitment}); err != nil {
		return 0, err
	}
	return slot, nil
}

type signatureStatusesResult struct {
	Value []*struct {
		Slot               uint64          `json:"slot"`
		ConfirmationStatus string          `json:"confirmationStatus"`
		Err                json.RawMessage `json:"err"`
	} `json:"value"`
}

func (c *Client) SignatureStatus(ctx context.Context, txID string) (ledger.SignatureStatus, error) {
	var res signatureStatusesResult
	err := c.call(ctx, "getSignatureStatuses", &res,
		[]string{txID},
		map[string]bool{"searchTransactionHistory": true},
	)
	if err != nil {
		return ledger.SignatureStatus{}, err
	}
	if len(res.Value) == 0 || res.Value[0] == nil {
		return ledger.SignatureStatus{}, ledger.ErrSignatureNotFound
	}
	v := res.Value[0]
	return ledger.SignatureStatus{
		Position:   v.Slot,
		Commitment: ledger.Commitment(v.ConfirmationStatus),
		Err:        rawErr(v.Err),
	}, nil
}

type signatureInfo struct {
	Signature string          `json:"signature"`
	Slot      uint64          `json:"slot"`
	Err       json.RawMessage `json:"err"`
}

// TransactionsForAddress pages backwards from the newest signature until it passes from. The
// result is ordered newest first, as the node returns it.
func (c *Client) TransactionsForAddress(ctx context.Context, address string, from, to uint64) ([]ledger.TxRef, error) {
	var (
		out    []ledger.TxRef
		before string
	)
	for {
		opts := map[string]any{
			"limit":      c.cfg.SignaturePageLimit,
			"commitment": ledger.CommitmentConfirmed,
		}
		if before != "" {
			opts["before"] = before
		}
		var page []signatureInfo
		if err := c.call(ctx, "getSignaturesForAddress", &page, address, opts); err != nil {
			return nil, err
		}
		for _, s := range page {
			if s.Slot < from {
				return out, nil
			}
			if s.Slot > to {
				continue
			}
			out = append(out, ledger.TxRef{
				TxID:     s.Signature,
				Position: s.Slot,
				Failed:   rawErr(s.Err) != "",
			})
		}
		if len(page) < c.cfg.SignaturePageLimit {
			return out, nil
		}
		before = page[len(page)-1].Signature
	}
}

type transactionResult struct {
	Slot uint64 `json:"slot"`
	Meta *struct {
		Err         json.RawMessage `json:"err"`
		LogMessages []string        `json:"logMessages"`
	} `json:"meta"`
}

func (c *Client) TransactionLogs(ctx context.Context, txID string) (ledger.LogBatch, error) {
	var res *transactionResult
	err := c.call(ctx, "getTransaction", &res, txID, map[string]any{
		"encoding":                       "json",
		"commitment":                     ledger.CommitmentConfirmed,
		"maxSupportedTransactionVersion": 0,
	})
	if err != nil {
		return ledger.LogBatch{}, err
	}
	if res == nil {
		return ledger.LogBatch{}, fmt.Errorf("transaction %s not found", txID)
	}
	batch := ledger.LogBatch{TxID: txID, Position: res.Slot}
	if res.Meta != nil {
		batch.Err = rawErr(res.Meta.Err)
		batch.Failed = batch.Err != ""
		batch.Logs = res.Meta.LogMessages
	}
	return batch, nil
}

type accountInfoResult struct {
	Value *struct {
		Owner string   `json:"owner"`
		Data  []string `json:"data"`
	} `json:"value"`
}

func (c *Client) AccountState(ctx context.Context, address string) (ledger.Account, error) {
	var res accountInfoResult
	err := c.call(ctx, "getAccountInfo", &res, address, map[string]any{
		"encoding":   "base64",
		"commitment": ledger.CommitmentConfirmed,
	})
	if err != nil {
		return ledger.Account{}, err
	}
	if res.Value == nil {
		return ledger.Account{}, ledger.ErrAccountNotFound
	}
	acct := ledger.Account{Address: address, Owner: res.Value.Owner}
	if len(res.Value.Data) > 0 {
		data, err := base64.StdEncoding.DecodeString(res.Value.Data[0])
		if err != nil {
			return ledger.Account{}, fmt.Errorf("decode account %s data: %w", address, err)
		}
		acct.Data = data
	}
	return acct, nil
}

// rawErr renders a transaction error as a string, empty when the transaction succeeded.
func rawErr(raw json.RawMessage) string {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return ""
	}
	return s
}

// Close detaches every open subscription and releases the HTTP client.
func (c *Client) Close() {
	defer c.rpc.Close()
	c.mu.Lock()
	subs := make([]*subscription, 0, len(c.subs))
	for id, s := range c.subs {
		subs = append(subs, s)
		delete(c.subs, id)
	}
	c.mu.Unlock()
	for _, s := range subs {
		s.close()
	}
}
