package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ava-labs/ledger-sync/pkg/ledger"
)

// maxResubscribeDelay caps the linear redial backoff of a dropped subscription.
const maxResubscribeDelay = 30 * time.Second

// wsMessage is either a response to a request (ID set) or a notification (Method set).
type wsMessage struct {
	ID     *uint64         `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
	Method string          `json:"method"`
	Params struct {
		Subscription uint64          `json:"subscription"`
		Result       json.RawMessage `json:"result"`
	} `json:"params"`
}

type logsNotification struct {
	Context struct {
		Slot uint64 `json:"slot"`
	} `json:"context"`
	Value struct {
		Signature string          `json:"signature"`
		Err       json.RawMessage `json:"err"`
		Logs      []string        `json:"logs"`
	} `json:"value"`
}

// subscription is a logsSubscribe stream on its own websocket connection. A dropped connection
// is redialed and resubscribed under the same local id until the subscription is closed.
type subscription struct {
	c          *Client
	log        *zap.SugaredLogger
	program    string
	commitment ledger.Commitment
	fn         func(ledger.LogBatch)

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	conn     *websocket.Conn
	serverID uint64
}

// SubscribeLogs opens a websocket, subscribes to logs mentioning program and delivers every
// notification to fn from a single goroutine.
func (c *Client) SubscribeLogs(ctx context.Context, program string, commitment ledger.Commitment, fn func(ledger.LogBatch)) (ledger.SubscriptionID, error) {
	if fn == nil {
		return 0, errors.New("invalid callback: must not be nil")
	}
	sctx, cancel := context.WithCancel(context.Background())
	s := &subscription{
		c:          c,
		program:    program,
		commitment: commitment,
		fn:         fn,
		ctx:        sctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	if err := s.connect(ctx); err != nil {
		cancel()
		return 0, err
	}

	c.mu.Lock()
	c.lastID++
	id := c.lastID
	c.subs[id] = s
	c.mu.Unlock()

	s.log = c.log.With("subscription", id, "program", program)
	go s.run()
	return id, nil
}

func (c *Client) UnsubscribeLogs(_ context.Context, id ledger.SubscriptionID) error {
	c.mu.Lock()
	s, ok := c.subs[id]
	delete(c.subs, id)
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown subscription %d", id)
	}
	s.close()
	return nil
}

// connect dials the websocket and completes the logsSubscribe handshake.
func (s *subscription) connect(ctx context.Context) error {
	start := time.Now()
	err := s.dial(ctx)
	s.c.metrics.RecordRPCCall("logsSubscribe", err, time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("logsSubscribe: %w", err)
	}
	return nil
}

func (s *subscription) dial(ctx context.Context) error {
	dctx, cancel := context.WithTimeout(ctx, s.c.cfg.RequestTimeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dctx, s.c.cfg.WSEndpoint, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.c.cfg.WSEndpoint, err)
	}

	reqID := s.c.nextID.Add(1)
	deadline := time.Now().Add(s.c.cfg.RequestTimeout)
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteJSON(rpcRequest{
		JSONRPC: "2.0",
		ID:      reqID,
		Method:  "logsSubscribe",
		Params: []any{
			map[string][]string{"mentions": {s.program}},
			commitmentParam{Commitment: s.commitment},
		},
	}); err != nil {
		conn.Close()
		return fmt.Errorf("write subscribe request: %w", err)
	}

	_ = conn.SetReadDeadline(deadline)
	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			conn.Close()
			return fmt.Errorf("read subscribe response: %w", err)
		}
		if msg.ID == nil || *msg.ID != reqID {
			continue
		}
		if msg.Error != nil {
			conn.Close()
			return msg.Error
		}
		var serverID uint64
		if err := json.Unmarshal(msg.Result, &serverID); err != nil {
			conn.Close()
			return fmt.Errorf("decode subscription id: %w", err)
		}
		_ = conn.SetReadDeadline(time.Time{})
		_ = conn.SetWriteDeadline(time.Time{})

		s.mu.Lock()
		defer s.mu.Unlock()
		// close may have run while dialing.
		if err := s.ctx.Err(); err != nil {
			conn.Close()
			return err
		}
		s.conn = conn
		s.serverID = serverID
		return nil
	}
}

func (s *subscription) run() {
	defer close(s.done)
	for {
		err := s.read()
		if s.ctx.Err() != nil {
			return
		}
		s.log.Warnw("log subscription dropped, resubscribing", "error", err)
		if !s.resubscribe() {
			return
		}
	}
}

// read delivers notifications until the connection fails.
func (s *subscription) read() error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			conn.Close()
			return err
		}
		if msg.Method != "logsNotification" {
			continue
		}
		var n logsNotification
		if err := json.Unmarshal(msg.Params.Result, &n); err != nil {
			s.log.Warnw("failed to decode logs notification", "error", err)
			continue
		}
		txErr := rawErr(n.Value.Err)
		s.fn(ledger.LogBatch{
			TxID:     n.Value.Signature,
			Position: n.Context.Slot,
			Failed:   txErr != "",
			Err:      txErr,
			Logs:     n.Value.Logs,
		})
	}
}

// resubscribe redials with a linear backoff. It returns false once the subscription is closed.
func (s *subscription) resubscribe() bool {
	for attempt := 1; ; attempt++ {
		delay := min(s.c.cfg.ResubscribeDelay*time.Duration(attempt), maxResubscribeDelay)
		select {
		case <-s.ctx.Done():
			return false
		case <-time.After(delay):
		}
		err := s.connect(s.ctx)
		if err == nil {
			s.log.Infow("log subscription restored", "attempt", attempt)
			return true
		}
		if s.ctx.Err() != nil {
			return false
		}
		s.log.Warnw("failed to resubscribe", "attempt", attempt, "error", err)
	}
}

// close sends logsUnsubscribe best-effort, closes the connection and waits for the reader.
func (s *subscription) close() {
	s.cancel()

	s.mu.Lock()
	conn, serverID := s.conn, s.serverID
	s.mu.Unlock()
	if conn != nil {
		_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = conn.WriteJSON(rpcRequest{
			JSONRPC: "2.0",
			ID:      s.c.nextID.Add(1),
			Method:  "logsUnsubscribe",
			Params:  []any{serverID},
		})
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		conn.Close()
	}
	<-s.done
}
