// Package electrum implements the peer-network transport: Electrum Cash
// JSON-RPC over WebSocket, an endpoint cluster with a selection policy, and
// the sessions built from it.
package electrum

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vietddude/distributor/internal/core/domain"
	"github.com/vietddude/distributor/internal/metrics"
)

// RPCError is an error object returned by the server. The server answered,
// so this is never a transport failure.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type response struct {
	ID     *uint64         `json:"id"`
	Method string          `json:"method,omitempty"`
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// Client is one Electrum connection. Calls are serialized; a transport
// failure closes the client for good.
type Client struct {
	endpoint domain.Endpoint
	name     string
	conn     *websocket.Conn
	timeout  time.Duration
	monitor  *Monitor
	log      *slog.Logger

	mu     sync.Mutex
	nextID uint64

	closed    atomic.Bool
	closeOnce sync.Once
}

// Dial opens a WebSocket connection to ep within timeout.
func Dial(ctx context.Context, ep domain.Endpoint, timeout time.Duration, monitor *Monitor) (*Client, error) {
	if monitor == nil {
		monitor = NewMonitor()
	}
	name := ep.String()

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: timeout,
	}
	conn, _, err := dialer.DialContext(dialCtx, name, nil)
	if err != nil {
		te := classify(name, err)
		monitor.RecordFailure(te.Reason)
		metrics.ElectrumErrorsTotal.WithLabelValues(name, string(te.Reason)).Inc()
		return nil, te
	}

	return &Client{
		endpoint: ep,
		name:     name,
		conn:     conn,
		timeout:  timeout,
		monitor:  monitor,
		log:      slog.Default().With("endpoint", name),
	}, nil
}

// Endpoint returns the endpoint this client is connected to.
func (c *Client) Endpoint() domain.Endpoint {
	return c.endpoint
}

// Call sends one request and waits for the response with the same id.
// Notifications received in between are dropped.
func (c *Client) Call(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() {
		return nil, domain.NewTransportError(c.name, domain.ReasonDisconnected, errors.New("connection closed"))
	}
	if err := ctx.Err(); err != nil {
		return nil, domain.NewTransportError(c.name, domain.ReasonTimeout, err)
	}

	metrics.ElectrumCallsTotal.WithLabelValues(c.name, method).Inc()
	start := time.Now()

	deadline := start.Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	// Unblock a pending read when the caller gives up.
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	c.nextID++
	id := c.nextID
	if params == nil {
		params = []any{}
	}

	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return nil, c.fail(err)
	}
	if err := c.conn.WriteJSON(request{JSONRPC: "2.0", ID: id, Method: method, Params: params}); err != nil {
		return nil, c.fail(err)
	}
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return nil, c.fail(err)
	}

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, c.fail(ctxErr)
			}
			return nil, c.fail(err)
		}

		var resp response
		if err := json.Unmarshal(data, &resp); err != nil {
			c.monitor.RecordFailure(domain.ReasonProtocolError)
			metrics.ElectrumErrorsTotal.WithLabelValues(c.name, string(domain.ReasonProtocolError)).Inc()
			return nil, domain.NewTransportError(c.name, domain.ReasonProtocolError, fmt.Errorf("decode response: %w", err))
		}
		if resp.ID == nil || *resp.ID != id {
			c.log.Debug("Skipping unsolicited message", "method", resp.Method)
			continue
		}

		latency := time.Since(start)
		c.monitor.RecordSuccess(latency)
		metrics.ElectrumLatency.WithLabelValues(c.name, method).Observe(latency.Seconds())

		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	}
}

// Close shuts the connection. Safe to call more than once and concurrently with Call.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		err = c.conn.Close()
	})
	return err
}

// fail records a transport failure and closes the client. A websocket that
// failed a read or write cannot be reused.
func (c *Client) fail(err error) error {
	te := classify(c.name, err)
	c.monitor.RecordFailure(te.Reason)
	metrics.ElectrumErrorsTotal.WithLabelValues(c.name, string(te.Reason)).Inc()
	c.closed.Store(true)
	_ = c.conn.Close()
	return te
}

func classify(endpoint string, err error) *domain.TransportError {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return domain.NewTransportError(endpoint, domain.ReasonTimeout, err)
	case errors.As(err, &netErr) && netErr.Timeout():
		return domain.NewTransportError(endpoint, domain.ReasonTimeout, err)
	case errors.Is(err, websocket.ErrBadHandshake):
		return domain.NewTransportError(endpoint, domain.ReasonProtocolError, err)
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, net.ErrClosed):
		return domain.NewTransportError(endpoint, domain.ReasonDisconnected, err)
	}
	// Close frames, resets and refused dials all mean the peer is gone.
	return domain.NewTransportError(endpoint, domain.ReasonDisconnected, err)
}
