package electrum

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vietddude/distributor/internal/core/domain"
)

// =============================================================================
// Fake Electrum server
// =============================================================================

type action int

const (
	reply action = iota
	drop
	hangup
)

type answer struct {
	action action
	result any
	err    *RPCError
}

type fakeElectrum struct {
	srv      *httptest.Server
	handler  func(method string, params []any) answer
	notify   bool
	requests atomic.Int64
}

func newFakeElectrum(t *testing.T, handler func(method string, params []any) answer) *fakeElectrum {
	t.Helper()
	f := &fakeElectrum{handler: handler}
	upgrader := websocket.Upgrader{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			f.requests.Add(1)

			var req struct {
				ID     uint64 `json:"id"`
				Method string `json:"method"`
				Params []any  `json:"params"`
			}
			if err := json.Unmarshal(data, &req); err != nil {
				return
			}

			if f.notify {
				_ = conn.WriteJSON(map[string]any{
					"jsonrpc": "2.0",
					"method":  "blockchain.headers.subscribe",
					"params":  []any{map[string]any{"height": 1}},
				})
			}

			ans := f.handler(req.Method, req.Params)
			switch ans.action {
			case drop:
				continue
			case hangup:
				return
			}

			msg := map[string]any{"jsonrpc": "2.0", "id": req.ID}
			if ans.err != nil {
				msg["error"] = ans.err
			} else {
				msg["result"] = ans.result
			}
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeElectrum) endpoint(t *testing.T) domain.Endpoint {
	t.Helper()
	host, portStr, err := net.SplitHostPort(strings.TrimPrefix(f.srv.URL, "http://"))
	if err != nil {
		t.Fatalf("split host: %v", err)
	}
	port, _ := strconv.Atoi(portStr)
	return domain.Endpoint{Host: host, Port: port, Scheme: domain.SchemeWS}
}

// standard answers the handshake and returns balance for everything else.
func standard(confirmed, unconfirmed int64) func(string, []any) answer {
	return func(method string, _ []any) answer {
		switch method {
		case methodVersion:
			return answer{result: []string{"Fulcrum 1.9.0", "1.4.1"}}
		case methodBalance:
			return answer{result: map[string]int64{"confirmed": confirmed, "unconfirmed": unconfirmed}}
		case methodListUnspent:
			return answer{result: []map[string]any{
				{"tx_hash": strings.Repeat("ab", 32), "tx_pos": 0, "height": 100, "value": 5000},
				{"tx_hash": strings.Repeat("cd", 32), "tx_pos": 1, "height": 0, "value": 800,
					"token_data": map[string]any{"category": strings.Repeat("ee", 32), "amount": "5"}},
			}}
		case methodBroadcast:
			return answer{result: strings.Repeat("f0", 32)}
		}
		return answer{err: &RPCError{Code: -32601, Message: "unknown method"}}
	}
}

func testPolicy(redundancy, confidence int) Policy {
	return Policy{
		Confidence:      confidence,
		Redundancy:      redundancy,
		Order:           OrderPriority,
		Timeout:         500 * time.Millisecond,
		ApplicationID:   "test",
		ProtocolVersion: "1.4.1",
	}
}

func deadEndpoint(t *testing.T) domain.Endpoint {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().(*net.TCPAddr)
	ln.Close()
	return domain.Endpoint{Host: "127.0.0.1", Port: addr.Port, Scheme: domain.SchemeWS}
}

// =============================================================================
// Tests
// =============================================================================

func TestCluster_BuildSession_PriorityOrder(t *testing.T) {
	a := newFakeElectrum(t, standard(1, 0))
	b := newFakeElectrum(t, standard(1, 0))
	c := newFakeElectrum(t, standard(1, 0))

	eps := []domain.Endpoint{a.endpoint(t), b.endpoint(t), c.endpoint(t)}
	cluster, err := NewCluster(eps, testPolicy(2, 1))
	if err != nil {
		t.Fatalf("NewCluster: %v", err)
	}

	s, err := cluster.BuildSession(context.Background())
	if err != nil {
		t.Fatalf("BuildSession: %v", err)
	}
	defer s.Close()

	got := s.Endpoints()
	if len(got) != 2 || got[0] != eps[0] || got[1] != eps[1] {
		t.Errorf("session endpoints = %v, want first two of %v", got, eps)
	}
}

func TestCluster_BuildSession_SkipsDeadEndpoints(t *testing.T) {
	live := newFakeElectrum(t, standard(1, 0))
	eps := []domain.Endpoint{deadEndpoint(t), live.endpoint(t)}

	cluster, err := NewCluster(eps, testPolicy(1, 1))
	if err != nil {
		t.Fatalf("NewCluster: %v", err)
	}
	s, err := cluster.BuildSession(context.Background())
	if err != nil {
		t.Fatalf("BuildSession: %v", err)
	}
	defer s.Close()

	if got := s.Endpoints(); len(got) != 1 || got[0] != eps[1] {
		t.Errorf("session endpoints = %v, want %v", got, eps[1])
	}
	if st := cluster.Monitor(eps[0]).GetStats(); st.TotalFailures != 1 {
		t.Errorf("dead endpoint failures = %d, want 1", st.TotalFailures)
	}
}

func TestCluster_BuildSession_Unavailable(t *testing.T) {
	live := newFakeElectrum(t, standard(1, 0))
	eps := []domain.Endpoint{live.endpoint(t), deadEndpoint(t)}

	cluster, err := NewCluster(eps, testPolicy(2, 1))
	if err != nil {
		t.Fatalf("NewCluster: %v", err)
	}
	_, err = cluster.BuildSession(context.Background())
	if !errors.Is(err, domain.ErrClusterUnavailable) {
		t.Fatalf("expected ErrClusterUnavailable, got %v", err)
	}
}

func TestCluster_BuildSession_HandshakeRejected(t *testing.T) {
	refusing := newFakeElectrum(t, func(method string, _ []any) answer {
		return answer{err: &RPCError{Code: 1, Message: "unsupported protocol version"}}
	})
	cluster, err := NewCluster([]domain.Endpoint{refusing.endpoint(t)}, testPolicy(1, 1))
	if err != nil {
		t.Fatalf("NewCluster: %v", err)
	}
	if _, err := cluster.BuildSession(context.Background()); !errors.Is(err, domain.ErrClusterUnavailable) {
		t.Fatalf("expected ErrClusterUnavailable, got %v", err)
	}
}

func TestCluster_DownEndpointRankedLast(t *testing.T) {
	a := newFakeElectrum(t, standard(1, 0))
	b := newFakeElectrum(t, standard(1, 0))
	eps := []domain.Endpoint{a.endpoint(t), b.endpoint(t)}

	cluster, err := NewCluster(eps, testPolicy(1, 1))
	if err != nil {
		t.Fatalf("NewCluster: %v", err)
	}
	for i := 0; i < 3; i++ {
		cluster.Monitor(eps[0]).RecordFailure(domain.ReasonTimeout)
	}

	s, err := cluster.BuildSession(context.Background())
	if err != nil {
		t.Fatalf("BuildSession: %v", err)
	}
	defer s.Close()
	if got := s.Endpoints(); got[0] != eps[1] {
		t.Errorf("primary = %v, want %v", got[0], eps[1])
	}
}

func TestNewCluster_Validation(t *testing.T) {
	ep := domain.Endpoint{Host: "h", Port: 1, Scheme: domain.SchemeWSS}
	tests := []struct {
		name   string
		eps    []domain.Endpoint
		policy Policy
	}{
		{"no endpoints", nil, testPolicy(1, 1)},
		{"confidence above redundancy", []domain.Endpoint{ep, ep}, testPolicy(1, 2)},
		{"redundancy above endpoints", []domain.Endpoint{ep}, testPolicy(2, 1)},
		{"tcp transport", []domain.Endpoint{{Host: "h", Port: 1, Scheme: "tcp"}}, testPolicy(1, 1)},
		{"zero timeout", []domain.Endpoint{ep}, Policy{Redundancy: 1, Confidence: 1}},
		{"bad order", []domain.Endpoint{ep}, Policy{Redundancy: 1, Confidence: 1, Timeout: time.Second, Order: "fastest"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewCluster(tt.eps, tt.policy); err == nil {
				t.Errorf("expected validation error")
			}
		})
	}
}

func TestSession_QueryBalance(t *testing.T) {
	f := newFakeElectrum(t, standard(700, 300))
	f.notify = true

	cluster, err := NewCluster([]domain.Endpoint{f.endpoint(t)}, testPolicy(1, 1))
	if err != nil {
		t.Fatalf("NewCluster: %v", err)
	}
	s, err := cluster.BuildSession(context.Background())
	if err != nil {
		t.Fatalf("BuildSession: %v", err)
	}
	defer s.Close()

	bal, err := s.QueryBalance(context.Background(), "bchtest:anything")
	if err != nil {
		t.Fatalf("QueryBalance: %v", err)
	}
	if bal != 1000 {
		t.Errorf("balance = %d, want 1000", bal)
	}
}

func TestSession_ListUnspent(t *testing.T) {
	f := newFakeElectrum(t, standard(0, 0))
	cluster, _ := NewCluster([]domain.Endpoint{f.endpoint(t)}, testPolicy(1, 1))
	s, err := cluster.BuildSession(context.Background())
	if err != nil {
		t.Fatalf("BuildSession: %v", err)
	}
	defer s.Close()

	utxos, err := s.ListUnspent(context.Background(), "bchtest:anything")
	if err != nil {
		t.Fatalf("ListUnspent: %v", err)
	}
	if len(utxos) != 2 {
		t.Fatalf("got %d utxos", len(utxos))
	}
	if utxos[0].HasToken() || !utxos[1].HasToken() {
		t.Fatalf("token flags = %v, %v", utxos[0].HasToken(), utxos[1].HasToken())
	}
	if utxos[0].Value != 5000 || utxos[1].TxPos != 1 {
		t.Errorf("utxos = %+v", utxos)
	}
	tok := utxos[1].Token
	if tok.Amount != 5 || tok.Category != strings.Repeat("ee", 32) || tok.NFT != nil {
		t.Errorf("token = %+v", tok)
	}
}

func TestSession_ListUnspentBadTokenData(t *testing.T) {
	tests := []struct {
		name  string
		token map[string]any
	}{
		{"amount not a number", map[string]any{"category": strings.Repeat("ee", 32), "amount": "five"}},
		{"negative amount", map[string]any{"category": strings.Repeat("ee", 32), "amount": "-5"}},
		{"short category", map[string]any{"category": "ee", "amount": "5"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			base := standard(0, 0)
			f := newFakeElectrum(t, func(method string, params []any) answer {
				if method == methodListUnspent {
					return answer{result: []map[string]any{
						{"tx_hash": strings.Repeat("cd", 32), "tx_pos": 1, "value": 800, "token_data": tt.token},
					}}
				}
				return base(method, params)
			})
			cluster, _ := NewCluster([]domain.Endpoint{f.endpoint(t)}, testPolicy(1, 1))
			s, err := cluster.BuildSession(context.Background())
			if err != nil {
				t.Fatalf("BuildSession: %v", err)
			}
			defer s.Close()

			_, err = s.ListUnspent(context.Background(), "bchtest:anything")
			if !domain.IsTransportReason(err, domain.ReasonProtocolError) {
				t.Errorf("expected protocol error, got %v", err)
			}
		})
	}
}

func TestSession_ConfidenceDisagreement(t *testing.T) {
	a := newFakeElectrum(t, standard(100, 0))
	b := newFakeElectrum(t, standard(200, 0))
	cluster, err := NewCluster([]domain.Endpoint{a.endpoint(t), b.endpoint(t)}, testPolicy(2, 2))
	if err != nil {
		t.Fatalf("NewCluster: %v", err)
	}
	s, err := cluster.BuildSession(context.Background())
	if err != nil {
		t.Fatalf("BuildSession: %v", err)
	}
	defer s.Close()

	_, err = s.QueryBalance(context.Background(), "bchtest:x")
	if !domain.IsTransportReason(err, domain.ReasonProtocolError) {
		t.Fatalf("expected protocolError, got %v", err)
	}
}

func TestSession_ConfidenceAgreement(t *testing.T) {
	a := newFakeElectrum(t, standard(100, 5))
	b := newFakeElectrum(t, standard(100, 5))
	cluster, _ := NewCluster([]domain.Endpoint{a.endpoint(t), b.endpoint(t)}, testPolicy(2, 2))
	s, err := cluster.BuildSession(context.Background())
	if err != nil {
		t.Fatalf("BuildSession: %v", err)
	}
	defer s.Close()

	bal, err := s.QueryBalance(context.Background(), "bchtest:x")
	if err != nil {
		t.Fatalf("QueryBalance: %v", err)
	}
	if bal != 105 {
		t.Errorf("balance = %d", bal)
	}
}

func TestClient_TimeoutReason(t *testing.T) {
	silent := newFakeElectrum(t, func(method string, params []any) answer {
		if method == methodVersion {
			return answer{result: []string{"x", "1.4.1"}}
		}
		return answer{action: drop}
	})

	policy := testPolicy(1, 1)
	policy.Timeout = 150 * time.Millisecond
	cluster, _ := NewCluster([]domain.Endpoint{silent.endpoint(t)}, policy)
	s, err := cluster.BuildSession(context.Background())
	if err != nil {
		t.Fatalf("BuildSession: %v", err)
	}
	defer s.Close()

	_, err = s.QueryBalance(context.Background(), "bchtest:x")
	if !domain.IsTransportReason(err, domain.ReasonTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}

	// The failed client is closed; the next call reports a disconnect.
	_, err = s.QueryBalance(context.Background(), "bchtest:x")
	if !domain.IsTransportReason(err, domain.ReasonDisconnected) {
		t.Fatalf("expected disconnected, got %v", err)
	}
}

func TestClient_ContextDeadline(t *testing.T) {
	silent := newFakeElectrum(t, func(method string, params []any) answer {
		if method == methodVersion {
			return answer{result: []string{"x", "1.4.1"}}
		}
		return answer{action: drop}
	})
	policy := testPolicy(1, 1)
	policy.Timeout = 5 * time.Second
	cluster, _ := NewCluster([]domain.Endpoint{silent.endpoint(t)}, policy)
	s, err := cluster.BuildSession(context.Background())
	if err != nil {
		t.Fatalf("BuildSession: %v", err)
	}
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = s.QueryBalance(ctx, "bchtest:x")
	if !domain.IsTransportReason(err, domain.ReasonTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Errorf("call ignored the context deadline")
	}
}

func TestClient_DisconnectedReason(t *testing.T) {
	flaky := newFakeElectrum(t, func(method string, params []any) answer {
		if method == methodVersion {
			return answer{result: []string{"x", "1.4.1"}}
		}
		return answer{action: hangup}
	})
	cluster, _ := NewCluster([]domain.Endpoint{flaky.endpoint(t)}, testPolicy(1, 1))
	s, err := cluster.BuildSession(context.Background())
	if err != nil {
		t.Fatalf("BuildSession: %v", err)
	}
	defer s.Close()

	_, err = s.Broadcast(context.Background(), []byte{0x01})
	if !domain.IsTransportReason(err, domain.ReasonDisconnected) {
		t.Fatalf("expected disconnected, got %v", err)
	}
}

func TestSession_BroadcastRejected(t *testing.T) {
	f := newFakeElectrum(t, func(method string, params []any) answer {
		switch method {
		case methodVersion:
			return answer{result: []string{"x", "1.4.1"}}
		case methodBroadcast:
			return answer{err: &RPCError{Code: 1, Message: "mandatory-script-verify-flag-failed (Script evaluated without error but finished with a false/empty top stack element)"}}
		}
		return answer{action: drop}
	})
	cluster, _ := NewCluster([]domain.Endpoint{f.endpoint(t)}, testPolicy(1, 1))
	s, err := cluster.BuildSession(context.Background())
	if err != nil {
		t.Fatalf("BuildSession: %v", err)
	}
	defer s.Close()

	_, err = s.Broadcast(context.Background(), []byte{0x01, 0x02})
	if !errors.Is(err, domain.ErrContractRejected) {
		t.Fatalf("expected ErrContractRejected, got %v", err)
	}
	var rej *domain.ContractRejectionError
	if !errors.As(err, &rej) || !strings.Contains(rej.Reason, "script-verify") {
		t.Errorf("rejection reason not surfaced: %v", err)
	}
}

func TestSession_BroadcastSendsHex(t *testing.T) {
	var gotHex atomic.Value
	f := newFakeElectrum(t, func(method string, params []any) answer {
		switch method {
		case methodVersion:
			return answer{result: []string{"x", "1.4.1"}}
		case methodBroadcast:
			gotHex.Store(params[0])
			return answer{result: "deadbeef"}
		}
		return answer{action: drop}
	})
	cluster, _ := NewCluster([]domain.Endpoint{f.endpoint(t)}, testPolicy(1, 1))
	s, err := cluster.BuildSession(context.Background())
	if err != nil {
		t.Fatalf("BuildSession: %v", err)
	}
	defer s.Close()

	txid, err := s.Broadcast(context.Background(), []byte{0xca, 0xfe})
	if err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	if txid != "deadbeef" {
		t.Errorf("txid = %s", txid)
	}
	if gotHex.Load() != "cafe" {
		t.Errorf("server received %v", gotHex.Load())
	}
}
