package electrum

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/vietddude/distributor/internal/core/domain"
)

const (
	methodVersion     = "server.version"
	methodBalance     = "blockchain.address.get_balance"
	methodListUnspent = "blockchain.address.listunspent"
	methodBroadcast   = "blockchain.transaction.broadcast"
)

// Session is a live set of connected clients. It is disposable: callers
// replace it wholesale after a transport failure instead of repairing it.
type Session struct {
	clients    []*Client
	confidence int
	log        *slog.Logger
}

func newSession(clients []*Client, confidence int) *Session {
	return &Session{clients: clients, confidence: confidence, log: slog.Default()}
}

// Endpoints lists the endpoints backing this session, in preference order.
func (s *Session) Endpoints() []domain.Endpoint {
	out := make([]domain.Endpoint, len(s.clients))
	for i, c := range s.clients {
		out[i] = c.Endpoint()
	}
	return out
}

// request asks clients in order until confidence of them return the same result.
func (s *Session) request(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	type tally struct {
		result json.RawMessage
		count  int
	}
	var (
		tallies []tally
		lastErr error
	)

	for _, c := range s.clients {
		raw, err := c.Call(ctx, method, params...)
		if err != nil {
			var rpcErr *RPCError
			if errors.As(err, &rpcErr) {
				return nil, err
			}
			lastErr = err
			s.log.Warn("Electrum request failed", "endpoint", c.name, "method", method, "error", err)
			continue
		}

		var buf bytes.Buffer
		if err := json.Compact(&buf, raw); err != nil {
			lastErr = domain.NewTransportError(c.name, domain.ReasonProtocolError, err)
			continue
		}
		key := buf.Bytes()

		matched := false
		for i := range tallies {
			if bytes.Equal(tallies[i].result, key) {
				tallies[i].count++
				matched = true
				if tallies[i].count >= s.confidence {
					return tallies[i].result, nil
				}
			}
		}
		if !matched {
			tallies = append(tallies, tally{result: key, count: 1})
			if s.confidence <= 1 {
				return key, nil
			}
		}
	}

	if lastErr != nil {
		return nil, lastErr
	}
	if len(s.clients) == 0 {
		return nil, domain.NewTransportError("", domain.ReasonDisconnected, errors.New("session has no clients"))
	}
	return nil, domain.NewTransportError("", domain.ReasonProtocolError,
		fmt.Errorf("%s: no %d endpoints agreed", method, s.confidence))
}

// QueryBalance returns confirmed plus unconfirmed satoshis held by address.
func (s *Session) QueryBalance(ctx context.Context, address string) (int64, error) {
	raw, err := s.request(ctx, methodBalance, address)
	if err != nil {
		return 0, fmt.Errorf("get balance: %w", err)
	}
	var bal struct {
		Confirmed   int64 `json:"confirmed"`
		Unconfirmed int64 `json:"unconfirmed"`
	}
	if err := json.Unmarshal(raw, &bal); err != nil {
		return 0, domain.NewTransportError("", domain.ReasonProtocolError, fmt.Errorf("decode balance: %w", err))
	}
	return bal.Confirmed + bal.Unconfirmed, nil
}

// ListUnspent returns the outputs currently spendable by address.
func (s *Session) ListUnspent(ctx context.Context, address string) ([]domain.UTXO, error) {
	raw, err := s.request(ctx, methodListUnspent, address)
	if err != nil {
		return nil, fmt.Errorf("list unspent: %w", err)
	}
	var entries []struct {
		TxHash    string     `json:"tx_hash"`
		TxPos     uint32     `json:"tx_pos"`
		Height    int64      `json:"height"`
		Value     int64      `json:"value"`
		TokenData *tokenData `json:"token_data"`
	}
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, domain.NewTransportError("", domain.ReasonProtocolError, fmt.Errorf("decode utxos: %w", err))
	}

	utxos := make([]domain.UTXO, 0, len(entries))
	for _, e := range entries {
		u := domain.UTXO{TxHash: e.TxHash, TxPos: e.TxPos, Height: e.Height, Value: e.Value}
		if e.TokenData != nil {
			tok, err := e.TokenData.token()
			if err != nil {
				return nil, domain.NewTransportError("", domain.ReasonProtocolError,
					fmt.Errorf("decode token data of %s:%d: %w", e.TxHash, e.TxPos, err))
			}
			u.Token = tok
		}
		utxos = append(utxos, u)
	}
	return utxos, nil
}

// tokenData is the token_data object Fulcrum attaches to token outputs. The
// amount arrives as a decimal string.
type tokenData struct {
	Category string      `json:"category"`
	Amount   json.Number `json:"amount"`
	NFT      *struct {
		Capability string `json:"capability"`
		Commitment string `json:"commitment"`
	} `json:"nft"`
}

func (t *tokenData) token() (*domain.Token, error) {
	if len(t.Category) != 64 {
		return nil, fmt.Errorf("category %q is not a 32-byte hex id", t.Category)
	}
	tok := &domain.Token{Category: strings.ToLower(t.Category)}
	if t.Amount != "" {
		amount, err := strconv.ParseUint(t.Amount.String(), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("amount %q: %w", t.Amount, err)
		}
		tok.Amount = amount
	}
	if t.NFT != nil {
		tok.NFT = &domain.NFT{Capability: t.NFT.Capability, Commitment: t.NFT.Commitment}
	}
	return tok, nil
}

// Broadcast submits a raw transaction. The first endpoint to accept it wins.
// A node refusing the transaction is a deterministic rejection, not a transport error.
func (s *Session) Broadcast(ctx context.Context, rawTx []byte) (string, error) {
	txHex := hex.EncodeToString(rawTx)

	var lastErr error
	for _, c := range s.clients {
		raw, err := c.Call(ctx, methodBroadcast, txHex)
		if err != nil {
			var rpcErr *RPCError
			if errors.As(err, &rpcErr) {
				return "", domain.Rejected(rpcErr.Message, err)
			}
			lastErr = err
			continue
		}

		var txid string
		if err := json.Unmarshal(raw, &txid); err != nil {
			return "", domain.NewTransportError(c.name, domain.ReasonProtocolError, fmt.Errorf("decode txid: %w", err))
		}
		s.log.Info("Transaction broadcast", "txid", txid, "endpoint", c.name)
		return txid, nil
	}

	if lastErr == nil {
		lastErr = domain.NewTransportError("", domain.ReasonDisconnected, errors.New("session has no clients"))
	}
	return "", fmt.Errorf("broadcast: %w", lastErr)
}

// Close closes every client.
func (s *Session) Close() error {
	var errs []error
	for _, c := range s.clients {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
