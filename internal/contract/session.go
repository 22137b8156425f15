package contract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"

	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/vietddude/distributor/internal/core/domain"
	"github.com/vietddude/distributor/internal/keys"
)

const functionDistribute = "distribute"

// holderIndex is the input and output index the covenant reads:
//
//	tx.outputs[1].value == tx.inputs[1].tokenAmount * dividendPerToken
const holderIndex = 1

// Distribution describes one call of the distribute function.
type Distribution struct {
	// Category restricts the holder input to one token category. Empty
	// takes the holder's largest fungible holding.
	Category string `json:"category,omitempty"`
	// Holder owns the token input and receives the dividend.
	Holder Signer `json:"-"`
}

// Call is an unbroadcast distribute transaction. Prevouts are the outputs
// spent by Tx, in input order.
type Call struct {
	Tx       *wire.MsgTx
	Prevouts []domain.UTXO
	Holder   string
	Dividend int64
	Fee      int64
}

// Session is a contract instance bound to a network session. A new Session
// must be bound whenever the underlying network session is replaced.
type Session struct {
	params           Params
	artifact         *Artifact
	redeem           []byte
	lock             []byte
	address          string
	net              keys.Network
	network          Network
	dividendPerToken int64
	feeRate          int64
	log              *slog.Logger
}

// Bind attaches params to network. The address is derived locally.
func Bind(params Params, net keys.Network, network Network) (*Session, error) {
	if network == nil {
		return nil, errors.New("bind: nil network session")
	}
	a, err := LoadArtifact(params.Definition)
	if err != nil {
		return nil, err
	}
	redeem, err := RedeemScript(params)
	if err != nil {
		return nil, err
	}
	address, err := Address(params, net)
	if err != nil {
		return nil, err
	}
	lock, err := LockingScript(address, net)
	if err != nil {
		return nil, err
	}

	s := &Session{
		params:   params,
		artifact: a,
		redeem:   redeem,
		lock:     lock,
		address:  address,
		net:      net,
		network:  network,
		feeRate:  1,
		log:      slog.Default(),
	}
	if arg, ok := params.Arg("dividendPerToken"); ok {
		s.dividendPerToken, _ = arg.Int()
	}
	return s, nil
}

// WithFeeRate sets the fee in sats per byte used by BuildDistributionCall.
func (s *Session) WithFeeRate(rate int64) *Session {
	if rate > 0 {
		s.feeRate = rate
	}
	return s
}

func (s *Session) Address() string { return s.address }

func (s *Session) Params() Params { return s.params }

// DividendPerToken is the sats paid per token unit.
func (s *Session) DividendPerToken() int64 { return s.dividendPerToken }

// Balance returns the confirmed plus unconfirmed balance of the contract address.
func (s *Session) Balance(ctx context.Context) (int64, error) {
	return s.network.QueryBalance(ctx, s.address)
}

// QueryDeployed reports whether the contract address holds any funds.
func (s *Session) QueryDeployed(ctx context.Context) (bool, error) {
	bal, err := s.Balance(ctx)
	if err != nil {
		return false, err
	}
	return bal > 0, nil
}

// VerifyDividends checks the call against the covenant: output 1 must pay
// exactly the token amount of input 1 times dividendPerToken.
func (s *Session) VerifyDividends(c *Call) error {
	tx := c.Tx
	if len(tx.TxIn) <= holderIndex || len(tx.TxOut) <= holderIndex {
		return domain.Rejected("distribution needs a holder input and a dividend output", nil)
	}
	if len(c.Prevouts) != len(tx.TxIn) {
		return domain.Rejected(fmt.Sprintf("%d prevouts for %d inputs", len(c.Prevouts), len(tx.TxIn)), nil)
	}
	for i, u := range c.Prevouts {
		op, err := outPoint(u)
		if err != nil {
			return domain.Rejected("invalid prevout", err)
		}
		if *op != tx.TxIn[i].PreviousOutPoint {
			return domain.Rejected(fmt.Sprintf("input %d spends %v, prevout is %v", i, tx.TxIn[i].PreviousOutPoint, *op), nil)
		}
	}

	holder := c.Prevouts[holderIndex]
	if !holder.HasToken() {
		return domain.Rejected(fmt.Sprintf("input %d carries no tokens", holderIndex), nil)
	}
	want, err := s.dividend(holder.Token.Amount)
	if err != nil {
		return err
	}
	if got := tx.TxOut[holderIndex].Value; got != want {
		return domain.Rejected(fmt.Sprintf("output %d pays %d sats, input %d holds %d tokens and requires %d",
			holderIndex, got, holderIndex, holder.Token.Amount, want), nil)
	}
	return nil
}

func (s *Session) dividend(tokens uint64) (int64, error) {
	if tokens == 0 {
		return 0, domain.Rejected("holder input has no fungible tokens", nil)
	}
	if tokens > math.MaxInt64 || (s.dividendPerToken > 0 && int64(tokens) > math.MaxInt64/s.dividendPerToken) {
		return 0, domain.Rejected(fmt.Sprintf("dividend for %d tokens overflows", tokens), nil)
	}
	return int64(tokens) * s.dividendPerToken, nil
}

// holderInput picks the holder output carrying the most fungible tokens of
// category, or of any category when it is empty.
func holderInput(utxos []domain.UTXO, category string) (domain.UTXO, bool) {
	var (
		best  domain.UTXO
		found bool
	)
	for _, u := range utxos {
		if !u.HasToken() || u.Token.Amount == 0 {
			continue
		}
		if category != "" && !strings.EqualFold(u.Token.Category, category) {
			continue
		}
		if !found || u.Token.Amount > best.Token.Amount {
			best, found = u, true
		}
	}
	return best, found
}

// BuildDistributionCall spends the token-free contract outputs together with
// the holder's token output. Input 0 is the largest contract output and
// input 1 the holder's tokens. Output 0 returns the tokens to the holder,
// output 1 pays the dividend and output 2 returns the remainder to the contract.
func (s *Session) BuildDistributionCall(ctx context.Context, d Distribution) (*Call, error) {
	if !s.artifact.HasFunction(functionDistribute) {
		return nil, domain.Rejected(s.artifact.ContractName+" has no distribute function", nil)
	}
	if d.Holder == nil {
		return nil, fmt.Errorf("distribute: %w", domain.ErrNoWallet)
	}
	holderAddr := d.Holder.Address()
	holderLock, err := LockingScript(holderAddr, s.net)
	if err != nil {
		return nil, err
	}

	utxos, err := s.network.ListUnspent(ctx, s.address)
	if err != nil {
		return nil, err
	}
	utxos = spendable(utxos)
	if len(utxos) == 0 {
		return nil, domain.Rejected("contract holds no spendable outputs", domain.ErrInsufficientFunds)
	}
	sort.SliceStable(utxos, func(i, j int) bool { return utxos[i].Value > utxos[j].Value })

	held, err := s.network.ListUnspent(ctx, holderAddr)
	if err != nil {
		return nil, err
	}
	holder, ok := holderInput(held, d.Category)
	if !ok {
		return nil, domain.Rejected(fmt.Sprintf("%s holds no fungible tokens", holderAddr), nil)
	}
	dividend, err := s.dividend(holder.Token.Amount)
	if err != nil {
		return nil, err
	}
	if dividend < DustLimit {
		return nil, domain.Rejected(fmt.Sprintf("dividend of %d sats is below the dust limit", dividend), nil)
	}

	unlock, err := txscript.NewScriptBuilder().AddData(s.redeem).Script()
	if err != nil {
		return nil, fmt.Errorf("build unlocking script: %w", err)
	}

	prevouts := make([]domain.UTXO, 0, len(utxos)+1)
	prevouts = append(prevouts, utxos[0], holder)
	prevouts = append(prevouts, utxos[1:]...)

	tx := wire.NewMsgTx(txVersion)
	var total int64
	for i, u := range prevouts {
		op, err := outPoint(u)
		if err != nil {
			return nil, err
		}
		script := unlock
		if i == holderIndex {
			script = make([]byte, p2pkhUnlockSize)
		}
		tx.AddTxIn(wire.NewTxIn(op, script, nil))
		total += u.Value
	}

	tokenReturn, err := tokenOutput(holder.Value, holder.Token, holderLock)
	if err != nil {
		return nil, err
	}
	tx.AddTxOut(tokenReturn)
	tx.AddTxOut(wire.NewTxOut(dividend, holderLock))
	paid := holder.Value + dividend

	remainderOut := wire.NewTxOut(0, s.lock)
	fee := int64(tx.SerializeSize()+remainderOut.SerializeSize()) * s.feeRate
	remainder := total - paid - fee
	if remainder < DustLimit {
		fee = int64(tx.SerializeSize()) * s.feeRate
		remainder = total - paid - fee
		if remainder < 0 {
			return nil, domain.Rejected(
				fmt.Sprintf("contract holds %d sats, dividend needs %d plus %d fee", total-holder.Value, dividend, fee),
				domain.ErrInsufficientFunds)
		}
		remainder = 0
	}
	if remainder > 0 {
		remainderOut.Value = remainder
		tx.AddTxOut(remainderOut)
	}

	if err := signP2PKH(tx, holderIndex, holderLock, holder, d.Holder); err != nil {
		return nil, err
	}

	call := &Call{
		Tx:       tx,
		Prevouts: prevouts,
		Holder:   holderAddr,
		Dividend: dividend,
		Fee:      total - paid - remainder,
	}
	s.log.Debug("Built distribution call",
		"contract", s.address, "holder", holderAddr, "tokens", holder.Token.Amount,
		"dividend", dividend, "inputs", len(prevouts), "fee", call.Fee)
	return call, nil
}

// Send verifies and broadcasts a distribution call.
func (s *Session) Send(ctx context.Context, c *Call) (string, error) {
	if err := s.VerifyDividends(c); err != nil {
		return "", err
	}
	raw, err := Serialize(c.Tx)
	if err != nil {
		return "", fmt.Errorf("serialize distribution: %w", err)
	}
	return s.network.Broadcast(ctx, raw)
}

// Distribute builds and sends one distribution call.
func (s *Session) Distribute(ctx context.Context, d Distribution) (string, error) {
	call, err := s.BuildDistributionCall(ctx, d)
	if err != nil {
		return "", err
	}
	return s.Send(ctx, call)
}
