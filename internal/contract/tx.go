package contract

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/vietddude/distributor/internal/core/domain"
	"github.com/vietddude/distributor/internal/keys"
)

const (
	// DustLimit is the smallest output value relayed by BCH nodes.
	DustLimit int64 = 546

	// SigHashAllForkID is SIGHASH_ALL with the BCH fork id bit.
	SigHashAllForkID txscript.SigHashType = 0x41

	txVersion = 2

	// p2pkhUnlockSize is the worst-case unlocking script of a compressed-key P2PKH input.
	p2pkhUnlockSize = 1 + 73 + 1 + 33
)

// Network is the slice of a network session the contract layer needs.
type Network interface {
	QueryBalance(ctx context.Context, address string) (int64, error)
	ListUnspent(ctx context.Context, address string) ([]domain.UTXO, error)
	Broadcast(ctx context.Context, rawTx []byte) (string, error)
}

// Signer produces signatures for a single P2PKH key.
type Signer interface {
	Address() string
	PublicKey() []byte
	Sign(digest []byte) ([]byte, error)
}

// LockingScript returns the output script paying to a CashAddr address on net.
func LockingScript(address string, net keys.Network) ([]byte, error) {
	d, err := keys.DecodeAddress(address)
	if err != nil {
		return nil, err
	}
	if d.Network.CashAddrPrefix != net.CashAddrPrefix {
		return nil, fmt.Errorf("%w: address %s is not on %s", domain.ErrEncoding, address, net.Name)
	}
	if len(d.Hash) != keys.HashSize {
		return nil, fmt.Errorf("%w: unsupported hash length %d", domain.ErrEncoding, len(d.Hash))
	}

	b := txscript.NewScriptBuilder()
	switch d.Type {
	case keys.P2PKH:
		b.AddOp(txscript.OP_DUP).AddOp(txscript.OP_HASH160).AddData(d.Hash).
			AddOp(txscript.OP_EQUALVERIFY).AddOp(txscript.OP_CHECKSIG)
	case keys.P2SH:
		b.AddOp(txscript.OP_HASH160).AddData(d.Hash).AddOp(txscript.OP_EQUAL)
	default:
		return nil, fmt.Errorf("%w: unsupported address type %s", domain.ErrEncoding, d.Type)
	}
	return b.Script()
}

func outPoint(u domain.UTXO) (*wire.OutPoint, error) {
	h, err := chainhash.NewHashFromStr(u.TxHash)
	if err != nil {
		return nil, fmt.Errorf("utxo %s:%d: %w", u.TxHash, u.TxPos, err)
	}
	return wire.NewOutPoint(h, u.TxPos), nil
}

// spendable drops token-carrying outputs.
func spendable(utxos []domain.UTXO) []domain.UTXO {
	out := make([]domain.UTXO, 0, len(utxos))
	for _, u := range utxos {
		if !u.HasToken() {
			out = append(out, u)
		}
	}
	return out
}

// Serialize returns the wire encoding of tx.
func Serialize(tx *wire.MsgTx) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(tx.SerializeSize())
	if err := tx.Serialize(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// SignatureHash computes the BCH replay-protected digest of input idx, which
// spends spent. Token-free spends use the BIP143-style digest from txscript.
// Token spends insert the spent output's token prefix ahead of scriptCode;
// only SIGHASH_ALL|FORKID is supported for those.
func SignatureHash(tx *wire.MsgTx, idx int, scriptCode []byte, spent domain.UTXO, hashType txscript.SigHashType) ([]byte, error) {
	if idx < 0 || idx >= len(tx.TxIn) {
		return nil, fmt.Errorf("sighash: input %d out of range", idx)
	}
	hashes := txscript.NewTxSigHashes(tx, txscript.NewCannedPrevOutputFetcher(scriptCode, spent.Value))
	if !spent.HasToken() {
		return txscript.CalcWitnessSigHash(scriptCode, hashes, hashType, tx, idx, spent.Value)
	}

	if hashType != SigHashAllForkID {
		return nil, fmt.Errorf("sighash: hash type %#x unsupported for token inputs", uint32(hashType))
	}
	prefix, err := TokenPrefix(spent.Token)
	if err != nil {
		return nil, fmt.Errorf("sighash: %w", err)
	}

	in := tx.TxIn[idx]
	var (
		pre bytes.Buffer
		u32 [4]byte
		u64 [8]byte
	)
	binary.LittleEndian.PutUint32(u32[:], uint32(tx.Version))
	pre.Write(u32[:])
	pre.Write(hashes.HashPrevOutsV0[:])
	pre.Write(hashes.HashSequenceV0[:])
	pre.Write(in.PreviousOutPoint.Hash[:])
	binary.LittleEndian.PutUint32(u32[:], in.PreviousOutPoint.Index)
	pre.Write(u32[:])
	pre.Write(prefix)
	if err := wire.WriteVarBytes(&pre, 0, scriptCode); err != nil {
		return nil, err
	}
	binary.LittleEndian.PutUint64(u64[:], uint64(spent.Value))
	pre.Write(u64[:])
	binary.LittleEndian.PutUint32(u32[:], in.Sequence)
	pre.Write(u32[:])
	pre.Write(hashes.HashOutputsV0[:])
	binary.LittleEndian.PutUint32(u32[:], tx.LockTime)
	pre.Write(u32[:])
	binary.LittleEndian.PutUint32(u32[:], uint32(hashType))
	pre.Write(u32[:])

	return chainhash.DoubleHashB(pre.Bytes()), nil
}

// signP2PKH signs input idx, which spends spent, and installs the unlocking script.
func signP2PKH(tx *wire.MsgTx, idx int, lockingScript []byte, spent domain.UTXO, signer Signer) error {
	digest, err := SignatureHash(tx, idx, lockingScript, spent, SigHashAllForkID)
	if err != nil {
		return err
	}
	sig, err := signer.Sign(digest)
	if err != nil {
		return fmt.Errorf("sign input %d: %w", idx, err)
	}
	sig = append(sig, byte(SigHashAllForkID))
	unlock, err := txscript.NewScriptBuilder().AddData(sig).AddData(signer.PublicKey()).Script()
	if err != nil {
		return err
	}
	tx.TxIn[idx].SignatureScript = unlock
	return nil
}

// BuildPayment assembles and signs a P2PKH transfer of amount sats from the
// signer's address to to. Change at or above the dust limit goes back to the signer.
func BuildPayment(ctx context.Context, network Network, net keys.Network, signer Signer, to string, amount, feeRate int64) (*wire.MsgTx, error) {
	if amount < DustLimit {
		return nil, fmt.Errorf("%w: %d sats is below the dust limit of %d", domain.ErrInvalidAmount, amount, DustLimit)
	}
	if feeRate <= 0 {
		feeRate = 1
	}

	toScript, err := LockingScript(to, net)
	if err != nil {
		return nil, err
	}
	from := signer.Address()
	fromScript, err := LockingScript(from, net)
	if err != nil {
		return nil, err
	}

	utxos, err := network.ListUnspent(ctx, from)
	if err != nil {
		return nil, err
	}
	utxos = spendable(utxos)
	sort.SliceStable(utxos, func(i, j int) bool { return utxos[i].Value > utxos[j].Value })

	tx := wire.NewMsgTx(txVersion)
	tx.AddTxOut(wire.NewTxOut(amount, toScript))

	var (
		selected []domain.UTXO
		total    int64
		fee      int64
		change   int64
	)
	for _, u := range utxos {
		op, err := outPoint(u)
		if err != nil {
			return nil, err
		}
		tx.AddTxIn(wire.NewTxIn(op, make([]byte, p2pkhUnlockSize), nil))
		selected = append(selected, u)
		total += u.Value

		// Size with a change output; drop it below when it would be dust.
		size := int64(tx.SerializeSize()) + int64(wire.NewTxOut(0, fromScript).SerializeSize())
		fee = size * feeRate
		change = total - amount - fee
		if change >= DustLimit {
			break
		}
		noChangeFee := int64(tx.SerializeSize()) * feeRate
		if total-amount-noChangeFee >= 0 {
			fee = noChangeFee
			change = 0
			break
		}
	}
	if len(selected) == 0 || total < amount+fee {
		return nil, fmt.Errorf("%w: %s holds %d spendable sats, need %d plus fee",
			domain.ErrInsufficientFunds, from, total, amount)
	}
	if change >= DustLimit {
		tx.AddTxOut(wire.NewTxOut(change, fromScript))
	}

	for i, u := range selected {
		if err := signP2PKH(tx, i, fromScript, u, signer); err != nil {
			return nil, err
		}
	}
	return tx, nil
}
