package domain

import (
	"errors"
	"fmt"
)

// Key and address layer. Fatal to the operation, never retried.
var (
	ErrEntropy    = errors.New("entropy source unavailable")
	ErrInvalidKey = errors.New("invalid private key")
	ErrEncoding   = errors.New("invalid address encoding")
	ErrInvalidWIF = errors.New("invalid WIF")
)

// Network layer.
var (
	ErrClusterUnavailable = errors.New("cluster unavailable")
	ErrContractRejected   = errors.New("contract rejected transaction")
)

// Transaction construction.
var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidAmount     = errors.New("invalid amount")
)

// Orchestration.
var (
	ErrCancelled              = errors.New("distribution cancelled")
	ErrDistributionInProgress = errors.New("distribution already in progress")
	ErrNoWallet               = errors.New("wallet not connected")
	ErrNotReady               = errors.New("contract session not ready")
)

// TransportReason tags a transport failure. The orchestrator's retry policy keys on it.
type TransportReason string

const (
	ReasonDisconnected  TransportReason = "disconnected"
	ReasonTimeout       TransportReason = "timeout"
	ReasonProtocolError TransportReason = "protocolError"
)

// TransportError is a failure talking to a network endpoint.
type TransportError struct {
	Endpoint string
	Reason   TransportReason
	Err      error
}

func (e *TransportError) Error() string {
	if e.Endpoint == "" {
		return fmt.Sprintf("transport %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("transport %s (%s): %v", e.Reason, e.Endpoint, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// NewTransportError builds a TransportError.
func NewTransportError(endpoint string, reason TransportReason, err error) *TransportError {
	return &TransportError{Endpoint: endpoint, Reason: reason, Err: err}
}

// IsTransportReason reports whether err carries a TransportError with one of the reasons.
func IsTransportReason(err error, reasons ...TransportReason) bool {
	var te *TransportError
	if !errors.As(err, &te) {
		return false
	}
	for _, r := range reasons {
		if te.Reason == r {
			return true
		}
	}
	return false
}

// ContractRejectionError is a deterministic refusal of a transaction: dividend math,
// ABI violation, insufficient contract funds or a node-side script failure.
// Retrying without changing the inputs fails the same way.
type ContractRejectionError struct {
	Reason string
	Err    error
}

func (e *ContractRejectionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("contract rejected: %s: %v", e.Reason, e.Err)
	}
	return "contract rejected: " + e.Reason
}

func (e *ContractRejectionError) Unwrap() error {
	return e.Err
}

func (e *ContractRejectionError) Is(target error) bool {
	return target == ErrContractRejected
}

// Rejected builds a ContractRejectionError.
func Rejected(reason string, err error) *ContractRejectionError {
	return &ContractRejectionError{Reason: reason, Err: err}
}
