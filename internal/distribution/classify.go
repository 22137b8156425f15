package distribution

import (
	"context"
	"errors"
	"strings"

	"github.com/vietddude/distributor/internal/core/domain"
)

// ErrorAction determines how the orchestrator handles a failed attempt.
type ErrorAction int

const (
	// ActionRetry discards the network session, rebuilds it and tries again.
	ActionRetry ErrorAction = iota
	// ActionFatal ends the run and surfaces the error.
	ActionFatal
)

func (a ErrorAction) String() string {
	if a == ActionRetry {
		return "retry"
	}
	return "fatal"
}

// ClassifyError determines the action for a failed attempt.
func ClassifyError(err error) ErrorAction {
	if err == nil {
		return ActionFatal
	}

	// Deterministic failures: retrying with the same inputs fails the same way.
	if errors.Is(err, domain.ErrContractRejected) ||
		errors.Is(err, domain.ErrCancelled) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, domain.ErrInvalidKey) ||
		errors.Is(err, domain.ErrInvalidWIF) ||
		errors.Is(err, domain.ErrEncoding) ||
		errors.Is(err, domain.ErrInvalidAmount) {
		return ActionFatal
	}

	// Checked before transport reasons: an unavailable cluster joins the
	// per-endpoint causes, which may include protocol errors.
	if errors.Is(err, domain.ErrClusterUnavailable) {
		return ActionRetry
	}

	var te *domain.TransportError
	if errors.As(err, &te) {
		switch te.Reason {
		case domain.ReasonDisconnected, domain.ReasonTimeout:
			return ActionRetry
		default:
			return ActionFatal
		}
	}

	// Untyped errors from lower layers: match the connection-drop messages
	// Electrum clients are known to produce.
	s := strings.ToLower(err.Error())
	if strings.Contains(s, "available clients (0)") ||
		strings.Contains(s, "socket") ||
		strings.Contains(s, "timeout") ||
		strings.Contains(s, "connection reset") ||
		strings.Contains(s, "broken pipe") {
		return ActionRetry
	}

	return ActionFatal
}
