// Package distribution drives dividend distributions against a contract,
// rebuilding the network session when the transport drops mid-run.
package distribution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"github.com/vietddude/distributor/internal/contract"
	"github.com/vietddude/distributor/internal/core/domain"
	"github.com/vietddude/distributor/internal/keys"
	"github.com/vietddude/distributor/internal/metrics"
)

const (
	DefaultMaxRetries = 3
	DefaultBackoff    = time.Second
	DefaultLockTTL    = 2 * time.Minute
)

// NetworkSession is a disposable connection to the peer network.
type NetworkSession interface {
	contract.Network
	Close() error
}

// SessionBuilder produces fresh network sessions.
type SessionBuilder interface {
	BuildSession(ctx context.Context) (NetworkSession, error)
}

// SessionBuilderFunc adapts a function to SessionBuilder.
type SessionBuilderFunc func(ctx context.Context) (NetworkSession, error)

func (f SessionBuilderFunc) BuildSession(ctx context.Context) (NetworkSession, error) {
	return f(ctx)
}

// Lock serializes distributions across processes sharing a wallet.
type Lock interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// Refresher is implemented by locks whose lease can be extended. Retries
// refresh the lease so a long run keeps its lock.
type Refresher interface {
	Refresh(ctx context.Context, key string, ttl time.Duration) error
}

// State is the orchestrator's run state.
type State string

const (
	StateIdle       State = "idle"
	StateAttempting State = "attempting"
	StateSucceeded  State = "succeeded"
	StateFailed     State = "failed"
	StateCancelled  State = "cancelled"
)

// Status is a snapshot of the current run.
type Status struct {
	State State `json:"state"`
	// Attempt is the zero-based retry counter while attempting.
	Attempt int    `json:"attempt"`
	RunID   string `json:"run_id,omitempty"`
}

// Attempt records one try of a run.
type Attempt struct {
	Number   int           `json:"number"`
	Error    string        `json:"error,omitempty"`
	Action   string        `json:"action,omitempty"`
	Rebuilt  bool          `json:"rebuilt"`
	Duration time.Duration `json:"duration"`
}

// Outcome is the terminal result of a distribution run.
type Outcome struct {
	RunID    string    `json:"run_id"`
	State    State     `json:"state"`
	TxID     string    `json:"txid,omitempty"`
	Attempts []Attempt `json:"attempts"`
}

// Config controls an Orchestrator.
type Config struct {
	Params     contract.Params
	Network    keys.Network
	FeeRate    int64
	MaxRetries int
	Backoff    time.Duration
	LockKey    string
	LockTTL    time.Duration
}

// binding pairs a network session with the contract bound to it. It is
// replaced wholesale, never patched.
type binding struct {
	session  NetworkSession
	contract *contract.Session
}

// Orchestrator owns the current contract binding and runs distributions.
type Orchestrator struct {
	cfg     Config
	builder SessionBuilder
	lock    Lock
	log     *slog.Logger

	current  atomic.Pointer[binding]
	deployed atomic.Bool
	inFlight atomic.Bool

	mu     sync.Mutex
	status Status
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLock adds a cross-process lock around distributions.
func WithLock(l Lock) Option {
	return func(o *Orchestrator) { o.lock = l }
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.log = l }
}

// New creates an Orchestrator. Zero config values take their defaults.
func New(builder SessionBuilder, cfg Config, opts ...Option) (*Orchestrator, error) {
	if builder == nil {
		return nil, errors.New("distribution: nil session builder")
	}
	if cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("distribution: negative max retries %d", cfg.MaxRetries)
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = DefaultBackoff
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = DefaultLockTTL
	}
	if cfg.FeeRate <= 0 {
		cfg.FeeRate = 1
	}
	if cfg.Network.Params == nil {
		cfg.Network = keys.Testnet
	}
	if _, err := contract.Address(cfg.Params, cfg.Network); err != nil {
		return nil, fmt.Errorf("distribution: %w", err)
	}

	o := &Orchestrator{
		cfg:     cfg,
		builder: builder,
		log:     slog.Default(),
		status:  Status{State: StateIdle},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// rebind builds a new session and contract binding and installs it,
// closing the one it replaces.
func (o *Orchestrator) rebind(ctx context.Context) (*binding, error) {
	session, err := o.builder.BuildSession(ctx)
	if err != nil {
		return nil, err
	}
	c, err := contract.Bind(o.cfg.Params, o.cfg.Network, session)
	if err != nil {
		session.Close()
		return nil, err
	}
	b := &binding{session: session, contract: c.WithFeeRate(o.cfg.FeeRate)}
	o.install(b)
	return b, nil
}

func (o *Orchestrator) install(b *binding) {
	if old := o.current.Swap(b); old != nil && old.session != nil {
		old.session.Close()
	}
}

// discard drops the current binding.
func (o *Orchestrator) discard() {
	o.install(nil)
}

// Connect builds the network session and contract binding and refreshes
// the deployed flag.
func (o *Orchestrator) Connect(ctx context.Context) error {
	b, err := o.rebind(ctx)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	o.log.Info("Contract bound", "address", b.contract.Address())

	deployed, err := b.contract.QueryDeployed(ctx)
	if err != nil {
		return fmt.Errorf("query deployed: %w", err)
	}
	o.deployed.Store(deployed)
	return nil
}

// Reset tears down the binding. Used when the wallet disconnects.
func (o *Orchestrator) Reset() {
	o.discard()
	o.deployed.Store(false)
	o.setStatus(Status{State: StateIdle})
}

// Ready reports whether a binding is installed.
func (o *Orchestrator) Ready() bool {
	return o.current.Load() != nil
}

// Deployed reports the last observed deployment state.
func (o *Orchestrator) Deployed() bool {
	return o.deployed.Load()
}

// ContractAddress is the address of the configured contract instance.
func (o *Orchestrator) ContractAddress() string {
	if b := o.current.Load(); b != nil {
		return b.contract.Address()
	}
	addr, _ := contract.Address(o.cfg.Params, o.cfg.Network)
	return addr
}

// Status returns the current run state.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

func (o *Orchestrator) setStatus(s Status) {
	o.mu.Lock()
	o.status = s
	o.mu.Unlock()
}

func (o *Orchestrator) currentBinding() (*binding, error) {
	b := o.current.Load()
	if b == nil {
		return nil, domain.ErrNotReady
	}
	return b, nil
}

// Balance queries the balance of address over the current session.
func (o *Orchestrator) Balance(ctx context.Context, address string) (int64, error) {
	b, err := o.currentBinding()
	if err != nil {
		return 0, err
	}
	return b.session.QueryBalance(ctx, address)
}

// RefreshDeployed re-reads the contract balance.
func (o *Orchestrator) RefreshDeployed(ctx context.Context) (bool, error) {
	b, err := o.currentBinding()
	if err != nil {
		return false, err
	}
	deployed, err := b.contract.QueryDeployed(ctx)
	if err != nil {
		return o.deployed.Load(), err
	}
	o.deployed.Store(deployed)
	return deployed, nil
}

// SendPayment transfers amount sats from the signer to address. Not retried.
func (o *Orchestrator) SendPayment(ctx context.Context, signer contract.Signer, to string, amount int64) (string, error) {
	b, err := o.currentBinding()
	if err != nil {
		return "", err
	}
	tx, err := contract.BuildPayment(ctx, b.session, o.cfg.Network, signer, to, amount, o.cfg.FeeRate)
	if err != nil {
		return "", err
	}
	raw, err := contract.Serialize(tx)
	if err != nil {
		return "", fmt.Errorf("serialize payment: %w", err)
	}
	txid, err := b.session.Broadcast(ctx, raw)
	if err != nil {
		return "", err
	}
	o.log.Info("Payment broadcast", "from", signer.Address(), "to", to, "amount", amount, "txid", txid)
	return txid, nil
}

// Deploy funds the contract address. The contract counts as deployed once the
// transfer is accepted by the network.
func (o *Orchestrator) Deploy(ctx context.Context, signer contract.Signer, amount int64) (string, error) {
	txid, err := o.SendPayment(ctx, signer, o.ContractAddress(), amount)
	if err != nil {
		return "", fmt.Errorf("deploy: %w", err)
	}
	o.deployed.Store(true)
	return txid, nil
}

// Distribute runs one distribution. Transport drops rebuild the session and
// retry after a fixed backoff, up to MaxRetries times. A second call while
// one is running fails with ErrDistributionInProgress.
func (o *Orchestrator) Distribute(ctx context.Context, d contract.Distribution) (Outcome, error) {
	if !o.inFlight.CompareAndSwap(false, true) {
		return Outcome{State: StateFailed}, domain.ErrDistributionInProgress
	}
	defer o.inFlight.Store(false)

	if o.lock != nil && o.cfg.LockKey != "" {
		ok, err := o.lock.Acquire(ctx, o.cfg.LockKey, o.cfg.LockTTL)
		if err != nil {
			return Outcome{State: StateFailed}, fmt.Errorf("acquire distribution lock: %w", err)
		}
		if !ok {
			return Outcome{State: StateFailed}, domain.ErrDistributionInProgress
		}
		defer func() {
			if err := o.lock.Release(context.WithoutCancel(ctx), o.cfg.LockKey); err != nil {
				o.log.Warn("Failed to release distribution lock", "key", o.cfg.LockKey, "error", err)
			}
		}()
	}

	out := Outcome{RunID: uuid.NewString()}
	log := o.log.With("run_id", out.RunID)

	if _, err := o.currentBinding(); err != nil {
		out.State = StateFailed
		return out, err
	}

	var (
		n       int
		rebuilt bool
		txid    string
	)
	backoff := retry.WithMaxRetries(uint64(o.cfg.MaxRetries), retry.NewConstant(o.cfg.Backoff))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		o.setStatus(Status{State: StateAttempting, Attempt: n, RunID: out.RunID})
		start := time.Now()
		attempt := Attempt{Number: n + 1, Rebuilt: rebuilt}
		rebuilt = false
		if n > 0 {
			o.refreshLock(ctx, log)
		}

		id, err := o.attempt(ctx, d)
		attempt.Duration = time.Since(start)
		if err == nil {
			txid = id
			out.Attempts = append(out.Attempts, attempt)
			metrics.DistributionAttempts.WithLabelValues("success").Inc()
			return nil
		}

		attempt.Error = err.Error()
		if ctx.Err() != nil {
			attempt.Action = ActionFatal.String()
			out.Attempts = append(out.Attempts, attempt)
			metrics.DistributionAttempts.WithLabelValues("cancelled").Inc()
			return fmt.Errorf("%w: %w", domain.ErrCancelled, ctx.Err())
		}

		action := ClassifyError(err)
		if action == ActionRetry && n >= o.cfg.MaxRetries {
			action = ActionFatal
		}
		attempt.Action = action.String()
		out.Attempts = append(out.Attempts, attempt)
		metrics.DistributionAttempts.WithLabelValues(action.String()).Inc()

		if action == ActionFatal {
			log.Error("Distribution attempt failed", "attempt", n+1, "error", err)
			return err
		}

		log.Warn("Connection dropped, rebuilding session",
			"attempt", n+1, "max_retries", o.cfg.MaxRetries, "error", err)
		o.discard()
		metrics.Reconnects.Inc()
		if _, rerr := o.rebind(ctx); rerr != nil {
			log.Warn("Session rebuild failed", "error", rerr)
		} else {
			rebuilt = true
		}
		n++
		return retry.RetryableError(err)
	})

	switch {
	case err == nil:
		out.State = StateSucceeded
		out.TxID = txid
		log.Info("Distribution broadcast", "txid", txid, "attempts", len(out.Attempts))
	case ctx.Err() != nil || errors.Is(err, domain.ErrCancelled):
		// Only the caller's context cancels a run. Transport timeouts wrap
		// context.DeadlineExceeded too and end as failures.
		out.State = StateCancelled
		if !errors.Is(err, domain.ErrCancelled) {
			err = fmt.Errorf("%w: %w", domain.ErrCancelled, err)
		}
		log.Warn("Distribution cancelled", "attempts", len(out.Attempts))
	default:
		out.State = StateFailed
	}
	metrics.DistributionRuns.WithLabelValues(string(out.State)).Inc()
	o.setStatus(Status{State: out.State, Attempt: n, RunID: out.RunID})
	return out, err
}

func (o *Orchestrator) refreshLock(ctx context.Context, log *slog.Logger) {
	r, ok := o.lock.(Refresher)
	if !ok || o.cfg.LockKey == "" {
		return
	}
	if err := r.Refresh(ctx, o.cfg.LockKey, o.cfg.LockTTL); err != nil {
		log.Warn("Failed to refresh distribution lock", "key", o.cfg.LockKey, "error", err)
	}
}

// attempt runs a single distribution try against the current binding,
// rebuilding it first if a previous rebuild failed.
func (o *Orchestrator) attempt(ctx context.Context, d contract.Distribution) (string, error) {
	b := o.current.Load()
	if b == nil {
		var err error
		if b, err = o.rebind(ctx); err != nil {
			return "", err
		}
	}
	return b.contract.Distribute(ctx, d)
}

// Close releases the current session.
func (o *Orchestrator) Close() error {
	o.discard()
	return nil
}
