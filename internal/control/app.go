package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/vietddude/distributor/internal/contract"
	"github.com/vietddude/distributor/internal/core/config"
	"github.com/vietddude/distributor/internal/core/domain"
	"github.com/vietddude/distributor/internal/distribution"
	"github.com/vietddude/distributor/internal/infra/electrum"
	redisclient "github.com/vietddude/distributor/internal/infra/redis"
	"github.com/vietddude/distributor/internal/keys"
	"github.com/vietddude/distributor/internal/metrics"
	"github.com/vietddude/distributor/internal/wallet"
)

// Config holds the application configuration.
type Config struct {
	Port         int
	Network      config.NetworkConfig
	Contract     config.ContractConfig
	Distribution config.DistributionConfig
	Redis        redisclient.Config
}

// FromAppConfig maps the file configuration onto the application.
func FromAppConfig(c *config.AppConfig) Config {
	return Config{
		Port:         c.Server.Port,
		Network:      c.Network,
		Contract:     c.Contract,
		Distribution: c.Distribution,
		Redis:        c.Redis,
	}
}

// Option configures an App.
type Option func(*App)

// WithSessionBuilder replaces the Electrum cluster as the source of network sessions.
func WithSessionBuilder(b distribution.SessionBuilder) Option {
	return func(a *App) { a.builder = b }
}

// App is the presentation facade: a single burner wallet, its contract and
// the distribution orchestrator. Nothing it returns carries key material
// except RevealWIF.
type App struct {
	cfg     Config
	network keys.Network
	store   *wallet.Store
	builder distribution.SessionBuilder
	orch    *distribution.Orchestrator
	cluster *electrum.Cluster
	redis   *redisclient.Client
	runs    *redisclient.RunLog
	balance atomic.Int64
	log     *slog.Logger

	// Distributions hold walletMu for reading. Wallet changes take it with
	// TryLock and fail rather than tear down a running distribution.
	walletMu sync.RWMutex
}

// ClusterPolicy converts the network configuration to an Electrum cluster policy.
func ClusterPolicy(n config.NetworkConfig) electrum.Policy {
	return electrum.Policy{
		Confidence:      n.Confidence,
		Redundancy:      n.Redundancy,
		Order:           electrum.SelectionOrder(strings.ToLower(n.Order)),
		Timeout:         n.Timeout(),
		ApplicationID:   n.ApplicationID,
		ProtocolVersion: n.ProtocolVersion,
	}
}

// ClusterBuilder adapts an Electrum cluster to the orchestrator's SessionBuilder.
func ClusterBuilder(c *electrum.Cluster) distribution.SessionBuilder {
	return distribution.SessionBuilderFunc(func(ctx context.Context) (distribution.NetworkSession, error) {
		s, err := c.BuildSession(ctx)
		if err != nil {
			return nil, err
		}
		return s, nil
	})
}

// NewApp wires the wallet store, network cluster and orchestrator.
func NewApp(cfg Config, opts ...Option) (*App, error) {
	net, err := keys.NetworkByName(string(cfg.Network.Name))
	if err != nil {
		return nil, err
	}

	a := &App{
		cfg:     cfg,
		network: net,
		store:   wallet.NewStore(net),
		log:     slog.Default().With("component", "app"),
	}
	for _, opt := range opts {
		opt(a)
	}

	if a.builder == nil {
		cluster, err := electrum.NewCluster(cfg.Network.Servers, ClusterPolicy(cfg.Network))
		if err != nil {
			return nil, fmt.Errorf("failed to init cluster: %w", err)
		}
		a.cluster = cluster
		a.builder = ClusterBuilder(cluster)
	}

	params := contract.DividendParams(cfg.Contract.DividendPerToken)
	contractAddr, err := contract.Address(params, net)
	if err != nil {
		return nil, err
	}

	var orchOpts []distribution.Option
	if cfg.Redis.URL != "" {
		a.redis, err = redisclient.NewClient(cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("failed to init redis: %w", err)
		}
		a.runs = redisclient.NewRunLog(a.redis, contractAddr)
		orchOpts = append(orchOpts, distribution.WithLock(a.redis))
		a.log.Info("Using Redis distribution lock", "key", contractAddr)
	}

	a.orch, err = distribution.New(a.builder, distribution.Config{
		Params:     params,
		Network:    net,
		FeeRate:    cfg.Contract.FeeRate,
		MaxRetries: cfg.Distribution.MaxRetries,
		Backoff:    cfg.Distribution.Backoff,
		LockKey:    contractAddr,
		LockTTL:    cfg.Distribution.LockTTL,
	}, orchOpts...)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (a *App) networkName() domain.NetworkName {
	return a.cfg.Network.Name
}

func (a *App) handle() (*wallet.Handle, error) {
	h, ok := a.store.Current()
	if !ok {
		return nil, domain.ErrNoWallet
	}
	return h, nil
}

// ensureReady binds the contract lazily when an earlier connect failed.
func (a *App) ensureReady(ctx context.Context) error {
	if a.orch.Ready() {
		return nil
	}
	return a.orch.Connect(ctx)
}

// connect binds the contract after a wallet change. Network failures leave the
// wallet in place; the next operation retries the bind.
func (a *App) connect(ctx context.Context) {
	a.orch.Reset()
	a.balance.Store(0)
	if err := a.orch.Connect(ctx); err != nil {
		a.log.Warn("Contract not bound yet", "error", err)
		return
	}
	if _, err := a.RefreshBalance(ctx); err != nil {
		a.log.Warn("Failed to fetch balance", "error", err)
	}
}

// lockWallet excludes running distributions for the duration of a wallet change.
func (a *App) lockWallet() (unlock func(), err error) {
	if !a.walletMu.TryLock() {
		return nil, fmt.Errorf("wallet change refused: %w", domain.ErrDistributionInProgress)
	}
	return a.walletMu.Unlock, nil
}

// GenerateWallet replaces the wallet with a fresh keypair.
func (a *App) GenerateWallet(ctx context.Context) (domain.WalletStatus, error) {
	unlock, err := a.lockWallet()
	if err != nil {
		return a.Status(), err
	}
	defer unlock()

	if _, err := a.store.SetFromGenerated(); err != nil {
		metrics.WalletOperations.WithLabelValues("generate", "error").Inc()
		return a.Status(), err
	}
	metrics.WalletOperations.WithLabelValues("generate", "ok").Inc()
	a.connect(ctx)
	return a.Status(), nil
}

// ImportWallet replaces the wallet with the key encoded in wif.
func (a *App) ImportWallet(ctx context.Context, wif string) (domain.WalletStatus, error) {
	unlock, err := a.lockWallet()
	if err != nil {
		return a.Status(), err
	}
	defer unlock()

	if _, err := a.store.SetFromImported(strings.TrimSpace(wif)); err != nil {
		metrics.WalletOperations.WithLabelValues("import", "error").Inc()
		return a.Status(), err
	}
	metrics.WalletOperations.WithLabelValues("import", "ok").Inc()
	a.connect(ctx)
	return a.Status(), nil
}

// Disconnect drops the wallet and tears down the contract binding.
func (a *App) Disconnect() (domain.WalletStatus, error) {
	unlock, err := a.lockWallet()
	if err != nil {
		return a.Status(), err
	}
	defer unlock()

	a.store.Clear()
	a.orch.Reset()
	a.balance.Store(0)
	metrics.WalletOperations.WithLabelValues("disconnect", "ok").Inc()
	return a.Status(), nil
}

// RevealWIF exports the wallet key on explicit user request.
func (a *App) RevealWIF() (string, error) {
	h, err := a.handle()
	if err != nil {
		return "", err
	}
	metrics.WalletOperations.WithLabelValues("reveal", "ok").Inc()
	a.log.Warn("Wallet key revealed", "wallet", h)
	return h.RevealWIF()
}

// RefreshBalance re-reads the wallet balance and the contract deployment state.
func (a *App) RefreshBalance(ctx context.Context) (domain.WalletStatus, error) {
	h, err := a.handle()
	if err != nil {
		return a.Status(), err
	}
	if err := a.ensureReady(ctx); err != nil {
		return a.Status(), err
	}
	bal, err := a.orch.Balance(ctx, h.Address())
	if err != nil {
		return a.Status(), err
	}
	a.balance.Store(bal)
	if _, err := a.orch.RefreshDeployed(ctx); err != nil {
		return a.Status(), err
	}
	return a.Status(), nil
}

// Deploy funds the contract. A non-positive amount uses the configured default.
func (a *App) Deploy(ctx context.Context, amount int64) (domain.SentTx, error) {
	h, err := a.handle()
	if err != nil {
		return domain.SentTx{}, err
	}
	if err := a.ensureReady(ctx); err != nil {
		return domain.SentTx{}, err
	}
	if amount <= 0 {
		amount = a.cfg.Contract.DeployAmount
	}
	txid, err := a.orch.Deploy(ctx, h, amount)
	if err != nil {
		return domain.SentTx{}, err
	}
	a.log.Info("Contract funded", "contract", a.orch.ContractAddress(), "amount", amount, "txid", txid)
	return a.sent(txid), nil
}

// Distribute runs one dividend distribution. The wallet is the token holder.
func (a *App) Distribute(ctx context.Context, d contract.Distribution) (distribution.Outcome, error) {
	a.walletMu.RLock()
	defer a.walletMu.RUnlock()

	h, err := a.handle()
	if err != nil {
		return distribution.Outcome{State: distribution.StateFailed}, err
	}
	d.Holder = h
	if err := a.ensureReady(ctx); err != nil {
		return distribution.Outcome{State: distribution.StateFailed}, err
	}
	out, err := a.orch.Distribute(ctx, d)
	if a.runs != nil && out.RunID != "" {
		if rerr := a.runs.Record(context.WithoutCancel(ctx), out); rerr != nil {
			a.log.Warn("Failed to record distribution run", "run_id", out.RunID, "error", rerr)
		}
	}
	return out, err
}

// SendPayment transfers amount sats from the wallet to address.
func (a *App) SendPayment(ctx context.Context, to string, amount int64) (domain.SentTx, error) {
	h, err := a.handle()
	if err != nil {
		return domain.SentTx{}, err
	}
	if err := a.ensureReady(ctx); err != nil {
		return domain.SentTx{}, err
	}
	txid, err := a.orch.SendPayment(ctx, h, strings.TrimSpace(to), amount)
	if err != nil {
		return domain.SentTx{}, err
	}
	return a.sent(txid), nil
}

// RecentRuns returns recorded distribution outcomes, newest first. Empty
// without Redis.
func (a *App) RecentRuns(ctx context.Context, n int64) ([]json.RawMessage, error) {
	if a.runs == nil {
		return []json.RawMessage{}, nil
	}
	return a.runs.Recent(ctx, n)
}

// ContractPreview derives the address a contract with the given dividend
// would have, without binding it.
func (a *App) ContractPreview(dividendPerToken int64) (address, link string, err error) {
	address, err = contract.Address(contract.DividendParams(dividendPerToken), a.network)
	if err != nil {
		return "", "", err
	}
	return address, domain.AddressLink(a.networkName(), address), nil
}

func (a *App) sent(txid string) domain.SentTx {
	return domain.SentTx{TxID: txid, Status: domain.TxStatusBroadcast, Link: domain.TxLink(a.networkName(), txid)}
}

// Status is the read-only view of the wallet and contract.
func (a *App) Status() domain.WalletStatus {
	st := domain.WalletStatus{
		Deployed:        a.orch.Deployed(),
		ContractAddress: a.orch.ContractAddress(),
	}
	if h, ok := a.store.Current(); ok {
		st.Address = h.Address()
		st.Connected = true
		st.Balance = a.balance.Load()
	}
	return st
}

// EndpointHealth reports per-endpoint health of the Electrum cluster. Nil
// when sessions come from elsewhere.
func (a *App) EndpointHealth() []electrum.EndpointHealth {
	if a.cluster == nil {
		return nil
	}
	return a.cluster.Health()
}

// DistributionStatus reports the orchestrator's current run state.
func (a *App) DistributionStatus() distribution.Status {
	return a.orch.Status()
}

// Close releases the network session and Redis connection.
func (a *App) Close() error {
	a.store.Clear()
	a.orch.Close()
	if a.redis != nil {
		return a.redis.Close()
	}
	return nil
}
