package electrum

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/vietddude/distributor/internal/core/domain"
	"github.com/vietddude/distributor/internal/metrics"
)

// SelectionOrder decides which endpoints are preferred when several are healthy.
type SelectionOrder string

const (
	OrderPriority SelectionOrder = "priority" // configured order
	OrderRandom   SelectionOrder = "random"   // shuffled on every build
)

// Policy is the cluster connection policy.
type Policy struct {
	Confidence      int
	Redundancy      int
	Order           SelectionOrder
	Timeout         time.Duration
	ApplicationID   string
	ProtocolVersion string
}

// DialFunc opens one client. Tests replace it.
type DialFunc func(ctx context.Context, ep domain.Endpoint, timeout time.Duration, monitor *Monitor) (*Client, error)

// Cluster is the static endpoint set plus its policy. It builds sessions and
// keeps per-endpoint health across them.
type Cluster struct {
	endpoints []domain.Endpoint
	policy    Policy
	monitors  map[string]*Monitor
	dial      DialFunc
	log       *slog.Logger
}

// NewCluster validates the policy against the endpoint list.
func NewCluster(endpoints []domain.Endpoint, policy Policy) (*Cluster, error) {
	if len(endpoints) == 0 {
		return nil, errors.New("cluster needs at least one endpoint")
	}
	if policy.Redundancy <= 0 {
		policy.Redundancy = 1
	}
	if policy.Confidence <= 0 {
		policy.Confidence = 1
	}
	if policy.Confidence > policy.Redundancy {
		return nil, fmt.Errorf("confidence %d exceeds redundancy %d", policy.Confidence, policy.Redundancy)
	}
	if policy.Redundancy > len(endpoints) {
		return nil, fmt.Errorf("redundancy %d exceeds %d endpoints", policy.Redundancy, len(endpoints))
	}
	if policy.Timeout <= 0 {
		return nil, errors.New("timeout must be positive")
	}
	switch policy.Order {
	case "":
		policy.Order = OrderPriority
	case OrderPriority, OrderRandom:
	default:
		return nil, fmt.Errorf("unknown selection order %q", policy.Order)
	}

	monitors := make(map[string]*Monitor, len(endpoints))
	for _, ep := range endpoints {
		switch ep.Scheme {
		case domain.SchemeWSS, domain.SchemeWS:
		default:
			return nil, fmt.Errorf("endpoint %s: unsupported transport %q", ep.Host, ep.Scheme)
		}
		monitors[ep.String()] = NewMonitor()
	}

	eps := make([]domain.Endpoint, len(endpoints))
	copy(eps, endpoints)

	return &Cluster{
		endpoints: eps,
		policy:    policy,
		monitors:  monitors,
		dial:      Dial,
		log:       slog.Default(),
	}, nil
}

// Monitor returns the health monitor for ep.
func (c *Cluster) Monitor(ep domain.Endpoint) *Monitor {
	return c.monitors[ep.String()]
}

// EndpointHealth is the health snapshot of one configured endpoint.
type EndpointHealth struct {
	Endpoint            string `json:"endpoint"`
	Status              string `json:"status"`
	AverageLatencyMS    int64  `json:"avg_latency_ms"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	TotalRequests       int    `json:"total_requests"`
	TotalFailures       int    `json:"total_failures"`
	LastFailure         string `json:"last_failure,omitempty"`
}

// Health reports every endpoint in configuration order.
func (c *Cluster) Health() []EndpointHealth {
	out := make([]EndpointHealth, 0, len(c.endpoints))
	for _, ep := range c.endpoints {
		st := c.Monitor(ep).GetStats()
		out = append(out, EndpointHealth{
			Endpoint:            ep.String(),
			Status:              st.Status.String(),
			AverageLatencyMS:    st.AverageLatency.Milliseconds(),
			ConsecutiveFailures: st.ConsecutiveFailures,
			TotalRequests:       st.TotalRequests,
			TotalFailures:       st.TotalFailures,
			LastFailure:         string(st.LastFailureReason),
		})
	}
	return out
}

// BuildSession connects to the top-preference endpoints that answer the
// handshake within the policy timeout. All candidates are dialed in parallel;
// the first Redundancy successes in preference order are kept.
func (c *Cluster) BuildSession(ctx context.Context) (*Session, error) {
	candidates := c.ordered()

	clients := make([]*Client, len(candidates))
	errs := make([]error, len(candidates))

	var wg sync.WaitGroup
	for i, ep := range candidates {
		wg.Add(1)
		go func() {
			defer wg.Done()
			clients[i], errs[i] = c.connect(ctx, ep)
		}()
	}
	wg.Wait()

	picked := make([]*Client, 0, c.policy.Redundancy)
	for _, cl := range clients {
		if cl == nil {
			continue
		}
		if len(picked) < c.policy.Redundancy {
			picked = append(picked, cl)
			continue
		}
		_ = cl.Close()
	}

	if len(picked) < c.policy.Redundancy {
		for _, cl := range picked {
			_ = cl.Close()
		}
		metrics.SessionsBuilt.WithLabelValues("unavailable").Inc()
		return nil, fmt.Errorf("%w: %d of %d endpoints responded, need %d: %w",
			domain.ErrClusterUnavailable, len(picked), len(candidates), c.policy.Redundancy, errors.Join(errs...))
	}

	metrics.SessionsBuilt.WithLabelValues("ok").Inc()
	s := newSession(picked, c.policy.Confidence)
	c.log.Info("Network session established", "endpoints", s.Endpoints(), "primary", picked[0].name)
	return s, nil
}

func (c *Cluster) connect(ctx context.Context, ep domain.Endpoint) (*Client, error) {
	monitor := c.monitors[ep.String()]
	cl, err := c.dial(ctx, ep, c.policy.Timeout, monitor)
	if err != nil {
		c.log.Debug("Endpoint dial failed", "endpoint", ep.String(), "error", err)
		return nil, err
	}

	hsCtx, cancel := context.WithTimeout(ctx, c.policy.Timeout)
	defer cancel()
	if _, err := cl.Call(hsCtx, methodVersion, c.policy.ApplicationID, c.policy.ProtocolVersion); err != nil {
		_ = cl.Close()
		c.log.Debug("Endpoint handshake failed", "endpoint", ep.String(), "error", err)
		return nil, fmt.Errorf("handshake %s: %w", ep.String(), err)
	}
	return cl, nil
}

// ordered returns endpoints in preference order. Endpoints that are down rank
// after all others; the relative order within each group follows the policy.
func (c *Cluster) ordered() []domain.Endpoint {
	eps := make([]domain.Endpoint, len(c.endpoints))
	copy(eps, c.endpoints)

	if c.policy.Order == OrderRandom {
		rand.Shuffle(len(eps), func(i, j int) { eps[i], eps[j] = eps[j], eps[i] })
	}

	sort.SliceStable(eps, func(i, j int) bool {
		return c.rank(eps[i]) < c.rank(eps[j])
	})
	return eps
}

func (c *Cluster) rank(ep domain.Endpoint) int {
	if c.monitors[ep.String()].CheckStatus() == StatusDown {
		return 1
	}
	return 0
}
