// Package allconnect arbitrates shared hardware and link resources with the
// platform resource broker before a collaboration may use them.
package allconnect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/AltairaLabs/continuation-manager/internal/config"
	"github.com/AltairaLabs/continuation-manager/internal/errcode"
)

// Apply outcomes reported to the Observer
const (
	OutcomePass    = "pass"
	OutcomeReject  = "reject"
	OutcomeTimeout = "timeout"
	OutcomeLimited = "limited"
	OutcomeError   = "error"
)

// Observer is told the outcome of every ApplyAdvanceResource call
type Observer interface {
	ApplyOutcome(outcome string, d time.Duration)
}

// ErrNotInitialized is returned by calls that need a broker before Init
var ErrNotInitialized = errors.New("all-connect manager not initialized")

var errRateLimited = errors.New("rate limited")

// Options configures a Manager
type Options struct {
	Config   config.ArbiterConfig
	Loader   BrokerLoader
	Observer Observer
	// OnPeerStop is called when the broker takes back the resources of a peer
	OnPeerStop func(peer string)
	Logger     *slog.Logger
}

// Manager is the resource arbiter. The broker lock guards the broker handle
// and is never held while waiting for a decision.
type Manager struct {
	cfg        config.ArbiterConfig
	loader     BrokerLoader
	observer   Observer
	onPeerStop func(peer string)
	logger     *slog.Logger

	brokerMu sync.Mutex
	broker   Broker

	pendingMu sync.Mutex
	pending   []string

	decisionMu sync.Mutex
	decided    *sync.Cond
	decisions  map[string]bool

	limitMu  sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewManager creates an uninitialized arbiter
func NewManager(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Config.DecisionWait <= 0 {
		opts.Config.DecisionWait = config.DefaultDecisionWait
	}
	m := &Manager{
		cfg:        opts.Config,
		loader:     opts.Loader,
		observer:   opts.Observer,
		onPeerStop: opts.OnPeerStop,
		logger:     logger.With("component", "allconnect"),
		decisions:  make(map[string]bool),
		limiters:   make(map[string]*rate.Limiter),
	}
	m.decided = sync.NewCond(&m.decisionMu)
	return m
}

// Init loads the broker and registers the lifecycle callbacks
func (m *Manager) Init(ctx context.Context) error {
	m.logger.Info("Initializing all-connect manager")
	if m.loader == nil {
		return fmt.Errorf("load broker: %w", ErrBrokerUnavailable)
	}
	broker, err := m.loader.LoadBroker(ctx)
	if err != nil {
		return fmt.Errorf("load broker: %w", err)
	}
	if broker == nil {
		return fmt.Errorf("load broker: %w", ErrBrokerUnavailable)
	}
	if err := broker.RegisterLifecycleCallback(ServiceName, m); err != nil {
		return fmt.Errorf("register lifecycle callback: %w", err)
	}

	m.brokerMu.Lock()
	m.broker = broker
	m.brokerMu.Unlock()
	return nil
}

// Uninit unregisters the lifecycle callbacks and drops the broker
func (m *Manager) Uninit() error {
	m.brokerMu.Lock()
	broker := m.broker
	m.broker = nil
	m.brokerMu.Unlock()

	if broker == nil {
		return nil
	}
	if err := broker.UnregisterLifecycleCallback(ServiceName); err != nil {
		m.logger.Error("Failed to unregister lifecycle callback", "error", err)
	}
	return nil
}

// Initialized reports whether a broker is loaded
func (m *Manager) Initialized() bool {
	m.brokerMu.Lock()
	defer m.brokerMu.Unlock()
	return m.broker != nil
}

// PublishServiceState reports the collaboration state towards peer
func (m *Manager) PublishServiceState(ctx context.Context, peer, extraInfo string, state BusinessStatus) error {
	m.brokerMu.Lock()
	defer m.brokerMu.Unlock()
	if m.broker == nil {
		return ErrNotInitialized
	}
	m.logger.Info("Publishing service state", "peer", peer, "state", state)
	if err := m.broker.PublishServiceState(ctx, peer, ServiceName, extraInfo, state); err != nil {
		return fmt.Errorf("publish service state: %w", err)
	}
	return nil
}

// ApplyAdvanceResource asks the broker for req on behalf of peer and waits
// for the decision. Without a broker the request is allowed.
func (m *Manager) ApplyAdvanceResource(ctx context.Context, peer string, req ResourceRequest) error {
	start := time.Now()
	err := m.apply(ctx, peer, req)
	if m.observer != nil {
		m.observer.ApplyOutcome(outcomeOf(err), time.Since(start))
	}
	return err
}

func (m *Manager) apply(ctx context.Context, peer string, req ResourceRequest) error {
	if !m.allow(peer) {
		m.logger.Warn("Apply rate limited", "peer", peer)
		return fmt.Errorf("apply for %s: %w: %w", peer, errRateLimited, errcode.DMSConnectApplyRejectFailed)
	}

	m.brokerMu.Lock()
	if m.broker == nil {
		m.brokerMu.Unlock()
		m.logger.Warn("No resource broker, allowing apply", "peer", peer)
		return nil
	}
	m.clearDecision(peer)
	m.pushPending(peer)
	err := m.broker.ApplyAdvancedResource(ctx, peer, ServiceName, req, m)
	m.brokerMu.Unlock()
	if err != nil {
		m.dropPending(peer)
		return fmt.Errorf("apply advanced resource: %w", err)
	}

	return m.waitDecision(ctx, peer)
}

// waitDecision blocks until a decision for peer is recorded or the decision
// wait elapses
func (m *Manager) waitDecision(ctx context.Context, peer string) error {
	expired := false
	timer := time.AfterFunc(m.cfg.DecisionWait, func() {
		m.decisionMu.Lock()
		expired = true
		m.decisionMu.Unlock()
		m.decided.Broadcast()
	})
	defer timer.Stop()
	stopCtx := context.AfterFunc(ctx, func() {
		m.decisionMu.Lock()
		defer m.decisionMu.Unlock()
		m.decided.Broadcast()
	})
	defer stopCtx()

	m.decisionMu.Lock()
	defer m.decisionMu.Unlock()
	for {
		if allowed, ok := m.decisions[peer]; ok {
			delete(m.decisions, peer)
			m.logger.Info("Apply decided", "peer", peer, "allowed", allowed)
			if !allowed {
				return fmt.Errorf("apply for %s: %w", peer, errcode.DMSConnectApplyRejectFailed)
			}
			return nil
		}
		if expired {
			m.logger.Error("Apply decision timed out", "peer", peer, "wait", m.cfg.DecisionWait)
			return fmt.Errorf("apply for %s: %w", peer, errcode.DMSConnectApplyTimeoutFailed)
		}
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("apply for %s: %w", peer, err)
		}
		m.decided.Wait()
	}
}

// OnStop is called by the broker when peer's resources are seized
func (m *Manager) OnStop(peer string) error {
	m.logger.Info("Broker stopped peer", "peer", peer)
	if m.onPeerStop != nil {
		m.onPeerStop(peer)
	}
	return nil
}

// ApplyResult records the broker's decision for the oldest pending apply
func (m *Manager) ApplyResult(errorCode, result int32, reason string) error {
	allowed := result == ResultPass
	m.logger.Info("Apply result", "error_code", errorCode, "pass", allowed, "reason", reason)

	peer, ok := m.popPending()
	if !ok {
		m.logger.Error("Apply result without a pending apply")
		return nil
	}
	m.decisionMu.Lock()
	m.decisions[peer] = allowed
	m.decisionMu.Unlock()
	m.decided.Broadcast()
	return nil
}

// clearDecision drops a decision left behind by a waiter that gave up
func (m *Manager) clearDecision(peer string) {
	m.decisionMu.Lock()
	defer m.decisionMu.Unlock()
	delete(m.decisions, peer)
}

func (m *Manager) pushPending(peer string) {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	m.pending = append(m.pending, peer)
}

func (m *Manager) popPending() (string, bool) {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	if len(m.pending) == 0 {
		return "", false
	}
	peer := m.pending[0]
	m.pending = m.pending[1:]
	return peer, true
}

// dropPending removes the newest pending entry of peer
func (m *Manager) dropPending(peer string) {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	for i := len(m.pending) - 1; i >= 0; i-- {
		if m.pending[i] == peer {
			m.pending = append(m.pending[:i], m.pending[i+1:]...)
			return
		}
	}
}

// Pending returns the number of applies waiting for a broker result
func (m *Manager) Pending() int {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	return len(m.pending)
}

func (m *Manager) allow(peer string) bool {
	if m.cfg.ApplyRateInterval <= 0 || m.cfg.ApplyBurst <= 0 {
		return true
	}
	m.limitMu.Lock()
	lim, ok := m.limiters[peer]
	if !ok {
		lim = rate.NewLimiter(rate.Every(m.cfg.ApplyRateInterval), m.cfg.ApplyBurst)
		m.limiters[peer] = lim
	}
	m.limitMu.Unlock()
	return lim.Allow()
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return OutcomePass
	case errors.Is(err, errcode.DMSConnectApplyTimeoutFailed):
		return OutcomeTimeout
	case errors.Is(err, errcode.DMSConnectApplyRejectFailed):
		if errors.Is(err, errRateLimited) {
			return OutcomeLimited
		}
		return OutcomeReject
	default:
		return OutcomeError
	}
}
