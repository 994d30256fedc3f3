package allconnect

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ServiceName is the business name the arbiter registers with the broker
const ServiceName = "TaskContinue"

// Broker decision results carried by ApplyResult
const (
	ResultPass   int32 = 1004720001
	ResultReject int32 = 1004720002
)

// Resource bounds requested for every collaboration
const (
	MinBandwidth = 40 * 1024 * 1024
	MaxLatency   = 6000
	MinLatency   = 1000
)

// HardwareType is the kind of hardware a collaboration occupies
type HardwareType int32

// Hardware kinds understood by the broker
const (
	HardwareDisplay HardwareType = iota + 1
	HardwareMic
	HardwareSpeaker
	HardwareCamera
)

// BusinessStatus is the service state published to the broker
type BusinessStatus int32

// Service states
const (
	StatusIdle BusinessStatus = iota + 1
	StatusPrepare
	StatusConnecting
	StatusConnected
)

// HardwareRequest asks for one piece of hardware
type HardwareRequest struct {
	Type     HardwareType
	CanShare bool
}

// CommunicationRequest bounds the link quality the collaboration needs
type CommunicationRequest struct {
	MinBandwidth int32
	MaxLatency   int32
	MinLatency   int32
	MaxWaitTime  int32
	DataType     string
}

// ResourceRequest is the full hardware and link request sent to the broker
type ResourceRequest struct {
	Local         []HardwareRequest
	Remote        []HardwareRequest
	Communication CommunicationRequest
}

// DefaultResourceRequest returns the shared display plus byte-stream link
// used by continuation
func DefaultResourceRequest() ResourceRequest {
	display := HardwareRequest{Type: HardwareDisplay, CanShare: true}
	return ResourceRequest{
		Local:  []HardwareRequest{display},
		Remote: []HardwareRequest{display},
		Communication: CommunicationRequest{
			MinBandwidth: MinBandwidth,
			MaxLatency:   MaxLatency,
			MinLatency:   MinLatency,
			DataType:     "DATA_TYPE_BYTES",
		},
	}
}

// Lifecycle receives broker callbacks
type Lifecycle interface {
	// OnStop is called when another task is about to seize the resources
	// held for peer
	OnStop(peer string) error
	// ApplyResult reports the decision for the oldest pending apply
	ApplyResult(errorCode, result int32, reason string) error
}

// Broker is the platform resource broker
type Broker interface {
	PublishServiceState(ctx context.Context, peer, serviceName, extraInfo string, state BusinessStatus) error
	ApplyAdvancedResource(ctx context.Context, peer, serviceName string, req ResourceRequest, cb Lifecycle) error
	RegisterLifecycleCallback(serviceName string, cb Lifecycle) error
	UnregisterLifecycleCallback(serviceName string) error
}

// BrokerLoader resolves the broker at Init time
type BrokerLoader interface {
	LoadBroker(ctx context.Context) (Broker, error)
}

// BrokerLoaderFunc adapts a function to BrokerLoader
type BrokerLoaderFunc func(ctx context.Context) (Broker, error)

// LoadBroker calls f
func (f BrokerLoaderFunc) LoadBroker(ctx context.Context) (Broker, error) {
	return f(ctx)
}

// StaticLoader always returns b
func StaticLoader(b Broker) BrokerLoader {
	return BrokerLoaderFunc(func(context.Context) (Broker, error) {
		if b == nil {
			return nil, ErrBrokerUnavailable
		}
		return b, nil
	})
}

// ErrBrokerUnavailable is returned when no broker can be loaded
var ErrBrokerUnavailable = errors.New("resource broker unavailable")

// Policy decides whether peer may use the requested resources
type Policy func(peer string, req ResourceRequest) bool

// LocalBroker is an in-process broker. It answers every apply with the
// decision of its policy from a separate goroutine.
type LocalBroker struct {
	policy Policy
	logger *slog.Logger

	mu        sync.Mutex
	callbacks map[string]Lifecycle
	states    map[string]BusinessStatus
	wg        sync.WaitGroup
}

// NewLocalBroker creates a broker deciding with policy. A nil policy
// allows every request.
func NewLocalBroker(policy Policy, logger *slog.Logger) *LocalBroker {
	if policy == nil {
		policy = func(string, ResourceRequest) bool { return true }
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalBroker{
		policy:    policy,
		logger:    logger,
		callbacks: make(map[string]Lifecycle),
		states:    make(map[string]BusinessStatus),
	}
}

// PublishServiceState records the state of serviceName towards peer
func (b *LocalBroker) PublishServiceState(_ context.Context, peer, serviceName, _ string, state BusinessStatus) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.states[peer+"/"+serviceName] = state
	return nil
}

// State returns the last published state of serviceName towards peer
func (b *LocalBroker) State(peer, serviceName string) (BusinessStatus, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.states[peer+"/"+serviceName]
	return s, ok
}

// ApplyAdvancedResource decides asynchronously and reports through cb
func (b *LocalBroker) ApplyAdvancedResource(_ context.Context, peer, serviceName string, req ResourceRequest, cb Lifecycle) error {
	if cb == nil {
		return errors.New("nil lifecycle callback")
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		result, reason := ResultReject, "denied by policy"
		if b.policy(peer, req) {
			result, reason = ResultPass, "pass"
		}
		b.logger.Debug("Broker decided", "peer", peer, "service", serviceName, "result", result)
		if err := cb.ApplyResult(0, result, reason); err != nil {
			b.logger.Warn("Apply result callback failed", "error", err)
		}
	}()
	return nil
}

// RegisterLifecycleCallback stores cb for serviceName
func (b *LocalBroker) RegisterLifecycleCallback(serviceName string, cb Lifecycle) error {
	if cb == nil {
		return errors.New("nil lifecycle callback")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.callbacks[serviceName] = cb
	return nil
}

// UnregisterLifecycleCallback drops the callback of serviceName
func (b *LocalBroker) UnregisterLifecycleCallback(serviceName string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.callbacks, serviceName)
	return nil
}

// Seize tells every registered service that peer's resources are taken
func (b *LocalBroker) Seize(peer string) {
	b.mu.Lock()
	cbs := make([]Lifecycle, 0, len(b.callbacks))
	for _, cb := range b.callbacks {
		cbs = append(cbs, cb)
	}
	b.mu.Unlock()
	for _, cb := range cbs {
		if err := cb.OnStop(peer); err != nil {
			b.logger.Warn("OnStop callback failed", "peer", peer, "error", err)
		}
	}
}

// Wait blocks until every pending decision has been delivered
func (b *LocalBroker) Wait() {
	b.wg.Wait()
}
