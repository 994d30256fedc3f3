// Package continuationmgr implements the continuation manager service: the
// token and notifier registries, the facade operations over them, and the
// IPC stub, proxy and callback endpoints that carry those operations between
// processes.
package continuationmgr

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/AltairaLabs/continuation-manager/internal/config"
	"github.com/AltairaLabs/continuation-manager/internal/errcode"
	"github.com/AltairaLabs/continuation-manager/internal/ipc"
	"github.com/AltairaLabs/continuation-manager/internal/storage"
	"github.com/AltairaLabs/continuation-manager/internal/types"
	"github.com/AltairaLabs/continuation-manager/internal/workqueue"
)

// QueueName names the ordered work queue of the service
const QueueName = "ContinuationMgr"

// Metrics receives facade outcomes. A nil Metrics is replaced by a no-op.
type Metrics interface {
	RequestHandled(op string, code errcode.Code)
	TokensChanged(n int)
	NotifierDied()
}

type noopMetrics struct{}

func (noopMetrics) RequestHandled(string, errcode.Code) {}
func (noopMetrics) TokensChanged(int)                   {}
func (noopMetrics) NotifierDied()                       {}

// Dependencies are the collaborators a Service is built from
type Dependencies struct {
	Store     storage.ParameterStore
	Connector AbilityConnector
	// Tokens answers which native process owns a calling token. It gates Dump.
	Tokens  NativeTokenInspector
	Metrics Metrics
	// QueueObserver is told how long each work queue task took
	QueueObserver workqueue.Observer
	Logger        *slog.Logger
}

// Service is the continuation manager facade
type Service struct {
	cfg       config.ServiceConfig
	logger    *slog.Logger
	audit     *AuditLogger
	metrics   Metrics
	connector AbilityConnector
	dumper    *Dumper
	observer  workqueue.Observer

	tokens    *TokenRegistry
	notifiers *NotifierRegistry

	notifierDeath *ipc.FuncRecipient

	queueMu sync.RWMutex
	queue   *workqueue.Queue

	appMu    sync.Mutex
	appProxy ipc.RemoteObject

	connMu sync.Mutex
	conn   *appConnection
}

// NewService creates a service. OnStart must be called before use.
func NewService(cfg config.ServiceConfig, deps Dependencies) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}
	s := &Service{
		cfg:       cfg,
		logger:    logger,
		audit:     NewAuditLogger(logger),
		metrics:   metrics,
		connector: deps.Connector,
		observer:  deps.QueueObserver,
		tokens:    NewTokenRegistry(deps.Store, cfg, logger),
		notifiers: NewNotifierRegistry(),
	}
	s.dumper = NewDumper(s, deps.Tokens)
	s.notifierDeath = ipc.NewDeathRecipient(s.processNotifierDied)
	return s
}

// OnStart restores the token counter and starts the work queue
func (s *Service) OnStart(ctx context.Context) error {
	s.logger.Info("Starting continuation manager")
	if err := s.tokens.Load(ctx); err != nil {
		return fmt.Errorf("load token: %w", err)
	}

	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	if s.queue == nil {
		s.queue = workqueue.New(QueueName, s.cfg.WorkQueueCapacity, s.logger)
		if s.observer != nil {
			s.queue.SetObserver(s.observer)
		}
		s.queue.Start()
	}
	return nil
}

// OnStop drains and stops the work queue
func (s *Service) OnStop() {
	s.queueMu.RLock()
	q := s.queue
	s.queueMu.RUnlock()
	if q != nil {
		q.Stop()
	}
	s.logger.Info("Continuation manager stopped")
}

// Flush waits until every side effect submitted so far has run
func (s *Service) Flush(ctx context.Context) error {
	s.queueMu.RLock()
	q := s.queue
	s.queueMu.RUnlock()
	if q == nil {
		return workqueue.ErrQueueStopped
	}
	return q.Flush(ctx)
}

// submit queues fn. It reports false when there is no running queue.
func (s *Service) submit(name string, fn func(ctx context.Context)) bool {
	s.queueMu.RLock()
	q := s.queue
	s.queueMu.RUnlock()
	if q == nil {
		s.logger.Error("Work queue is not running", "task", name)
		return false
	}
	if err := q.Submit(workqueue.Task{Name: name, Run: fn}); err != nil {
		s.logger.Error("Failed to submit task", "task", name, "error", err)
		return false
	}
	return true
}

func (s *Service) finish(ctx context.Context, entry *AuditEntry, err error) error {
	entry.Code = errcode.Of(err)
	s.audit.LogCall(ctx, entry)
	s.metrics.RequestHandled(entry.Operation, entry.Code)
	return err
}

// Register issues a new token to the calling principal
func (s *Service) Register(ctx context.Context, params *types.ContinuationExtraParams) (int32, error) {
	principal := ipc.CallingTokenID(ctx)
	entry := NewAuditEntry("register", principal, -1)

	if params != nil && !params.ContinuationMode.Valid() {
		return -1, s.finish(ctx, entry, errcode.InvalidContinuationMode)
	}
	if s.tokens.Exceeded(principal) {
		return -1, s.finish(ctx, entry, errcode.RegisterExceedMaxTimes)
	}

	// the issued number is burnt when a concurrent register filled the quota
	token := s.tokens.Next(ctx)
	if !s.tokens.AddIfUnderQuota(principal, token) {
		return -1, s.finish(ctx, entry, errcode.RegisterExceedMaxTimes)
	}
	s.metrics.TokensChanged(s.tokens.Count())

	entry.Token = token
	return token, s.finish(ctx, entry, nil)
}

// Unregister releases token with every callback bound to it and tears down
// the picker connection
func (s *Service) Unregister(ctx context.Context, token int32) error {
	principal := ipc.CallingTokenID(ctx)
	entry := NewAuditEntry("unregister", principal, token)

	if !s.tokens.IsRegistered(principal, token) {
		return s.finish(ctx, entry, errcode.TokenHasNotRegistered)
	}
	s.notifiers.RemoveToken(token, s.notifierDeath)
	s.tokens.Remove(token)
	s.metrics.TokensChanged(s.tokens.Count())

	s.handleDisconnectAbility()
	return s.finish(ctx, entry, nil)
}

// RegisterDeviceSelectionCallback binds notifier to (token, cbType)
func (s *Service) RegisterDeviceSelectionCallback(ctx context.Context, token int32, cbType string, notifier ipc.RemoteObject) error {
	principal := ipc.CallingTokenID(ctx)
	entry := NewAuditEntry("register_callback", principal, token)
	entry.CbType = cbType

	eventType, ok := types.NormalizeEventType(cbType)
	if !ok {
		s.logger.Error("Callback type not supported", "cb_type", cbType)
		return s.finish(ctx, entry, errcode.UnknownCallbackType)
	}
	if !s.tokens.IsRegistered(principal, token) {
		return s.finish(ctx, entry, errcode.TokenHasNotRegistered)
	}
	if err := s.notifiers.Register(token, eventType, notifier, s.notifierDeath); err != nil {
		return s.finish(ctx, entry, err)
	}
	return s.finish(ctx, entry, nil)
}

// UnregisterDeviceSelectionCallback unbinds (token, cbType)
func (s *Service) UnregisterDeviceSelectionCallback(ctx context.Context, token int32, cbType string) error {
	principal := ipc.CallingTokenID(ctx)
	entry := NewAuditEntry("unregister_callback", principal, token)
	entry.CbType = cbType

	eventType, ok := types.NormalizeEventType(cbType)
	if !ok {
		s.logger.Error("Callback type not supported", "cb_type", cbType)
		return s.finish(ctx, entry, errcode.UnknownCallbackType)
	}
	if !s.tokens.IsRegistered(principal, token) {
		return s.finish(ctx, entry, errcode.TokenHasNotRegistered)
	}
	return s.finish(ctx, entry, s.notifiers.Unregister(token, eventType, s.notifierDeath))
}

// UpdateConnectStatus records the connect status of deviceID for token and
// forwards it to the picker when one is connected
func (s *Service) UpdateConnectStatus(ctx context.Context, token int32, deviceID string, status types.DeviceConnectStatus) error {
	principal := ipc.CallingTokenID(ctx)
	entry := NewAuditEntry("update_connect_status", principal, token)

	if deviceID == "" {
		s.logger.Error("Device id is empty", "token", token)
		return s.finish(ctx, entry, errcode.ErrNullObject)
	}
	if !status.Valid() {
		return s.finish(ctx, entry, errcode.InvalidConnectStatus)
	}
	if !s.tokens.IsRegistered(principal, token) {
		return s.finish(ctx, entry, errcode.TokenHasNotRegistered)
	}
	info := &types.ConnectStatusInfo{DeviceID: deviceID, Status: status}
	if err := s.notifiers.SetConnectStatus(token, info); err != nil {
		return s.finish(ctx, entry, err)
	}

	s.appMu.Lock()
	if s.appProxy != nil {
		s.handleUpdateConnectStatus(s.appProxy, token, deviceID, status)
	}
	s.appMu.Unlock()
	return s.finish(ctx, entry, nil)
}

// StartDeviceManager shows the device picker for token, connecting to the
// picker extension first when no picker channel exists
func (s *Service) StartDeviceManager(ctx context.Context, token int32, params *types.ContinuationExtraParams) error {
	principal := ipc.CallingTokenID(ctx)
	entry := NewAuditEntry("start_device_manager", principal, token)

	if params != nil && !params.ContinuationMode.Valid() {
		return s.finish(ctx, entry, errcode.InvalidContinuationMode)
	}
	if !s.tokens.IsRegistered(principal, token) {
		return s.finish(ctx, entry, errcode.TokenHasNotRegistered)
	}
	if !s.notifiers.Has(token) {
		return s.finish(ctx, entry, errcode.CallbackHasNotRegistered)
	}

	s.appMu.Lock()
	if s.appProxy != nil {
		s.handleStartDeviceManager(s.appProxy, token, params)
		s.appMu.Unlock()
		return s.finish(ctx, entry, nil)
	}
	s.appMu.Unlock()

	if err := s.connectAbility(ctx, token, params); err != nil {
		s.logger.Error("Failed to connect to the device picker", "token", token, "error", err)
		return s.finish(ctx, entry, errcode.ConnectAbilityFailed)
	}
	return s.finish(ctx, entry, nil)
}

// OnDeviceConnect delivers the devices the user picked to the token's
// connect callback. The picker connection is always torn down.
func (s *Service) OnDeviceConnect(ctx context.Context, token int32, results []types.ContinuationResult) error {
	return s.onDeviceEvent(ctx, "device_connect", token, types.EventConnect, results)
}

// OnDeviceDisconnect delivers the devices the user released to the token's
// disconnect callback. The picker connection is always torn down.
func (s *Service) OnDeviceDisconnect(ctx context.Context, token int32, results []types.ContinuationResult) error {
	return s.onDeviceEvent(ctx, "device_disconnect", token, types.EventDisconnect, results)
}

func (s *Service) onDeviceEvent(ctx context.Context, op string, token int32, eventType string, results []types.ContinuationResult) error {
	entry := NewAuditEntry(op, ipc.CallingTokenID(ctx), token)
	entry.CbType = eventType

	if !s.handleDisconnectAbility() {
		return s.finish(ctx, entry, errcode.DisconnectAbilityFailed)
	}
	notifier := s.notifiers.Notifier(token, eventType)
	if notifier == nil {
		return s.finish(ctx, entry, errcode.CallbackHasNotRegistered)
	}
	if !s.handleDeviceEvent(notifier, eventType, results) {
		return s.finish(ctx, entry, errcode.InvalidParametersErr)
	}
	return s.finish(ctx, entry, nil)
}

// OnDeviceCancel tears down the picker connection after the user closed it
func (s *Service) OnDeviceCancel(ctx context.Context) error {
	entry := NewAuditEntry("device_cancel", ipc.CallingTokenID(ctx), -1)
	if !s.handleDisconnectAbility() {
		return s.finish(ctx, entry, errcode.DisconnectAbilityFailed)
	}
	return s.finish(ctx, entry, nil)
}

// ScheduleStartDeviceManager installs appProxy as the picker channel and, if
// it is not nil, sends the start request for token over it
func (s *Service) ScheduleStartDeviceManager(_ context.Context, appProxy ipc.RemoteObject, token int32, params *types.ContinuationExtraParams) {
	s.appMu.Lock()
	defer s.appMu.Unlock()
	s.appProxy = appProxy
	if appProxy == nil {
		return
	}
	s.handleStartDeviceManager(appProxy, token, params)
}

// HasAppProxy reports whether a picker channel is installed
func (s *Service) HasAppProxy() bool {
	s.appMu.Lock()
	defer s.appMu.Unlock()
	return s.appProxy != nil
}

// IsTokenRegistered reports whether principal holds token
func (s *Service) IsTokenRegistered(principal uint32, token int32) bool {
	return s.tokens.IsRegistered(principal, token)
}

// QueryTokenByNotifier finds the token notifier is bound to
func (s *Service) QueryTokenByNotifier(notifier ipc.RemoteObject) (int32, bool) {
	return s.notifiers.QueryTokenByNotifier(notifier)
}

// Tokens exposes the token registry
func (s *Service) Tokens() *TokenRegistry {
	return s.tokens
}

// Notifiers exposes the notifier registry
func (s *Service) Notifiers() *NotifierRegistry {
	return s.notifiers
}
