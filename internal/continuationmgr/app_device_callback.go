package continuationmgr

import (
	"context"
	"log/slog"

	"github.com/AltairaLabs/continuation-manager/internal/errcode"
	"github.com/AltairaLabs/continuation-manager/internal/ipc"
	"github.com/AltairaLabs/continuation-manager/internal/types"
)

// AppDeviceCallbackDescriptor is the interface token of the callback the
// picker reports selections through
const AppDeviceCallbackDescriptor = "ohos.DistributedSchedule.IAppDeviceCallback"

// Requests the picker sends to the callback
const (
	EventDeviceConnect    uint32 = 1
	EventDeviceDisconnect uint32 = 2
	EventDeviceCancel     uint32 = 3
)

// DeviceEventHandler receives the picker's selections
type DeviceEventHandler interface {
	OnDeviceConnect(ctx context.Context, token int32, results []types.ContinuationResult) error
	OnDeviceDisconnect(ctx context.Context, token int32, results []types.ContinuationResult) error
	OnDeviceCancel(ctx context.Context) error
}

// AppDeviceCallbackStub decodes picker requests and forwards them to a
// DeviceEventHandler
type AppDeviceCallbackStub struct {
	handler DeviceEventHandler
	logger  *slog.Logger
}

// NewAppDeviceCallbackStub creates a stub forwarding to handler
func NewAppDeviceCallbackStub(handler DeviceEventHandler, logger *slog.Logger) *AppDeviceCallbackStub {
	if logger == nil {
		logger = slog.Default()
	}
	return &AppDeviceCallbackStub{handler: handler, logger: logger}
}

// NewAppDeviceCallbackObject wraps a fresh stub for handler in a remote object
func NewAppDeviceCallbackObject(handler DeviceEventHandler, logger *slog.Logger) *ipc.LocalObject {
	return ipc.NewLocalObject(AppDeviceCallbackDescriptor, NewAppDeviceCallbackStub(handler, logger), logger)
}

// OnRemoteRequest dispatches one picker request. The handler's result is
// returned as the transaction result.
func (s *AppDeviceCallbackStub) OnRemoteRequest(ctx context.Context, code uint32, data, _ *ipc.Parcel) error {
	s.logger.Debug("App device callback request", "code", code)
	descriptor, err := data.ReadInterfaceToken()
	if err != nil || descriptor != AppDeviceCallbackDescriptor {
		s.logger.Error("Descriptor check failed", "descriptor", descriptor)
		return errcode.ErrInvalidState
	}

	switch code {
	case EventDeviceConnect, EventDeviceDisconnect:
		token, err := data.ReadInt32()
		if err != nil {
			return errcode.ErrFlattenObject
		}
		results, err := types.ReadContinuationResultsFromParcel(data)
		if err != nil {
			return errcode.ErrFlattenObject
		}
		if code == EventDeviceConnect {
			return s.handler.OnDeviceConnect(ctx, token, results)
		}
		return s.handler.OnDeviceDisconnect(ctx, token, results)
	case EventDeviceCancel:
		return s.handler.OnDeviceCancel(ctx)
	default:
		s.logger.Error("Unknown request code", "code", code)
		return errcode.ErrUnknownTransaction
	}
}

// AppDeviceCallbackProxy is the picker's view of the callback
type AppDeviceCallbackProxy struct {
	remote ipc.RemoteObject
}

// NewAppDeviceCallbackProxy wraps remote
func NewAppDeviceCallbackProxy(remote ipc.RemoteObject) *AppDeviceCallbackProxy {
	return &AppDeviceCallbackProxy{remote: remote}
}

// OnDeviceConnect reports the devices the user picked for token
func (p *AppDeviceCallbackProxy) OnDeviceConnect(ctx context.Context, token int32, results []types.ContinuationResult) error {
	return p.sendResults(ctx, EventDeviceConnect, token, results)
}

// OnDeviceDisconnect reports the devices the user released for token
func (p *AppDeviceCallbackProxy) OnDeviceDisconnect(ctx context.Context, token int32, results []types.ContinuationResult) error {
	return p.sendResults(ctx, EventDeviceDisconnect, token, results)
}

// OnDeviceCancel reports that the user closed the picker
func (p *AppDeviceCallbackProxy) OnDeviceCancel(ctx context.Context) error {
	data := ipc.NewParcel()
	data.WriteInterfaceToken(AppDeviceCallbackDescriptor)
	_, err := p.remote.SendRequest(ctx, EventDeviceCancel, data, ipc.TFSync)
	return err
}

func (p *AppDeviceCallbackProxy) sendResults(ctx context.Context, code uint32, token int32, results []types.ContinuationResult) error {
	data := ipc.NewParcel()
	data.WriteInterfaceToken(AppDeviceCallbackDescriptor)
	data.WriteInt32(token)
	if err := types.WriteContinuationResultsToParcel(data, results); err != nil {
		return err
	}
	_, err := p.remote.SendRequest(ctx, code, data, ipc.TFSync)
	return err
}
