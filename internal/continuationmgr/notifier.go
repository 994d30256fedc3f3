package continuationmgr

import (
	"context"
	"log/slog"

	"github.com/AltairaLabs/continuation-manager/internal/errcode"
	"github.com/AltairaLabs/continuation-manager/internal/ipc"
	"github.com/AltairaLabs/continuation-manager/internal/types"
)

// DeviceSelectionListener is implemented by applications that register a
// device selection callback
type DeviceSelectionListener interface {
	OnDeviceConnect(ctx context.Context, results []types.ContinuationResult)
	OnDeviceDisconnect(ctx context.Context, results []types.ContinuationResult)
}

// DeviceSelectionNotifierStub is the application side of a device selection
// callback
type DeviceSelectionNotifierStub struct {
	listener DeviceSelectionListener
	logger   *slog.Logger
}

// NewDeviceSelectionNotifierObject wraps listener in a remote object that can
// be passed to RegisterDeviceSelectionCallback
func NewDeviceSelectionNotifierObject(listener DeviceSelectionListener, logger *slog.Logger) *ipc.LocalObject {
	if logger == nil {
		logger = slog.Default()
	}
	stub := &DeviceSelectionNotifierStub{listener: listener, logger: logger}
	return ipc.NewLocalObject(NotifierDescriptor, stub, logger)
}

// OnRemoteRequest decodes one delivery from the service
func (s *DeviceSelectionNotifierStub) OnRemoteRequest(ctx context.Context, code uint32, data, _ *ipc.Parcel) error {
	descriptor, err := data.ReadInterfaceToken()
	if err != nil || descriptor != NotifierDescriptor {
		return errcode.ErrInvalidState
	}
	results, err := types.ReadContinuationResultsFromParcel(data)
	if err != nil {
		return errcode.ErrFlattenObject
	}
	switch code {
	case NotifierEventConnect:
		s.listener.OnDeviceConnect(ctx, results)
	case NotifierEventDisconnect:
		s.listener.OnDeviceDisconnect(ctx, results)
	default:
		s.logger.Error("Unknown notifier code", "code", code)
		return errcode.ErrUnknownTransaction
	}
	return nil
}
