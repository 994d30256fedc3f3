package continuationmgr

import (
	"context"
	"log/slog"

	"github.com/AltairaLabs/continuation-manager/internal/errcode"
	"github.com/AltairaLabs/continuation-manager/internal/ipc"
	"github.com/AltairaLabs/continuation-manager/internal/types"
)

// Interface token and permission enforced by the stub
const (
	ServiceInterfaceToken         = "ohos.distributedschedule.accessToken"
	PermissionDistributedDatasync = "ohos.permission.DISTRIBUTED_DATASYNC"
)

// Facade request codes
const (
	CodeRegister                          uint32 = 25
	CodeUnregister                        uint32 = 26
	CodeRegisterDeviceSelectionCallback   uint32 = 27
	CodeUnregisterDeviceSelectionCallback uint32 = 28
	CodeUpdateConnectStatus               uint32 = 29
	CodeStartDeviceManager                uint32 = 30
	CodeGetDistributedComponentList       uint32 = 161
)

// Facade is the set of operations applications call on the service
type Facade interface {
	Register(ctx context.Context, params *types.ContinuationExtraParams) (int32, error)
	Unregister(ctx context.Context, token int32) error
	RegisterDeviceSelectionCallback(ctx context.Context, token int32, cbType string, notifier ipc.RemoteObject) error
	UnregisterDeviceSelectionCallback(ctx context.Context, token int32, cbType string) error
	UpdateConnectStatus(ctx context.Context, token int32, deviceID string, status types.DeviceConnectStatus) error
	StartDeviceManager(ctx context.Context, token int32, params *types.ContinuationExtraParams) error
}

// PermissionChecker decides whether a caller holds a permission
type PermissionChecker interface {
	CheckPermission(accessToken uint32, permission string) error
}

type innerFunc func(ctx context.Context, data, reply *ipc.Parcel) error

// Stub decodes facade requests and writes their result codes to the reply
type Stub struct {
	facade Facade
	perms  PermissionChecker
	logger *slog.Logger
	funcs  map[uint32]innerFunc
}

// NewStub creates a stub serving facade
func NewStub(facade Facade, perms PermissionChecker, logger *slog.Logger) *Stub {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Stub{facade: facade, perms: perms, logger: logger}
	s.funcs = map[uint32]innerFunc{
		CodeRegister:                          s.registerInner,
		CodeUnregister:                        s.unregisterInner,
		CodeRegisterDeviceSelectionCallback:   s.registerDeviceSelectionCallbackInner,
		CodeUnregisterDeviceSelectionCallback: s.unregisterDeviceSelectionCallbackInner,
		CodeUpdateConnectStatus:               s.updateConnectStatusInner,
		CodeStartDeviceManager:                s.startDeviceManagerInner,
	}
	return s
}

// OnRemoteRequest dispatches one facade request
func (s *Stub) OnRemoteRequest(ctx context.Context, code uint32, data, reply *ipc.Parcel) error {
	s.logger.Debug("Facade request", "code", code)
	if fn, ok := s.funcs[code]; ok {
		if !s.enforceInterfaceToken(data) {
			s.logger.Error("Interface token check failed", "code", code)
			return errcode.DMSPermissionDenied
		}
		accessToken := ipc.CallingTokenID(ctx)
		if s.perms == nil || s.perms.CheckPermission(accessToken, PermissionDistributedDatasync) != nil {
			s.logger.Error("DISTRIBUTED_DATASYNC permission check failed", "access_token", accessToken)
			return errcode.DMSPermissionDenied
		}
		return fn(ctx, data, reply)
	}
	if code == CodeGetDistributedComponentList {
		return s.getDistributedComponentListInner(data, reply)
	}
	return errcode.ErrUnknownTransaction
}

func (s *Stub) enforceInterfaceToken(data *ipc.Parcel) bool {
	token, err := data.ReadInterfaceToken()
	return err == nil && token == ServiceInterfaceToken
}

func writeResult(reply *ipc.Parcel, err error) {
	reply.WriteInt32(int32(errcode.Of(err)))
}

func (s *Stub) readExtraParams(data *ipc.Parcel) (*types.ContinuationExtraParams, error) {
	params, err := types.ReadOptionalExtraParams(data)
	if err != nil {
		s.logger.Error("Failed to read continuation extra params", "error", err)
		return nil, errcode.Of(err)
	}
	return params, nil
}

func (s *Stub) registerInner(ctx context.Context, data, reply *ipc.Parcel) error {
	params, err := s.readExtraParams(data)
	if err != nil {
		return err
	}
	token, result := s.facade.Register(ctx, params)
	writeResult(reply, result)
	reply.WriteInt32(token)
	return nil
}

func (s *Stub) unregisterInner(ctx context.Context, data, reply *ipc.Parcel) error {
	token, err := data.ReadInt32()
	if err != nil {
		return errcode.ErrFlattenObject
	}
	writeResult(reply, s.facade.Unregister(ctx, token))
	return nil
}

func (s *Stub) registerDeviceSelectionCallbackInner(ctx context.Context, data, reply *ipc.Parcel) error {
	token, err := data.ReadInt32()
	if err != nil {
		return errcode.ErrFlattenObject
	}
	cbType, err := data.ReadString()
	if err != nil {
		return errcode.ErrFlattenObject
	}
	if cbType == "" {
		s.logger.Error("Callback type is empty")
		return errcode.ErrNullObject
	}
	notifier, err := data.ReadRemoteObject()
	if err != nil || notifier == nil {
		s.logger.Error("Notifier is missing")
		return errcode.ErrNullObject
	}
	writeResult(reply, s.facade.RegisterDeviceSelectionCallback(ctx, token, cbType, notifier))
	return nil
}

func (s *Stub) unregisterDeviceSelectionCallbackInner(ctx context.Context, data, reply *ipc.Parcel) error {
	token, err := data.ReadInt32()
	if err != nil {
		return errcode.ErrFlattenObject
	}
	cbType, err := data.ReadString()
	if err != nil {
		return errcode.ErrFlattenObject
	}
	if cbType == "" {
		s.logger.Error("Callback type is empty")
		return errcode.ErrNullObject
	}
	writeResult(reply, s.facade.UnregisterDeviceSelectionCallback(ctx, token, cbType))
	return nil
}

func (s *Stub) updateConnectStatusInner(ctx context.Context, data, reply *ipc.Parcel) error {
	token, err := data.ReadInt32()
	if err != nil {
		return errcode.ErrFlattenObject
	}
	deviceID, err := data.ReadString()
	if err != nil {
		return errcode.ErrFlattenObject
	}
	status, err := data.ReadInt32()
	if err != nil {
		return errcode.ErrFlattenObject
	}
	writeResult(reply, s.facade.UpdateConnectStatus(ctx, token, deviceID, types.DeviceConnectStatus(status)))
	return nil
}

func (s *Stub) startDeviceManagerInner(ctx context.Context, data, reply *ipc.Parcel) error {
	token, err := data.ReadInt32()
	if err != nil {
		return errcode.ErrFlattenObject
	}
	params, err := s.readExtraParams(data)
	if err != nil {
		return err
	}
	writeResult(reply, s.facade.StartDeviceManager(ctx, token, params))
	return nil
}

func (s *Stub) getDistributedComponentListInner(data, reply *ipc.Parcel) error {
	if !s.enforceInterfaceToken(data) {
		s.logger.Error("Interface token check failed", "code", CodeGetDistributedComponentList)
		return errcode.DMSPermissionDenied
	}
	reply.WriteInt32(int32(errcode.ErrOK))
	reply.WriteStringVector(nil)
	return nil
}
