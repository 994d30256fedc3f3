package continuationmgr

import (
	"context"
	"fmt"

	"github.com/AltairaLabs/continuation-manager/internal/errcode"
	"github.com/AltairaLabs/continuation-manager/internal/ipc"
	"github.com/AltairaLabs/continuation-manager/internal/types"
)

// Proxy is the client side of the facade. Every call is a synchronous
// request to remote.
type Proxy struct {
	remote ipc.RemoteObject
}

// NewProxy wraps the remote service object
func NewProxy(remote ipc.RemoteObject) *Proxy {
	return &Proxy{remote: remote}
}

func newRequest() *ipc.Parcel {
	data := ipc.NewParcel()
	data.WriteInterfaceToken(ServiceInterfaceToken)
	return data
}

// call sends data and decodes the leading result code of the reply
func (p *Proxy) call(ctx context.Context, code uint32, data *ipc.Parcel) (*ipc.Parcel, error) {
	if p.remote == nil {
		return nil, errcode.ErrNullObject
	}
	reply, err := p.remote.SendRequest(ctx, code, data, ipc.TFSync)
	if err != nil {
		return nil, err
	}
	result, err := reply.ReadInt32()
	if err != nil {
		return nil, fmt.Errorf("read result of request %d: %w", code, errcode.ErrInvalidReply)
	}
	return reply, errcode.FromInt32(result)
}

// Register requests a new token
func (p *Proxy) Register(ctx context.Context, params *types.ContinuationExtraParams) (int32, error) {
	data := newRequest()
	types.WriteOptionalExtraParams(data, params)
	reply, err := p.call(ctx, CodeRegister, data)
	if reply == nil {
		return -1, err
	}
	token, readErr := reply.ReadInt32()
	if readErr != nil {
		return -1, fmt.Errorf("read token: %w", errcode.ErrInvalidReply)
	}
	return token, err
}

// Unregister releases token
func (p *Proxy) Unregister(ctx context.Context, token int32) error {
	data := newRequest()
	data.WriteInt32(token)
	_, err := p.call(ctx, CodeUnregister, data)
	return err
}

// RegisterDeviceSelectionCallback binds notifier to (token, cbType)
func (p *Proxy) RegisterDeviceSelectionCallback(ctx context.Context, token int32, cbType string, notifier ipc.RemoteObject) error {
	data := newRequest()
	data.WriteInt32(token)
	data.WriteString(cbType)
	data.WriteRemoteObject(notifier)
	_, err := p.call(ctx, CodeRegisterDeviceSelectionCallback, data)
	return err
}

// UnregisterDeviceSelectionCallback unbinds (token, cbType)
func (p *Proxy) UnregisterDeviceSelectionCallback(ctx context.Context, token int32, cbType string) error {
	data := newRequest()
	data.WriteInt32(token)
	data.WriteString(cbType)
	_, err := p.call(ctx, CodeUnregisterDeviceSelectionCallback, data)
	return err
}

// UpdateConnectStatus reports the connect status of deviceID for token
func (p *Proxy) UpdateConnectStatus(ctx context.Context, token int32, deviceID string, status types.DeviceConnectStatus) error {
	data := newRequest()
	data.WriteInt32(token)
	data.WriteString(deviceID)
	data.WriteInt32(int32(status))
	_, err := p.call(ctx, CodeUpdateConnectStatus, data)
	return err
}

// StartDeviceManager asks the service to show the device picker for token
func (p *Proxy) StartDeviceManager(ctx context.Context, token int32, params *types.ContinuationExtraParams) error {
	data := newRequest()
	data.WriteInt32(token)
	types.WriteOptionalExtraParams(data, params)
	_, err := p.call(ctx, CodeStartDeviceManager, data)
	return err
}

// GetDistributedComponentList returns the distributed components known to
// the service
func (p *Proxy) GetDistributedComponentList(ctx context.Context) ([]string, error) {
	reply, err := p.call(ctx, CodeGetDistributedComponentList, newRequest())
	if err != nil {
		return nil, err
	}
	return reply.ReadStringVector()
}

var (
	_ Facade             = (*Service)(nil)
	_ Facade             = (*Proxy)(nil)
	_ DeviceEventHandler = (*Service)(nil)
	_ DeviceEventHandler = (*AppDeviceCallbackProxy)(nil)
)
