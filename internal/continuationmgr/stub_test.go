package continuationmgr

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AltairaLabs/continuation-manager/internal/errcode"
	"github.com/AltairaLabs/continuation-manager/internal/ipc"
	"github.com/AltairaLabs/continuation-manager/internal/types"
)

func newStubbedProxy(t *testing.T, perms PermissionChecker) (*Proxy, *ipc.LocalObject, *testEnv) {
	t.Helper()
	env := newTestEnv(t, nil)
	env.start(t)
	remote := ipc.NewLocalObject(ServiceInterfaceToken, NewStub(env.svc, perms, nil), nil)
	return NewProxy(remote), remote, env
}

func TestProxy_RoundTripsFacadeCalls(t *testing.T) {
	proxy, _, env := newStubbedProxy(t, allowAll{})
	ctx := callerCtx(testPrincipal)

	token, err := proxy.Register(ctx, &types.ContinuationExtraParams{ContinuationMode: types.CollaborationMultiple})
	require.NoError(t, err)
	assert.True(t, env.svc.IsTokenRegistered(testPrincipal, token))

	notifier := NewDeviceSelectionNotifierObject(&recordingListener{}, nil)
	require.NoError(t, proxy.RegisterDeviceSelectionCallback(ctx, token, types.EventConnect, notifier))
	err = proxy.RegisterDeviceSelectionCallback(ctx, token, types.EventConnect, notifier)
	assert.True(t, errcode.Is(err, errcode.CallbackHasRegistered))

	require.NoError(t, proxy.UpdateConnectStatus(ctx, token, testDeviceID, types.DeviceConnected))
	err = proxy.UpdateConnectStatus(ctx, token, testDeviceID, invalidStatus)
	assert.True(t, errcode.Is(err, errcode.InvalidConnectStatus))

	err = proxy.StartDeviceManager(ctx, token, nil)
	assert.True(t, errcode.Is(err, errcode.ConnectAbilityFailed))

	require.NoError(t, proxy.UnregisterDeviceSelectionCallback(ctx, token, types.EventConnect))
	require.NoError(t, proxy.Unregister(ctx, token))
	err = proxy.Unregister(ctx, token)
	assert.True(t, errcode.Is(err, errcode.TokenHasNotRegistered))
}

func TestProxy_RegisterInvalidModeReturnsNoToken(t *testing.T) {
	proxy, _, _ := newStubbedProxy(t, allowAll{})

	token, err := proxy.Register(callerCtx(testPrincipal), &types.ContinuationExtraParams{ContinuationMode: 9})
	assert.True(t, errcode.Is(err, errcode.InvalidContinuationMode))
	assert.Equal(t, int32(-1), token)
}

func TestStub_PermissionDenied(t *testing.T) {
	proxy, _, _ := newStubbedProxy(t, denyAll{})

	_, err := proxy.Register(callerCtx(testPrincipal), nil)
	assert.True(t, errcode.Is(err, errcode.DMSPermissionDenied))
}

func TestStub_NilPermissionCheckerDenies(t *testing.T) {
	proxy, _, _ := newStubbedProxy(t, nil)

	err := proxy.Unregister(callerCtx(testPrincipal), 1)
	assert.True(t, errcode.Is(err, errcode.DMSPermissionDenied))
}

func TestStub_InterfaceTokenMismatch(t *testing.T) {
	_, remote, _ := newStubbedProxy(t, allowAll{})

	for _, code := range []uint32{CodeRegister, CodeGetDistributedComponentList} {
		data := ipc.NewParcel()
		data.WriteInterfaceToken("wrong.token")
		data.WriteInt32(types.ValueNull)
		_, err := remote.SendRequest(callerCtx(testPrincipal), code, data, ipc.TFSync)
		assert.True(t, errcode.Is(err, errcode.DMSPermissionDenied), "code %d", code)
	}
}

func TestStub_UnknownCode(t *testing.T) {
	_, remote, _ := newStubbedProxy(t, allowAll{})

	_, err := remote.SendRequest(context.Background(), 999, newRequest(), ipc.TFSync)
	assert.True(t, errcode.Is(err, errcode.ErrUnknownTransaction))
}

func TestStub_MalformedRequests(t *testing.T) {
	_, remote, _ := newStubbedProxy(t, allowAll{})
	ctx := callerCtx(testPrincipal)

	tests := []struct {
		name     string
		code     uint32
		build    func(p *ipc.Parcel)
		expected errcode.Code
	}{
		{"register missing flag", CodeRegister, func(*ipc.Parcel) {}, errcode.ErrFlattenObject},
		{"register truncated params", CodeRegister, func(p *ipc.Parcel) {
			p.WriteInt32(types.ValueObject)
		}, errcode.ErrNullObject},
		{"callback empty type", CodeRegisterDeviceSelectionCallback, func(p *ipc.Parcel) {
			p.WriteInt32(1)
			p.WriteString("")
		}, errcode.ErrNullObject},
		{"callback nil notifier", CodeRegisterDeviceSelectionCallback, func(p *ipc.Parcel) {
			p.WriteInt32(1)
			p.WriteString(types.EventConnect)
			p.WriteRemoteObject(nil)
		}, errcode.ErrNullObject},
		{"unregister callback empty type", CodeUnregisterDeviceSelectionCallback, func(p *ipc.Parcel) {
			p.WriteInt32(1)
			p.WriteString("")
		}, errcode.ErrNullObject},
		{"status missing value", CodeUpdateConnectStatus, func(p *ipc.Parcel) {
			p.WriteInt32(1)
			p.WriteString(testDeviceID)
		}, errcode.ErrFlattenObject},
		{"start missing flag", CodeStartDeviceManager, func(p *ipc.Parcel) {
			p.WriteInt32(1)
		}, errcode.ErrFlattenObject},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := newRequest()
			tt.build(data)
			_, err := remote.SendRequest(ctx, tt.code, data, ipc.TFSync)
			assert.Equal(t, tt.expected, errcode.Of(err))
		})
	}
}

func TestProxy_GetDistributedComponentList(t *testing.T) {
	proxy, _, _ := newStubbedProxy(t, denyAll{})

	list, err := proxy.GetDistributedComponentList(callerCtx(testPrincipal))
	require.NoError(t, err, "only the interface token is checked")
	assert.Empty(t, list)
}

func TestProxy_NilRemote(t *testing.T) {
	err := NewProxy(nil).Unregister(context.Background(), 1)
	assert.True(t, errcode.Is(err, errcode.ErrNullObject))
}

func TestAppDeviceCallbackStub_Rejects(t *testing.T) {
	env := newTestEnv(t, nil)
	env.start(t)
	obj := NewAppDeviceCallbackObject(env.svc, nil)

	wrong := ipc.NewParcel()
	wrong.WriteInterfaceToken("other")
	_, err := obj.SendRequest(context.Background(), EventDeviceConnect, wrong, ipc.TFSync)
	assert.True(t, errcode.Is(err, errcode.ErrInvalidState))

	truncated := ipc.NewParcel()
	truncated.WriteInterfaceToken(AppDeviceCallbackDescriptor)
	truncated.WriteInt32(1)
	truncated.WriteInt32(2)
	_, err = obj.SendRequest(context.Background(), EventDeviceDisconnect, truncated, ipc.TFSync)
	assert.True(t, errcode.Is(err, errcode.ErrFlattenObject))

	unknown := ipc.NewParcel()
	unknown.WriteInterfaceToken(AppDeviceCallbackDescriptor)
	_, err = obj.SendRequest(context.Background(), 42, unknown, ipc.TFSync)
	assert.True(t, errcode.Is(err, errcode.ErrUnknownTransaction))

	cancel := NewAppDeviceCallbackProxy(obj)
	assert.NoError(t, cancel.OnDeviceCancel(context.Background()))
}

func TestAppDeviceCallbackStub_ForwardsHandlerResult(t *testing.T) {
	env := newTestEnv(t, nil)
	env.start(t)
	proxy := NewAppDeviceCallbackProxy(NewAppDeviceCallbackObject(env.svc, nil))

	err := proxy.OnDeviceConnect(context.Background(), unregisterToken, sampleResults())
	assert.True(t, errcode.Is(err, errcode.CallbackHasNotRegistered))
}
