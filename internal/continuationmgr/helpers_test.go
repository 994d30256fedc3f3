package continuationmgr

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/AltairaLabs/continuation-manager/internal/config"
	"github.com/AltairaLabs/continuation-manager/internal/ipc"
	"github.com/AltairaLabs/continuation-manager/internal/storage/memory"
	"github.com/AltairaLabs/continuation-manager/internal/types"
)

const (
	testPrincipal   uint32 = 1001
	unregisterToken int32  = 10000
	invalidStatus          = types.DeviceConnectStatus(10)
	testDeviceID           = "test deviceId"
)

func callerCtx(principal uint32) context.Context {
	return ipc.WithCaller(context.Background(), ipc.CallerIdentity{TokenID: principal})
}

type fakeTokens map[uint32]string

func (f fakeTokens) GetNativeProcessName(tokenID uint32) (string, error) {
	if name, ok := f[tokenID]; ok {
		return name, nil
	}
	return "", errors.New("not a native token")
}

type allowAll struct{}

func (allowAll) CheckPermission(uint32, string) error { return nil }

type denyAll struct{}

func (denyAll) CheckPermission(uint32, string) error { return errors.New("denied") }

type testEnv struct {
	svc       *Service
	store     *memory.InMemoryParameterStore
	connector *StaticAbilityConnector
}

func newTestEnv(t *testing.T, mutate func(*config.ServiceConfig)) *testEnv {
	t.Helper()
	cfg := config.DefaultServiceConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	env := &testEnv{
		store:     memory.NewInMemoryParameterStore(),
		connector: NewStaticAbilityConnector(),
	}
	env.svc = NewService(cfg, Dependencies{
		Store:     env.store,
		Connector: env.connector,
		Tokens:    fakeTokens{7: HidumperProcessName},
	})
	return env
}

func (e *testEnv) start(t *testing.T) {
	t.Helper()
	require.NoError(t, e.svc.OnStart(context.Background()))
	t.Cleanup(e.svc.OnStop)
}

func (e *testEnv) flush(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, e.svc.Flush(ctx))
}

// recordingListener collects deliveries to a device selection notifier
type recordingListener struct {
	mu     sync.Mutex
	events []string
	last   []types.ContinuationResult
}

func (l *recordingListener) OnDeviceConnect(_ context.Context, results []types.ContinuationResult) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, types.EventConnect)
	l.last = results
}

func (l *recordingListener) OnDeviceDisconnect(_ context.Context, results []types.ContinuationResult) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, types.EventDisconnect)
	l.last = results
}

func (l *recordingListener) snapshot() ([]string, []types.ContinuationResult) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...), l.last
}

// panelRequest is one request received by the fake device picker
type panelRequest struct {
	code uint32
	data *ipc.Parcel
}

// fakePanel plays the device picker extension
type fakePanel struct {
	mu       sync.Mutex
	requests []panelRequest
}

func (p *fakePanel) OnRemoteRequest(_ context.Context, code uint32, data, _ *ipc.Parcel) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, panelRequest{code: code, data: data})
	return nil
}

func (p *fakePanel) received() []panelRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]panelRequest(nil), p.requests...)
}

func installPanel(c *StaticAbilityConnector, panel *fakePanel) {
	c.Install(DeviceSelectAction, ExtensionAbilityInfo{BundleName: "com.ohos.panel", Name: "DevicePicker"},
		func() ipc.RemoteObject {
			return ipc.NewLocalObject(HiplayPanelInterfaceToken, panel, nil)
		})
}

func sampleResults() []types.ContinuationResult {
	return []types.ContinuationResult{
		{DeviceID: testDeviceID, DeviceType: "phone", DeviceName: "first"},
		{DeviceID: "second deviceId", DeviceType: "tablet", DeviceName: "second"},
	}
}
