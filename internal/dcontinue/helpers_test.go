package dcontinue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AltairaLabs/continuation-manager/internal/allconnect"
	"github.com/AltairaLabs/continuation-manager/internal/config"
	"github.com/AltairaLabs/continuation-manager/internal/errcode"
	"github.com/AltairaLabs/continuation-manager/internal/ipc"
	"github.com/AltairaLabs/continuation-manager/internal/types"
)

const (
	devSource = "source-device-0001"
	devSink   = "sink-device-0002"
	bundle    = "com.example.notes"
	missionID = int32(7)
)

var errMissing = errors.New("missing")

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeAbilities struct {
	mu          sync.Mutex
	missions    map[int32]MissionInfo
	continueErr error
	startErr    error
	continued   []int32
	started     []types.Want
	cleaned     []int32
	onContinue  func(missionID int32)
	onStart     func(want types.Want)
}

func newFakeAbilities() *fakeAbilities {
	return &fakeAbilities{missions: map[int32]MissionInfo{
		missionID: {BundleName: bundle, ContinueActive: true},
	}}
}

func (f *fakeAbilities) MissionIDByBundle(_ context.Context, name string) (int32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, m := range f.missions {
		if m.BundleName == name {
			return id, nil
		}
	}
	return 0, errMissing
}

func (f *fakeAbilities) MissionInfo(_ context.Context, id int32) (MissionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.missions[id]
	if !ok {
		return MissionInfo{}, errMissing
	}
	return m, nil
}

func (f *fakeAbilities) ContinueAbility(_ context.Context, _ string, id int32, _ uint32) error {
	f.mu.Lock()
	f.continued = append(f.continued, id)
	err, hook := f.continueErr, f.onContinue
	f.mu.Unlock()
	if err != nil {
		return err
	}
	if hook != nil {
		hook(id)
	}
	return nil
}

func (f *fakeAbilities) StartAbility(_ context.Context, want *types.Want, _ int32) error {
	f.mu.Lock()
	f.started = append(f.started, *want)
	err, hook := f.startErr, f.onStart
	f.mu.Unlock()
	if err != nil {
		return err
	}
	if hook != nil {
		hook(*want)
	}
	return nil
}

func (f *fakeAbilities) CleanMission(_ context.Context, id int32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleaned = append(f.cleaned, id)
	return nil
}

func (f *fakeAbilities) startedWants() []types.Want {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.Want(nil), f.started...)
}

func (f *fakeAbilities) cleanedMissions() []int32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int32(nil), f.cleaned...)
}

type fakeBundles struct {
	versions      map[string]uint32
	noContinue    bool
	sinkAbility   string
	sameDeveloper bool
}

func newFakeBundles() *fakeBundles {
	return &fakeBundles{versions: map[string]uint32{bundle: 1000000}, sameDeveloper: true}
}

func (f *fakeBundles) VersionCode(_ context.Context, name string) (uint32, error) {
	v, ok := f.versions[name]
	if !ok {
		return 0, errMissing
	}
	return v, nil
}

func (f *fakeBundles) CallerAppID(context.Context, int32) (string, error) {
	return "app-id", nil
}

func (f *fakeBundles) BundleNames(context.Context, int32) ([]string, error) {
	return []string{bundle}, nil
}

func (f *fakeBundles) DeveloperID(context.Context, string) string {
	return "dev-1"
}

func (f *fakeBundles) IsSameDeveloperID(context.Context, string, string) bool {
	return f.sameDeveloper
}

func (f *fakeBundles) AllowsContinue(context.Context, string) bool {
	return !f.noContinue
}

func (f *fakeBundles) AbilityByContinueType(context.Context, string, string, string) string {
	return f.sinkAbility
}

type fakePermissions struct {
	startErr error
}

func (f *fakePermissions) GetAccountInfo(string, *types.CallerInfo) (*types.AccountInfo, error) {
	return &types.AccountInfo{AccountType: types.SameAccountType, GroupIDList: []string{"g"}}, nil
}

func (f *fakePermissions) GetTargetAbility(_ context.Context, want *types.Want, _ bool) (*types.AbilityInfo, error) {
	return &types.AbilityInfo{BundleName: want.Element.BundleName, Name: want.Element.AbilityName, Visible: true}, nil
}

func (f *fakePermissions) CheckStartPermission(*types.Want, *types.CallerInfo, *types.AccountInfo, *types.AbilityInfo) error {
	return f.startErr
}

type fakeArbiter struct {
	mu        sync.Mutex
	applyErr  error
	published []allconnect.BusinessStatus
}

func (f *fakeArbiter) ApplyAdvanceResource(context.Context, string, allconnect.ResourceRequest) error {
	return f.applyErr
}

func (f *fakeArbiter) PublishServiceState(_ context.Context, _, _ string, s allconnect.BusinessStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, s)
	return nil
}

func (f *fakeArbiter) states() []allconnect.BusinessStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]allconnect.BusinessStatus(nil), f.published...)
}

type fakeObserver struct {
	mu    sync.Mutex
	trans []StateType
	ended []errcode.Code
}

func (f *fakeObserver) Transition(_ Direction, _, to StateType) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.trans = append(f.trans, to)
}

func (f *fakeObserver) SessionEnded(_ Direction, code errcode.Code) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ended = append(f.ended, code)
}

func (f *fakeObserver) endedCodes() []errcode.Code {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]errcode.Code(nil), f.ended...)
}

func (f *fakeObserver) transitions() []StateType {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]StateType(nil), f.trans...)
}

// device is one end of a loopback continuation
type device struct {
	manager   *Manager
	abilities *fakeAbilities
	bundles   *fakeBundles
	perms     *fakePermissions
	arbiter   *fakeArbiter
	observer  *fakeObserver
}

func newDevice(net *Network, id string) *device {
	d := &device{
		abilities: newFakeAbilities(),
		bundles:   newFakeBundles(),
		perms:     &fakePermissions{},
		arbiter:   &fakeArbiter{},
		observer:  &fakeObserver{},
	}
	d.manager = NewManager(Dependencies{
		LocalDeviceID: id,
		Transport:     net.Endpoint(id),
		Abilities:     d.abilities,
		Bundles:       d.bundles,
		Permissions:   d.perms,
		Arbiter:       d.arbiter,
		Observer:      d.observer,
		Config:        config.DefaultContinueConfig(),
		Logger:        quietLogger(),
	})
	net.Attach(id, d.manager)
	return d
}

// pair wires a source and a sink. Continuing the source ability starts the
// continuation the way the source app would.
func pair(t *testing.T) (src, sink *device) {
	t.Helper()
	net := NewNetwork()
	src = newDevice(net, devSource)
	sink = newDevice(net, devSink)

	src.abilities.onContinue = func(id int32) {
		want := types.Want{
			Element: types.ElementName{DeviceID: devSink, BundleName: bundle, AbilityName: "MainAbility"},
			Flags:   types.FlagAbilityContinuation,
			Params:  types.WantParams{ParamSourceExit: "true"},
		}
		assert.NoError(t, src.manager.StartContinuation(want, id, 20010001, 0, 537000000))
	}
	return src, sink
}

// completeOnSink reports the sink ability as started once it has been
func completeOnSink(t *testing.T, sink *device) {
	t.Helper()
	require.Eventually(t, func() bool { return len(sink.abilities.startedWants()) == 1 }, 2*time.Second, 5*time.Millisecond)
	want := sink.abilities.startedWants()[0]
	require.NoError(t, sink.manager.NotifyCompleteContinuation(want.Element.BundleName, 12, true))
}

// callbackRecorder is a mission callback capturing the reported result
type callbackRecorder struct {
	obj    *ipc.LocalObject
	result chan int32
}

func newCallbackRecorder() *callbackRecorder {
	r := &callbackRecorder{result: make(chan int32, 1)}
	r.obj = ipc.NewLocalObject(missionCallbackToken, ipc.StubFunc(func(_ context.Context, code uint32, data, _ *ipc.Parcel) error {
		if code != notifyMissionResult {
			return errcode.ErrUnknownTransaction
		}
		if _, err := data.ReadInterfaceToken(); err != nil {
			return err
		}
		v, err := data.ReadInt32()
		if err != nil {
			return err
		}
		r.result <- v
		return nil
	}), quietLogger())
	return r
}

func waitDone(t *testing.T, c *Continue) int32 {
	t.Helper()
	select {
	case <-c.Done():
		return c.Result()
	case <-time.After(2 * time.Second):
		t.Fatalf("session %s stuck in %s", c.ID(), c.State())
		return 0
	}
}

func waitSessions(t *testing.T, m *Manager, n int) []*Continue {
	t.Helper()
	require.Eventually(t, func() bool { return len(m.Sessions()) == n }, 2*time.Second, 5*time.Millisecond)
	return m.Sessions()
}
