package dcontinue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AltairaLabs/continuation-manager/internal/allconnect"
	"github.com/AltairaLabs/continuation-manager/internal/config"
	"github.com/AltairaLabs/continuation-manager/internal/errcode"
	"github.com/AltairaLabs/continuation-manager/internal/types"
)

func pushInfo() Info {
	return Info{
		SourceDeviceID:   devSource,
		SourceBundleName: bundle,
		SinkDeviceID:     devSink,
		SinkBundleName:   bundle,
		MissionID:        missionID,
	}
}

func TestContinue_PushEndToEnd(t *testing.T) {
	src, sink := pair(t)
	cb := newCallbackRecorder()

	c, err := src.manager.ContinueMission(context.Background(), pushInfo(), cb.obj, nil)
	require.NoError(t, err)
	assert.Equal(t, DirectionSource, c.Direction())

	sinks := waitSessions(t, sink.manager, 1)
	peer := sinks[0]
	assert.Equal(t, DirectionSink, peer.Direction())
	completeOnSink(t, sink)

	assert.Equal(t, int32(0), waitDone(t, c))
	assert.Equal(t, int32(0), waitDone(t, peer))
	assert.Equal(t, int32(0), <-cb.result)

	started := sink.abilities.startedWants()
	require.Len(t, started, 1)
	want := started[0]
	assert.Equal(t, bundle, want.Element.BundleName)
	assert.Equal(t, "7", want.Params[ParamSessionID])
	assert.Equal(t, devSource, want.Params[ParamDeviceID])
	assert.Equal(t, "1000000", want.Params[ParamVersionCode])
	assert.Equal(t, "MainAbility", peer.Info().SinkAbilityName)

	assert.Equal(t, []int32{missionID}, src.abilities.cleanedMissions())
	assert.Empty(t, src.manager.Sessions())
	assert.Empty(t, sink.manager.Sessions())

	assert.Equal(t, []StateType{StateAbility, StateSourceWaitEnd, StateSourceEnd}, src.observer.transitions())
	assert.Equal(t, []StateType{StateData, StateSinkWaitEnd, StateSinkEnd}, sink.observer.transitions())
	assert.Equal(t, []allconnect.BusinessStatus{
		allconnect.StatusPrepare, allconnect.StatusConnecting, allconnect.StatusConnected, allconnect.StatusIdle,
	}, src.arbiter.states())
}

func TestContinue_PullEndToEnd(t *testing.T) {
	src, sink := pair(t)
	info := pushInfo()
	info.MissionID = 0

	c, err := sink.manager.ContinueMission(context.Background(), info, nil, types.WantParams{"k": "v"})
	require.NoError(t, err)
	assert.Equal(t, DirectionSink, c.Direction())

	sources := waitSessions(t, src.manager, 1)
	completeOnSink(t, sink)
	assert.Equal(t, int32(0), waitDone(t, sources[0]))
	assert.Equal(t, int32(0), waitDone(t, c))
	assert.Equal(t, missionID, sources[0].Info().MissionID)
	assert.Len(t, sink.abilities.startedWants(), 1)
}

func TestContinue_SinkFailureEndsBothSides(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(src, sink *device)
		expect errcode.Code
	}{
		{
			name:   "permission denied",
			setup:  func(_, sink *device) { sink.perms.startErr = errcode.DMSPermissionDenied },
			expect: errcode.DMSPermissionDenied,
		},
		{
			name:   "start ability fails",
			setup:  func(_, sink *device) { sink.abilities.startErr = errors.New("boom") },
			expect: errcode.StartAbilityFailed,
		},
		{
			name: "different developer",
			setup: func(_, sink *device) {
				sink.bundles.versions["com.example.other"] = 1
				sink.bundles.sameDeveloper = false
			},
			expect: errcode.InvalidParametersErr,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src, sink := pair(t)
			tt.setup(src, sink)
			cb := newCallbackRecorder()
			info := pushInfo()
			if tt.name == "different developer" {
				info.SinkBundleName = "com.example.other"
			}

			c, err := src.manager.ContinueMission(context.Background(), info, cb.obj, nil)
			require.NoError(t, err)

			assert.Equal(t, int32(tt.expect), waitDone(t, c))
			require.Eventually(t, func() bool { return len(sink.observer.endedCodes()) == 1 }, 2*time.Second, 5*time.Millisecond)
			assert.Equal(t, []errcode.Code{tt.expect}, sink.observer.endedCodes())
			assert.Equal(t, int32(errcode.DMSWorkAbnormally), <-cb.result)
			assert.Empty(t, src.abilities.cleanedMissions())
		})
	}
}

func TestContinue_SourceFailures(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(src *device)
		expect errcode.Code
	}{
		{
			name:   "bundle does not allow continue",
			setup:  func(src *device) { src.bundles.noContinue = true },
			expect: errcode.RemoteDeviceBindAbilityErr,
		},
		{
			name:   "mission inactive",
			setup:  func(src *device) { src.abilities.missions[missionID] = MissionInfo{BundleName: bundle} },
			expect: errcode.MissionForContinuingIsNotAlive,
		},
		{
			name:   "continue ability fails",
			setup:  func(src *device) { src.abilities.continueErr = errors.New("busy") },
			expect: errcode.StartAbilityFailed,
		},
		{
			name:   "arbiter rejects",
			setup:  func(src *device) { src.arbiter.applyErr = errcode.DMSConnectApplyRejectFailed },
			expect: errcode.DMSConnectApplyRejectFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src, _ := pair(t)
			tt.setup(src)

			c, err := src.manager.ContinueMission(context.Background(), pushInfo(), nil, nil)
			require.NoError(t, err)
			assert.Equal(t, int32(tt.expect), waitDone(t, c))
			assert.Empty(t, src.manager.Sessions())
		})
	}
}

func TestContinue_AppRejects(t *testing.T) {
	src, sink := pair(t)
	src.abilities.onContinue = func(id int32) {
		assert.NoError(t, src.manager.StartContinuation(types.Want{}, id, 1, 29360128, 0))
	}

	c, err := src.manager.ContinueMission(context.Background(), pushInfo(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, int32(29360128), waitDone(t, c))
	require.Eventually(t, func() bool { return len(sink.manager.Sessions()) == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestContinue_WantWithoutContinuationFlag(t *testing.T) {
	src, _ := pair(t)
	src.abilities.onContinue = func(id int32) {
		assert.NoError(t, src.manager.StartContinuation(types.Want{Params: types.WantParams{}}, id, 1, 0, 0))
	}

	c, err := src.manager.ContinueMission(context.Background(), pushInfo(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, int32(errcode.InvalidRemoteParametersErr), waitDone(t, c))
}

func TestContinue_CheckDeviceIDFromRemote(t *testing.T) {
	deps := &Dependencies{Config: config.DefaultContinueConfig(), Logger: quietLogger()}
	c := newContinue(deps, pushInfo(), DirectionSink, ContinuePush, nil, nil)

	tests := []struct {
		name             string
		local, dest, src string
		ok               bool
	}{
		{"valid", devSink, devSink, devSource, true},
		{"empty local", "", devSink, devSource, false},
		{"empty source", devSink, devSink, "", false},
		{"not addressed here", devSink, "other", devSource, false},
		{"source is local", devSink, devSink, devSink, false},
		{"unexpected source", devSink, devSink, "stranger", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.ok, c.checkDeviceIDFromRemote(tt.local, tt.dest, tt.src))
		})
	}
}

func TestContinue_UpdateWantForContinueType(t *testing.T) {
	bundles := newFakeBundles()
	bundles.sinkAbility = "EditorAbility"
	deps := &Dependencies{Bundles: bundles, Config: config.DefaultContinueConfig(), Logger: quietLogger()}
	info := pushInfo()
	info.ContinueType = "edit_ContinueQuickStart"
	c := newContinue(deps, info, DirectionSink, ContinuePush, nil, nil)

	want := types.Want{Element: types.ElementName{AbilityName: "MainAbility"}, Params: types.WantParams{}}
	c.updateWantForContinueType(context.Background(), &want)
	assert.Equal(t, "EditorAbility", want.Element.AbilityName)
	assert.Equal(t, "false", want.Params[ParamPageStack])

	bundles.sinkAbility = "EditorAbility"
	same := types.Want{Element: types.ElementName{AbilityName: "EditorAbility"}, Params: types.WantParams{}}
	c.updateWantForContinueType(context.Background(), &same)
	assert.NotContains(t, same.Params, ParamPageStack)
}

func TestContinue_SetWantForContinuationModuleName(t *testing.T) {
	deps := &Dependencies{Bundles: newFakeBundles(), Config: config.DefaultContinueConfig(), Logger: quietLogger()}
	c := newContinue(deps, pushInfo(), DirectionSource, ContinuePush, nil, nil)

	want := types.Want{
		Element: types.ElementName{BundleName: bundle, ModuleName: "entry"},
		Params:  types.WantParams{ParamPageStack: "false", ParamModuleName: "feature"},
	}
	require.NoError(t, c.setWantForContinuation(context.Background(), &want))
	assert.Equal(t, "feature", want.Element.ModuleName)

	keep := types.Want{
		Element: types.ElementName{BundleName: bundle, ModuleName: "entry"},
		Params:  types.WantParams{ParamModuleName: "feature"},
	}
	require.NoError(t, c.setWantForContinuation(context.Background(), &keep))
	assert.Equal(t, "entry", keep.Element.ModuleName)

	missing := types.Want{Element: types.ElementName{BundleName: "unknown"}, Params: types.WantParams{}}
	assert.ErrorIs(t, c.setWantForContinuation(context.Background(), &missing), errcode.InvalidParametersErr)
}

func TestSDKResult(t *testing.T) {
	assert.Equal(t, int32(0), SDKResult(0))
	assert.Equal(t, int32(errcode.ContinueAlreadyInProgress), SDKResult(int32(errcode.ContinueAlreadyInProgress)))
	assert.Equal(t, int32(errcode.DMSWorkAbnormally), SDKResult(int32(errcode.StartAbilityFailed)))
}
