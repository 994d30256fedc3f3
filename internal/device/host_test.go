package device

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AltairaLabs/continuation-manager/internal/config"
	"github.com/AltairaLabs/continuation-manager/internal/dcontinue"
	"github.com/AltairaLabs/continuation-manager/internal/permission"
	"github.com/AltairaLabs/continuation-manager/internal/types"
)

const (
	notes     = "com.example.notes"
	notesUID  = int32(20010001)
	notesTok  = uint32(537000000)
	phoneID   = "phone-0001"
	tabletID  = "tablet-0002"
	notesType = "notes"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func deviceConfig(id string) config.DeviceConfig {
	return config.DeviceConfig{
		ID: id,
		Tokens: []config.TokenConfig{
			{ID: 1, Process: "foundation"},
			{ID: notesTok, Permissions: []string{"ohos.permission.DISTRIBUTED_DATASYNC"}},
		},
		Bundles: []config.BundleConfig{{
			Name:        notes,
			UID:         notesUID,
			Token:       notesTok,
			AppID:       "notes-app",
			DeveloperID: "dev-1",
			Version:     1000000,
			Continuable: true,
			Abilities: []config.AbilityConfig{
				{Name: "MainAbility", Module: "entry", ContinueType: notesType, Visible: true},
				{Name: "SyncExtension", Extension: true},
			},
		}},
		Groups: []config.GroupConfig{{ID: "g-1", Type: permission.IdenticalAccountGroup}},
	}
}

func TestHost_Tokens(t *testing.T) {
	h := NewHost(deviceConfig(phoneID), quietLogger())

	assert.True(t, h.IsNativeToken(1))
	assert.False(t, h.IsNativeToken(notesTok))
	assert.False(t, h.IsNativeToken(42))

	name, err := h.GetNativeProcessName(1)
	require.NoError(t, err)
	assert.Equal(t, "foundation", name)
	_, err = h.GetNativeProcessName(notesTok)
	assert.ErrorIs(t, err, ErrUnknownToken)

	assert.True(t, h.VerifyAccessToken(notesTok, "ohos.permission.DISTRIBUTED_DATASYNC"))
	assert.False(t, h.VerifyAccessToken(notesTok, "ohos.permission.OTHER"))
	assert.Equal(t, notesTok, h.AllocLocalTokenID(tabletID, notesTok))
}

func TestHost_Bundles(t *testing.T) {
	h := NewHost(deviceConfig(phoneID), quietLogger())
	ctx := context.Background()

	v, err := h.VersionCode(ctx, notes)
	require.NoError(t, err)
	assert.Equal(t, uint32(1000000), v)
	_, err = h.VersionCode(ctx, "missing")
	assert.ErrorIs(t, err, ErrBundleNotInstalled)

	appID, err := h.CallerAppID(ctx, notesUID)
	require.NoError(t, err)
	assert.Equal(t, "notes-app", appID)
	assert.True(t, h.IsSameAppID("notes-app", notes))
	assert.False(t, h.IsSameAppID("", notes))

	names, err := h.BundleNames(ctx, notesUID)
	require.NoError(t, err)
	assert.Equal(t, []string{notes}, names)
	_, err = h.BundleNames(ctx, 1)
	assert.ErrorIs(t, err, ErrBundleNotInstalled)

	assert.True(t, h.IsSameDeveloperID(ctx, notes, "dev-1"))
	assert.False(t, h.IsSameDeveloperID(ctx, notes, ""))
	assert.True(t, h.AllowsContinue(ctx, notes))
	assert.Equal(t, "MainAbility", h.AbilityByContinueType(ctx, phoneID, notes, notesType))
	assert.Empty(t, h.AbilityByContinueType(ctx, tabletID, notes, notesType))
}

func TestHost_QueryAbility(t *testing.T) {
	h := NewHost(deviceConfig(phoneID), quietLogger())
	ctx := context.Background()

	tests := []struct {
		name      string
		ability   string
		extension bool
		expect    types.AbilityType
		wantErr   bool
	}{
		{"page", "MainAbility", false, types.AbilityPage, false},
		{"extension", "SyncExtension", true, types.AbilityExtension, false},
		{"page as extension", "MainAbility", true, 0, true},
		{"unknown", "Other", false, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			want := &types.Want{Element: types.ElementName{BundleName: notes, AbilityName: tt.ability}}
			query := h.QueryAbilityInfo
			if tt.extension {
				query = h.QueryExtensionAbilityInfo
			}
			info, err := query(ctx, want)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrAbilityNotFound)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expect, info.Type)
			assert.Equal(t, notes, info.BundleName)
		})
	}
}

func TestHost_GroupsFeedAccountInfo(t *testing.T) {
	h := NewHost(deviceConfig(phoneID), quietLogger())
	assert.True(t, h.CheckAccessToGroup("g-1", notes))
	assert.False(t, h.CheckAccessToGroup("g-2", notes))
	assert.False(t, h.CheckAccessToGroup("g-1", "missing"))

	checker := permission.NewChecker(h, h, h, quietLogger())
	account, err := checker.GetAccountInfo(tabletID, &types.CallerInfo{BundleNames: []string{notes}})
	require.NoError(t, err)
	assert.Equal(t, types.SameAccountType, account.AccountType)
	assert.Equal(t, []string{"g-1"}, account.GroupIDList)
}

func TestHost_Missions(t *testing.T) {
	h := NewHost(deviceConfig(phoneID), quietLogger())
	ctx := context.Background()

	_, err := h.MissionIDByBundle(ctx, notes)
	assert.ErrorIs(t, err, ErrNoMission)
	_, err = h.Launch("missing")
	assert.ErrorIs(t, err, ErrBundleNotInstalled)

	first, err := h.Launch(notes)
	require.NoError(t, err)
	second, err := h.Launch(notes)
	require.NoError(t, err)
	assert.Equal(t, first+1, second)

	id, err := h.MissionIDByBundle(ctx, notes)
	require.NoError(t, err)
	assert.Equal(t, first, id)

	info, err := h.MissionInfo(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, dcontinue.MissionInfo{BundleName: notes, ContinueActive: true}, info)

	err = h.ContinueAbility(ctx, tabletID, first, 0)
	assert.ErrorIs(t, err, ErrNotContinuable)

	require.NoError(t, h.CleanMission(ctx, first))
	assert.ErrorIs(t, h.CleanMission(ctx, first), ErrNoMission)
	missions := h.Missions()
	require.Len(t, missions, 1)
	assert.Equal(t, second, missions[0].ID)
}

func TestHost_StartAbilityNotifies(t *testing.T) {
	h := NewHost(deviceConfig(tabletID), quietLogger())
	var started []Mission
	h.OnStarted(func(_ context.Context, m Mission, _ types.Want) { started = append(started, m) })

	want := &types.Want{Element: types.ElementName{DeviceID: tabletID, BundleName: notes, AbilityName: "MainAbility"}}
	require.NoError(t, h.StartAbility(context.Background(), want, 0))
	require.Len(t, started, 1)
	assert.Equal(t, "MainAbility", started[0].AbilityName)
	assert.Equal(t, notesUID, started[0].UID)

	want.Element.AbilityName = "Other"
	assert.ErrorIs(t, h.StartAbility(context.Background(), want, 0), ErrAbilityNotFound)
	assert.Len(t, started, 1)
}

func TestNode_ContinuesBetweenDevices(t *testing.T) {
	net := dcontinue.NewNetwork()
	deps := dcontinue.Dependencies{Config: config.DefaultContinueConfig(), Logger: quietLogger()}
	phone := NewNode(deviceConfig(phoneID), net, deps)
	tablet := NewNode(deviceConfig(tabletID), net, deps)

	mission, err := phone.Host.Launch(notes)
	require.NoError(t, err)

	c, err := phone.Manager.ContinueMission(context.Background(), dcontinue.Info{
		SourceDeviceID: phoneID,
		SinkDeviceID:   tabletID,
		ContinueType:   notesType,
		MissionID:      mission,
	}, nil, nil)
	require.NoError(t, err)

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("continuation stuck in %s", c.State())
	}
	assert.Equal(t, int32(0), c.Result())

	require.Eventually(t, func() bool { return len(tablet.Manager.Sessions()) == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, phone.Host.Missions(), "source mission exits after the handover")
	started := tablet.Host.Missions()
	require.Len(t, started, 1)
	assert.Equal(t, notes, started[0].BundleName)
	assert.Equal(t, "MainAbility", started[0].AbilityName)
}
