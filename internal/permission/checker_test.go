package permission

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AltairaLabs/continuation-manager/internal/errcode"
	"github.com/AltairaLabs/continuation-manager/internal/types"
)

const (
	nativeToken uint32 = 1
	localToken  uint32 = 500
)

type fakeTokens struct {
	granted map[uint32]map[string]bool
	alloc   uint32
	names   map[uint32]string
}

func (f *fakeTokens) IsNativeToken(id uint32) bool { return id == nativeToken }

func (f *fakeTokens) VerifyAccessToken(id uint32, p string) bool { return f.granted[id][p] }

func (f *fakeTokens) AllocLocalTokenID(string, uint32) uint32 { return f.alloc }

func (f *fakeTokens) GetNativeProcessName(id uint32) (string, error) {
	if n, ok := f.names[id]; ok {
		return n, nil
	}
	return "", errors.New("not a native token")
}

func (f *fakeTokens) grant(id uint32, perms ...string) {
	if f.granted == nil {
		f.granted = map[uint32]map[string]bool{}
	}
	if f.granted[id] == nil {
		f.granted[id] = map[string]bool{}
	}
	for _, p := range perms {
		f.granted[id][p] = true
	}
}

type fakeBundles struct {
	sameApp   bool
	ability   *types.AbilityInfo
	extension *types.AbilityInfo
}

func (f *fakeBundles) IsSameAppID(string, string) bool { return f.sameApp }

func (f *fakeBundles) QueryAbilityInfo(context.Context, *types.Want) (*types.AbilityInfo, error) {
	if f.ability == nil {
		return nil, errors.New("no such ability")
	}
	return f.ability, nil
}

func (f *fakeBundles) QueryExtensionAbilityInfo(context.Context, *types.Want) (*types.AbilityInfo, error) {
	if f.extension == nil {
		return nil, errors.New("no such extension")
	}
	return f.extension, nil
}

type fakeGroups struct {
	access map[string]bool
	udid   string
	groups map[string]string
}

func (f *fakeGroups) CheckAccessToGroup(id, _ string) bool { return f.access[id] }

func (f *fakeGroups) GetRelatedGroups(_, bundle string) (string, error) {
	g, ok := f.groups[bundle]
	if !ok {
		return "", errors.New("no groups")
	}
	return g, nil
}

func (f *fakeGroups) GetUdidByNetworkID(string) string { return f.udid }

type env struct {
	tokens  *fakeTokens
	bundles *fakeBundles
	groups  *fakeGroups
	checker *Checker
}

func newEnv() *env {
	e := &env{
		tokens:  &fakeTokens{alloc: localToken},
		bundles: &fakeBundles{sameApp: true},
		groups:  &fakeGroups{access: map[string]bool{}, groups: map[string]string{}},
	}
	e.checker = NewChecker(e.tokens, e.bundles, e.groups, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return e
}

func sameAccount() *types.AccountInfo {
	return &types.AccountInfo{AccountType: types.SameAccountType}
}

func visiblePage() *types.AbilityInfo {
	return &types.AbilityInfo{BundleName: "com.example.app", Name: "Main", Type: types.AbilityPage, Visible: true}
}

func caller() *types.CallerInfo {
	return &types.CallerInfo{SourceDeviceID: "peer", CallerAppID: "app-1", AccessToken: 77}
}

func TestCheckPermission(t *testing.T) {
	e := newEnv()
	e.tokens.grant(42, "p")

	assert.NoError(t, e.checker.CheckPermission(nativeToken, "anything"))
	assert.NoError(t, e.checker.CheckPermission(42, "p"))
	assert.ErrorIs(t, e.checker.CheckPermission(42, "q"), errcode.DMSPermissionDenied)
}

func TestIsFoundationCall(t *testing.T) {
	e := newEnv()
	e.tokens.names = map[uint32]string{1: FoundationProcessName, 2: "hidumper_service"}

	assert.True(t, e.checker.IsFoundationCall(1))
	assert.False(t, e.checker.IsFoundationCall(2))
	assert.False(t, e.checker.IsFoundationCall(3))
}

func TestCheckAccountAccess(t *testing.T) {
	tests := []struct {
		name    string
		account *types.AccountInfo
		bundle  string
		access  map[string]bool
		want    bool
	}{
		{"same account", sameAccount(), "", nil, true},
		{"empty bundle", &types.AccountInfo{AccountType: types.DiffAccountType, GroupIDList: []string{"g"}}, "", nil, false},
		{"no groups", &types.AccountInfo{AccountType: types.DiffAccountType}, "b", nil, false},
		{"group denies", &types.AccountInfo{AccountType: types.DiffAccountType, GroupIDList: []string{"g1"}}, "b", map[string]bool{}, false},
		{"second group grants", &types.AccountInfo{AccountType: types.DiffAccountType, GroupIDList: []string{"g1", "g2"}}, "b", map[string]bool{"g2": true}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv()
			e.groups.access = tt.access
			assert.Equal(t, tt.want, e.checker.checkAccountAccess(tt.account, tt.bundle))
		})
	}
}

func TestCheckStartPermission(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(e *env, want *types.Want, c *types.CallerInfo, a *types.AccountInfo, target *types.AbilityInfo)
		expect error
	}{
		{
			name:  "same app visible page",
			setup: func(*env, *types.Want, *types.CallerInfo, *types.AccountInfo, *types.AbilityInfo) {},
		},
		{
			name: "diff account without group",
			setup: func(_ *env, _ *types.Want, _ *types.CallerInfo, a *types.AccountInfo, _ *types.AbilityInfo) {
				a.AccountType = types.DiffAccountType
			},
			expect: errcode.DMSAccountAccessPermissionDenied,
		},
		{
			name: "continuation from another app",
			setup: func(e *env, w *types.Want, _ *types.CallerInfo, _ *types.AccountInfo, _ *types.AbilityInfo) {
				w.Flags = types.FlagAbilityContinuation
				e.bundles.sameApp = false
			},
			expect: errcode.DMSStartControlPermissionDenied,
		},
		{
			name: "other app invisible without permission",
			setup: func(e *env, _ *types.Want, _ *types.CallerInfo, _ *types.AccountInfo, target *types.AbilityInfo) {
				e.bundles.sameApp = false
				target.Visible = false
			},
			expect: errcode.DMSStartControlPermissionDenied,
		},
		{
			name: "other app invisible with permission",
			setup: func(e *env, _ *types.Want, _ *types.CallerInfo, _ *types.AccountInfo, target *types.AbilityInfo) {
				e.bundles.sameApp = false
				target.Visible = false
				e.tokens.grant(localToken, StartInvisibleAbility)
			},
		},
		{
			name: "other app fa service without wake up",
			setup: func(e *env, _ *types.Want, _ *types.CallerInfo, _ *types.AccountInfo, target *types.AbilityInfo) {
				e.bundles.sameApp = false
				target.Type = types.AbilityService
			},
			expect: errcode.DMSStartControlPermissionDenied,
		},
		{
			name: "background caller without permission",
			setup: func(_ *env, w *types.Want, c *types.CallerInfo, _ *types.AccountInfo, _ *types.AbilityInfo) {
				c.DMSVersion = "4.0"
				w.Params[types.ParamCallerBackground] = "true"
			},
			expect: errcode.DMSStartControlPermissionDenied,
		},
		{
			name: "background caller with misspelled permission",
			setup: func(e *env, _ *types.Want, c *types.CallerInfo, _ *types.AccountInfo, _ *types.AbilityInfo) {
				c.DMSVersion = "4.0"
				e.tokens.grant(localToken, startAbiliesFromBackground)
			},
		},
		{
			name: "background fa service on old api",
			setup: func(e *env, w *types.Want, c *types.CallerInfo, _ *types.AccountInfo, target *types.AbilityInfo) {
				c.DMSVersion = "4.0"
				w.Params[types.ParamAPIVersion] = "8"
				target.Type = types.AbilityService
			},
		},
		{
			name: "foreground caller",
			setup: func(_ *env, w *types.Want, c *types.CallerInfo, _ *types.AccountInfo, _ *types.AbilityInfo) {
				c.DMSVersion = "4.0"
				w.Params[types.ParamCallerBackground] = "false"
			},
		},
		{
			name: "custom permission missing",
			setup: func(_ *env, _ *types.Want, _ *types.CallerInfo, _ *types.AccountInfo, target *types.AbilityInfo) {
				target.Permissions = []string{"ohos.permission.X"}
			},
			expect: errcode.DMSComponentAccessPermissionDenied,
		},
		{
			name: "custom permission granted",
			setup: func(e *env, _ *types.Want, _ *types.CallerInfo, _ *types.AccountInfo, target *types.AbilityInfo) {
				target.Permissions = []string{"", "ohos.permission.X"}
				e.tokens.grant(localToken, "ohos.permission.X")
			},
		},
		{
			name: "custom permission without caller token",
			setup: func(_ *env, _ *types.Want, c *types.CallerInfo, _ *types.AccountInfo, target *types.AbilityInfo) {
				target.Permissions = []string{"ohos.permission.X"}
				c.AccessToken = 0
			},
			expect: errcode.DMSComponentAccessPermissionDenied,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv()
			want := &types.Want{Params: types.WantParams{}}
			c, a, target := caller(), sameAccount(), visiblePage()
			tt.setup(e, want, c, a, target)

			err := e.checker.CheckStartPermission(want, c, a, target)
			if tt.expect == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.expect)
			}
		})
	}
}

func TestCheckBackground_ConsumesParams(t *testing.T) {
	e := newEnv()
	e.tokens.grant(localToken, StartAbilitiesFromBackground)
	want := &types.Want{Params: types.WantParams{
		types.ParamCallerBackground: "true",
		types.ParamAPIVersion:       "9",
		"keep":                      "1",
	}}
	c := caller()
	c.DMSVersion = "4.0"

	require.NoError(t, e.checker.CheckStartPermission(want, c, sameAccount(), visiblePage()))
	assert.Equal(t, types.WantParams{"keep": "1"}, want.Params)
}

func TestCheckSendResultPermission(t *testing.T) {
	e := newEnv()
	target := visiblePage()
	assert.NoError(t, e.checker.CheckSendResultPermission(&types.Want{}, caller(), sameAccount(), target))

	target.Visible = false
	assert.ErrorIs(t, e.checker.CheckSendResultPermission(&types.Want{}, caller(), sameAccount(), target),
		errcode.DMSComponentAccessPermissionDenied)
}

func TestCheckGetCallerPermission(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(e *env, c *types.CallerInfo)
		expect error
	}{
		{"granted", func(*env, *types.CallerInfo) {}, nil},
		{"different app", func(e *env, _ *types.CallerInfo) { e.bundles.sameApp = false }, errcode.CallPermissionDenied},
		{"background denied", func(_ *env, c *types.CallerInfo) { c.DMSVersion = "4.0" }, errcode.DMSBackgroundPermissionDenied},
		{"background alloc fails", func(e *env, c *types.CallerInfo) {
			c.DMSVersion = "4.0"
			e.tokens.alloc = 0
		}, errcode.DMSBackgroundPermissionDenied},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv()
			c := caller()
			tt.setup(e, c)
			err := e.checker.CheckGetCallerPermission(&types.Want{Params: types.WantParams{}}, c, sameAccount(), visiblePage())
			if tt.expect == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.expect)
			}
		})
	}
}

func TestGetTargetAbility(t *testing.T) {
	ctx := context.Background()

	t.Run("found", func(t *testing.T) {
		e := newEnv()
		e.bundles.ability = visiblePage()
		got, err := e.checker.GetTargetAbility(ctx, &types.Want{}, false)
		require.NoError(t, err)
		assert.Equal(t, "Main", got.Name)
	})

	t.Run("service for result", func(t *testing.T) {
		e := newEnv()
		e.bundles.ability = &types.AbilityInfo{Name: "Svc", Type: types.AbilityService}
		want := &types.Want{Params: types.WantParams{types.ParamMissionID: "3"}}
		_, err := e.checker.GetTargetAbility(ctx, want, false)
		assert.ErrorIs(t, err, errcode.InvalidParametersErr)
	})

	t.Run("extension fallback", func(t *testing.T) {
		e := newEnv()
		e.bundles.extension = &types.AbilityInfo{Name: "Ext", Type: types.AbilityExtension}
		got, err := e.checker.GetTargetAbility(ctx, &types.Want{}, true)
		require.NoError(t, err)
		assert.Equal(t, "Ext", got.Name)

		_, err = e.checker.GetTargetAbility(ctx, &types.Want{}, false)
		assert.Error(t, err)
	})
}
