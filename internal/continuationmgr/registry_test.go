package continuationmgr

import (
	"context"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/AltairaLabs/continuation-manager/internal/config"
	"github.com/AltairaLabs/continuation-manager/internal/errcode"
	"github.com/AltairaLabs/continuation-manager/internal/ipc"
	"github.com/AltairaLabs/continuation-manager/internal/storage/memory"
	"github.com/AltairaLabs/continuation-manager/internal/types"
)

func newTokenRegistry(maxToken int32) (*TokenRegistry, *memory.InMemoryParameterStore) {
	cfg := config.DefaultServiceConfig()
	cfg.MaxTokenNum = maxToken
	store := memory.NewInMemoryParameterStore()
	return NewTokenRegistry(store, cfg, nil), store
}

func TestTokenRegistry_LoadPersistedValue(t *testing.T) {
	tests := []struct {
		name     string
		stored   string
		expected int32
	}{
		{"missing", "", 0},
		{"numeric", "41", 41},
		{"non-numeric", "abc", 0},
		{"negative", "-3", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg, store := newTokenRegistry(config.DefaultMaxTokenNum)
			if tt.stored != "" {
				require.NoError(t, store.SetParameter(context.Background(), TokenKey, tt.stored))
			}
			require.NoError(t, reg.Load(context.Background()))
			assert.Equal(t, tt.expected, reg.Current())
		})
	}
}

func TestTokenRegistry_NextPersists(t *testing.T) {
	reg, store := newTokenRegistry(config.DefaultMaxTokenNum)
	ctx := context.Background()

	assert.Equal(t, int32(1), reg.Next(ctx))
	assert.Equal(t, int32(2), reg.Next(ctx))

	v, err := store.GetParameter(ctx, TokenKey, "0")
	require.NoError(t, err)
	assert.Equal(t, "2", v)
}

func TestTokenRegistry_WrapsToOne(t *testing.T) {
	reg, store := newTokenRegistry(3)
	ctx := context.Background()
	require.NoError(t, store.SetParameter(ctx, TokenKey, "3"))
	require.NoError(t, reg.Load(ctx))

	assert.Equal(t, int32(1), reg.Next(ctx))
}

func TestTokenRegistry_PersistFailureStillIssues(t *testing.T) {
	reg, store := newTokenRegistry(config.DefaultMaxTokenNum)
	require.NoError(t, store.Close())

	assert.Equal(t, int32(1), reg.Next(context.Background()))
}

func TestTokenRegistry_MonotonicProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		maxToken := rapid.Int32Range(2, 50).Draw(t, "maxToken")
		start := rapid.Int32Range(0, maxToken).Draw(t, "start")
		calls := rapid.IntRange(1, 120).Draw(t, "calls")

		reg, store := newTokenRegistry(maxToken)
		ctx := context.Background()
		_ = store.SetParameter(ctx, TokenKey, strconv.FormatInt(int64(start), 10))
		if err := reg.Load(ctx); err != nil {
			t.Fatalf("load: %v", err)
		}

		prev := start
		for i := 0; i < calls; i++ {
			got := reg.Next(ctx)
			want := prev + 1
			if want > maxToken {
				want = 1
			}
			if got != want {
				t.Fatalf("after %d expected %d, got %d", prev, want, got)
			}
			if got < 1 || got > maxToken {
				t.Fatalf("token %d outside [1, %d]", got, maxToken)
			}
			prev = got
		}
	})
}

func TestTokenRegistry_QuotaAndMembership(t *testing.T) {
	cfg := config.DefaultServiceConfig()
	cfg.MaxRegisterNum = 2
	reg := NewTokenRegistry(memory.NewInMemoryParameterStore(), cfg, nil)

	require.True(t, reg.AddIfUnderQuota(testPrincipal, 1))
	assert.False(t, reg.Exceeded(testPrincipal))
	require.True(t, reg.AddIfUnderQuota(testPrincipal, 2))
	assert.True(t, reg.Exceeded(testPrincipal))
	assert.False(t, reg.Exceeded(testPrincipal+1))

	assert.True(t, reg.IsRegistered(testPrincipal, 2))
	assert.False(t, reg.IsRegistered(testPrincipal+1, 2))
	assert.False(t, reg.IsRegistered(testPrincipal, unregisterToken))
}

func TestTokenRegistry_AddIfUnderQuota(t *testing.T) {
	cfg := config.DefaultServiceConfig()
	cfg.MaxRegisterNum = 2
	reg := NewTokenRegistry(memory.NewInMemoryParameterStore(), cfg, nil)

	assert.True(t, reg.AddIfUnderQuota(testPrincipal, 1))
	assert.True(t, reg.AddIfUnderQuota(testPrincipal, 2))
	assert.False(t, reg.AddIfUnderQuota(testPrincipal, 3))
	assert.False(t, reg.IsRegistered(testPrincipal, 3))
	assert.True(t, reg.AddIfUnderQuota(testPrincipal+1, 3))
}

func TestTokenRegistry_RemoveDropsEmptyPrincipal(t *testing.T) {
	reg, _ := newTokenRegistry(config.DefaultMaxTokenNum)
	require.True(t, reg.AddIfUnderQuota(testPrincipal, 1))
	require.True(t, reg.AddIfUnderQuota(testPrincipal, 2))
	require.True(t, reg.AddIfUnderQuota(testPrincipal+1, 3))

	assert.True(t, reg.Remove(1))
	assert.False(t, reg.Remove(1))
	assert.Equal(t, []PrincipalTokens{
		{Principal: testPrincipal, Tokens: []int32{2}},
		{Principal: testPrincipal + 1, Tokens: []int32{3}},
	}, reg.Snapshot())

	assert.True(t, reg.Remove(3))
	assert.Len(t, reg.Snapshot(), 1)
	assert.Equal(t, 1, reg.Count())
}

func TestNotifierRegistry_AtMostOnePerEvent(t *testing.T) {
	reg := NewNotifierRegistry()
	n := ipc.NewLocalObject(NotifierDescriptor, &DeviceSelectionNotifierStub{}, nil)
	recipient := ipc.NewDeathRecipient(func(ipc.RemoteObject) {})

	require.NoError(t, reg.Register(1, types.EventConnect, n, recipient))
	err := reg.Register(1, types.EventConnect, n, recipient)
	assert.True(t, errcode.Is(err, errcode.CallbackHasRegistered))

	require.NoError(t, reg.Register(1, types.EventDisconnect, n, recipient))
	assert.Equal(t, 1, n.RecipientCount(), "recipient is attached on the first binding only")
	assert.Equal(t, []string{types.EventConnect, types.EventDisconnect}, reg.EventTypes(1))
}

func TestNotifierRegistry_RegisterNil(t *testing.T) {
	reg := NewNotifierRegistry()
	err := reg.Register(1, types.EventConnect, nil, nil)
	assert.True(t, errcode.Is(err, errcode.ErrNullObject))
	assert.False(t, reg.Has(1))
}

func TestNotifierRegistry_UnregisterDropsEmptyEntry(t *testing.T) {
	reg := NewNotifierRegistry()
	n := ipc.NewLocalObject(NotifierDescriptor, &DeviceSelectionNotifierStub{}, nil)
	recipient := ipc.NewDeathRecipient(func(ipc.RemoteObject) {})
	require.NoError(t, reg.Register(1, types.EventConnect, n, recipient))
	require.NoError(t, reg.Register(1, types.EventDisconnect, n, recipient))

	err := reg.Unregister(2, types.EventConnect, recipient)
	assert.True(t, errcode.Is(err, errcode.CallbackHasNotRegistered))

	require.NoError(t, reg.Unregister(1, types.EventConnect, recipient))
	assert.True(t, reg.Has(1))
	assert.Equal(t, 0, n.RecipientCount())

	err = reg.Unregister(1, types.EventConnect, recipient)
	assert.True(t, errcode.Is(err, errcode.CallbackHasNotRegistered))

	require.NoError(t, reg.Unregister(1, types.EventDisconnect, recipient))
	assert.False(t, reg.Has(1))
}

func TestNotifierRegistry_ConnectStatusAndQuery(t *testing.T) {
	reg := NewNotifierRegistry()
	n := ipc.NewLocalObject(NotifierDescriptor, &DeviceSelectionNotifierStub{}, nil)
	other := ipc.NewLocalObject(NotifierDescriptor, &DeviceSelectionNotifierStub{}, nil)

	err := reg.SetConnectStatus(5, &types.ConnectStatusInfo{DeviceID: testDeviceID})
	assert.True(t, errcode.Is(err, errcode.CallbackHasNotRegistered))

	require.NoError(t, reg.Register(5, types.EventConnect, n, nil))
	info := &types.ConnectStatusInfo{DeviceID: testDeviceID, Status: types.DeviceConnected}
	require.NoError(t, reg.SetConnectStatus(5, info))

	got, ok := reg.ConnectStatus(5)
	assert.True(t, ok)
	assert.Equal(t, info, got)

	token, ok := reg.QueryTokenByNotifier(n)
	assert.True(t, ok)
	assert.Equal(t, int32(5), token)

	_, ok = reg.QueryTokenByNotifier(other)
	assert.False(t, ok)

	assert.True(t, reg.RemoveToken(5, nil))
	assert.False(t, reg.RemoveToken(5, nil))
}
