package redis

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/AltairaLabs/continuation-manager/internal/storage"
)

func setupMiniredis(t *testing.T) (*miniredis.Miniredis, *ParameterStore) {
	t.Helper()

	mr := miniredis.RunT(t)

	client := goredis.NewClient(&goredis.Options{
		Addr: mr.Addr(),
	})

	store := NewParameterStoreFromClient(client, "test:")

	t.Cleanup(func() {
		_ = store.Close()
	})

	return mr, store
}

func TestParameterStore_GetDefault(t *testing.T) {
	_, store := setupMiniredis(t)

	v, err := store.GetParameter(context.Background(), "distributedsched.continuationmanager.token", "0")
	if err != nil {
		t.Fatalf("GetParameter failed: %v", err)
	}
	if v != "0" {
		t.Errorf("Expected default '0', got '%s'", v)
	}
}

func TestParameterStore_SetAndGet(t *testing.T) {
	mr, store := setupMiniredis(t)
	ctx := context.Background()

	if err := store.SetParameter(ctx, "token", "17"); err != nil {
		t.Fatalf("SetParameter failed: %v", err)
	}

	got, err := mr.Get("test:token")
	if err != nil {
		t.Fatalf("miniredis Get failed: %v", err)
	}
	if got != "17" {
		t.Errorf("Expected raw value '17', got '%s'", got)
	}

	v, err := store.GetParameter(ctx, "token", "0")
	if err != nil {
		t.Fatalf("GetParameter failed: %v", err)
	}
	if v != "17" {
		t.Errorf("Expected '17', got '%s'", v)
	}
}

func TestParameterStore_ServerDown(t *testing.T) {
	mr, store := setupMiniredis(t)
	mr.Close()

	if err := store.SetParameter(context.Background(), "token", "1"); err == nil {
		t.Error("Expected error with server down, got nil")
	}
}

func TestParameterStore_Closed(t *testing.T) {
	_, store := setupMiniredis(t)
	_ = store.Close()

	if _, err := store.GetParameter(context.Background(), "token", "0"); !errors.Is(err, storage.ErrStoreClosed) {
		t.Errorf("Expected ErrStoreClosed, got %v", err)
	}
}

func TestNewParameterStore(t *testing.T) {
	if _, err := NewParameterStore(Config{}); err == nil {
		t.Error("Expected error for empty address")
	}

	mr := miniredis.RunT(t)
	store, err := NewParameterStore(Config{Addr: mr.Addr()})
	if err != nil {
		t.Fatalf("NewParameterStore failed: %v", err)
	}
	defer store.Close()

	if err := store.SetParameter(context.Background(), "k", "v"); err != nil {
		t.Fatalf("SetParameter failed: %v", err)
	}
	if !mr.Exists(defaultPrefix + "k") {
		t.Error("Expected key with default prefix")
	}
}
