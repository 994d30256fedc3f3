package continuationmgr

import (
	"context"
	"log/slog"
	"sort"
	"strconv"
	"sync"

	"github.com/AltairaLabs/continuation-manager/internal/config"
	"github.com/AltairaLabs/continuation-manager/internal/storage"
)

// TokenKey is the parameter under which the last issued token is persisted
const TokenKey = "distributedsched.continuationmanager.token"

// TokenRegistry issues tokens and tracks which principal holds them
type TokenRegistry struct {
	store       storage.ParameterStore
	logger      *slog.Logger
	maxRegister int
	maxToken    int32

	// counter lock, never held together with mu
	tokenMu sync.Mutex
	token   int32

	mu     sync.RWMutex
	tokens map[uint32][]int32
}

// NewTokenRegistry creates an empty registry persisting the counter in store
func NewTokenRegistry(store storage.ParameterStore, cfg config.ServiceConfig, logger *slog.Logger) *TokenRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &TokenRegistry{
		store:       store,
		logger:      logger,
		maxRegister: cfg.MaxRegisterNum,
		maxToken:    cfg.MaxTokenNum,
		tokens:      make(map[uint32][]int32),
	}
}

// Load restores the counter from the parameter store. A missing or
// non-numeric value loads as 0.
func (r *TokenRegistry) Load(ctx context.Context) error {
	value, err := r.store.GetParameter(ctx, TokenKey, "0")
	if err != nil {
		return err
	}
	n, convErr := strconv.ParseInt(value, 10, 32)
	if convErr != nil || n < 0 {
		r.logger.Warn("Persisted token is not a number, starting from 0", "value", value)
		n = 0
	}

	r.tokenMu.Lock()
	r.token = int32(n)
	r.tokenMu.Unlock()
	return nil
}

// Current returns the last issued token
func (r *TokenRegistry) Current() int32 {
	r.tokenMu.Lock()
	defer r.tokenMu.Unlock()
	return r.token
}

// Exceeded reports whether principal already holds the maximum number of tokens
func (r *TokenRegistry) Exceeded(principal uint32) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.tokens[principal]) >= r.maxRegister {
		r.logger.Error("Principal registered too many times", "access_token", principal)
		return true
	}
	return false
}

// Next advances the counter, wrapping to 1 past the maximum, and persists it.
// A persist failure is logged and the new value is still issued.
func (r *TokenRegistry) Next(ctx context.Context) int32 {
	r.tokenMu.Lock()
	defer r.tokenMu.Unlock()

	next := r.token + 1
	if next > r.maxToken || next <= 0 {
		next = 1
	}
	r.token = next
	if err := r.store.SetParameter(ctx, TokenKey, strconv.FormatInt(int64(next), 10)); err != nil {
		r.logger.Error("Failed to persist token", "token", next, "error", err)
	}
	return next
}

// AddIfUnderQuota records token as held by principal unless the principal
// already holds the maximum number of tokens
func (r *TokenRegistry) AddIfUnderQuota(principal uint32, token int32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.tokens[principal]) >= r.maxRegister {
		r.logger.Error("Principal registered too many times", "access_token", principal, "token", token)
		return false
	}
	r.tokens[principal] = append(r.tokens[principal], token)
	return true
}

// IsRegistered reports whether principal holds token
func (r *TokenRegistry) IsRegistered(principal uint32, token int32) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	held, ok := r.tokens[principal]
	if !ok {
		r.logger.Debug("Principal has not registered", "access_token", principal)
		return false
	}
	for _, t := range held {
		if t == token {
			return true
		}
	}
	r.logger.Debug("Token has not registered", "access_token", principal, "token", token)
	return false
}

// Remove drops token from whichever principal holds it. A principal left
// with no tokens is removed.
func (r *TokenRegistry) Remove(token int32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := false
	for principal, held := range r.tokens {
		kept := held[:0]
		for _, t := range held {
			if t == token {
				removed = true
				continue
			}
			kept = append(kept, t)
		}
		if len(kept) == 0 {
			delete(r.tokens, principal)
		} else {
			r.tokens[principal] = kept
		}
	}
	return removed
}

// Count returns the number of live tokens across all principals
func (r *TokenRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, held := range r.tokens {
		n += len(held)
	}
	return n
}

// PrincipalTokens is one row of a registry snapshot
type PrincipalTokens struct {
	Principal uint32
	Tokens    []int32
}

// Snapshot returns a copy of the table ordered by principal
func (r *TokenRegistry) Snapshot() []PrincipalTokens {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rows := make([]PrincipalTokens, 0, len(r.tokens))
	for principal, held := range r.tokens {
		rows = append(rows, PrincipalTokens{
			Principal: principal,
			Tokens:    append([]int32(nil), held...),
		})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Principal < rows[j].Principal })
	return rows
}
