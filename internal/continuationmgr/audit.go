package continuationmgr

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/AltairaLabs/continuation-manager/internal/errcode"
)

// AuditEntry is one facade call recorded for provenance tracking
type AuditEntry struct {
	Timestamp   time.Time
	TraceID     string
	Operation   string
	AccessToken uint32
	Token       int32
	CbType      string
	Code        errcode.Code
}

// AuditLogger writes facade calls to the structured log
type AuditLogger struct {
	logger *slog.Logger
}

// NewAuditLogger creates a new audit logger
func NewAuditLogger(logger *slog.Logger) *AuditLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditLogger{
		logger: logger,
	}
}

// NewAuditEntry starts an entry with a fresh trace id
func NewAuditEntry(op string, accessToken uint32, token int32) *AuditEntry {
	return &AuditEntry{
		Timestamp:   time.Now(),
		TraceID:     uuid.NewString(),
		Operation:   op,
		AccessToken: accessToken,
		Token:       token,
	}
}

// LogCall logs the outcome of a facade call
func (al *AuditLogger) LogCall(ctx context.Context, entry *AuditEntry) {
	if entry.Code == errcode.ErrOK {
		al.logger.InfoContext(ctx, "continuation_call",
			"operation", entry.Operation,
			"access_token", entry.AccessToken,
			"token", entry.Token,
			"cb_type", entry.CbType,
			"trace_id", entry.TraceID,
			"duration_ms", time.Since(entry.Timestamp).Milliseconds(),
		)
		return
	}
	al.logger.WarnContext(ctx, "continuation_call_failed",
		"operation", entry.Operation,
		"access_token", entry.AccessToken,
		"token", entry.Token,
		"cb_type", entry.CbType,
		"code", int32(entry.Code),
		"error", entry.Code.Name(),
		"trace_id", entry.TraceID,
	)
}
