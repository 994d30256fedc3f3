package continuationmgr

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/AltairaLabs/continuation-manager/internal/errcode"
	"github.com/AltairaLabs/continuation-manager/internal/ipc"
)

// HidumperProcessName is the only native process allowed to dump
const HidumperProcessName = "hidumper_service"

const (
	argsHelp    = "-h"
	argsConnect = "-connect"

	dumpNotAllowed = "Dump failed, not allowed"
	dumpIllegal    = "The arguments are illegal and you can enter '-h' for help.\n"
	dumpHelp       = "DistributedSched Dump options:\n" +
		"  [-h] [cmd]...\n" +
		"cmd maybe one of:\n" +
		"  -connect: show all connected remote abilities.\n"
)

// NativeTokenInspector resolves the native process behind an access token
type NativeTokenInspector interface {
	GetNativeProcessName(tokenID uint32) (string, error)
}

// Dumper renders the registration table for diagnostics
type Dumper struct {
	svc    *Service
	tokens NativeTokenInspector
}

// NewDumper creates a dumper over svc. A nil inspector refuses every dump.
func NewDumper(svc *Service, tokens NativeTokenInspector) *Dumper {
	return &Dumper{svc: svc, tokens: tokens}
}

// CanDump reports whether the caller in ctx is the dump service
func (d *Dumper) CanDump(ctx context.Context) bool {
	if d.tokens == nil {
		return false
	}
	name, err := d.tokens.GetNativeProcessName(ipc.CallingTokenID(ctx))
	return err == nil && name == HidumperProcessName
}

// Dump renders the output for args into result
func (d *Dumper) Dump(ctx context.Context, args []string, result *strings.Builder) error {
	result.Reset()
	if !d.CanDump(ctx) {
		result.WriteString(dumpNotAllowed)
		return errcode.DMSPermissionDenied
	}
	switch {
	case len(args) == 0:
		result.WriteString(d.svc.DumpAppRegisterInfo())
		return nil
	case len(args) == 1 && args[0] == argsHelp:
		result.WriteString(dumpHelp)
		return nil
	case len(args) == 1 && args[0] == argsConnect:
		result.WriteString(d.svc.DumpAppRegisterInfo())
		return nil
	default:
		result.WriteString(dumpIllegal)
		return errcode.InvalidParametersErr
	}
}

// DumpAppRegisterInfo renders one line per principal listing its tokens and
// the callback types bound to each
func (s *Service) DumpAppRegisterInfo() string {
	var b strings.Builder
	b.WriteString("application register infos:\n")

	rows := s.tokens.Snapshot()
	if len(rows) == 0 {
		b.WriteString("  <none info>\n")
		return b.String()
	}
	for _, row := range rows {
		b.WriteString("  accessToken: ")
		b.WriteString(strconv.FormatUint(uint64(row.Principal), 10))
		for _, token := range row.Tokens {
			b.WriteString(", token: ")
			b.WriteString(strconv.FormatInt(int64(token), 10))
			cbTypes := s.notifiers.EventTypes(token)
			if len(cbTypes) == 0 {
				continue
			}
			b.WriteString(", cbType: ")
			for _, cbType := range cbTypes {
				b.WriteString(" ")
				b.WriteString(cbType)
			}
		}
		b.WriteString("\n")
	}
	return b.String()
}

// Dump writes the diagnostic output for args to w
func (s *Service) Dump(ctx context.Context, w io.Writer, args []string) error {
	var result strings.Builder
	dumpErr := s.dumper.Dump(ctx, args, &result)
	if dumpErr != nil {
		s.logger.Warn("Dump rejected", "args", args, "error", dumpErr)
	}
	if _, err := io.WriteString(w, result.String()); err != nil {
		return fmt.Errorf("write dump: %v: %w", err, errcode.DMSWriteFileFailedErr)
	}
	return dumpErr
}
