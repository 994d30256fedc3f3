package dcontinue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/AltairaLabs/continuation-manager/internal/errcode"
	"github.com/AltairaLabs/continuation-manager/internal/ipc"
	"github.com/AltairaLabs/continuation-manager/internal/protocol"
	"github.com/AltairaLabs/continuation-manager/internal/types"
)

// Manager owns the table of running continuations, keyed by their Info
type Manager struct {
	deps   *Dependencies
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[Key]*Continue
}

// NewManager creates a manager using deps for every session
func NewManager(deps Dependencies) *Manager {
	d := deps
	return &Manager{
		deps:     &d,
		logger:   d.logger().With("component", "continue-manager"),
		sessions: make(map[Key]*Continue),
	}
}

// ContinueMission starts a continuation of info. This device pushes when it
// is the source and pulls when it is the sink. callback, when set, receives
// the final result.
func (m *Manager) ContinueMission(ctx context.Context, info Info, callback ipc.RemoteObject, params types.WantParams) (*Continue, error) {
	local := m.deps.LocalDeviceID
	if info.SourceDeviceID == "" || info.SinkDeviceID == "" {
		return nil, fmt.Errorf("continue mission needs both devices: %w", errcode.InvalidParametersErr)
	}
	var dir Direction
	var sub SubServiceType
	switch local {
	case info.SourceDeviceID:
		dir, sub = DirectionSource, ContinuePush
	case info.SinkDeviceID:
		dir, sub = DirectionSink, ContinuePull
	default:
		return nil, fmt.Errorf("local device is neither end: %w", errcode.OperationDeviceNotInitiator)
	}
	if err := m.fillBundles(ctx, &info); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if _, ok := m.sessions[info.Key()]; ok {
		m.mu.Unlock()
		m.logger.Warn("Continue already in progress", "info", info.String())
		return nil, errcode.ContinueAlreadyInProgress
	}
	c := newContinue(m.deps, info, dir, sub, callback, m.onContinueEnd)
	m.sessions[info.Key()] = c
	m.mu.Unlock()

	m.logger.Info("Continue mission", "info", info.String(), "direction", dir.String())
	c.start()
	if err := c.OnContinueMission(params); err != nil {
		m.remove(c)
		return nil, err
	}
	return c, nil
}

// fillBundles names both bundles after the mission when neither is given
func (m *Manager) fillBundles(ctx context.Context, info *Info) error {
	if info.SourceBundleName != "" || info.SinkBundleName != "" {
		return nil
	}
	if info.MissionID == 0 {
		return fmt.Errorf("continue mission needs a bundle or mission: %w", errcode.InvalidParametersErr)
	}
	mission, err := m.deps.Abilities.MissionInfo(ctx, info.MissionID)
	if err != nil {
		return fmt.Errorf("mission %d: %v: %w", info.MissionID, err, errcode.NoMissionInfoForMissionID)
	}
	info.SourceBundleName = mission.BundleName
	info.SinkBundleName = mission.BundleName
	return nil
}

// OnDataRecv dispatches a command received on transport session sessionID.
// A start command opens the peer session; anything else goes to the session
// it names.
func (m *Manager) OnDataRecv(sessionID int32, data []byte) {
	cmd, err := protocol.Decode(string(data))
	if err != nil {
		m.logger.Error("Dropping undecodable command", "transport_session", sessionID, "error", err)
		return
	}
	base := cmd.Base()
	key := Key{
		SourceDeviceID:   base.SrcDeviceID,
		SourceBundleName: base.SrcBundleName,
		SinkDeviceID:     base.DstDeviceID,
		SinkBundleName:   base.DstBundleName,
	}
	if start, ok := cmd.(*protocol.StartCmd); ok {
		m.onStartCmd(start, sessionID, key)
		return
	}

	c := m.lookup(key)
	if c == nil {
		m.logger.Warn("No continue for command", "command", base.Command.String(), "transport_session", sessionID)
		return
	}
	c.OnDataRecv(cmd)
}

func (m *Manager) onStartCmd(cmd *protocol.StartCmd, sessionID int32, key Key) {
	m.mu.Lock()
	if _, ok := m.sessions[key]; ok {
		m.mu.Unlock()
		m.logger.Warn("Continue already started, start command dropped", "transport_session", sessionID)
		return
	}
	c := newContinueFromStart(m.deps, cmd, sessionID, m.onContinueEnd)
	m.sessions[key] = c
	m.mu.Unlock()

	m.logger.Info("Continue started by peer", "info", c.Info().String(), "direction", c.direction.String())
	c.start()
	if err := c.OnStartCmd(cmd.AppVersion); err != nil {
		m.remove(c)
	}
}

// StartContinuation delivers the source app's launch data for missionID
func (m *Manager) StartContinuation(want types.Want, missionID, callerUID, status int32, accessToken uint32) error {
	c := m.find(func(c *Continue) bool {
		return c.direction == DirectionSource && c.Info().MissionID == missionID
	})
	if c == nil {
		return fmt.Errorf("no source continue for mission %d: %w", missionID, errcode.InvalidParametersErr)
	}
	return c.OnStartContinuation(want, callerUID, status, accessToken)
}

// NotifyCompleteContinuation reports the sink's ability start for bundleName
func (m *Manager) NotifyCompleteContinuation(bundleName string, missionID int32, success bool) error {
	c := m.find(func(c *Continue) bool {
		return c.direction == DirectionSink && c.Info().SinkBundleName == bundleName
	})
	if c == nil {
		return fmt.Errorf("no sink continue for %s: %w", bundleName, errcode.InvalidParametersErr)
	}
	return c.OnNotifyComplete(missionID, success)
}

// OnShutDown ends every session running on a closed transport session
func (m *Manager) OnShutDown(sessionID int32) {
	for _, c := range m.Sessions() {
		if c.SessionID() == sessionID {
			m.logger.Warn("Transport session closed", "transport_session", sessionID, "session", c.ID())
			_ = c.OnContinueEnd(int32(errcode.ErrTransactionFailed))
		}
	}
}

// OnPeerStop ends every session with peer after the arbiter lost its
// resources
func (m *Manager) OnPeerStop(peer string) {
	for _, c := range m.Sessions() {
		if c.peerDeviceID() == peer {
			m.logger.Warn("Peer resources taken back", "peer", anonymize(peer), "session", c.ID())
			_ = c.OnContinueEnd(int32(errcode.DMSConnectApplyRejectFailed))
		}
	}
}

// Sessions returns the running sessions
func (m *Manager) Sessions() []*Continue {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Continue, 0, len(m.sessions))
	for _, c := range m.sessions {
		out = append(out, c)
	}
	return out
}

// Close ends every running session and waits for them to finish
func (m *Manager) Close(ctx context.Context) error {
	sessions := m.Sessions()
	for _, c := range sessions {
		_ = c.OnContinueEnd(int32(errcode.ErrInvalidState))
	}
	for _, c := range sessions {
		select {
		case <-c.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (m *Manager) lookup(key Key) *Continue {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[key]
}

func (m *Manager) find(match func(*Continue) bool) *Continue {
	for _, c := range m.Sessions() {
		if match(c) {
			return c
		}
	}
	return nil
}

func (m *Manager) onContinueEnd(c *Continue) {
	m.remove(c)
	m.logger.Info("Continue ended", "session", c.ID(), "result", c.Result())
}

func (m *Manager) remove(c *Continue) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range m.sessions {
		if v == c {
			delete(m.sessions, k)
		}
	}
}
