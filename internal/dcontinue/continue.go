package dcontinue

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AltairaLabs/continuation-manager/internal/allconnect"
	"github.com/AltairaLabs/continuation-manager/internal/errcode"
	"github.com/AltairaLabs/continuation-manager/internal/ipc"
	"github.com/AltairaLabs/continuation-manager/internal/protocol"
	"github.com/AltairaLabs/continuation-manager/internal/types"
	"github.com/AltairaLabs/continuation-manager/internal/workqueue"
)

// sessionQueueName labels the work queues of all sessions
const sessionQueueName = "continue"

// Continue coordinates one continuation on this device. Every event runs on
// the session's own work queue, so the execute methods never race each other.
type Continue struct {
	id        string
	direction Direction
	subType   SubServiceType
	byType    bool
	deps      *Dependencies
	logger    *slog.Logger
	queue     *workqueue.Queue
	machine   *stateMachine
	onEnd     func(*Continue)

	mu        sync.Mutex
	info      Info
	sessionID int32
	callback  ipc.RemoteObject
	result    int32
	done      chan struct{}

	// Owned by the event loop
	isSourceExit bool
	ended        bool
}

func newContinue(deps *Dependencies, info Info, dir Direction, sub SubServiceType, callback ipc.RemoteObject, onEnd func(*Continue)) *Continue {
	id := uuid.NewString()
	logger := deps.logger().With("session", id, "direction", dir.String())
	c := &Continue{
		id:        id,
		direction: dir,
		subType:   sub,
		byType:    info.ContinueType != "",
		deps:      deps,
		logger:    logger,
		queue:     workqueue.New(sessionQueueName+"-"+id, deps.Config.EventCapacity, logger),
		onEnd:     onEnd,
		info:      info,
		callback:  callback,
		done:      make(chan struct{}),
	}
	initial := StateSourceStart
	if dir == DirectionSink {
		initial = StateSinkStart
	}
	if obs := deps.QueueObserver; obs != nil {
		// every session queue reports under one name
		c.queue.SetObserver(func(_, task string, d time.Duration) { obs(sessionQueueName, task, d) })
	}
	c.machine = newStateMachine(initial, func(from, to StateType) {
		c.logger.Debug("Continue state changed", "from", from.String(), "to", to.String())
		if deps.Observer != nil {
			deps.Observer.Transition(dir, from, to)
		}
	})
	return c
}

// newContinueFromStart builds the peer session a received start command asks for
func newContinueFromStart(deps *Dependencies, cmd *protocol.StartCmd, sessionID int32, onEnd func(*Continue)) *Continue {
	info := Info{
		SourceDeviceID:   cmd.SrcDeviceID,
		SourceBundleName: cmd.SrcBundleName,
		SinkDeviceID:     cmd.DstDeviceID,
		SinkBundleName:   cmd.DstBundleName,
		ContinueType:     cmd.ContinueType,
		MissionID:        cmd.SourceMissionID,
	}
	dir := DirectionSource
	if Direction(cmd.Direction) == DirectionSource {
		dir = DirectionSink
	}
	c := newContinue(deps, info, dir, SubServiceType(cmd.SubServiceType), nil, onEnd)
	c.byType = cmd.ContinueByType != 0
	c.sessionID = sessionID
	return c
}

// ID returns the session's unique id
func (c *Continue) ID() string {
	return c.id
}

// Direction returns which end of the continuation this session is
func (c *Continue) Direction() Direction {
	return c.direction
}

// Info returns a copy of the session's identity
func (c *Continue) Info() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.info
}

// SessionID returns the transport session the commands travel on
func (c *Continue) SessionID() int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// State returns the current state
func (c *Continue) State() StateType {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.machine.State()
}

// Done is closed once the session has ended
func (c *Continue) Done() <-chan struct{} {
	return c.done
}

// Result returns the final result. It is valid once Done is closed.
func (c *Continue) Result() int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result
}

func (c *Continue) start() {
	c.queue.Start()
}

func (c *Continue) post(ev Event) error {
	err := c.queue.Submit(workqueue.Task{
		Name: ev.Type.String(),
		Run:  func(ctx context.Context) { c.process(ctx, ev) },
	})
	if err != nil {
		c.logger.Error("Failed to post continue event", "event", ev.Type.String(), "error", err)
		return fmt.Errorf("post %s: %w", ev.Type, errcode.ContinueSendEventFailed)
	}
	return nil
}

// process runs ev through the state machine. A failed action ends the
// session with the action's code.
func (c *Continue) process(ctx context.Context, ev Event) {
	if c.ended {
		c.logger.Debug("Dropping event after end", "event", ev.Type.String())
		return
	}
	c.logger.Debug("Processing continue event", "event", ev.Type.String(), "state", c.machine.State().String())
	if err := c.machine.execute(ctx, c, ev); err != nil {
		c.logger.Error("Continue event failed", "event", ev.Type.String(), "state", c.machine.State().String(), "error", err)
		c.process(ctx, Event{Type: EventEnd, Result: int32(errcode.Of(err))})
	}
}

func (c *Continue) updateState(to StateType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.machine.update(to)
}

// OnContinueMission kicks off the locally initiated side
func (c *Continue) OnContinueMission(params types.WantParams) error {
	if params == nil {
		params = types.WantParams{}
	}
	t := EventReqPush
	if c.direction == DirectionSink {
		t = EventReqPull
	}
	return c.post(Event{Type: t, WantParams: params})
}

// OnStartCmd reacts to the peer's start command
func (c *Continue) OnStartCmd(appVersion uint32) error {
	return c.post(Event{Type: EventAbility, AppVersion: appVersion})
}

// OnReplyCmd reacts to the peer's reply. Replies to commands other than
// start and end are ignored.
func (c *Continue) OnReplyCmd(cmd *protocol.ReplyCmd) error {
	if cmd == nil {
		return errcode.InvalidParametersErr
	}
	c.logger.Info("Reply received", "reply", protocol.Command(cmd.ReplyCmd).String(), "result", cmd.Result, "reason", cmd.Reason)
	switch protocol.Command(cmd.ReplyCmd) {
	case protocol.CmdStart:
		return c.post(Event{Type: EventAbility, AppVersion: cmd.AppVersion})
	case protocol.CmdEnd:
		return c.post(Event{Type: EventEnd, Result: cmd.Result})
	default:
		c.logger.Warn("Ignoring reply to irrelevant command", "reply", cmd.ReplyCmd)
		return nil
	}
}

// OnStartContinuation hands the source app's launch data to the session. A
// non-zero status means the app refused and the session ends with it.
func (c *Continue) OnStartContinuation(want types.Want, callerUID int32, status int32, accessToken uint32) error {
	if status != 0 {
		c.logger.Error("Continuation rejected by app", "status", status)
		return c.post(Event{Type: EventEnd, Result: status})
	}
	return c.post(Event{Type: EventSendData, Send: &SendData{Want: want, CallerUID: callerUID, AccessToken: accessToken}})
}

// OnContinueDataCmd reacts to the source's data command
func (c *Continue) OnContinueDataCmd(cmd *protocol.DataCmd) error {
	return c.post(Event{Type: EventData, Data: cmd})
}

// OnNotifyComplete reports how starting the ability on the sink went
func (c *Continue) OnNotifyComplete(missionID int32, success bool) error {
	var result int32
	switch {
	case !success:
		c.logger.Error("Start ability not successful")
		result = int32(errcode.StartAbilityFailed)
	case missionID <= 0:
		c.logger.Error("Start ability returned invalid mission id", "mission", missionID)
		result = int32(errcode.InvalidParametersErr)
	}
	return c.post(Event{Type: EventComplete, Result: result})
}

// OnContinueEndCmd reacts to the sink's end command
func (c *Continue) OnContinueEndCmd(cmd *protocol.EndCmd) error {
	if cmd == nil {
		return errcode.InvalidParametersErr
	}
	return c.post(Event{Type: EventComplete, Result: cmd.Result})
}

// OnContinueEnd ends the session with result
func (c *Continue) OnContinueEnd(result int32) error {
	return c.post(Event{Type: EventEnd, Result: result})
}

// OnDataRecv routes a command received on this session's transport
func (c *Continue) OnDataRecv(cmd protocol.Cmd) {
	switch v := cmd.(type) {
	case *protocol.StartCmd:
		c.logger.Warn("Continue already started, start command dropped")
	case *protocol.DataCmd:
		v.Want.Element.BundleName = v.DstBundleName
		_ = c.OnContinueDataCmd(v)
	case *protocol.ReplyCmd:
		_ = c.OnReplyCmd(v)
	case *protocol.EndCmd:
		_ = c.OnContinueEndCmd(v)
	default:
		c.logger.Warn("Invalid command", "command", cmd.Base().Command.String())
	}
}

func (c *Continue) peerDeviceID() string {
	info := c.Info()
	if c.direction == DirectionSource {
		return info.SinkDeviceID
	}
	return info.SourceDeviceID
}

func (c *Continue) base(cmd protocol.Command) protocol.CmdBase {
	info := c.Info()
	var byType int32
	if c.byType {
		byType = 1
	}
	return protocol.CmdBase{
		Version:         ProtocolVersion,
		ServiceType:     ServiceTypeContinue,
		SubServiceType:  int32(c.subType),
		Command:         cmd,
		SrcDeviceID:     info.SourceDeviceID,
		SrcBundleName:   info.SourceBundleName,
		DstDeviceID:     info.SinkDeviceID,
		DstBundleName:   info.SinkBundleName,
		ContinueType:    info.ContinueType,
		ContinueByType:  byType,
		SourceMissionID: info.MissionID,
		DMSVersion:      DMSVersion,
	}
}

func (c *Continue) sendCommand(ctx context.Context, cmd protocol.Cmd) error {
	command := cmd.Base().Command
	data, err := cmd.Marshal()
	if err != nil {
		return fmt.Errorf("marshal %s command: %w", command, err)
	}
	if err := c.deps.Transport.SendData(ctx, c.SessionID(), []byte(data)); err != nil {
		return fmt.Errorf("send %s command: %w", command, err)
	}
	c.logger.Debug("Command sent", "command", command.String())
	return nil
}

func (c *Continue) publish(ctx context.Context, peer string, state allconnect.BusinessStatus) {
	if c.deps.Arbiter == nil {
		return
	}
	if err := c.deps.Arbiter.PublishServiceState(ctx, peer, "", state); err != nil {
		c.logger.Debug("Service state not published", "state", state, "error", err)
	}
}

func (c *Continue) executeContinueReq(ctx context.Context, params types.WantParams) error {
	info := c.Info()
	c.logger.Info("Continue request", "info", info.String())
	peer := c.peerDeviceID()

	if c.deps.Arbiter != nil {
		c.publish(ctx, peer, allconnect.StatusPrepare)
		if err := c.deps.Arbiter.ApplyAdvanceResource(ctx, peer, allconnect.DefaultResourceRequest()); err != nil {
			return fmt.Errorf("apply resource for %s: %w", anonymize(peer), err)
		}
		c.publish(ctx, peer, allconnect.StatusConnecting)
	}

	sessionID, err := c.deps.Transport.ConnectDevice(ctx, peer)
	if err != nil {
		return fmt.Errorf("connect %s: %w", anonymize(peer), err)
	}
	c.mu.Lock()
	c.sessionID = sessionID
	c.mu.Unlock()
	c.publish(ctx, peer, allconnect.StatusConnected)
	c.logger.Info("Peer connected", "peer", anonymize(peer), "transport_session", sessionID)

	cmd := &protocol.StartCmd{
		CmdBase:    c.base(protocol.CmdStart),
		Direction:  int32(c.direction),
		WantParams: params,
	}
	if c.subType == ContinuePull && info.MissionID == 0 {
		version, err := c.deps.Bundles.VersionCode(ctx, info.SinkBundleName)
		if err != nil {
			return fmt.Errorf("bundle %s not installed locally: %w", info.SinkBundleName, err)
		}
		cmd.AppVersion = version
	}
	if err := c.sendCommand(ctx, cmd); err != nil {
		return err
	}
	if c.direction == DirectionSink {
		c.updateState(StateData)
	}
	return nil
}

func (c *Continue) executeContinueAbility(ctx context.Context, appVersion uint32) error {
	c.logger.Info("Continue ability", "app_version", appVersion)
	info := c.Info()
	if info.MissionID == 0 {
		id, err := c.deps.Abilities.MissionIDByBundle(ctx, info.SourceBundleName)
		if err != nil {
			return fmt.Errorf("mission of %s: %w", info.SourceBundleName, err)
		}
		c.mu.Lock()
		c.info.MissionID = id
		info.MissionID = id
		c.mu.Unlock()
	}
	if err := c.checkContinueAbilityPermission(ctx, info); err != nil {
		return err
	}
	if err := c.deps.Abilities.ContinueAbility(ctx, info.SinkDeviceID, info.MissionID, appVersion); err != nil {
		c.logger.Error("Continue ability failed", "mission", info.MissionID, "error", err)
		return fmt.Errorf("continue ability: %w", errcode.StartAbilityFailed)
	}
	c.updateState(StateAbility)
	return nil
}

func (c *Continue) checkContinueAbilityPermission(ctx context.Context, info Info) error {
	if !c.deps.Bundles.AllowsContinue(ctx, info.SourceBundleName) {
		c.logger.Info("App does not allow continue", "bundle", info.SourceBundleName)
		return errcode.RemoteDeviceBindAbilityErr
	}
	mission, err := c.deps.Abilities.MissionInfo(ctx, info.MissionID)
	if err != nil {
		return fmt.Errorf("mission %d: %v: %w", info.MissionID, err, errcode.NoMissionInfoForMissionID)
	}
	if !mission.ContinueActive {
		return fmt.Errorf("mission %d inactive: %w", info.MissionID, errcode.MissionForContinuingIsNotAlive)
	}
	return nil
}

func (c *Continue) executeContinueReply(ctx context.Context) error {
	info := c.Info()
	version, err := c.deps.Bundles.VersionCode(ctx, info.SinkBundleName)
	if err != nil {
		c.logger.Error("Bundle not installed locally", "bundle", info.SinkBundleName, "error", err)
		return errcode.InvalidParametersErr
	}
	cmd := &protocol.ReplyCmd{
		CmdBase:    c.base(protocol.CmdReply),
		ReplyCmd:   int32(protocol.CmdStart),
		AppVersion: version,
		Reason:     "ExecuteContinueReply",
	}
	if err := c.sendCommand(ctx, cmd); err != nil {
		return err
	}
	c.updateState(StateData)
	return nil
}

func (c *Continue) executeContinueSend(ctx context.Context, data *SendData) error {
	if data == nil {
		return errcode.InvalidParametersErr
	}
	want := data.Want
	want.Params = cloneParams(want.Params)
	if _, ok := want.Params[ParamSourceExit]; ok {
		c.isSourceExit = want.Params.Bool(ParamSourceExit, false)
	}
	if !want.IsContinuation() {
		return fmt.Errorf("want lacks continuation flag: %w", errcode.InvalidRemoteParametersErr)
	}
	if err := c.setWantForContinuation(ctx, &want); err != nil {
		return err
	}

	info := c.Info()
	caller := types.CallerInfo{
		SourceDeviceID: info.SourceDeviceID,
		UID:            data.CallerUID,
		AccessToken:    data.AccessToken,
		DMSVersion:     strconv.Itoa(int(DMSVersion)),
	}
	var err error
	if caller.CallerAppID, err = c.deps.Bundles.CallerAppID(ctx, caller.UID); err != nil {
		c.logger.Error("Caller app id lookup failed", "uid", caller.UID, "error", err)
		return errcode.InvalidParametersErr
	}
	if caller.BundleNames, err = c.deps.Bundles.BundleNames(ctx, caller.UID); err != nil {
		c.logger.Error("Caller bundle lookup failed", "uid", caller.UID, "error", err)
		return errcode.InvalidParametersErr
	}
	account, err := c.deps.Permissions.GetAccountInfo(info.SinkDeviceID, &caller)
	if err != nil {
		return fmt.Errorf("account info: %w", err)
	}

	base := c.base(protocol.CmdData)
	base.SrcDeveloperID = c.deps.Bundles.DeveloperID(ctx, info.SourceBundleName)
	cmd := &protocol.DataCmd{
		CmdBase:     base,
		Want:        want,
		RequestCode: DefaultRequestCode,
		CallerInfo:  caller,
		AccountInfo: *account,
	}
	if err := c.sendCommand(ctx, cmd); err != nil {
		return err
	}
	c.updateState(StateSourceWaitEnd)
	return nil
}

func (c *Continue) setWantForContinuation(ctx context.Context, want *types.Want) error {
	info := c.Info()
	want.Params[ParamSessionID] = strconv.Itoa(int(info.MissionID))
	want.Params[ParamDeviceID] = info.SourceDeviceID

	version, err := c.deps.Bundles.VersionCode(ctx, want.Element.BundleName)
	if err != nil {
		c.logger.Error("Local bundle info missing", "bundle", want.Element.BundleName, "error", err)
		return errcode.InvalidParametersErr
	}
	want.Params[ParamVersionCode] = strconv.FormatUint(uint64(version), 10)

	pageStack := want.Params.Bool(ParamPageStack, true)
	module := want.Params[ParamModuleName]
	if !pageStack && module != "" && len(module) <= maxModuleNameLen {
		want.Element.ModuleName = module
	}
	return nil
}

func (c *Continue) executeContinueData(ctx context.Context, cmd *protocol.DataCmd) error {
	if cmd == nil {
		return errcode.InvalidParametersErr
	}
	if !c.checkDeviceIDFromRemote(c.deps.LocalDeviceID, cmd.Want.Element.DeviceID, cmd.CallerInfo.SourceDeviceID) {
		return fmt.Errorf("device id check: %w", errcode.InvalidRemoteParametersErr)
	}
	if err := c.checkStartPermission(ctx, cmd); err != nil {
		return err
	}

	want := cmd.Want
	want.Params = cloneParams(want.Params)
	c.updateWantForContinueType(ctx, &want)

	c.mu.Lock()
	c.info.SinkAbilityName = want.Element.AbilityName
	c.mu.Unlock()
	if err := c.deps.Abilities.StartAbility(ctx, &want, cmd.RequestCode); err != nil {
		c.logger.Error("Start ability failed", "ability", want.Element.AbilityName, "error", err)
		return fmt.Errorf("start ability: %w", errcode.StartAbilityFailed)
	}
	c.updateState(StateSinkWaitEnd)
	return nil
}

// checkDeviceIDFromRemote accepts a data command only when it targets this
// device and comes from the session's source
func (c *Continue) checkDeviceIDFromRemote(local, dest, src string) bool {
	if local == "" || dest == "" || src == "" {
		return false
	}
	if local != dest {
		c.logger.Error("Destination device is not local")
		return false
	}
	if src == dest || src == local {
		c.logger.Error("Source device equals destination")
		return false
	}
	return src == c.Info().SourceDeviceID
}

func (c *Continue) checkStartPermission(ctx context.Context, cmd *protocol.DataCmd) error {
	if cmd.SrcBundleName != cmd.DstBundleName &&
		!c.deps.Bundles.IsSameDeveloperID(ctx, cmd.DstBundleName, cmd.SrcDeveloperID) {
		return fmt.Errorf("developer of %s differs: %w", cmd.DstBundleName, errcode.InvalidParametersErr)
	}
	target, err := c.deps.Permissions.GetTargetAbility(ctx, &cmd.Want, true)
	if err != nil {
		return fmt.Errorf("target ability: %w", err)
	}
	return c.deps.Permissions.CheckStartPermission(&cmd.Want, &cmd.CallerInfo, &cmd.AccountInfo, target)
}

// updateWantForContinueType retargets want at the sink ability declaring the
// session's continue type
func (c *Continue) updateWantForContinueType(ctx context.Context, want *types.Want) {
	info := c.Info()
	if info.ContinueType == "" {
		return
	}
	sink := c.deps.Bundles.AbilityByContinueType(ctx, info.SinkDeviceID, info.SinkBundleName, trimQuickStart(info.ContinueType))
	if sink == "" {
		sink = c.deps.Bundles.AbilityByContinueType(ctx, info.SinkDeviceID, info.SinkBundleName, trimQuickStart(info.ContinueType)+quickStartSuffix)
	}
	if sink != "" && sink != want.Element.AbilityName {
		want.Element.AbilityName = sink
		want.Params[ParamPageStack] = "false"
	}
}

func (c *Continue) executeNotifyComplete(ctx context.Context, result int32) error {
	c.logger.Info("Notify complete", "result", result)
	if c.direction == DirectionSink {
		cmd := &protocol.EndCmd{CmdBase: c.base(protocol.CmdEnd), Result: result}
		if err := c.sendCommand(ctx, cmd); err != nil {
			return err
		}
		c.updateState(StateSinkEnd)
		return nil
	}

	cmd := &protocol.ReplyCmd{
		CmdBase:  c.base(protocol.CmdReply),
		ReplyCmd: int32(protocol.CmdEnd),
		Result:   result,
		Reason:   "ExecuteNotifyComplete",
	}
	if err := c.sendCommand(ctx, cmd); err != nil {
		return err
	}
	c.updateState(StateSourceEnd)
	c.process(ctx, Event{Type: EventEnd, Result: result})
	return nil
}

func (c *Continue) executeContinueEnd(ctx context.Context, result int32) error {
	c.logger.Warn("Continue end", "result", result)
	info := c.Info()
	peer := c.peerDeviceID()
	if (c.subType == ContinuePull && c.direction == DirectionSink) ||
		(c.subType == ContinuePush && c.direction == DirectionSource) {
		c.deps.Transport.DisconnectDevice(ctx, peer)
	}
	if result == 0 && c.direction == DirectionSource && c.isSourceExit {
		if err := c.deps.Abilities.CleanMission(ctx, info.MissionID); err != nil {
			c.logger.Debug("Clean mission failed", "mission", info.MissionID, "error", err)
		}
	}
	c.notifyCallback(ctx, result)
	c.publish(ctx, peer, allconnect.StatusIdle)
	if c.deps.Observer != nil {
		c.deps.Observer.SessionEnded(c.direction, errcode.Code(result))
	}
	c.finish(result)
	return nil
}

func (c *Continue) executeContinueError(ctx context.Context, result int32) error {
	c.logger.Info("Continue error", "result", result)
	cmd := &protocol.EndCmd{CmdBase: c.base(protocol.CmdEnd), Result: result}
	if err := c.sendCommand(ctx, cmd); err != nil {
		c.logger.Debug("End command not delivered", "error", err)
	}
	if c.direction == DirectionSource {
		c.updateState(StateSourceEnd)
	} else {
		c.updateState(StateSinkEnd)
	}
	c.process(ctx, Event{Type: EventEnd, Result: result})
	return nil
}

// notifyCallback reports the result to the app's mission callback once
func (c *Continue) notifyCallback(ctx context.Context, result int32) {
	c.mu.Lock()
	cb := c.callback
	c.callback = nil
	c.mu.Unlock()
	if cb == nil {
		return
	}
	data := ipc.NewParcel()
	data.WriteInterfaceToken(missionCallbackToken)
	data.WriteInt32(SDKResult(result))
	if _, err := cb.SendRequest(ctx, notifyMissionResult, data, ipc.TFSync); err != nil {
		c.logger.Error("Mission callback failed", "error", err)
	}
}

func (c *Continue) finish(result int32) {
	c.ended = true
	c.mu.Lock()
	c.result = result
	c.mu.Unlock()
	if c.onEnd != nil {
		c.onEnd(c)
	}
	close(c.done)
	go c.queue.Stop()
}

// SDKResult converts a session result into the code reported to apps
func SDKResult(result int32) int32 {
	switch errcode.Code(result) {
	case errcode.ErrOK, errcode.ContinueAlreadyInProgress:
		return result
	default:
		return int32(errcode.DMSWorkAbnormally)
	}
}

func cloneParams(p types.WantParams) types.WantParams {
	out := make(types.WantParams, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}
