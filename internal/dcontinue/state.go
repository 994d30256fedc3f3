package dcontinue

import (
	"context"
	"fmt"
	"strconv"

	"github.com/AltairaLabs/continuation-manager/internal/errcode"
	"github.com/AltairaLabs/continuation-manager/internal/protocol"
	"github.com/AltairaLabs/continuation-manager/internal/types"
)

// StateType is a session state
type StateType int32

// Source states come first, then sink states
const (
	StateSourceStart   StateType = 0
	StateAbility       StateType = 1
	StateSourceWaitEnd StateType = 2
	StateSourceEnd     StateType = 3
	StateSinkStart     StateType = 4
	StateData          StateType = 5
	StateSinkWaitEnd   StateType = 6
	StateSinkEnd       StateType = 7
)

func (s StateType) String() string {
	switch s {
	case StateSourceStart:
		return "source_start"
	case StateAbility:
		return "ability"
	case StateSourceWaitEnd:
		return "source_wait_end"
	case StateSourceEnd:
		return "source_end"
	case StateSinkStart:
		return "sink_start"
	case StateData:
		return "data"
	case StateSinkWaitEnd:
		return "sink_wait_end"
	case StateSinkEnd:
		return "sink_end"
	default:
		return "state(" + strconv.Itoa(int(s)) + ")"
	}
}

// actions are the steps a state may take. Continue implements it; tests
// substitute recorders.
type actions interface {
	executeContinueReq(ctx context.Context, params types.WantParams) error
	executeContinueAbility(ctx context.Context, appVersion uint32) error
	executeContinueReply(ctx context.Context) error
	executeContinueSend(ctx context.Context, data *SendData) error
	executeContinueData(ctx context.Context, cmd *protocol.DataCmd) error
	executeNotifyComplete(ctx context.Context, result int32) error
	executeContinueEnd(ctx context.Context, result int32) error
	executeContinueError(ctx context.Context, result int32) error
}

// stateMachine holds the current state. Actions move it with update;
// execute only selects the action.
type stateMachine struct {
	current  StateType
	onChange func(from, to StateType)
}

func newStateMachine(initial StateType, onChange func(from, to StateType)) *stateMachine {
	return &stateMachine{current: initial, onChange: onChange}
}

// State returns the current state
func (m *stateMachine) State() StateType {
	return m.current
}

func (m *stateMachine) update(to StateType) {
	from := m.current
	m.current = to
	if m.onChange != nil && from != to {
		m.onChange(from, to)
	}
}

func invalidEvent(s StateType, e EventType) error {
	return fmt.Errorf("event %s in state %s: %w", e, s, errcode.ContinueStateMachineInvalidState)
}

// execute runs the action the current state binds to ev. An event the state
// does not handle is rejected and the state is left unchanged.
func (m *stateMachine) execute(ctx context.Context, a actions, ev Event) error {
	switch m.current {
	case StateSourceStart:
		switch ev.Type {
		case EventReqPush:
			return a.executeContinueReq(ctx, ev.WantParams)
		case EventAbility:
			return a.executeContinueAbility(ctx, ev.AppVersion)
		case EventEnd:
			return a.executeContinueError(ctx, ev.Result)
		}
	case StateAbility:
		switch ev.Type {
		case EventSendData:
			return a.executeContinueSend(ctx, ev.Send)
		case EventEnd:
			return a.executeContinueError(ctx, ev.Result)
		}
	case StateSourceWaitEnd:
		switch ev.Type {
		case EventComplete:
			return a.executeNotifyComplete(ctx, ev.Result)
		case EventEnd:
			return a.executeContinueError(ctx, ev.Result)
		}
	case StateSourceEnd:
		if ev.Type == EventEnd {
			return a.executeContinueEnd(ctx, ev.Result)
		}
	case StateSinkStart:
		switch ev.Type {
		case EventReqPull:
			return a.executeContinueReq(ctx, ev.WantParams)
		case EventAbility:
			return a.executeContinueReply(ctx)
		case EventEnd:
			return a.executeContinueError(ctx, ev.Result)
		}
	case StateData:
		switch ev.Type {
		case EventData:
			return a.executeContinueData(ctx, ev.Data)
		case EventEnd:
			return a.executeContinueError(ctx, ev.Result)
		}
	case StateSinkWaitEnd:
		switch ev.Type {
		case EventComplete:
			return a.executeNotifyComplete(ctx, ev.Result)
		case EventEnd:
			return a.executeContinueError(ctx, ev.Result)
		}
	case StateSinkEnd:
		if ev.Type == EventEnd {
			return a.executeContinueEnd(ctx, ev.Result)
		}
	}
	return invalidEvent(m.current, ev.Type)
}
