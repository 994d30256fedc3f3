package dcontinue

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AltairaLabs/continuation-manager/internal/errcode"
	"github.com/AltairaLabs/continuation-manager/internal/protocol"
	"github.com/AltairaLabs/continuation-manager/internal/types"
)

// recorder records which action ran and never changes state
type recorder struct {
	called string
	arg    int64
}

func (r *recorder) executeContinueReq(_ context.Context, p types.WantParams) error {
	r.called = "req"
	r.arg = int64(len(p))
	return nil
}

func (r *recorder) executeContinueAbility(_ context.Context, v uint32) error {
	r.called = "ability"
	r.arg = int64(v)
	return nil
}

func (r *recorder) executeContinueReply(context.Context) error {
	r.called = "reply"
	return nil
}

func (r *recorder) executeContinueSend(context.Context, *SendData) error {
	r.called = "send"
	return nil
}

func (r *recorder) executeContinueData(context.Context, *protocol.DataCmd) error {
	r.called = "data"
	return nil
}

func (r *recorder) executeNotifyComplete(_ context.Context, result int32) error {
	r.called = "complete"
	r.arg = int64(result)
	return nil
}

func (r *recorder) executeContinueEnd(_ context.Context, result int32) error {
	r.called = "end"
	r.arg = int64(result)
	return nil
}

func (r *recorder) executeContinueError(_ context.Context, result int32) error {
	r.called = "error"
	r.arg = int64(result)
	return nil
}

var allStates = []StateType{
	StateSourceStart, StateAbility, StateSourceWaitEnd, StateSourceEnd,
	StateSinkStart, StateData, StateSinkWaitEnd, StateSinkEnd,
}

var allEvents = []EventType{
	EventReqPull, EventReply, EventData, EventReqPush,
	EventAbility, EventSendData, EventComplete, EventEnd,
}

func TestStateMachine_Table(t *testing.T) {
	handled := map[StateType]map[EventType]string{
		StateSourceStart:   {EventReqPush: "req", EventAbility: "ability", EventEnd: "error"},
		StateAbility:       {EventSendData: "send", EventEnd: "error"},
		StateSourceWaitEnd: {EventComplete: "complete", EventEnd: "error"},
		StateSourceEnd:     {EventEnd: "end"},
		StateSinkStart:     {EventReqPull: "req", EventAbility: "reply", EventEnd: "error"},
		StateData:          {EventData: "data", EventEnd: "error"},
		StateSinkWaitEnd:   {EventComplete: "complete", EventEnd: "error"},
		StateSinkEnd:       {EventEnd: "end"},
	}

	for _, s := range allStates {
		for _, e := range allEvents {
			t.Run(s.String()+"/"+e.String(), func(t *testing.T) {
				var changes int
				m := newStateMachine(s, func(StateType, StateType) { changes++ })
				r := &recorder{}

				err := m.execute(context.Background(), r, Event{Type: e})

				want, ok := handled[s][e]
				if ok {
					require.NoError(t, err)
					assert.Equal(t, want, r.called)
				} else {
					assert.True(t, errcode.Is(err, errcode.ContinueStateMachineInvalidState))
					assert.Empty(t, r.called)
				}
				assert.Equal(t, s, m.State())
				assert.Zero(t, changes)
			})
		}
	}
}

func TestStateMachine_PassesPayload(t *testing.T) {
	r := &recorder{}
	m := newStateMachine(StateSourceStart, nil)

	require.NoError(t, m.execute(context.Background(), r, Event{Type: EventAbility, AppVersion: 42}))
	assert.Equal(t, int64(42), r.arg)

	require.NoError(t, m.execute(context.Background(), r, Event{Type: EventReqPush, WantParams: types.WantParams{"a": "1", "b": "2"}}))
	assert.Equal(t, int64(2), r.arg)

	m = newStateMachine(StateSinkWaitEnd, nil)
	require.NoError(t, m.execute(context.Background(), r, Event{Type: EventComplete, Result: 7}))
	assert.Equal(t, int64(7), r.arg)
}

func TestStateMachine_Update(t *testing.T) {
	var seen [][2]StateType
	m := newStateMachine(StateSinkStart, func(from, to StateType) {
		seen = append(seen, [2]StateType{from, to})
	})

	m.update(StateData)
	m.update(StateData)
	m.update(StateSinkWaitEnd)

	assert.Equal(t, StateSinkWaitEnd, m.State())
	assert.Equal(t, [][2]StateType{{StateSinkStart, StateData}, {StateData, StateSinkWaitEnd}}, seen)
}

func TestStateAndEventNames(t *testing.T) {
	assert.Equal(t, "source_wait_end", StateSourceWaitEnd.String())
	assert.Equal(t, "state(9)", StateType(9).String())
	assert.Equal(t, "send_data", EventSendData.String())
	assert.Equal(t, "event(-1)", EventType(-1).String())
	assert.Equal(t, "sink", DirectionSink.String())
}
