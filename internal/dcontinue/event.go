package dcontinue

import (
	"strconv"

	"github.com/AltairaLabs/continuation-manager/internal/protocol"
	"github.com/AltairaLabs/continuation-manager/internal/types"
)

// EventType tags an event delivered to a session
type EventType int32

// Event types
const (
	EventReqPull  EventType = 0
	EventReply    EventType = 1
	EventData     EventType = 2
	EventReqPush  EventType = 3
	EventAbility  EventType = 4
	EventSendData EventType = 5
	EventComplete EventType = 6
	EventEnd      EventType = 7
)

func (e EventType) String() string {
	switch e {
	case EventReqPull:
		return "req_pull"
	case EventReply:
		return "reply"
	case EventData:
		return "data"
	case EventReqPush:
		return "req_push"
	case EventAbility:
		return "ability"
	case EventSendData:
		return "send_data"
	case EventComplete:
		return "complete"
	case EventEnd:
		return "end"
	default:
		return "event(" + strconv.Itoa(int(e)) + ")"
	}
}

// Event is one input to a session's state machine. Only the payload field
// matching Type is set.
type Event struct {
	Type EventType

	// WantParams is the bag of a pull or push request
	WantParams types.WantParams
	// AppVersion is the peer's app version for an ability event
	AppVersion uint32
	// Send is the launch data for a send-data event
	Send *SendData
	// Data is the received data command
	Data *protocol.DataCmd
	// Result is the code of a complete or end event
	Result int32
}

// SendData is what the source app hands over when it starts continuing
type SendData struct {
	Want        types.Want
	CallerUID   int32
	AccessToken uint32
}
