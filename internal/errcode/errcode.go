// Package errcode defines the stable numeric result codes shared by every
// component of the continuation manager and by callers across the IPC
// boundary.
package errcode

import (
	"errors"
	"fmt"
)

// Code is a stable result code. It implements error so components can return
// it directly and callers can wrap it with fmt.Errorf("...: %w", code).
type Code int32

// IPC substrate codes.
const (
	ErrOK                 Code = 0
	ErrTransactionFailed  Code = 1
	ErrUnknownObject      Code = 2
	ErrFlattenObject      Code = 3
	ErrUnknownTransaction Code = 4
	ErrInvalidData        Code = 5
	ErrNullObject         Code = 6
	ErrUnknownReason      Code = 7
	ErrInvalidReply       Code = 8
	ErrInvalidState       Code = 9
)

// Distributed schedule service codes.
const (
	InvalidParametersErr               Code = 29360128
	DMSWriteFileFailedErr              Code = 29360141
	DMSPermissionDenied                Code = 29360157
	DMSAccountAccessPermissionDenied   Code = 29360175
	DMSComponentAccessPermissionDenied Code = 29360176
	CallPermissionDenied               Code = 29360201
	RegisterExceedMaxTimes             Code = 29360207
	TokenHasNotRegistered              Code = 29360208
	CallbackHasRegistered              Code = 29360209
	CallbackHasNotRegistered           Code = 29360210
	ConnectAbilityFailed               Code = 29360211
	DisconnectAbilityFailed            Code = 29360212
	UnknownCallbackType                Code = 29360214
	InvalidConnectStatus               Code = 29360215
	InvalidContinuationMode            Code = 29360216
	DMSBackgroundPermissionDenied      Code = 29360219
	DMSStartControlPermissionDenied    Code = 29360220
	StartAbilityFailed                 Code = 29360221
	ContinueSendEventFailed            Code = 29360222
	ContinueStateMachineInvalidState   Code = 29360223
	DMSConnectApplyTimeoutFailed       Code = 29360224
	DMSConnectApplyRejectFailed        Code = 29360225
)

// Continuation session codes.
const (
	InvalidRemoteParametersErr       Code = 29360131
	RemoteDeviceBindAbilityErr       Code = 29360132
	NotifyCompleteContinuationFailed Code = 29360152
	DMSWorkAbnormally                Code = 16300501
	NoMissionInfoForMissionID        Code = 16300502
	OperationDeviceNotInitiator      Code = 16300505
	ContinueAlreadyInProgress        Code = 16300506
	MissionForContinuingIsNotAlive   Code = 16300507
)

var names = map[Code]string{
	ErrOK:                              "ERR_OK",
	ErrTransactionFailed:               "ERR_TRANSACTION_FAILED",
	ErrUnknownObject:                   "ERR_UNKNOWN_OBJECT",
	ErrFlattenObject:                   "ERR_FLATTEN_OBJECT",
	ErrUnknownTransaction:              "ERR_UNKNOWN_TRANSACTION",
	ErrInvalidData:                     "ERR_INVALID_DATA",
	ErrNullObject:                      "ERR_NULL_OBJECT",
	ErrUnknownReason:                   "ERR_UNKNOWN_REASON",
	ErrInvalidReply:                    "ERR_INVALID_REPLY",
	ErrInvalidState:                    "ERR_INVALID_STATE",
	InvalidParametersErr:               "INVALID_PARAMETERS_ERR",
	DMSWriteFileFailedErr:              "DMS_WRITE_FILE_FAILED_ERR",
	DMSPermissionDenied:                "DMS_PERMISSION_DENIED",
	DMSAccountAccessPermissionDenied:   "DMS_ACCOUNT_ACCESS_PERMISSION_DENIED",
	DMSComponentAccessPermissionDenied: "DMS_COMPONENT_ACCESS_PERMISSION_DENIED",
	CallPermissionDenied:               "CALL_PERMISSION_DENIED",
	RegisterExceedMaxTimes:             "REGISTER_EXCEED_MAX_TIMES",
	TokenHasNotRegistered:              "TOKEN_HAS_NOT_REGISTERED",
	CallbackHasRegistered:              "CALLBACK_HAS_REGISTERED",
	CallbackHasNotRegistered:           "CALLBACK_HAS_NOT_REGISTERED",
	ConnectAbilityFailed:               "CONNECT_ABILITY_FAILED",
	DisconnectAbilityFailed:            "DISCONNECT_ABILITY_FAILED",
	UnknownCallbackType:                "UNKNOWN_CALLBACK_TYPE",
	InvalidConnectStatus:               "INVALID_CONNECT_STATUS",
	InvalidContinuationMode:            "INVALID_CONTINUATION_MODE",
	DMSBackgroundPermissionDenied:      "DMS_BACKGROUND_PERMISSION_DENIED",
	DMSStartControlPermissionDenied:    "DMS_START_CONTROL_PERMISSION_DENIED",
	StartAbilityFailed:                 "START_ABILITY_FAILED",
	ContinueSendEventFailed:            "CONTINUE_SEND_EVENT_FAILED",
	ContinueStateMachineInvalidState:   "CONTINUE_STATE_MACHINE_INVALID_STATE",
	DMSConnectApplyTimeoutFailed:       "DMS_CONNECT_APPLY_TIMEOUT_FAILED",
	DMSConnectApplyRejectFailed:        "DMS_CONNECT_APPLY_REJECT_FAILED",
	InvalidRemoteParametersErr:         "INVALID_REMOTE_PARAMETERS_ERR",
	RemoteDeviceBindAbilityErr:         "REMOTE_DEVICE_BIND_ABILITY_ERR",
	NotifyCompleteContinuationFailed:   "NOTIFYCOMPLETECONTINUATION_FAILED",
	DMSWorkAbnormally:                  "ERR_DMS_WORK_ABNORMALLY",
	NoMissionInfoForMissionID:          "NO_MISSION_INFO_FOR_MISSION_ID",
	OperationDeviceNotInitiator:        "OPERATION_DEVICE_NOT_INITIATOR_OR_TARGET",
	ContinueAlreadyInProgress:          "CONTINUE_ALREADY_IN_PROGRESS",
	MissionForContinuingIsNotAlive:     "MISSION_FOR_CONTINUING_IS_NOT_ALIVE",
}

// Name returns the symbolic name of the code.
func (c Code) Name() string {
	if n, ok := names[c]; ok {
		return n
	}
	return fmt.Sprintf("CODE_%d", int32(c))
}

func (c Code) Error() string {
	return fmt.Sprintf("%s (%d)", c.Name(), int32(c))
}

// Of extracts the result code carried by err. A nil error is ErrOK and an
// error without a Code in its chain is ErrUnknownReason.
func Of(err error) Code {
	if err == nil {
		return ErrOK
	}
	var c Code
	if errors.As(err, &c) {
		return c
	}
	return ErrUnknownReason
}

// FromInt32 converts a code read off the wire into an error, returning nil
// for ErrOK.
func FromInt32(v int32) error {
	if Code(v) == ErrOK {
		return nil
	}
	return Code(v)
}

// Is reports whether err carries code c.
func Is(err error, c Code) bool {
	return Of(err) == c
}
