package errcode

// ExternalCode is a business error code documented to application callers.
type ExternalCode int32

// External business codes.
const (
	PermissionDenied          ExternalCode = 201
	ParameterCheckFailed      ExternalCode = 401
	SystemWorkAbnormally      ExternalCode = 16600001
	CallbackTokenUnregistered ExternalCode = 16600002
	OverMaxRegisteredTimes    ExternalCode = 16600003
	RepeatedRegistration      ExternalCode = 16600004
)

var externalMessages = map[ExternalCode]string{
	PermissionDenied:          "Permission denied.",
	ParameterCheckFailed:      "The parameter check failed.",
	SystemWorkAbnormally:      "The system ability works abnormally.",
	CallbackTokenUnregistered: "The specified token or callback is not registered.",
	OverMaxRegisteredTimes:    "The number of token registration times has reached the upper limit.",
	RepeatedRegistration:      "The specified callback has been registered.",
}

// ErrorCodeReturn translates an internal code into the external business
// code. ErrOK maps to 0 and anything not listed maps to SystemWorkAbnormally.
func ErrorCodeReturn(code Code) ExternalCode {
	switch code {
	case ErrOK:
		return 0
	case DMSPermissionDenied:
		return PermissionDenied
	case ErrNullObject, ErrFlattenObject, ConnectAbilityFailed:
		return SystemWorkAbnormally
	case InvalidContinuationMode, UnknownCallbackType, InvalidConnectStatus:
		return ParameterCheckFailed
	case CallbackHasNotRegistered, TokenHasNotRegistered:
		return CallbackTokenUnregistered
	case RegisterExceedMaxTimes:
		return OverMaxRegisteredTimes
	case CallbackHasRegistered:
		return RepeatedRegistration
	default:
		return SystemWorkAbnormally
	}
}

// Message returns the human-readable text for an external code.
func (c ExternalCode) Message() string {
	if m, ok := externalMessages[c]; ok {
		return m
	}
	return externalMessages[SystemWorkAbnormally]
}

// ErrorMessageReturn returns the message for the external code of an
// internal code.
func ErrorMessageReturn(code Code) string {
	return ErrorCodeReturn(code).Message()
}
