// Package dcontinue runs continuation sessions: one coordinator per
// migrating ability, driven by a per-session state machine on both the
// source and the sink device.
package dcontinue

import (
	"fmt"
	"strings"
)

// Direction tells which end of a continuation this device is
type Direction int32

// Directions
const (
	DirectionSource Direction = 0
	DirectionSink   Direction = 1
)

func (d Direction) String() string {
	if d == DirectionSink {
		return "sink"
	}
	return "source"
}

// SubServiceType tells which device initiated the continuation
type SubServiceType int32

// Sub service types
const (
	ContinuePull SubServiceType = 0
	ContinuePush SubServiceType = 1
)

// Protocol constants carried in every command
const (
	ProtocolVersion     int32 = 1
	ServiceTypeContinue int32 = 0
	DMSVersion          int32 = 5
	DefaultRequestCode  int32 = -1
)

// Want parameters written by the coordinator
const (
	ParamSourceExit      = "ohos.extra.param.key.supportContinueSourceExit"
	ParamPageStack       = "ohos.extra.param.key.supportContinuePageStack"
	ParamModuleName      = "ohos.extra.param.key.supportContinueModuleNameUpdate"
	ParamSessionID       = "sessionId"
	ParamDeviceID        = "deviceId"
	ParamVersionCode     = "version"
	maxModuleNameLen     = 2048
	quickStartSuffix     = "_ContinueQuickStart"
	missionCallbackToken = "ohos.DistributedSchedule.IMissionCallback"
	notifyMissionResult  = 4
)

// Info identifies a continuation. Two infos address the same session when
// their devices and bundles match.
type Info struct {
	SourceDeviceID   string
	SourceBundleName string
	SinkDeviceID     string
	SinkBundleName   string
	ContinueType     string
	SinkAbilityName  string
	MissionID        int32
}

// Key is the comparable identity of a session
type Key struct {
	SourceDeviceID   string
	SourceBundleName string
	SinkDeviceID     string
	SinkBundleName   string
}

// Key returns the session identity of i
func (i Info) Key() Key {
	return Key{
		SourceDeviceID:   i.SourceDeviceID,
		SourceBundleName: i.SourceBundleName,
		SinkDeviceID:     i.SinkDeviceID,
		SinkBundleName:   i.SinkBundleName,
	}
}

func (i Info) String() string {
	return fmt.Sprintf("src=%s/%s dst=%s/%s type=%s mission=%d",
		anonymize(i.SourceDeviceID), i.SourceBundleName,
		anonymize(i.SinkDeviceID), i.SinkBundleName, i.ContinueType, i.MissionID)
}

// anonymize keeps the head and tail of a device id for logs
func anonymize(id string) string {
	if len(id) <= 8 {
		return strings.Repeat("*", len(id))
	}
	return id[:4] + "**" + id[len(id)-4:]
}

// trimQuickStart strips the quick start suffix from a continue type
func trimQuickStart(continueType string) string {
	return strings.TrimSuffix(continueType, quickStartSuffix)
}
