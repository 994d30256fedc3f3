package dcontinue

import (
	"context"
	"log/slog"

	"github.com/AltairaLabs/continuation-manager/internal/allconnect"
	"github.com/AltairaLabs/continuation-manager/internal/config"
	"github.com/AltairaLabs/continuation-manager/internal/errcode"
	"github.com/AltairaLabs/continuation-manager/internal/types"
	"github.com/AltairaLabs/continuation-manager/internal/workqueue"
)

// Transport carries encoded commands between devices
type Transport interface {
	// ConnectDevice opens a session towards peer and returns its id
	ConnectDevice(ctx context.Context, peer string) (int32, error)
	DisconnectDevice(ctx context.Context, peer string)
	SendData(ctx context.Context, sessionID int32, data []byte) error
}

// MissionInfo describes a running mission
type MissionInfo struct {
	BundleName     string
	ContinueActive bool
}

// AbilityManager drives missions and abilities on this device
type AbilityManager interface {
	MissionIDByBundle(ctx context.Context, bundleName string) (int32, error)
	MissionInfo(ctx context.Context, missionID int32) (MissionInfo, error)
	// ContinueAbility asks the running ability to hand its state over
	ContinueAbility(ctx context.Context, sinkDeviceID string, missionID int32, appVersion uint32) error
	StartAbility(ctx context.Context, want *types.Want, requestCode int32) error
	CleanMission(ctx context.Context, missionID int32) error
}

// BundleManager answers bundle questions for sessions
type BundleManager interface {
	VersionCode(ctx context.Context, bundleName string) (uint32, error)
	CallerAppID(ctx context.Context, uid int32) (string, error)
	BundleNames(ctx context.Context, uid int32) ([]string, error)
	DeveloperID(ctx context.Context, bundleName string) string
	IsSameDeveloperID(ctx context.Context, bundleName, developerID string) bool
	// AllowsContinue reports whether the bundle is configured to continue
	AllowsContinue(ctx context.Context, bundleName string) bool
	// AbilityByContinueType returns the ability of bundleName on deviceID
	// declaring continueType, or "" when none does
	AbilityByContinueType(ctx context.Context, deviceID, bundleName, continueType string) string
}

// Permissions is the permission checking a sink session needs
type Permissions interface {
	GetAccountInfo(remoteNetworkID string, caller *types.CallerInfo) (*types.AccountInfo, error)
	GetTargetAbility(ctx context.Context, want *types.Want, queryExtension bool) (*types.AbilityInfo, error)
	CheckStartPermission(want *types.Want, caller *types.CallerInfo, account *types.AccountInfo, target *types.AbilityInfo) error
}

// Arbiter arbitrates link resources before a session connects
type Arbiter interface {
	ApplyAdvanceResource(ctx context.Context, peer string, req allconnect.ResourceRequest) error
	PublishServiceState(ctx context.Context, peer, extraInfo string, state allconnect.BusinessStatus) error
}

// Observer is told about session progress
type Observer interface {
	Transition(dir Direction, from, to StateType)
	SessionEnded(dir Direction, code errcode.Code)
}

// Dependencies are the collaborators shared by every session of a Manager.
// Arbiter, Observer and QueueObserver may be nil.
type Dependencies struct {
	LocalDeviceID string
	Transport     Transport
	Abilities     AbilityManager
	Bundles       BundleManager
	Permissions   Permissions
	Arbiter       Arbiter
	Observer      Observer
	QueueObserver workqueue.Observer
	Config        config.ContinueConfig
	Logger        *slog.Logger
}

func (d *Dependencies) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.Default()
	}
	return d.Logger
}
