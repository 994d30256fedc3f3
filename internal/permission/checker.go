// Package permission decides whether a caller on a peer device may start,
// return results to, or fetch a caller of an ability on this device.
package permission

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/AltairaLabs/continuation-manager/internal/errcode"
	"github.com/AltairaLabs/continuation-manager/internal/types"
)

// Permissions consulted by the distributed checks
const (
	StartAbilitiesFromBackground = "ohos.permission.START_ABILITIES_FROM_BACKGROUND"
	// startAbiliesFromBackground is the misspelled alias older bundles declare
	startAbiliesFromBackground = "ohos.permission.START_ABILIIES_FROM_BACKGROUND"
	StartInvisibleAbility      = "ohos.permission.START_INVISIBLE_ABILITY"
)

// API levels that change the background rule
const (
	DefaultAPIVersion     int32 = 9
	FAModuleMinAPIVersion int32 = 8
	DefaultMissionID      int32 = -1
)

// FoundationProcessName is the native process allowed to drive sessions
const FoundationProcessName = "foundation"

// AccessTokenKit is the token oracle of the local device
type AccessTokenKit interface {
	// IsNativeToken reports whether tokenID belongs to a system process
	IsNativeToken(tokenID uint32) bool
	VerifyAccessToken(tokenID uint32, permission string) bool
	// AllocLocalTokenID maps a peer token to a local one, 0 on failure
	AllocLocalTokenID(remoteDeviceID string, remoteTokenID uint32) uint32
	GetNativeProcessName(tokenID uint32) (string, error)
}

// BundleManager answers questions about installed bundles
type BundleManager interface {
	IsSameAppID(callerAppID, bundleName string) bool
	QueryAbilityInfo(ctx context.Context, want *types.Want) (*types.AbilityInfo, error)
	QueryExtensionAbilityInfo(ctx context.Context, want *types.Want) (*types.AbilityInfo, error)
}

// GroupAdapter reaches the device trust groups
type GroupAdapter interface {
	CheckAccessToGroup(groupID, bundleName string) bool
	// GetRelatedGroups returns the JSON group list shared with udid
	GetRelatedGroups(udid, bundleName string) (string, error)
	GetUdidByNetworkID(networkID string) string
}

// Checker runs the distributed permission checks
type Checker struct {
	tokens  AccessTokenKit
	bundles BundleManager
	groups  GroupAdapter
	logger  *slog.Logger
}

// NewChecker creates a checker over the three oracles
func NewChecker(tokens AccessTokenKit, bundles BundleManager, groups GroupAdapter, logger *slog.Logger) *Checker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{tokens: tokens, bundles: bundles, groups: groups, logger: logger}
}

// CheckPermission grants native tokens and otherwise verifies name
func (c *Checker) CheckPermission(accessToken uint32, name string) error {
	if c.tokens.IsNativeToken(accessToken) {
		return nil
	}
	if c.tokens.VerifyAccessToken(accessToken, name) {
		return nil
	}
	c.logger.Debug("permission denied", "token", accessToken, "permission", name)
	return errcode.DMSPermissionDenied
}

// GetNativeProcessName forwards to the token oracle
func (c *Checker) GetNativeProcessName(tokenID uint32) (string, error) {
	return c.tokens.GetNativeProcessName(tokenID)
}

// IsFoundationCall reports whether tokenID is the foundation process
func (c *Checker) IsFoundationCall(tokenID uint32) bool {
	name, err := c.tokens.GetNativeProcessName(tokenID)
	return err == nil && name == FoundationProcessName
}

// CheckStartPermission decides whether caller may start target on this
// device. The background parameters are consumed from want.
func (c *Checker) CheckStartPermission(want *types.Want, caller *types.CallerInfo, account *types.AccountInfo, target *types.AbilityInfo) error {
	if !c.checkAccountAccess(account, target.BundleName) {
		return errcode.DMSAccountAccessPermissionDenied
	}
	if !c.checkStartControl(want, caller, target) {
		return errcode.DMSStartControlPermissionDenied
	}
	if !c.checkCustom(caller, target) {
		return errcode.DMSComponentAccessPermissionDenied
	}
	return nil
}

// CheckSendResultPermission decides whether caller may deliver a result to
// target
func (c *Checker) CheckSendResultPermission(want *types.Want, caller *types.CallerInfo, account *types.AccountInfo, target *types.AbilityInfo) error {
	if !c.checkAccountAccess(account, target.BundleName) {
		return errcode.DMSAccountAccessPermissionDenied
	}
	if !target.Visible {
		c.logger.Debug("target ability is not visible", "ability", target.Name)
		return errcode.DMSComponentAccessPermissionDenied
	}
	if !c.checkCustom(caller, target) {
		return errcode.DMSComponentAccessPermissionDenied
	}
	return nil
}

// CheckGetCallerPermission decides whether caller may obtain a call
// channel to target
func (c *Checker) CheckGetCallerPermission(want *types.Want, caller *types.CallerInfo, account *types.AccountInfo, target *types.AbilityInfo) error {
	if !c.checkAccountAccess(account, target.BundleName) {
		return errcode.DMSAccountAccessPermissionDenied
	}
	if !c.bundles.IsSameAppID(caller.CallerAppID, target.BundleName) {
		return errcode.CallPermissionDenied
	}
	if !c.checkBackground(want, caller, target, false) {
		return errcode.DMSBackgroundPermissionDenied
	}
	if !c.checkCustom(caller, target) {
		return errcode.DMSComponentAccessPermissionDenied
	}
	return nil
}

// GetTargetAbility resolves the ability want addresses. Starting for a
// result may not target a service or extension. When queryExtension is set
// an extension ability is tried after a failed lookup.
func (c *Checker) GetTargetAbility(ctx context.Context, want *types.Want, queryExtension bool) (*types.AbilityInfo, error) {
	info, err := c.bundles.QueryAbilityInfo(ctx, want)
	if err == nil {
		if want.Params.Int(types.ParamMissionID, DefaultMissionID) != DefaultMissionID &&
			(info.Type == types.AbilityService || info.Type == types.AbilityExtension) {
			return nil, fmt.Errorf("start for result cannot target %s: %w", info.Name, errcode.InvalidParametersErr)
		}
		return info, nil
	}
	if queryExtension {
		if ext, extErr := c.bundles.QueryExtensionAbilityInfo(ctx, want); extErr == nil {
			return ext, nil
		}
	}
	return nil, fmt.Errorf("query ability %s/%s: %w", want.Element.BundleName, want.Element.AbilityName, err)
}

func (c *Checker) checkAccountAccess(account *types.AccountInfo, bundleName string) bool {
	if account.AccountType == types.SameAccountType {
		return true
	}
	if bundleName == "" || len(account.GroupIDList) == 0 {
		c.logger.Debug("bundle or group list is empty", "bundle", bundleName)
		return false
	}
	for _, id := range account.GroupIDList {
		if c.groups.CheckAccessToGroup(id, bundleName) {
			return true
		}
	}
	c.logger.Debug("no group grants access", "bundle", bundleName)
	return false
}

func (c *Checker) checkStartControl(want *types.Want, caller *types.CallerInfo, target *types.AbilityInfo) bool {
	if want.IsContinuation() {
		return c.bundles.IsSameAppID(caller.CallerAppID, target.BundleName)
	}
	if !c.checkBackground(want, caller, target, true) {
		return false
	}
	if c.bundles.IsSameAppID(caller.CallerAppID, target.BundleName) {
		return true
	}
	if !c.checkVisible(caller, target) {
		return false
	}
	if !target.IsStageBasedModel && target.Type == types.AbilityService && !target.AssociatedWakeUp {
		c.logger.Debug("fa service without associated wake up", "ability", target.Name)
		return false
	}
	return true
}

func (c *Checker) checkCustom(caller *types.CallerInfo, target *types.AbilityInfo) bool {
	if len(target.Permissions) == 0 {
		return true
	}
	if caller.AccessToken == 0 {
		return false
	}
	local := c.tokens.AllocLocalTokenID(caller.SourceDeviceID, caller.AccessToken)
	if local == 0 {
		return false
	}
	for _, p := range target.Permissions {
		if p == "" {
			continue
		}
		if !c.tokens.VerifyAccessToken(local, p) {
			c.logger.Debug("custom permission denied", "permission", p)
			return false
		}
	}
	return true
}

// checkBackground applies only to peers that report a protocol version. It
// removes the caller-background and api-version parameters from want.
func (c *Checker) checkBackground(want *types.Want, caller *types.CallerInfo, target *types.AbilityInfo, checkAPIVersion bool) bool {
	if caller.DMSVersion == "" {
		return true
	}
	background := want.Params.Bool(types.ParamCallerBackground, true)
	delete(want.Params, types.ParamCallerBackground)
	if !background {
		return true
	}
	apiVersion := want.Params.Int(types.ParamAPIVersion, DefaultAPIVersion)
	delete(want.Params, types.ParamAPIVersion)
	if checkAPIVersion && !target.IsStageBasedModel && target.Type == types.AbilityService &&
		apiVersion <= FAModuleMinAPIVersion {
		return true
	}
	local := c.tokens.AllocLocalTokenID(caller.SourceDeviceID, caller.AccessToken)
	if local == 0 {
		return false
	}
	return c.CheckPermission(local, StartAbilitiesFromBackground) == nil ||
		c.CheckPermission(local, startAbiliesFromBackground) == nil
}

func (c *Checker) checkVisible(caller *types.CallerInfo, target *types.AbilityInfo) bool {
	if target.Visible {
		return true
	}
	local := c.tokens.AllocLocalTokenID(caller.SourceDeviceID, caller.AccessToken)
	if local == 0 {
		return false
	}
	return c.CheckPermission(local, StartInvisibleAbility) == nil
}
