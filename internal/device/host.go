// Package device hosts declared devices in process. A Host answers the
// token, bundle, trust group and mission questions the services ask about
// the device it stands for.
package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"

	json "github.com/goccy/go-json"

	"github.com/AltairaLabs/continuation-manager/internal/config"
	"github.com/AltairaLabs/continuation-manager/internal/dcontinue"
	"github.com/AltairaLabs/continuation-manager/internal/permission"
	"github.com/AltairaLabs/continuation-manager/internal/types"
)

var (
	// ErrUnknownToken is returned for tokens the device does not know
	ErrUnknownToken = errors.New("unknown access token")
	// ErrBundleNotInstalled is returned for bundles the device lacks
	ErrBundleNotInstalled = errors.New("bundle not installed")
	// ErrAbilityNotFound is returned when a bundle lacks the ability
	ErrAbilityNotFound = errors.New("ability not found")
	// ErrNoMission is returned for missions that are not running
	ErrNoMission = errors.New("no such mission")
	// ErrNotContinuable is returned when nothing handles a continue request
	ErrNotContinuable = errors.New("ability cannot continue")
)

// Mission is an ability running on the device
type Mission struct {
	ID          int32
	BundleName  string
	AbilityName string
	UID         int32
	Token       uint32
	// ContinueActive reports whether the ability accepts continue requests
	ContinueActive bool
}

// ContinueFunc is asked to hand mission over to sinkDeviceID
type ContinueFunc func(ctx context.Context, sinkDeviceID string, mission Mission) error

// StartedFunc is told about a mission started for a continuation
type StartedFunc func(ctx context.Context, mission Mission, want types.Want)

// Host is one device described by a config.DeviceConfig
type Host struct {
	id      string
	logger  *slog.Logger
	tokens  map[uint32]config.TokenConfig
	bundles map[string]config.BundleConfig
	groups  []config.GroupConfig

	mu          sync.Mutex
	missions    map[int32]*Mission
	nextMission int32
	onContinue  ContinueFunc
	onStarted   StartedFunc
}

// NewHost creates a host for cfg with no running missions
func NewHost(cfg config.DeviceConfig, logger *slog.Logger) *Host {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Host{
		id:       cfg.ID,
		logger:   logger.With("component", "device", "device", cfg.ID),
		tokens:   make(map[uint32]config.TokenConfig, len(cfg.Tokens)),
		bundles:  make(map[string]config.BundleConfig, len(cfg.Bundles)),
		groups:   append([]config.GroupConfig(nil), cfg.Groups...),
		missions: make(map[int32]*Mission),
	}
	for _, t := range cfg.Tokens {
		h.tokens[t.ID] = t
	}
	for _, b := range cfg.Bundles {
		h.bundles[b.Name] = b
	}
	return h
}

// ID returns the device id
func (h *Host) ID() string {
	return h.id
}

// OnContinue sets the handler run when a mission is asked to continue.
// Without one ContinueAbility fails.
func (h *Host) OnContinue(fn ContinueFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onContinue = fn
}

// OnStarted sets the handler told about abilities started for a continuation
func (h *Host) OnStarted(fn StartedFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onStarted = fn
}

// IsNativeToken reports whether tokenID belongs to a system process
func (h *Host) IsNativeToken(tokenID uint32) bool {
	t, ok := h.tokens[tokenID]
	return ok && t.Process != ""
}

// VerifyAccessToken reports whether tokenID was granted permission
func (h *Host) VerifyAccessToken(tokenID uint32, name string) bool {
	t, ok := h.tokens[tokenID]
	return ok && slices.Contains(t.Permissions, name)
}

// AllocLocalTokenID maps a peer token onto this device. Hosted devices
// share one token space, so the id is kept.
func (h *Host) AllocLocalTokenID(_ string, remoteTokenID uint32) uint32 {
	return remoteTokenID
}

// GetNativeProcessName returns the process owning a native token
func (h *Host) GetNativeProcessName(tokenID uint32) (string, error) {
	t, ok := h.tokens[tokenID]
	if !ok || t.Process == "" {
		return "", fmt.Errorf("token %d: %w", tokenID, ErrUnknownToken)
	}
	return t.Process, nil
}

// IsSameAppID reports whether bundleName is installed under callerAppID
func (h *Host) IsSameAppID(callerAppID, bundleName string) bool {
	b, ok := h.bundles[bundleName]
	return ok && callerAppID != "" && appID(b) == callerAppID
}

// QueryAbilityInfo resolves the ability want addresses
func (h *Host) QueryAbilityInfo(_ context.Context, want *types.Want) (*types.AbilityInfo, error) {
	return h.ability(want, false)
}

// QueryExtensionAbilityInfo resolves the extension ability want addresses
func (h *Host) QueryExtensionAbilityInfo(_ context.Context, want *types.Want) (*types.AbilityInfo, error) {
	return h.ability(want, true)
}

func (h *Host) ability(want *types.Want, extension bool) (*types.AbilityInfo, error) {
	b, ok := h.bundles[want.Element.BundleName]
	if !ok {
		return nil, fmt.Errorf("%s: %w", want.Element.BundleName, ErrBundleNotInstalled)
	}
	for _, a := range b.Abilities {
		if a.Name != want.Element.AbilityName || a.Extension != extension {
			continue
		}
		typ := types.AbilityPage
		if a.Extension {
			typ = types.AbilityExtension
		}
		return &types.AbilityInfo{
			BundleName:        b.Name,
			ModuleName:        a.Module,
			Name:              a.Name,
			Type:              typ,
			Visible:           a.Visible,
			IsStageBasedModel: true,
			Permissions:       append([]string(nil), a.Permissions...),
		}, nil
	}
	return nil, fmt.Errorf("%s/%s: %w", b.Name, want.Element.AbilityName, ErrAbilityNotFound)
}

// CheckAccessToGroup reports whether bundleName may use groupID
func (h *Host) CheckAccessToGroup(groupID, bundleName string) bool {
	if _, ok := h.bundles[bundleName]; !ok {
		return false
	}
	return slices.ContainsFunc(h.groups, func(g config.GroupConfig) bool { return g.ID == groupID })
}

// GetRelatedGroups returns the device's groups as the group adapter JSON
func (h *Host) GetRelatedGroups(_, _ string) (string, error) {
	infos := make([]permission.GroupInfo, 0, len(h.groups))
	for _, g := range h.groups {
		infos = append(infos, permission.GroupInfo{
			GroupName:  g.ID,
			GroupID:    g.ID,
			GroupOwner: h.id,
			GroupType:  g.Type,
		})
	}
	b, err := json.Marshal(infos)
	if err != nil {
		return "", fmt.Errorf("marshal groups: %w", err)
	}
	return string(b), nil
}

// GetUdidByNetworkID returns the udid of a peer. Hosted devices use their
// id for both.
func (h *Host) GetUdidByNetworkID(networkID string) string {
	return networkID
}

// Launch starts the first ability of bundleName as a new mission
func (h *Host) Launch(bundleName string) (int32, error) {
	b, ok := h.bundles[bundleName]
	if !ok {
		return 0, fmt.Errorf("%s: %w", bundleName, ErrBundleNotInstalled)
	}
	i := slices.IndexFunc(b.Abilities, func(a config.AbilityConfig) bool { return !a.Extension })
	if i < 0 {
		return 0, fmt.Errorf("%s has no page ability: %w", bundleName, ErrAbilityNotFound)
	}
	m := h.addMission(b, b.Abilities[i].Name)
	h.logger.Info("Mission launched", "mission", m.ID, "bundle", bundleName)
	return m.ID, nil
}

func (h *Host) addMission(b config.BundleConfig, ability string) Mission {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextMission++
	m := &Mission{
		ID:             h.nextMission,
		BundleName:     b.Name,
		AbilityName:    ability,
		UID:            b.UID,
		Token:          b.Token,
		ContinueActive: b.Continuable,
	}
	h.missions[m.ID] = m
	return *m
}

// Missions returns the running missions ordered by id
func (h *Host) Missions() []Mission {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Mission, 0, len(h.missions))
	for _, m := range h.missions {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// MissionIDByBundle returns the oldest mission of bundleName
func (h *Host) MissionIDByBundle(_ context.Context, bundleName string) (int32, error) {
	for _, m := range h.Missions() {
		if m.BundleName == bundleName {
			return m.ID, nil
		}
	}
	return 0, fmt.Errorf("%s: %w", bundleName, ErrNoMission)
}

// MissionInfo describes a running mission
func (h *Host) MissionInfo(_ context.Context, missionID int32) (dcontinue.MissionInfo, error) {
	m, err := h.mission(missionID)
	if err != nil {
		return dcontinue.MissionInfo{}, err
	}
	return dcontinue.MissionInfo{BundleName: m.BundleName, ContinueActive: m.ContinueActive}, nil
}

func (h *Host) mission(id int32) (Mission, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	m, ok := h.missions[id]
	if !ok {
		return Mission{}, fmt.Errorf("mission %d: %w", id, ErrNoMission)
	}
	return *m, nil
}

// ContinueAbility asks the mission to hand its state to sinkDeviceID
func (h *Host) ContinueAbility(ctx context.Context, sinkDeviceID string, missionID int32, _ uint32) error {
	m, err := h.mission(missionID)
	if err != nil {
		return err
	}
	h.mu.Lock()
	fn := h.onContinue
	h.mu.Unlock()
	if fn == nil {
		return fmt.Errorf("mission %d: %w", missionID, ErrNotContinuable)
	}
	return fn(ctx, sinkDeviceID, m)
}

// StartAbility starts the ability want addresses as a new mission
func (h *Host) StartAbility(ctx context.Context, want *types.Want, _ int32) error {
	info, err := h.ability(want, false)
	if err != nil {
		return err
	}
	m := h.addMission(h.bundles[info.BundleName], info.Name)
	h.logger.Info("Ability started", "mission", m.ID, "bundle", m.BundleName, "ability", m.AbilityName)

	h.mu.Lock()
	fn := h.onStarted
	h.mu.Unlock()
	if fn != nil {
		fn(ctx, m, *want)
	}
	return nil
}

// CleanMission removes a mission
func (h *Host) CleanMission(_ context.Context, missionID int32) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.missions[missionID]; !ok {
		return fmt.Errorf("mission %d: %w", missionID, ErrNoMission)
	}
	delete(h.missions, missionID)
	h.logger.Info("Mission cleaned", "mission", missionID)
	return nil
}

// VersionCode returns the installed version of bundleName
func (h *Host) VersionCode(_ context.Context, bundleName string) (uint32, error) {
	b, ok := h.bundles[bundleName]
	if !ok {
		return 0, fmt.Errorf("%s: %w", bundleName, ErrBundleNotInstalled)
	}
	return b.Version, nil
}

// CallerAppID returns the app id of the first bundle installed under uid
func (h *Host) CallerAppID(ctx context.Context, uid int32) (string, error) {
	names, err := h.BundleNames(ctx, uid)
	if err != nil {
		return "", err
	}
	return appID(h.bundles[names[0]]), nil
}

// BundleNames returns the bundles installed under uid, sorted
func (h *Host) BundleNames(_ context.Context, uid int32) ([]string, error) {
	var names []string
	for name, b := range h.bundles {
		if b.UID == uid {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("uid %d: %w", uid, ErrBundleNotInstalled)
	}
	sort.Strings(names)
	return names, nil
}

// DeveloperID returns the developer of bundleName, "" when unknown
func (h *Host) DeveloperID(_ context.Context, bundleName string) string {
	return h.bundles[bundleName].DeveloperID
}

// IsSameDeveloperID reports whether bundleName is published by developerID
func (h *Host) IsSameDeveloperID(_ context.Context, bundleName, developerID string) bool {
	b, ok := h.bundles[bundleName]
	return ok && developerID != "" && b.DeveloperID == developerID
}

// AllowsContinue reports whether bundleName is configured to continue
func (h *Host) AllowsContinue(_ context.Context, bundleName string) bool {
	return h.bundles[bundleName].Continuable
}

// AbilityByContinueType returns the ability of bundleName declaring
// continueType. Only this device is known.
func (h *Host) AbilityByContinueType(_ context.Context, deviceID, bundleName, continueType string) string {
	if deviceID != h.id {
		return ""
	}
	for _, a := range h.bundles[bundleName].Abilities {
		if !a.Extension && a.ContinueType == continueType {
			return a.Name
		}
	}
	return ""
}

func appID(b config.BundleConfig) string {
	if b.AppID != "" {
		return b.AppID
	}
	return b.Name
}
