package continuationmgr

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/AltairaLabs/continuation-manager/internal/ipc"
	"github.com/AltairaLabs/continuation-manager/internal/types"
)

// DeviceSelectAction is the action the device picker extension answers to
const DeviceSelectAction = "ohos.ability.action.deviceSelect"

// ExtensionAbilityInfo names an installed extension
type ExtensionAbilityInfo struct {
	BundleName string
	Name       string
}

// AbilityConnection receives the outcome of ConnectAbility
type AbilityConnection interface {
	OnAbilityConnectDone(ctx context.Context, element ExtensionAbilityInfo, remote ipc.RemoteObject, resultCode int32)
	OnAbilityDisconnectDone(ctx context.Context, element ExtensionAbilityInfo, resultCode int32)
}

// AbilityConnector resolves and connects the device picker extension
type AbilityConnector interface {
	QueryExtensionAbilityInfos(ctx context.Context, action string) ([]ExtensionAbilityInfo, error)
	ConnectAbility(ctx context.Context, element ExtensionAbilityInfo, conn AbilityConnection) error
	DisconnectAbility(ctx context.Context, conn AbilityConnection) error
}

// appConnection forwards connect results for the token that asked for the
// picker
type appConnection struct {
	svc    *Service
	token  int32
	params *types.ContinuationExtraParams
}

func (c *appConnection) OnAbilityConnectDone(ctx context.Context, element ExtensionAbilityInfo, remote ipc.RemoteObject, resultCode int32) {
	c.svc.logger.Debug("Ability connected",
		"bundle", element.BundleName,
		"ability", element.Name,
		"result", resultCode,
	)
	c.svc.ScheduleStartDeviceManager(ctx, remote, c.token, c.params)
}

func (c *appConnection) OnAbilityDisconnectDone(ctx context.Context, element ExtensionAbilityInfo, resultCode int32) {
	c.svc.logger.Debug("Ability disconnected",
		"bundle", element.BundleName,
		"ability", element.Name,
		"result", resultCode,
	)
	c.svc.ScheduleStartDeviceManager(ctx, nil, c.token, c.params)
}

// ErrAbilityNotInstalled is returned by StaticAbilityConnector when nothing
// answers the requested action
var ErrAbilityNotInstalled = errors.New("no ability installed for action")

// StaticAbilityConnector serves extensions installed in process. Connect
// results are delivered synchronously.
type StaticAbilityConnector struct {
	mu        sync.Mutex
	installed map[string][]installedAbility
	active    map[AbilityConnection]ExtensionAbilityInfo
}

type installedAbility struct {
	info   ExtensionAbilityInfo
	remote func() ipc.RemoteObject
}

// NewStaticAbilityConnector creates a connector with nothing installed
func NewStaticAbilityConnector() *StaticAbilityConnector {
	return &StaticAbilityConnector{
		installed: make(map[string][]installedAbility),
		active:    make(map[AbilityConnection]ExtensionAbilityInfo),
	}
}

// Install registers an extension answering action. remote is called on each
// connect to obtain the extension's endpoint.
func (c *StaticAbilityConnector) Install(action string, info ExtensionAbilityInfo, remote func() ipc.RemoteObject) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.installed[action] = append(c.installed[action], installedAbility{info: info, remote: remote})
}

// QueryExtensionAbilityInfos lists extensions answering action in install order
func (c *StaticAbilityConnector) QueryExtensionAbilityInfos(_ context.Context, action string) ([]ExtensionAbilityInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ExtensionAbilityInfo, 0, len(c.installed[action]))
	for _, a := range c.installed[action] {
		out = append(out, a.info)
	}
	return out, nil
}

// ConnectAbility connects to element and reports the endpoint to conn
func (c *StaticAbilityConnector) ConnectAbility(ctx context.Context, element ExtensionAbilityInfo, conn AbilityConnection) error {
	c.mu.Lock()
	var remote func() ipc.RemoteObject
	for _, list := range c.installed {
		for _, a := range list {
			if a.info == element {
				remote = a.remote
			}
		}
	}
	if remote == nil {
		c.mu.Unlock()
		return fmt.Errorf("connect %s/%s: %w", element.BundleName, element.Name, ErrAbilityNotInstalled)
	}
	c.active[conn] = element
	c.mu.Unlock()

	conn.OnAbilityConnectDone(ctx, element, remote(), 0)
	return nil
}

// DisconnectAbility tears down the connection made for conn
func (c *StaticAbilityConnector) DisconnectAbility(ctx context.Context, conn AbilityConnection) error {
	c.mu.Lock()
	element, ok := c.active[conn]
	delete(c.active, conn)
	c.mu.Unlock()
	if !ok {
		return errors.New("connection not active")
	}
	conn.OnAbilityDisconnectDone(ctx, element, 0)
	return nil
}

// ActiveConnections returns the number of live connections
func (c *StaticAbilityConnector) ActiveConnections() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active)
}
