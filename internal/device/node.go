package device

import (
	"context"
	"log/slog"

	"github.com/AltairaLabs/continuation-manager/internal/config"
	"github.com/AltairaLabs/continuation-manager/internal/dcontinue"
	"github.com/AltairaLabs/continuation-manager/internal/permission"
	"github.com/AltairaLabs/continuation-manager/internal/types"
)

// Node is a hosted device joined to a loopback network with its own
// continue manager
type Node struct {
	Host    *Host
	Checker *permission.Checker
	Manager *dcontinue.Manager
}

// NewNode builds the device described by cfg and attaches it to net. The
// device specific fields of deps are filled in; Arbiter, Observer,
// QueueObserver, Config and Logger are used as given.
func NewNode(cfg config.DeviceConfig, net *dcontinue.Network, deps dcontinue.Dependencies) *Node {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	host := NewHost(cfg, logger)
	checker := permission.NewChecker(host, host, host, logger)

	deps.LocalDeviceID = cfg.ID
	deps.Transport = net.Endpoint(cfg.ID)
	deps.Abilities = host
	deps.Bundles = host
	deps.Permissions = checker
	deps.Logger = logger.With("device", cfg.ID)
	mgr := dcontinue.NewManager(deps)
	net.Attach(cfg.ID, mgr)

	n := &Node{Host: host, Checker: checker, Manager: mgr}
	n.bind(logger)
	return n
}

// bind lets missions on the host take part in continuations the way a
// running app would: a continue request answers with the mission's launch
// data, and a continuation start is reported complete.
func (n *Node) bind(logger *slog.Logger) {
	n.Host.OnContinue(func(_ context.Context, sink string, m Mission) error {
		want := types.Want{
			Element: types.ElementName{DeviceID: sink, BundleName: m.BundleName, AbilityName: m.AbilityName},
			Flags:   types.FlagAbilityContinuation,
			Params:  types.WantParams{dcontinue.ParamSourceExit: "true"},
		}
		return n.Manager.StartContinuation(want, m.ID, m.UID, 0, m.Token)
	})
	n.Host.OnStarted(func(_ context.Context, m Mission, want types.Want) {
		if !want.IsContinuation() {
			return
		}
		if err := n.Manager.NotifyCompleteContinuation(m.BundleName, m.ID, true); err != nil {
			logger.Warn("Continuation completion not delivered", "mission", m.ID, "error", err)
		}
	})
}

// ID returns the device id
func (n *Node) ID() string {
	return n.Host.ID()
}
