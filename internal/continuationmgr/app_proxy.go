package continuationmgr

import (
	"context"
	"fmt"

	"github.com/AltairaLabs/continuation-manager/internal/errcode"
	"github.com/AltairaLabs/continuation-manager/internal/ipc"
	"github.com/AltairaLabs/continuation-manager/internal/types"
)

// Requests sent by the service to the device picker
const (
	// HiplayPanelInterfaceToken heads every request to the picker
	HiplayPanelInterfaceToken = "ohos.hiplay.panel"

	StartDeviceManagerCode  uint32 = 1
	UpdateConnectStatusCode uint32 = 2
)

// Requests sent by the service to a device selection notifier
const (
	// NotifierDescriptor heads every request to a notifier
	NotifierDescriptor = "ohos.distributedschedule.IDeviceSelectionNotifier"

	NotifierEventConnect    uint32 = 1
	NotifierEventDisconnect uint32 = 2
)

// handleStartDeviceManager queues the start request to appProxy. The caller
// holds appMu.
func (s *Service) handleStartDeviceManager(appProxy ipc.RemoteObject, token int32, params *types.ContinuationExtraParams) {
	s.submit("start_device_manager", func(ctx context.Context) {
		data := ipc.NewParcel()
		data.WriteInterfaceToken(HiplayPanelInterfaceToken)
		data.WriteInt32(token)
		types.WriteOptionalExtraParams(data, params)
		data.WriteRemoteObject(NewAppDeviceCallbackObject(s, s.logger))

		status, _ := s.notifiers.ConnectStatus(token)
		types.WriteOptionalConnectStatus(data, status)

		if _, err := appProxy.SendRequest(ctx, StartDeviceManagerCode, data, ipc.TFSync); err != nil {
			s.logger.Error("Start device manager request failed", "token", token, "error", err)
			return
		}
		s.logger.Debug("Start device manager request sent", "token", token)
	})
}

// handleUpdateConnectStatus queues a status update to appProxy. The caller
// holds appMu.
func (s *Service) handleUpdateConnectStatus(appProxy ipc.RemoteObject, token int32, deviceID string, status types.DeviceConnectStatus) {
	s.submit("update_connect_status", func(ctx context.Context) {
		data := ipc.NewParcel()
		data.WriteInterfaceToken(HiplayPanelInterfaceToken)
		data.WriteInt32(token)
		data.WriteString(deviceID)
		data.WriteInt32(int32(status))

		if _, err := appProxy.SendRequest(ctx, UpdateConnectStatusCode, data, ipc.TFSync); err != nil {
			s.logger.Error("Update connect status request failed", "token", token, "error", err)
		}
	})
}

// handleDeviceEvent queues delivery of results to notifier
func (s *Service) handleDeviceEvent(notifier ipc.RemoteObject, eventType string, results []types.ContinuationResult) bool {
	code := NotifierEventConnect
	if eventType == types.EventDisconnect {
		code = NotifierEventDisconnect
	}
	data := ipc.NewParcel()
	data.WriteInterfaceToken(NotifierDescriptor)
	if err := types.WriteContinuationResultsToParcel(data, results); err != nil {
		s.logger.Error("Failed to encode continuation results", "error", err)
		return false
	}
	return s.submit("notify_"+eventType, func(ctx context.Context) {
		if _, err := notifier.SendRequest(ctx, code, data, ipc.TFSync); err != nil {
			s.logger.Warn("Notifier delivery failed", "event", eventType, "error", err)
		}
	})
}

// handleDisconnectAbility queues teardown of the picker connection
func (s *Service) handleDisconnectAbility() bool {
	return s.submit("disconnect_ability", func(ctx context.Context) {
		if err := s.disconnectAbility(ctx); err != nil {
			s.logger.Debug("Disconnect ability skipped", "error", err)
		}
	})
}

func (s *Service) connectAbility(ctx context.Context, token int32, params *types.ContinuationExtraParams) error {
	if s.connector == nil {
		return fmt.Errorf("no ability connector: %w", errcode.ConnectAbilityFailed)
	}
	infos, err := s.connector.QueryExtensionAbilityInfos(ctx, DeviceSelectAction)
	if err != nil {
		return fmt.Errorf("query %s: %w", DeviceSelectAction, err)
	}
	if len(infos) == 0 {
		return fmt.Errorf("query %s: no extension found: %w", DeviceSelectAction, errcode.ConnectAbilityFailed)
	}
	element := infos[0]
	if element.BundleName == "" || element.Name == "" {
		return fmt.Errorf("query %s: extension info is empty: %w", DeviceSelectAction, errcode.ConnectAbilityFailed)
	}

	s.connMu.Lock()
	if s.conn == nil {
		s.conn = &appConnection{svc: s, token: token, params: params}
	}
	conn := s.conn
	s.connMu.Unlock()

	if err := s.connector.ConnectAbility(ctx, element, conn); err != nil {
		s.connMu.Lock()
		if s.conn == conn {
			s.conn = nil
		}
		s.connMu.Unlock()
		return fmt.Errorf("connect %s/%s: %w", element.BundleName, element.Name, err)
	}
	return nil
}

func (s *Service) disconnectAbility(ctx context.Context) error {
	s.connMu.Lock()
	conn := s.conn
	s.conn = nil
	s.connMu.Unlock()
	if conn == nil {
		return errcode.ErrNullObject
	}
	if s.connector == nil {
		return errcode.DisconnectAbilityFailed
	}
	if err := s.connector.DisconnectAbility(ctx, conn); err != nil {
		s.logger.Error("Disconnect ability failed", "error", err)
		return errcode.DisconnectAbilityFailed
	}
	return nil
}

// processNotifierDied is the death recipient shared by every notifier
func (s *Service) processNotifierDied(notifier ipc.RemoteObject) {
	if notifier == nil {
		return
	}
	s.handleNotifierDied(notifier)
}

// handleNotifierDied queues cleanup of the token the dead notifier was
// bound to
func (s *Service) handleNotifierDied(notifier ipc.RemoteObject) {
	s.submit("notifier_died", func(ctx context.Context) {
		token, ok := s.notifiers.QueryTokenByNotifier(notifier)
		if !ok {
			s.logger.Warn("Dead notifier is not bound to any token")
			return
		}
		s.logger.Info("Notifier died, releasing token", "token", token)
		s.metrics.NotifierDied()
		s.notifiers.RemoveToken(token, s.notifierDeath)
		s.tokens.Remove(token)
		s.metrics.TokensChanged(s.tokens.Count())
		if err := s.disconnectAbility(ctx); err != nil {
			s.logger.Debug("Disconnect ability skipped", "error", err)
		}
	})
}
