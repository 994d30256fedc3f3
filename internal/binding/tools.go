package binding

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/goccy/go-json"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/AltairaLabs/continuation-manager/internal/config"
	"github.com/AltairaLabs/continuation-manager/internal/errcode"
	"github.com/AltairaLabs/continuation-manager/internal/types"
)

// Tool argument names
const (
	argToken       = "token"
	argType        = "type"
	argDeviceID    = "deviceId"
	argStatus      = "status"
	argExtraParams = "extraParams"
)

// tokenResponse is returned by register
type tokenResponse struct {
	Token   int32  `json:"token"`
	Message string `json:"message"`
}

// pollResponse is returned by pollEvents
type pollResponse struct {
	Token   int32         `json:"token"`
	Events  []DeviceEvent `json:"events"`
	Dropped int           `json:"dropped,omitempty"`
}

func (s *Server) handleRegister(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	params, err := extraParamsArg(request)
	if err != nil {
		return paramError(err), nil
	}
	token, err := s.facade.Register(ctx, params)
	if err != nil {
		return s.codeError(config.ToolRegister, err), nil
	}
	return jsonResult(tokenResponse{Token: token, Message: fmt.Sprintf(config.MsgRegistered, token)})
}

func (s *Server) handleUnregister(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	token, err := tokenFrom(request)
	if err != nil {
		return paramError(err), nil
	}
	if err := s.facade.Unregister(ctx, token); err != nil {
		return s.codeError(config.ToolUnregister, err), nil
	}
	s.dropToken(token)
	return mcp.NewToolResultText(fmt.Sprintf("token %d unregistered", token)), nil
}

func (s *Server) handleOn(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	token, cbType, err := callbackArgs(request)
	if err != nil {
		return paramError(err), nil
	}
	if err := s.facade.RegisterDeviceSelectionCallback(ctx, token, cbType, s.notifierFor(token)); err != nil {
		return s.codeError(config.ToolOn, err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf(config.MsgCallbackBound, cbType, token)), nil
}

func (s *Server) handleOff(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	token, cbType, err := callbackArgs(request)
	if err != nil {
		return paramError(err), nil
	}
	if err := s.facade.UnregisterDeviceSelectionCallback(ctx, token, cbType); err != nil {
		return s.codeError(config.ToolOff, err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("callback %s removed from token %d", cbType, token)), nil
}

func (s *Server) handleUpdateConnectStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	token, err := tokenFrom(request)
	if err != nil {
		return paramError(err), nil
	}
	deviceID, err := request.RequireString(argDeviceID)
	if err != nil {
		return paramError(err), nil
	}
	status, err := int32Arg(request, argStatus)
	if err != nil {
		return paramError(err), nil
	}
	if err := s.facade.UpdateConnectStatus(ctx, token, deviceID, types.DeviceConnectStatus(status)); err != nil {
		return s.codeError(config.ToolUpdateConnectStatus, err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("device %s is %s", deviceID, types.DeviceConnectStatus(status))), nil
}

func (s *Server) handleStartDeviceManager(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	token, err := tokenFrom(request)
	if err != nil {
		return paramError(err), nil
	}
	params, err := extraParamsArg(request)
	if err != nil {
		return paramError(err), nil
	}
	if err := s.facade.StartDeviceManager(ctx, token, params); err != nil {
		return s.codeError(config.ToolStartDeviceManager, err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("device manager started for token %d", token)), nil
}

func (s *Server) handlePollEvents(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	token, err := tokenFrom(request)
	if err != nil {
		return paramError(err), nil
	}
	events, dropped := s.box.drain(token)
	if events == nil {
		events = []DeviceEvent{}
	}
	return jsonResult(pollResponse{Token: token, Events: events, Dropped: dropped})
}

// codeError renders a facade failure as the external business code
func (s *Server) codeError(tool string, err error) *mcp.CallToolResult {
	code := errcode.Of(err)
	ext := errcode.ErrorCodeReturn(code)
	s.logger.Debug("Tool call failed",
		"tool", tool,
		"code", code.Name(),
		"external_code", int32(ext),
		"error", err,
	)
	return mcp.NewToolResultError(fmt.Sprintf("%d: %s", int32(ext), ext.Message()))
}

func paramError(err error) *mcp.CallToolResult {
	ext := errcode.ParameterCheckFailed
	return mcp.NewToolResultError(fmt.Sprintf("%d: %s %v", int32(ext), ext.Message(), err))
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal tool result: %w", err)
	}
	return mcp.NewToolResultText(string(b)), nil
}

func tokenFrom(request mcp.CallToolRequest) (int32, error) {
	return int32Arg(request, argToken)
}

// int32Arg reads a whole JSON number that fits an int32
func int32Arg(request mcp.CallToolRequest, name string) (int32, error) {
	raw, ok := request.GetArguments()[name]
	if !ok {
		return 0, fmt.Errorf("required argument %q not found", name)
	}
	var f float64
	switch v := raw.(type) {
	case float64:
		f = v
	case int:
		f = float64(v)
	case int32:
		return v, nil
	case int64:
		f = float64(v)
	default:
		return 0, fmt.Errorf(config.ErrInvalidInt32, name, raw)
	}
	if f != math.Trunc(f) || f < math.MinInt32 || f > math.MaxInt32 {
		return 0, fmt.Errorf(config.ErrInvalidInt32, name, raw)
	}
	return int32(f), nil
}

func callbackArgs(request mcp.CallToolRequest) (int32, string, error) {
	token, err := tokenFrom(request)
	if err != nil {
		return 0, "", err
	}
	cbType, err := request.RequireString(argType)
	if err != nil {
		return 0, "", err
	}
	return token, cbType, nil
}

// extraParamsArg decodes the optional extra params JSON. A missing or blank
// argument yields nil.
func extraParamsArg(request mcp.CallToolRequest) (*types.ContinuationExtraParams, error) {
	raw := strings.TrimSpace(request.GetString(argExtraParams, ""))
	if raw == "" {
		return nil, nil
	}
	var params types.ContinuationExtraParams
	if err := json.Unmarshal([]byte(raw), &params); err != nil {
		return nil, fmt.Errorf("extraParams: %w", err)
	}
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("extraParams: %w", err)
	}
	return &params, nil
}
