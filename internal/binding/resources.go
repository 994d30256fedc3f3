package binding

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/AltairaLabs/continuation-manager/internal/config"
	"github.com/AltairaLabs/continuation-manager/internal/types"
)

// enumsDocument is the body of the enums resource
type enumsDocument struct {
	DeviceConnectState map[string]int32 `json:"DeviceConnectState"`
	ContinuationMode   map[string]int32 `json:"ContinuationMode"`
}

func enums() enumsDocument {
	doc := enumsDocument{
		DeviceConnectState: make(map[string]int32),
		ContinuationMode:   make(map[string]int32),
	}
	for s := types.DeviceConnectIdle; s.Valid(); s++ {
		doc.DeviceConnectState[s.String()] = int32(s)
	}
	for m := types.CollaborationSingle; m.Valid(); m++ {
		doc.ContinuationMode[m.String()] = int32(m)
	}
	return doc
}

func (s *Server) registerResources() {
	resource := mcp.NewResource(config.ResourceEnums, "Continuation enums",
		mcp.WithResourceDescription("Values of DeviceConnectState and ContinuationMode"),
		mcp.WithMIMEType("application/json"),
	)
	s.mcp.AddResource(resource, s.readEnums)
}

func (s *Server) readEnums(_ context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	b, err := json.Marshal(enums())
	if err != nil {
		return nil, fmt.Errorf("marshal enums: %w", err)
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      request.Params.URI,
			MIMEType: "application/json",
			Text:     string(b),
		},
	}, nil
}
