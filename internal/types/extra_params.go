package types

import (
	"fmt"

	"github.com/goccy/go-json"

	"github.com/AltairaLabs/continuation-manager/internal/errcode"
	"github.com/AltairaLabs/continuation-manager/internal/ipc"
)

// ContinuationExtraParams narrows the devices offered by the selection panel.
type ContinuationExtraParams struct {
	DeviceTypes      []string         `json:"deviceType,omitempty"`
	TargetBundle     string           `json:"targetBundle,omitempty"`
	Description      string           `json:"description,omitempty"`
	Filter           string           `json:"filter,omitempty"`
	ContinuationMode ContinuationMode `json:"continuationMode"`
	AuthInfo         string           `json:"authInfo,omitempty"`
}

// Validate checks the mode enum and that the opaque blobs, when present,
// are JSON.
func (e *ContinuationExtraParams) Validate() error {
	if !e.ContinuationMode.Valid() {
		return errcode.InvalidContinuationMode
	}
	if e.Filter != "" && !json.Valid([]byte(e.Filter)) {
		return fmt.Errorf("filter is not json: %w", errcode.InvalidParametersErr)
	}
	if e.AuthInfo != "" && !json.Valid([]byte(e.AuthInfo)) {
		return fmt.Errorf("authInfo is not json: %w", errcode.InvalidParametersErr)
	}
	return nil
}

// Marshal writes e to p.
func (e *ContinuationExtraParams) Marshal(p *ipc.Parcel) {
	p.WriteStringVector(e.DeviceTypes)
	p.WriteString(e.TargetBundle)
	p.WriteString(e.Description)
	p.WriteString(e.Filter)
	p.WriteInt32(int32(e.ContinuationMode))
	p.WriteString(e.AuthInfo)
}

// UnmarshalExtraParams reads extra params from p.
func UnmarshalExtraParams(p *ipc.Parcel) (*ContinuationExtraParams, error) {
	e := &ContinuationExtraParams{}
	var err error
	if e.DeviceTypes, err = p.ReadStringVector(); err != nil {
		return nil, fmt.Errorf("read device types: %w", err)
	}
	if e.TargetBundle, err = p.ReadString(); err != nil {
		return nil, fmt.Errorf("read target bundle: %w", err)
	}
	if e.Description, err = p.ReadString(); err != nil {
		return nil, fmt.Errorf("read description: %w", err)
	}
	if e.Filter, err = p.ReadString(); err != nil {
		return nil, fmt.Errorf("read filter: %w", err)
	}
	mode, err := p.ReadInt32()
	if err != nil {
		return nil, fmt.Errorf("read continuation mode: %w", err)
	}
	e.ContinuationMode = ContinuationMode(mode)
	if e.AuthInfo, err = p.ReadString(); err != nil {
		return nil, fmt.Errorf("read auth info: %w", err)
	}
	return e, nil
}

// Parcel flags that precede optional objects.
const (
	ValueNull   int32 = -1
	ValueObject int32 = 1
)

// WriteOptionalExtraParams writes a presence flag followed by e when non-nil.
func WriteOptionalExtraParams(p *ipc.Parcel, e *ContinuationExtraParams) {
	if e == nil {
		p.WriteInt32(ValueNull)
		return
	}
	p.WriteInt32(ValueObject)
	e.Marshal(p)
}

// ReadOptionalExtraParams reads a presence flag and the params it announces.
// A missing flag fails with ErrFlattenObject and unreadable params with
// ErrNullObject.
func ReadOptionalExtraParams(p *ipc.Parcel) (*ContinuationExtraParams, error) {
	flag, err := p.ReadInt32()
	if err != nil {
		return nil, fmt.Errorf("read params flag: %w: %v", errcode.ErrFlattenObject, err)
	}
	if flag != ValueObject {
		return nil, nil
	}
	e, err := UnmarshalExtraParams(p)
	if err != nil {
		return nil, fmt.Errorf("read extra params: %w: %v", errcode.ErrNullObject, err)
	}
	return e, nil
}
