package types

import (
	"fmt"

	"github.com/AltairaLabs/continuation-manager/internal/errcode"
	"github.com/AltairaLabs/continuation-manager/internal/ipc"
)

// MaxContinuationResults caps the number of results accepted in one
// selection round.
const MaxContinuationResults = 4096

// ContinuationResult describes one device chosen by the user.
type ContinuationResult struct {
	DeviceID   string `json:"deviceId"`
	DeviceType string `json:"deviceType"`
	DeviceName string `json:"deviceName"`
}

// Marshal writes r to p.
func (r ContinuationResult) Marshal(p *ipc.Parcel) {
	p.WriteString(r.DeviceID)
	p.WriteString(r.DeviceType)
	p.WriteString(r.DeviceName)
}

// UnmarshalContinuationResult reads one result from p.
func UnmarshalContinuationResult(p *ipc.Parcel) (ContinuationResult, error) {
	var r ContinuationResult
	var err error
	if r.DeviceID, err = p.ReadString(); err != nil {
		return r, err
	}
	if r.DeviceType, err = p.ReadString(); err != nil {
		return r, err
	}
	if r.DeviceName, err = p.ReadString(); err != nil {
		return r, err
	}
	return r, nil
}

// WriteContinuationResultsToParcel writes a length-prefixed result sequence.
func WriteContinuationResultsToParcel(p *ipc.Parcel, results []ContinuationResult) error {
	if len(results) > MaxContinuationResults {
		return fmt.Errorf("write %d continuation results: %w", len(results), errcode.InvalidParametersErr)
	}
	p.WriteInt32(int32(len(results)))
	for _, r := range results {
		r.Marshal(p)
	}
	return nil
}

// ReadContinuationResultsFromParcel reads a length-prefixed result sequence.
// The declared length is checked against the remaining bytes and the
// container cap before anything is allocated.
func ReadContinuationResultsFromParcel(p *ipc.Parcel) ([]ContinuationResult, error) {
	n, err := p.ReadInt32()
	if err != nil {
		return nil, fmt.Errorf("read continuation result count: %w", errcode.ErrFlattenObject)
	}
	if n < 0 || int(n) > p.ReadableBytes() || n > MaxContinuationResults {
		return nil, fmt.Errorf("continuation result count %d: %w", n, errcode.InvalidParametersErr)
	}
	results := make([]ContinuationResult, 0, n)
	for i := int32(0); i < n; i++ {
		r, err := UnmarshalContinuationResult(p)
		if err != nil {
			return nil, fmt.Errorf("read continuation result %d: %w", i, errcode.ErrFlattenObject)
		}
		results = append(results, r)
	}
	return results, nil
}
