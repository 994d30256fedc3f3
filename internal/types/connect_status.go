package types

import "github.com/AltairaLabs/continuation-manager/internal/ipc"

// ConnectStatusInfo is the last status reported for a selected device.
type ConnectStatusInfo struct {
	DeviceID string
	Status   DeviceConnectStatus
}

// WriteOptionalConnectStatus writes a presence flag followed by the device id
// and status when info is non-nil.
func WriteOptionalConnectStatus(p *ipc.Parcel, info *ConnectStatusInfo) {
	if info == nil {
		p.WriteInt32(ValueNull)
		return
	}
	p.WriteInt32(ValueObject)
	p.WriteString(info.DeviceID)
	p.WriteInt32(int32(info.Status))
}

// ReadOptionalConnectStatus is the inverse of WriteOptionalConnectStatus.
func ReadOptionalConnectStatus(p *ipc.Parcel) (*ConnectStatusInfo, error) {
	flag, err := p.ReadInt32()
	if err != nil {
		return nil, err
	}
	if flag != ValueObject {
		return nil, nil
	}
	id, err := p.ReadString()
	if err != nil {
		return nil, err
	}
	status, err := p.ReadInt32()
	if err != nil {
		return nil, err
	}
	return &ConnectStatusInfo{DeviceID: id, Status: DeviceConnectStatus(status)}, nil
}
