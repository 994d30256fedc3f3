package types

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/AltairaLabs/continuation-manager/internal/ipc"
)

// FlagAbilityContinuation marks a Want that migrates a running ability
const FlagAbilityContinuation uint32 = 0x00000008

// Well-known Want parameters set by the source device
const (
	ParamAPIVersion       = "dmsApiVersion"
	ParamCallerBackground = "dmsIsCallerBackGround"
	ParamMissionID        = "dmsMissionId"
	ParamVersion          = "dmsVersion"
)

// ElementName addresses one ability on one device
type ElementName struct {
	DeviceID    string
	BundleName  string
	ModuleName  string
	AbilityName string
}

// WantParams is the parameter bag of a Want. Values are kept in their
// decimal or literal text form.
type WantParams map[string]string

// Int returns key parsed as an int32, or def when absent or malformed
func (w WantParams) Int(key string, def int32) int32 {
	v, ok := w[key]
	if !ok {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 32)
	if err != nil {
		return def
	}
	return int32(n)
}

// Bool returns key parsed as a bool, or def when absent or malformed
func (w WantParams) Bool(key string, def bool) bool {
	v, ok := w[key]
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// Marshal writes the entries sorted by key
func (w WantParams) Marshal(p *ipc.Parcel) {
	keys := make([]string, 0, len(w))
	for k := range w {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	p.WriteInt32(int32(len(keys)))
	for _, k := range keys {
		p.WriteString(k)
		p.WriteString(w[k])
	}
}

// UnmarshalWantParams reads a parameter bag written by Marshal
func UnmarshalWantParams(p *ipc.Parcel) (WantParams, error) {
	n, err := p.ReadInt32()
	if err != nil {
		return nil, err
	}
	// each entry holds at least two length prefixes
	if n < 0 || int(n) > p.ReadableBytes()/2 {
		return nil, fmt.Errorf("want params length %d out of range", n)
	}
	w := make(WantParams, n)
	for i := int32(0); i < n; i++ {
		k, err := p.ReadString()
		if err != nil {
			return nil, err
		}
		v, err := p.ReadString()
		if err != nil {
			return nil, err
		}
		w[k] = v
	}
	return w, nil
}

// Want describes an ability launch
type Want struct {
	Element ElementName
	Action  string
	URI     string
	Flags   uint32
	Params  WantParams
}

// Marshal writes the want to p
func (w *Want) Marshal(p *ipc.Parcel) {
	p.WriteString(w.Element.DeviceID)
	p.WriteString(w.Element.BundleName)
	p.WriteString(w.Element.ModuleName)
	p.WriteString(w.Element.AbilityName)
	p.WriteString(w.Action)
	p.WriteString(w.URI)
	p.WriteUint32(w.Flags)
	w.Params.Marshal(p)
}

// UnmarshalWant reads a want written by Marshal
func UnmarshalWant(p *ipc.Parcel) (*Want, error) {
	w := &Want{}
	for _, dst := range []*string{
		&w.Element.DeviceID, &w.Element.BundleName, &w.Element.ModuleName, &w.Element.AbilityName,
		&w.Action, &w.URI,
	} {
		s, err := p.ReadString()
		if err != nil {
			return nil, fmt.Errorf("read want: %w", err)
		}
		*dst = s
	}
	flags, err := p.ReadUint32()
	if err != nil {
		return nil, fmt.Errorf("read want flags: %w", err)
	}
	w.Flags = flags
	if w.Params, err = UnmarshalWantParams(p); err != nil {
		return nil, fmt.Errorf("read want params: %w", err)
	}
	return w, nil
}

// IsContinuation reports whether the want carries FlagAbilityContinuation
func (w *Want) IsContinuation() bool {
	return w.Flags&FlagAbilityContinuation != 0
}

// AbilityType classifies an ability
type AbilityType int32

// Ability types
const (
	AbilityUnknown AbilityType = iota
	AbilityPage
	AbilityService
	AbilityData
	AbilityForm
	AbilityExtension
)

// AbilityInfo is what the bundle manager knows about an ability
type AbilityInfo struct {
	BundleName        string
	ModuleName        string
	Name              string
	Type              AbilityType
	Visible           bool
	IsStageBasedModel bool
	AssociatedWakeUp  bool
	Permissions       []string
}

// Marshal writes the ability info to p
func (a *AbilityInfo) Marshal(p *ipc.Parcel) {
	p.WriteString(a.BundleName)
	p.WriteString(a.ModuleName)
	p.WriteString(a.Name)
	p.WriteInt32(int32(a.Type))
	p.WriteBool(a.Visible)
	p.WriteBool(a.IsStageBasedModel)
	p.WriteBool(a.AssociatedWakeUp)
	p.WriteStringVector(a.Permissions)
}

// UnmarshalAbilityInfo reads ability info written by Marshal
func UnmarshalAbilityInfo(p *ipc.Parcel) (*AbilityInfo, error) {
	a := &AbilityInfo{}
	var err error
	if a.BundleName, err = p.ReadString(); err != nil {
		return nil, err
	}
	if a.ModuleName, err = p.ReadString(); err != nil {
		return nil, err
	}
	if a.Name, err = p.ReadString(); err != nil {
		return nil, err
	}
	typ, err := p.ReadInt32()
	if err != nil {
		return nil, err
	}
	a.Type = AbilityType(typ)
	for _, dst := range []*bool{&a.Visible, &a.IsStageBasedModel, &a.AssociatedWakeUp} {
		if *dst, err = p.ReadBool(); err != nil {
			return nil, err
		}
	}
	if a.Permissions, err = p.ReadStringVector(); err != nil {
		return nil, err
	}
	return a, nil
}
