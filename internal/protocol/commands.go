// Package protocol encodes the commands continuation sessions exchange
// between devices. Every command is a JSON document whose base fields are
// nested as a JSON string under BaseCmd; binary payloads travel as base64
// encoded parcels.
package protocol

import (
	"fmt"
	"math"
	"strconv"

	"github.com/AltairaLabs/continuation-manager/internal/ipc"
	"github.com/AltairaLabs/continuation-manager/internal/types"
)

// Command identifies a command variant
type Command int32

// Command variants
const (
	CmdStart Command = 1
	CmdData  Command = 2
	CmdReply Command = 3
	CmdEnd   Command = 4
)

func (c Command) String() string {
	switch c {
	case CmdStart:
		return "start"
	case CmdData:
		return "data"
	case CmdReply:
		return "reply"
	case CmdEnd:
		return "end"
	default:
		return "cmd(" + strconv.Itoa(int(c)) + ")"
	}
}

// Keys of the caller extra-info document
const (
	extraInfoAccessToken = "accessTokenID"
	extraInfoDMSVersion  = "dmsVersion"
)

// Cmd is any command variant
type Cmd interface {
	Marshal() (string, error)
	Unmarshal(data string) error
	Base() *CmdBase
}

// CmdBase holds the fields every command carries
type CmdBase struct {
	Version         int32
	ServiceType     int32
	SubServiceType  int32
	Command         Command
	SrcDeviceID     string
	SrcBundleName   string
	SrcDeveloperID  string
	DstDeviceID     string
	DstBundleName   string
	DstDeveloperID  string
	ContinueType    string
	ContinueByType  int32
	SourceMissionID int32
	DMSVersion      int32
}

type baseDoc struct {
	Version         int32  `json:"Version"`
	ServiceType     int32  `json:"ServiceType"`
	SubServiceType  int32  `json:"SubServiceType"`
	Command         int32  `json:"Command"`
	SrcDeviceID     string `json:"SrcDeviceId"`
	SrcBundleName   string `json:"SrcBundleName"`
	SrcDeveloperID  string `json:"SrcDeveloperId"`
	DstDeviceID     string `json:"DstDeviceId"`
	DstBundleName   string `json:"DstBundleName"`
	DstDeveloperID  string `json:"DstDeveloperId"`
	ContinueType    string `json:"ContinueType"`
	ContinueByType  int32  `json:"ContinueByType"`
	SourceMissionID int32  `json:"SourceMissionId"`
	DMSVersion      int32  `json:"DmsVersion"`
}

// Base returns b
func (b *CmdBase) Base() *CmdBase { return b }

// Marshal encodes the base fields
func (b *CmdBase) Marshal() (string, error) {
	return encode(baseDoc{
		Version:         b.Version,
		ServiceType:     b.ServiceType,
		SubServiceType:  b.SubServiceType,
		Command:         int32(b.Command),
		SrcDeviceID:     b.SrcDeviceID,
		SrcBundleName:   b.SrcBundleName,
		SrcDeveloperID:  b.SrcDeveloperID,
		DstDeviceID:     b.DstDeviceID,
		DstBundleName:   b.DstBundleName,
		DstDeveloperID:  b.DstDeveloperID,
		ContinueType:    b.ContinueType,
		ContinueByType:  b.ContinueByType,
		SourceMissionID: b.SourceMissionID,
		DMSVersion:      b.DMSVersion,
	})
}

// Unmarshal decodes the base fields. The developer ids are optional.
func (b *CmdBase) Unmarshal(data string) error {
	doc, err := parseDocument(data)
	if err != nil {
		return err
	}
	return b.decode(doc)
}

func (b *CmdBase) decode(doc document) error {
	var out CmdBase
	var command int32
	for _, f := range []struct {
		key string
		dst *int32
	}{
		{"Version", &out.Version},
		{"ServiceType", &out.ServiceType},
		{"SubServiceType", &out.SubServiceType},
		{"Command", &command},
		{"ContinueByType", &out.ContinueByType},
		{"SourceMissionId", &out.SourceMissionID},
		{"DmsVersion", &out.DMSVersion},
	} {
		v, err := doc.integer(f.key)
		if err != nil {
			return err
		}
		*f.dst = v
	}
	out.Command = Command(command)

	for _, f := range []struct {
		key string
		dst *string
	}{
		{"SrcDeviceId", &out.SrcDeviceID},
		{"SrcBundleName", &out.SrcBundleName},
		{"DstDeviceId", &out.DstDeviceID},
		{"DstBundleName", &out.DstBundleName},
		{"ContinueType", &out.ContinueType},
	} {
		v, err := doc.text(f.key)
		if err != nil {
			return err
		}
		*f.dst = v
	}
	out.SrcDeveloperID = doc.optText("SrcDeveloperId")
	out.DstDeveloperID = doc.optText("DstDeveloperId")

	*b = out
	return nil
}

// decodeEnvelope parses a variant document and its nested base
func decodeEnvelope(data string, base *CmdBase) (document, error) {
	doc, err := parseDocument(data)
	if err != nil {
		return nil, err
	}
	nestedBase, err := doc.nested("BaseCmd")
	if err != nil {
		return nil, err
	}
	if err := base.decode(nestedBase); err != nil {
		return nil, fmt.Errorf("BaseCmd: %w", err)
	}
	return doc, nil
}

// parseAppVersion reads a decimal uint32 with overflow checking
func parseAppVersion(doc document) (uint32, error) {
	s, err := doc.text("AppVersion")
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, invalid("AppVersion %q: %v", s, err)
	}
	return uint32(v), nil
}

// StartCmd opens a continuation on the peer
type StartCmd struct {
	CmdBase
	Direction  int32
	AppVersion uint32
	WantParams types.WantParams
}

// Marshal encodes the command
func (c *StartCmd) Marshal() (string, error) {
	base, err := c.CmdBase.Marshal()
	if err != nil {
		return "", err
	}
	params := ipc.NewParcel()
	c.WantParams.Marshal(params)
	return encode(struct {
		BaseCmd    string `json:"BaseCmd"`
		Direction  int32  `json:"Direction"`
		AppVersion string `json:"AppVersion"`
		WantParams string `json:"WantParams"`
	}{base, c.Direction, strconv.FormatUint(uint64(c.AppVersion), 10), encodeBlob(params)})
}

// Unmarshal decodes the command
func (c *StartCmd) Unmarshal(data string) error {
	var out StartCmd
	doc, err := decodeEnvelope(data, &out.CmdBase)
	if err != nil {
		return err
	}
	if out.Direction, err = doc.integer("Direction"); err != nil {
		return err
	}
	if out.AppVersion, err = parseAppVersion(doc); err != nil {
		return err
	}
	blob, err := doc.blob("WantParams")
	if err != nil {
		return err
	}
	if out.WantParams, err = types.UnmarshalWantParams(blob); err != nil {
		return invalid("WantParams: %v", err)
	}
	*c = out
	return nil
}

// DataCmd carries the launch data of the ability being continued
type DataCmd struct {
	CmdBase
	Want        types.Want
	AbilityInfo types.AbilityInfo
	RequestCode int32
	CallerInfo  types.CallerInfo
	AccountInfo types.AccountInfo
}

type callerInfoDoc struct {
	UID            int32    `json:"Uid"`
	PID            int32    `json:"Pid"`
	CallerType     int32    `json:"CallerType"`
	SourceDeviceID string   `json:"SourceDeviceId"`
	DUID           int32    `json:"Duid"`
	CallerAppID    string   `json:"CallerAppId"`
	BundleNames    []string `json:"BundleNames"`
	ExtraInfo      string   `json:"ExtraInfo"`
}

type extraInfoDoc struct {
	AccessToken uint32 `json:"accessTokenID"`
	DMSVersion  string `json:"dmsVersion,omitempty"`
}

type accountInfoDoc struct {
	AccountType int32    `json:"AccountType"`
	GroupIDList []string `json:"GroupIdList"`
	AccountID   string   `json:"accountId"`
	UserID      int32    `json:"userId"`
}

// Marshal encodes the command
func (c *DataCmd) Marshal() (string, error) {
	base, err := c.CmdBase.Marshal()
	if err != nil {
		return "", err
	}
	want := ipc.NewParcel()
	c.Want.Marshal(want)
	ability := ipc.NewParcel()
	c.AbilityInfo.Marshal(ability)

	extra, err := encode(extraInfoDoc{AccessToken: c.CallerInfo.AccessToken, DMSVersion: c.CallerInfo.DMSVersion})
	if err != nil {
		return "", err
	}
	caller, err := encode(callerInfoDoc{
		UID:            c.CallerInfo.UID,
		PID:            c.CallerInfo.PID,
		CallerType:     int32(c.CallerInfo.CallerType),
		SourceDeviceID: c.CallerInfo.SourceDeviceID,
		DUID:           c.CallerInfo.DUID,
		CallerAppID:    c.CallerInfo.CallerAppID,
		BundleNames:    c.CallerInfo.BundleNames,
		ExtraInfo:      extra,
	})
	if err != nil {
		return "", err
	}
	account, err := encode(accountInfoDoc{
		AccountType: c.AccountInfo.AccountType,
		GroupIDList: c.AccountInfo.GroupIDList,
		AccountID:   c.AccountInfo.ActiveAccountID,
		UserID:      c.AccountInfo.UserID,
	})
	if err != nil {
		return "", err
	}

	return encode(struct {
		BaseCmd     string `json:"BaseCmd"`
		Want        string `json:"Want"`
		AbilityInfo string `json:"AbilityInfo"`
		RequestCode int32  `json:"RequestCode"`
		CallerInfo  string `json:"CallerInfo"`
		AccountInfo string `json:"AccountInfo"`
	}{base, encodeBlob(want), encodeBlob(ability), c.RequestCode, caller, account})
}

// Unmarshal decodes the command
func (c *DataCmd) Unmarshal(data string) error {
	var out DataCmd
	doc, err := decodeEnvelope(data, &out.CmdBase)
	if err != nil {
		return err
	}

	wantBlob, err := doc.blob("Want")
	if err != nil {
		return err
	}
	want, err := types.UnmarshalWant(wantBlob)
	if err != nil {
		return invalid("Want: %v", err)
	}
	out.Want = *want

	abilityBlob, err := doc.blob("AbilityInfo")
	if err != nil {
		return err
	}
	ability, err := types.UnmarshalAbilityInfo(abilityBlob)
	if err != nil {
		return invalid("AbilityInfo: %v", err)
	}
	out.AbilityInfo = *ability

	if out.RequestCode, err = doc.integer("RequestCode"); err != nil {
		return err
	}
	if out.CallerInfo, err = decodeCallerInfo(doc); err != nil {
		return fmt.Errorf("CallerInfo: %w", err)
	}
	if out.AccountInfo, err = decodeAccountInfo(doc); err != nil {
		return fmt.Errorf("AccountInfo: %w", err)
	}
	*c = out
	return nil
}

func decodeCallerInfo(parent document) (types.CallerInfo, error) {
	var info types.CallerInfo
	doc, err := parent.nested("CallerInfo")
	if err != nil {
		return info, err
	}
	if info.SourceDeviceID, err = doc.text("SourceDeviceId"); err != nil {
		return info, err
	}
	if info.CallerAppID, err = doc.text("CallerAppId"); err != nil {
		return info, err
	}
	var callerType int32
	for _, f := range []struct {
		key string
		dst *int32
	}{
		{"Uid", &info.UID},
		{"Pid", &info.PID},
		{"CallerType", &callerType},
		{"Duid", &info.DUID},
	} {
		if *f.dst, err = doc.integer(f.key); err != nil {
			return info, err
		}
	}
	info.CallerType = types.CallerType(callerType)
	if info.BundleNames, err = doc.textList("BundleNames"); err != nil {
		return info, err
	}

	extra, err := doc.nested("ExtraInfo")
	if err != nil {
		return info, err
	}
	if f, ok, err := extra.number(extraInfoAccessToken); err == nil && ok {
		if f < 0 || f > math.MaxUint32 || f != math.Trunc(f) {
			return info, invalid("%s value %v is not a uint32", extraInfoAccessToken, f)
		}
		info.AccessToken = uint32(f)
	}
	info.DMSVersion = extra.optText(extraInfoDMSVersion)
	return info, nil
}

func decodeAccountInfo(parent document) (types.AccountInfo, error) {
	var info types.AccountInfo
	doc, err := parent.nested("AccountInfo")
	if err != nil {
		return info, err
	}
	if info.AccountType, err = doc.integer("AccountType"); err != nil {
		return info, err
	}
	if info.GroupIDList, err = doc.textList("GroupIdList"); err != nil {
		return info, err
	}
	info.ActiveAccountID = doc.optText("accountId")
	if info.UserID, err = doc.optInteger("userId"); err != nil {
		return info, err
	}
	return info, nil
}

// ReplyCmd answers a start or data command
type ReplyCmd struct {
	CmdBase
	ReplyCmd   int32
	AppVersion uint32
	Result     int32
	Reason     string
}

// Marshal encodes the command
func (c *ReplyCmd) Marshal() (string, error) {
	base, err := c.CmdBase.Marshal()
	if err != nil {
		return "", err
	}
	return encode(struct {
		BaseCmd    string `json:"BaseCmd"`
		ReplyCmd   int32  `json:"ReplyCmd"`
		AppVersion string `json:"AppVersion"`
		Result     int32  `json:"Result"`
		Reason     string `json:"Reason"`
	}{base, c.ReplyCmd, strconv.FormatUint(uint64(c.AppVersion), 10), c.Result, c.Reason})
}

// Unmarshal decodes the command
func (c *ReplyCmd) Unmarshal(data string) error {
	var out ReplyCmd
	doc, err := decodeEnvelope(data, &out.CmdBase)
	if err != nil {
		return err
	}
	if out.ReplyCmd, err = doc.integer("ReplyCmd"); err != nil {
		return err
	}
	if out.Result, err = doc.integer("Result"); err != nil {
		return err
	}
	if out.AppVersion, err = parseAppVersion(doc); err != nil {
		return err
	}
	if out.Reason, err = doc.text("Reason"); err != nil {
		return err
	}
	*c = out
	return nil
}

// EndCmd closes a continuation with its final result
type EndCmd struct {
	CmdBase
	Result int32
}

// Marshal encodes the command
func (c *EndCmd) Marshal() (string, error) {
	base, err := c.CmdBase.Marshal()
	if err != nil {
		return "", err
	}
	return encode(struct {
		BaseCmd string `json:"BaseCmd"`
		Result  int32  `json:"Result"`
	}{base, c.Result})
}

// Unmarshal decodes the command
func (c *EndCmd) Unmarshal(data string) error {
	var out EndCmd
	doc, err := decodeEnvelope(data, &out.CmdBase)
	if err != nil {
		return err
	}
	if out.Result, err = doc.integer("Result"); err != nil {
		return err
	}
	*c = out
	return nil
}

// Decode reads the base of data and unmarshals the matching variant
func Decode(data string) (Cmd, error) {
	var base CmdBase
	if _, err := decodeEnvelope(data, &base); err != nil {
		return nil, err
	}
	var cmd Cmd
	switch base.Command {
	case CmdStart:
		cmd = &StartCmd{}
	case CmdData:
		cmd = &DataCmd{}
	case CmdReply:
		cmd = &ReplyCmd{}
	case CmdEnd:
		cmd = &EndCmd{}
	default:
		return nil, invalid("unknown command %d", base.Command)
	}
	if err := cmd.Unmarshal(data); err != nil {
		return nil, err
	}
	return cmd, nil
}

var (
	_ Cmd = (*StartCmd)(nil)
	_ Cmd = (*DataCmd)(nil)
	_ Cmd = (*ReplyCmd)(nil)
	_ Cmd = (*EndCmd)(nil)
)
