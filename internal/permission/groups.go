package permission

import (
	"fmt"

	json "github.com/goccy/go-json"

	"github.com/AltairaLabs/continuation-manager/internal/errcode"
	"github.com/AltairaLabs/continuation-manager/internal/types"
)

// Group types that carry trust between devices
const (
	IdenticalAccountGroup int32 = 1
	PeerToPeerGroup       int32 = 256
)

// GroupInfo is one trust group as reported by the group adapter
type GroupInfo struct {
	GroupName       string `json:"groupName"`
	GroupID         string `json:"groupId"`
	GroupOwner      string `json:"groupOwner"`
	GroupType       int32  `json:"groupType"`
	GroupVisibility int32  `json:"groupVisibility"`
}

// ParseGroupInfos decodes a group list. An empty list is an error.
func ParseGroupInfos(data string) ([]GroupInfo, error) {
	var groups []GroupInfo
	if err := json.Unmarshal([]byte(data), &groups); err != nil {
		return nil, fmt.Errorf("parse groups: %w", err)
	}
	if len(groups) == 0 {
		return nil, fmt.Errorf("group list is empty")
	}
	return groups, nil
}

// GetAccountInfo builds the account relation between this device and the
// peer at remoteNetworkID, considering the groups of every caller bundle
func (c *Checker) GetAccountInfo(remoteNetworkID string, caller *types.CallerInfo) (*types.AccountInfo, error) {
	if remoteNetworkID == "" {
		return nil, fmt.Errorf("remote network id is empty: %w", errcode.ErrNullObject)
	}
	udid := c.groups.GetUdidByNetworkID(remoteNetworkID)
	if udid == "" {
		return nil, fmt.Errorf("no udid for %s: %w", remoteNetworkID, errcode.ErrNullObject)
	}

	account := &types.AccountInfo{AccountType: types.DiffAccountType}
	for _, bundle := range caller.BundleNames {
		data, err := c.groups.GetRelatedGroups(udid, bundle)
		if err != nil {
			c.logger.Debug("related groups unavailable", "bundle", bundle, "error", err)
			continue
		}
		groups, err := ParseGroupInfos(data)
		if err != nil {
			c.logger.Debug("skip group list", "bundle", bundle, "error", err)
			continue
		}
		for _, g := range groups {
			if g.GroupType != IdenticalAccountGroup && g.GroupType != PeerToPeerGroup {
				continue
			}
			account.GroupIDList = append(account.GroupIDList, g.GroupID)
			if g.GroupType == IdenticalAccountGroup {
				account.AccountType = types.SameAccountType
			}
		}
	}
	if len(account.GroupIDList) == 0 {
		return nil, fmt.Errorf("no trusted group with %s: %w", remoteNetworkID, errcode.InvalidParametersErr)
	}
	return account, nil
}
