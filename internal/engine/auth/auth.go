package auth

import (
	"fmt"
	"sort"
)

// Operator permissions. Ordinary mission actions are authorised by the
// actor's relationship to the mission (requester, worker, crew member) inside
// the engine; these cover the operations no relationship grants.
const (
	PermLedgerMint    = "ledger.mint"
	PermMissionsSweep = "missions.sweep"
	PermAgentsManage  = "agents.manage"
	PermAPIKeysManage = "api_keys.manage"
	PermEventsRead    = "events.read.all"
)

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

var rolePermissions = map[string][]string{
	"admin": {
		PermLedgerMint,
		PermMissionsSweep,
		PermAgentsManage,
		PermAPIKeysManage,
		PermEventsRead,
	},
	"operator": {
		PermMissionsSweep,
		PermAgentsManage,
		PermEventsRead,
	},
	"treasurer": {
		PermLedgerMint,
	},
}

// Roles lists the built-in role names.
func Roles() []string {
	out := make([]string, 0, len(rolePermissions))
	for r := range rolePermissions {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

// Permissions expands roles and adds explicitly granted permissions. The
// result is sorted and free of duplicates.
func Permissions(roles, granted []string) []string {
	set := map[string]struct{}{}
	for _, r := range roles {
		for _, p := range rolePermissions[r] {
			set[p] = struct{}{}
		}
	}
	for _, p := range granted {
		set[p] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func Allowed(roles, granted []string, perm string) bool {
	for _, p := range Permissions(roles, granted) {
		if p == perm {
			return true
		}
	}
	return false
}

// Require returns ForbiddenError unless roles or granted carry perm.
func Require(roles, granted []string, perm string) error {
	if Allowed(roles, granted, perm) {
		return nil
	}
	return ForbiddenError{Permission: perm}
}
