package auth

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestPermissionsMergeRolesAndGrants(t *testing.T) {
	got := Permissions([]string{"treasurer", "unknown"}, []string{PermEventsRead, PermLedgerMint})
	want := []string{PermEventsRead, PermLedgerMint}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("permissions mismatch (-want +got):\n%s", diff)
	}
}

func TestRequire(t *testing.T) {
	if err := Require([]string{"admin"}, nil, PermAPIKeysManage); err != nil {
		t.Fatalf("admin should manage keys: %v", err)
	}
	err := Require([]string{"operator"}, nil, PermLedgerMint)
	var fe ForbiddenError
	if !errors.As(err, &fe) || fe.Permission != PermLedgerMint {
		t.Fatalf("expected forbidden for mint, got %v", err)
	}
	if err := Require(nil, []string{PermMissionsSweep}, PermMissionsSweep); err != nil {
		t.Fatalf("explicit grant ignored: %v", err)
	}
}
