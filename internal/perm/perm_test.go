package perm

import (
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/scriptops/scriptops/internal/store"
)

func newTestResolver(t *testing.T) (*Resolver, *store.Store) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "auth.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return New(s, zap.NewNop()), s
}

func seedUsers(t *testing.T, s *store.Store) (admin, member, outsider *store.User) {
	t.Helper()
	admin = &store.User{ID: "admin", Name: "Root", Email: "root@x.com", Role: "admin"}
	member = &store.User{ID: "member", Name: "Mem", Email: "mem@x.com", Role: "user"}
	outsider = &store.User{ID: "out", Name: "Out", Email: "out@x.com", Role: "user"}
	for _, u := range []*store.User{admin, member, outsider} {
		if err := s.InsertUser(u); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.InsertTeam(&store.Team{ID: "t1", Name: "Quant"}); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertMembership(&store.Membership{
		UserID: "member", TeamID: "t1",
		Permissions: []store.Permission{store.PermView, store.PermRun},
	}); err != nil {
		t.Fatal(err)
	}
	return admin, member, outsider
}

func TestAdminBypass(t *testing.T) {
	r, s := newTestResolver(t)
	admin, _, _ := seedUsers(t, s)

	if !r.HasPermission(admin, "t1", store.PermDelete) {
		t.Fatal("admin must bypass membership checks")
	}
	if !r.HasAnyTeamPermission(admin, store.PermUpload) {
		t.Fatal("admin must pass any-team check")
	}
}

func TestMemberPermission(t *testing.T) {
	r, s := newTestResolver(t)
	_, member, outsider := seedUsers(t, s)

	if !r.HasPermission(member, "t1", store.PermView) {
		t.Fatal("member with view_analyses must be allowed")
	}
	if r.HasPermission(member, "t1", store.PermDelete) {
		t.Fatal("member without delete_analyses must be denied")
	}
	if r.HasPermission(outsider, "t1", store.PermView) {
		t.Fatal("non-member must be denied")
	}
	if r.HasPermission(nil, "t1", store.PermView) {
		t.Fatal("nil user must be denied")
	}
}

func TestUserTeamIDs(t *testing.T) {
	r, s := newTestResolver(t)
	admin, member, _ := seedUsers(t, s)

	ids := r.UserTeamIDs(member, store.PermRun)
	if len(ids) != 1 || ids[0] != "t1" {
		t.Fatalf("expected [t1], got %v", ids)
	}
	if ids := r.UserTeamIDs(member, store.PermDelete); len(ids) != 0 {
		t.Fatalf("expected no teams for missing permission, got %v", ids)
	}

	// Admin sees every team, including the seeded uncategorized one.
	adminIDs := r.UserTeamIDs(admin, store.PermView)
	if len(adminIDs) < 2 {
		t.Fatalf("admin should see all teams, got %v", adminIDs)
	}
}

func TestUsersWithTeamAccessIncludesAdmins(t *testing.T) {
	r, s := newTestResolver(t)
	seedUsers(t, s)

	ids := r.UsersWithTeamAccess("t1", store.PermView)
	var hasMember, hasAdmin bool
	for _, id := range ids {
		if id == "member" {
			hasMember = true
		}
		if id == "admin" {
			hasAdmin = true
		}
	}
	if !hasMember || !hasAdmin {
		t.Fatalf("expected member and admin, got %v", ids)
	}
	for _, id := range ids {
		if id == "out" {
			t.Fatal("outsider must not be addressed")
		}
	}
}
