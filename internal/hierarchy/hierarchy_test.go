package hierarchy

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func ptr(value string) *string { return &value }

func sampleTeams() []Team {
	return []Team{
		{ID: "root", OrgID: "org-1", Name: "General"},
		{ID: "ops", OrgID: "org-1", Name: "Operations", ParentTeamID: ptr("root")},
		{ID: "infra", OrgID: "org-1", Name: "Infrastructure", ParentTeamID: ptr("ops")},
		{ID: "sales", OrgID: "org-1", Name: "Sales", ParentTeamID: ptr("root")},
		{ID: "other", OrgID: "org-2", Name: "Elsewhere"},
	}
}

func TestValidateParent(t *testing.T) {
	cases := []struct {
		name     string
		teamID   string
		parentID string
		want     error
	}{
		{name: "new team under root", teamID: "", parentID: "root", want: nil},
		{name: "move sibling", teamID: "sales", parentID: "ops", want: nil},
		{name: "unknown parent", teamID: "sales", parentID: "nope", want: ErrParentNotFound},
		{name: "self parent", teamID: "ops", parentID: "ops", want: ErrSelfParent},
		{name: "cycle through grandchild", teamID: "root", parentID: "infra", want: ErrHierarchyCycle},
		{name: "cycle through child", teamID: "ops", parentID: "infra", want: ErrHierarchyCycle},
		{name: "cross org", teamID: "sales", parentID: "other", want: ErrCrossOrgParent},
		{name: "unknown team", teamID: "ghost", parentID: "root", want: ErrTeamNotFound},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateParent(sampleTeams(), "org-1", tc.teamID, tc.parentID)
			if tc.want == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tc.want)
		})
	}
}

func TestDescendantsAndAncestors(t *testing.T) {
	teams := sampleTeams()
	require.Equal(t, []string{"ops", "sales", "infra"}, Descendants(teams, "root"))
	require.Empty(t, Descendants(teams, "infra"))
	require.Equal(t, []string{"ops", "root"}, Ancestors(teams, "infra"))
	require.Empty(t, Ancestors(teams, "root"))

	children := Children(teams, "root")
	require.Len(t, children, 2)
	require.Equal(t, "ops", children[0].ID)
}

func TestEnsureSingleLeader(t *testing.T) {
	roles := []Role{
		{ID: "r1", TeamID: "ops", Type: RoleLeader},
		{ID: "r2", TeamID: "ops", Type: RoleSecretary},
	}
	require.ErrorIs(t, EnsureSingleLeader(roles, "ops", ""), ErrLeaderExists)
	require.NoError(t, EnsureSingleLeader(roles, "ops", "r1"))
	require.NoError(t, EnsureSingleLeader(roles, "sales", ""))
}

func TestValidateSpecialRole(t *testing.T) {
	roles := []Role{
		{ID: "r1", TeamID: "ops", Type: RoleLeader},
		{ID: "r2", TeamID: "ops", Type: RoleSecretary},
	}
	require.NoError(t, ValidateSpecialRole(roles, Role{TeamID: "ops", Title: "Facilitator"}))
	require.ErrorIs(t, ValidateSpecialRole(roles, Role{TeamID: "ops", Type: RoleSecretary}), ErrSpecialRoleExists)
	require.ErrorIs(t, ValidateSpecialRole(roles, Role{TeamID: "ops", Type: RoleLeader}), ErrLeaderExists)
	require.NoError(t, ValidateSpecialRole(roles, Role{ID: "r2", TeamID: "ops", Type: RoleSecretary}))
	require.NoError(t, ValidateSpecialRole(roles, Role{TeamID: "ops", Type: RoleReferee}))
	require.ErrorIs(t, ValidateSpecialRole(roles, Role{TeamID: "ops", Type: "captain"}), ErrInvalidRoleType)
}

func TestLinkedLeaderMirrorsSource(t *testing.T) {
	source := Role{
		ID:       "src",
		OrgID:    "org-1",
		TeamID:   "root",
		Title:    "Operations lead",
		MemberID: ptr("m-1"),
		Mission:  "Keep the lights on",
		Duties:   []string{"weekly sync"},
	}
	child := Team{ID: "ops", OrgID: "org-1", ParentTeamID: ptr("root")}

	linked := NewLinkedLeader(source, child)
	require.Equal(t, RoleLeader, linked.Type)
	require.Equal(t, "ops", linked.TeamID)
	require.True(t, linked.IsLinked())
	require.Equal(t, "src", *linked.LinkedRoleID)
	require.Equal(t, "m-1", *linked.MemberID)
	require.Equal(t, source.Duties, linked.Duties)

	source.Title = "Head of operations"
	source.MemberID = nil
	updated, changed := Propagate(source, linked)
	require.True(t, changed)
	require.Equal(t, "Head of operations", updated.Title)
	require.Nil(t, updated.MemberID)

	_, changed = Propagate(source, updated)
	require.False(t, changed)

	require.Len(t, LinkedTo([]Role{source, updated}, "src"), 1)
	leader, ok := LeaderOf([]Role{source, updated}, "ops")
	require.True(t, ok)
	require.Equal(t, updated.Title, leader.Title)
}

func TestPropagateDoesNotAliasDuties(t *testing.T) {
	source := Role{ID: "src", Duties: []string{"a"}}
	linked, _ := Propagate(source, Role{})
	source.Duties[0] = "b"
	require.Equal(t, []string{"a"}, linked.Duties)
}
