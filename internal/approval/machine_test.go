package approval

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEntryStage(t *testing.T) {
	t.Parallel()

	require.Equal(t, StagePendingMentor, EntryStage(RoleStudent))
	for _, r := range []Role{RoleFaculty, RoleLabIncharge, RoleHOD, RoleResourceCoordinator, RoleAdmin} {
		require.Equal(t, StagePendingResourceOwner, EntryStage(r), "role %s", r)
	}
}

func TestTransitionHappyPathStudent(t *testing.T) {
	t.Parallel()

	stage := EntryStage(RoleStudent)
	steps := []struct {
		held Capacities
		want Stage
		eff  Effect
	}{
		{Of(CapacityMentor), StagePendingResourceOwner, EffectStampMentor},
		{Of(CapacityResourceOwner), StagePendingFinalAuthority, EffectStampResourceOwner},
		{Of(CapacityFinalAuthority), StageApproved, EffectStampFinalAuthority},
	}
	for _, step := range steps {
		out, err := Transition(stage, step.held, Decision{Action: ActionApprove}, Policy{})
		require.NoError(t, err)
		require.Equal(t, step.want, out.To)
		require.True(t, out.Has(step.eff))
		stage = out.To
	}
	require.True(t, stage.Terminal())
}

func TestTransitionApproveRequiresStageCapacity(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		from Stage
		held Capacities
	}{
		{"owner at mentor stage", StagePendingMentor, Of(CapacityResourceOwner)},
		{"final authority at mentor stage", StagePendingMentor, Of(CapacityFinalAuthority)},
		{"mentor at owner stage", StagePendingResourceOwner, Of(CapacityMentor)},
		{"final authority at owner stage", StagePendingResourceOwner, Of(CapacityFinalAuthority)},
		{"owner at final stage", StagePendingFinalAuthority, Of(CapacityResourceOwner)},
		{"requester at final stage", StagePendingFinalAuthority, Of(CapacityRequester)},
		{"nobody", StagePendingFinalAuthority, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := Transition(tc.from, tc.held, Decision{Action: ActionApprove}, Policy{})
			var denied *DeniedError
			require.ErrorAs(t, err, &denied)
			require.Equal(t, tc.from, denied.Stage)
		})
	}
}

func TestTransitionAdminOverridesEveryStage(t *testing.T) {
	t.Parallel()

	for _, from := range []Stage{StagePendingMentor, StagePendingResourceOwner, StagePendingFinalAuthority} {
		out, err := Transition(from, Of(CapacityAdmin), Decision{Action: ActionApprove}, Policy{})
		require.NoError(t, err)
		require.Equal(t, CapacityAdmin, out.Capacity)
		require.True(t, out.Changed())
	}
}

func TestTransitionRejectNeedsReasonAndRank(t *testing.T) {
	t.Parallel()

	_, err := Transition(StagePendingResourceOwner, Of(CapacityResourceOwner), Decision{Action: ActionReject, Reason: "  "}, Policy{})
	require.ErrorIs(t, err, ErrReasonRequired)

	out, err := Transition(StagePendingMentor, Of(CapacityFinalAuthority), Decision{Action: ActionReject, Reason: "clash"}, Policy{})
	require.NoError(t, err)
	require.Equal(t, StageRejected, out.To)
	require.True(t, out.Has(EffectStampRejection))

	// A mentor sits below the owner stage.
	_, err = Transition(StagePendingResourceOwner, Of(CapacityMentor), Decision{Action: ActionReject, Reason: "no"}, Policy{})
	var denied *DeniedError
	require.ErrorAs(t, err, &denied)
}

func TestTransitionWithdrawIsRequesterOnly(t *testing.T) {
	t.Parallel()

	for _, from := range []Stage{StagePendingMentor, StagePendingResourceOwner, StagePendingFinalAuthority} {
		out, err := Transition(from, Of(CapacityRequester), Decision{Action: ActionWithdraw}, Policy{})
		require.NoError(t, err)
		require.Equal(t, StageWithdrawn, out.To)

		_, err = Transition(from, Of(CapacityAdmin), Decision{Action: ActionWithdraw}, Policy{})
		var denied *DeniedError
		require.ErrorAs(t, err, &denied)
	}
}

func TestTransitionTerminalStagesRefuseEverything(t *testing.T) {
	t.Parallel()

	all := Of(CapacityRequester, CapacityMentor, CapacityResourceOwner, CapacityFinalAuthority, CapacityAdmin)
	for _, from := range []Stage{StageApproved, StageRejected, StageWithdrawn} {
		for _, a := range []Action{ActionApprove, ActionReject, ActionWithdraw} {
			_, err := Transition(from, all, Decision{Action: a, Reason: "r"}, Policy{})
			require.ErrorIs(t, err, ErrTerminal)
		}
	}
}

func TestTransitionMultiResourceOwnerDecisionStaysOnParent(t *testing.T) {
	t.Parallel()

	multi := Policy{MultiResource: true}
	out, err := Transition(StagePendingResourceOwner, Of(CapacityResourceOwner), Decision{Action: ActionApprove}, multi)
	require.NoError(t, err)
	require.False(t, out.Changed())
	require.True(t, out.Has(EffectSubDecision))

	out, err = Transition(StagePendingResourceOwner, Of(CapacityResourceOwner), Decision{Action: ActionReject, Reason: "maintenance"}, multi)
	require.NoError(t, err)
	require.False(t, out.Changed())

	// The final authority may still reject the whole request early.
	out, err = Transition(StagePendingResourceOwner, Of(CapacityFinalAuthority), Decision{Action: ActionReject, Reason: "budget"}, multi)
	require.NoError(t, err)
	require.Equal(t, StageRejected, out.To)
}

func TestTransitionPrefersStageCapacity(t *testing.T) {
	t.Parallel()

	// A faculty member who mentors the requester and also owns the lab.
	held := Of(CapacityMentor, CapacityResourceOwner)
	out, err := Transition(StagePendingResourceOwner, held, Decision{Action: ActionApprove}, Policy{})
	require.NoError(t, err)
	require.Equal(t, CapacityResourceOwner, out.Capacity)
}

func TestTransitionUnknownAction(t *testing.T) {
	t.Parallel()

	_, err := Transition(StagePendingMentor, Of(CapacityMentor), Decision{Action: "escalate"}, Policy{})
	require.True(t, errors.Is(err, ErrUnknownAction))
}

func TestRulesRespectRank(t *testing.T) {
	t.Parallel()

	for _, r := range Rules() {
		if r.Capacity == CapacityRequester {
			require.Equal(t, ActionWithdraw, r.Action)
			continue
		}
		require.True(t, RanksAtOrAbove(r.Capacity, r.From), "%s cannot act at %s", r.Capacity, r.From)
		require.NotEqual(t, ActionWithdraw, r.Action)
		if r.Action == ActionApprove && r.Capacity != CapacityAdmin {
			require.Equal(t, stageCapacity(r.From), r.Capacity)
		}
	}
}

func TestResolveFinalAuthorityFollowsDepartmentPolicy(t *testing.T) {
	t.Parallel()

	parties := Parties{
		RequesterID:           "stu-1",
		RequesterDepartmentID: "ece",
		OwnerIDs:              []string{"owner-1"},
		DepartmentID:          "ece",
		FinalAuthority:        RoleResourceCoordinator,
	}

	hod := Resolve(Actor{ID: "hod-1", Role: RoleHOD, DepartmentID: "ece"}, parties)
	require.False(t, hod.Has(CapacityFinalAuthority))

	rc := Resolve(Actor{ID: "rc-1", Role: RoleResourceCoordinator, DepartmentID: "ece"}, parties)
	require.True(t, rc.Has(CapacityFinalAuthority))

	otherDept := Resolve(Actor{ID: "rc-2", Role: RoleResourceCoordinator, DepartmentID: "mech"}, parties)
	require.False(t, otherDept.Has(CapacityFinalAuthority))

	admin := Resolve(Actor{ID: "adm", Role: RoleAdmin}, parties)
	require.True(t, admin.Has(CapacityAdmin))
	require.False(t, admin.Has(CapacityFinalAuthority))
}

func TestResolveMentor(t *testing.T) {
	t.Parallel()

	assigned := Parties{RequesterID: "stu-1", RequesterDepartmentID: "ece", MentorID: "fac-1"}
	require.True(t, Resolve(Actor{ID: "fac-1", Role: RoleFaculty, DepartmentID: "ece"}, assigned).Has(CapacityMentor))
	require.False(t, Resolve(Actor{ID: "fac-2", Role: RoleFaculty, DepartmentID: "ece"}, assigned).Has(CapacityMentor))

	unassigned := Parties{RequesterID: "stu-1", RequesterDepartmentID: "ece"}
	require.True(t, Resolve(Actor{ID: "fac-2", Role: RoleFaculty, DepartmentID: "ece"}, unassigned).Has(CapacityMentor))
	require.False(t, Resolve(Actor{ID: "fac-3", Role: RoleFaculty, DepartmentID: "mech"}, unassigned).Has(CapacityMentor))

	self := Resolve(Actor{ID: "stu-1", Role: RoleStudent, DepartmentID: "ece"}, unassigned)
	require.True(t, self.Has(CapacityRequester))
	require.False(t, self.Has(CapacityMentor))
}
