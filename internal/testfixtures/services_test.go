package testfixtures

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/example/labreserve/internal/application"
)

func TestRecordingNotifierFiltersByTemplate(t *testing.T) {
	t.Parallel()

	n := &RecordingNotifier{}
	ctx := context.Background()
	require.NoError(t, n.Notify(ctx, []string{"a"}, application.TemplateRequestApproved, nil))
	require.NoError(t, n.Notify(ctx, []string{"b"}, application.TemplateAwaitingDecision, nil))

	require.Len(t, n.Sent(""), 2)
	approved := n.Sent(application.TemplateRequestApproved)
	require.Len(t, approved, 1)
	require.Equal(t, []string{"a"}, approved[0].Recipients)

	n.Err = errors.New("smtp down")
	require.Error(t, n.Notify(ctx, []string{"c"}, application.TemplateRequestRejected, nil))
	require.Len(t, n.Sent(""), 3)

	n.Reset()
	require.Empty(t, n.Sent(""))
}

func TestNewEnvSeedsReferenceOrg(t *testing.T) {
	t.Parallel()

	env := NewEnv(t)
	ctx := context.Background()

	dept, err := env.Store.GetDepartment(ctx, DeptECE)
	require.NoError(t, err)
	require.Equal(t, env.Org.Departments[DeptECE].FinalAuthorityRole, dept.FinalAuthorityRole)

	p := env.Principal(t, StudentMentored)
	require.Equal(t, StudentMentored, p.ID)
	require.Equal(t, DeptCSE, p.DepartmentID)
	require.True(t, env.Principal(t, Admin).IsAdmin())
}
