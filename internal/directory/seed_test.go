package directory

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleSeed = `
departments:
  - id: cse
    name: Computer Science
    final_authority_role: hod
users:
  - id: fac-1
    email: fac-1@example.edu
    name: Faculty One
    role: faculty
    department: cse
    password: changeme
  - id: stu-1
    email: stu-1@example.edu
    name: Student One
    role: student
    department: cse
    mentor: fac-1
    password: changeme
labs:
  - id: lab-a
    name: Embedded Lab
    department: cse
    owner: fac-1
    capacity: 30
components:
  - id: comp-arduino
    name: Arduino Uno
    lab: lab-a
    quantity: 10
timetable:
  - id: tt-1
    lab: lab-a
    label: Embedded Systems
    weekday: wed
    start: "09:00"
    end: "10:30"
    valid_from: "2024-01-01"
`

func TestLoadFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "seed.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleSeed), 0o600))

	in, err := LoadFile(path)
	require.NoError(t, err)
	require.Len(t, in.Departments, 1)
	require.Equal(t, "hod", in.Departments[0].FinalAuthorityRole)
	require.Len(t, in.Users, 2)
	require.Equal(t, "fac-1", in.Users[1].MentorID)
	require.Equal(t, "Student One", in.Users[1].DisplayName)
	require.Equal(t, "fac-1", in.Labs[0].OwnerID)
	require.Equal(t, 10, in.Components[0].Quantity)
	require.Equal(t, "lab-a", in.Components[0].LabID)
	require.Equal(t, "2024-01-01", in.Timetable[0].ValidFrom)
	require.Equal(t, "09:00", in.Timetable[0].Start)
}

func TestDecodeRejectsUnknownKeysAndEmptyFiles(t *testing.T) {
	t.Parallel()

	_, err := Decode(strings.NewReader("labs:\n  - id: lab-a\n    ownr: fac-1\n"))
	require.ErrorContains(t, err, "ownr")

	_, err = Decode(strings.NewReader(""))
	require.ErrorContains(t, err, "empty")

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
