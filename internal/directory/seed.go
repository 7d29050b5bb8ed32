// Package directory reads organisation seed files.
package directory

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/example/labreserve/internal/application"
)

// File is the YAML layout of a seed file.
type File struct {
	Departments []Department    `yaml:"departments"`
	Users       []User          `yaml:"users"`
	Labs        []Lab           `yaml:"labs"`
	Components  []Component     `yaml:"components"`
	Timetable   []TimetableSlot `yaml:"timetable"`
}

type Department struct {
	ID                 string `yaml:"id"`
	Name               string `yaml:"name"`
	FinalAuthorityRole string `yaml:"final_authority_role"`
}

type User struct {
	ID           string `yaml:"id"`
	Email        string `yaml:"email"`
	Name         string `yaml:"name"`
	Role         string `yaml:"role"`
	Department   string `yaml:"department"`
	Mentor       string `yaml:"mentor"`
	Password     string `yaml:"password"`
	PasswordHash string `yaml:"password_hash"`
	Disabled     bool   `yaml:"disabled"`
}

type Lab struct {
	ID         string `yaml:"id"`
	Name       string `yaml:"name"`
	Department string `yaml:"department"`
	Owner      string `yaml:"owner"`
	Capacity   int    `yaml:"capacity"`
}

type Component struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Lab      string `yaml:"lab"`
	Owner    string `yaml:"owner"`
	Quantity int    `yaml:"quantity"`
}

type TimetableSlot struct {
	ID         string `yaml:"id"`
	Lab        string `yaml:"lab"`
	Label      string `yaml:"label"`
	Weekday    string `yaml:"weekday"`
	Start      string `yaml:"start"`
	End        string `yaml:"end"`
	ValidFrom  string `yaml:"valid_from"`
	ValidUntil string `yaml:"valid_until"`
}

// Decode parses one seed document. Unknown keys are rejected so typos do not
// silently drop data.
func Decode(r io.Reader) (File, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var f File
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return File{}, errors.New("directory: seed file is empty")
		}
		return File{}, fmt.Errorf("directory: decode seed: %w", err)
	}
	return f, nil
}

// LoadFile reads and decodes the seed file at path.
func LoadFile(path string) (application.DirectoryInput, error) {
	fh, err := os.Open(path)
	if err != nil {
		return application.DirectoryInput{}, err
	}
	defer fh.Close()
	f, err := Decode(fh)
	if err != nil {
		return application.DirectoryInput{}, fmt.Errorf("%s: %w", path, err)
	}
	return f.Input(), nil
}

// Input converts the file into the shape DirectoryService.Import takes.
func (f File) Input() application.DirectoryInput {
	var in application.DirectoryInput
	for _, d := range f.Departments {
		in.Departments = append(in.Departments, application.DepartmentInput{
			ID:                 d.ID,
			Name:               d.Name,
			FinalAuthorityRole: d.FinalAuthorityRole,
		})
	}
	for _, u := range f.Users {
		in.Users = append(in.Users, application.UserInput{
			ID:           u.ID,
			Email:        u.Email,
			DisplayName:  u.Name,
			Role:         u.Role,
			DepartmentID: u.Department,
			MentorID:     u.Mentor,
			Password:     u.Password,
			PasswordHash: u.PasswordHash,
			Disabled:     u.Disabled,
		})
	}
	for _, l := range f.Labs {
		in.Labs = append(in.Labs, application.LabInput{
			ID:           l.ID,
			Name:         l.Name,
			DepartmentID: l.Department,
			OwnerID:      l.Owner,
			Capacity:     l.Capacity,
		})
	}
	for _, c := range f.Components {
		in.Components = append(in.Components, application.ComponentInput{
			ID:       c.ID,
			Name:     c.Name,
			LabID:    c.Lab,
			OwnerID:  c.Owner,
			Quantity: c.Quantity,
		})
	}
	for _, s := range f.Timetable {
		in.Timetable = append(in.Timetable, application.TimetableInput{
			ID:         s.ID,
			LabID:      s.Lab,
			Label:      s.Label,
			Weekday:    s.Weekday,
			Start:      s.Start,
			End:        s.End,
			ValidFrom:  s.ValidFrom,
			ValidUntil: s.ValidUntil,
		})
	}
	return in
}
