package application

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/example/labreserve/internal/approval"
	"github.com/example/labreserve/internal/persistence"
)

var testArgon2Params = Argon2idParams{Memory: 1024, Iterations: 1, Parallelism: 1, SaltLength: 8, KeyLength: 16}

func TestAuthService_Authenticate(t *testing.T) {
	t.Parallel()

	hash, err := CreatePasswordHash("correct horse", testArgon2Params)
	if err != nil {
		t.Fatalf("CreatePasswordHash failed: %v", err)
	}
	now := time.Date(2024, time.January, 2, 9, 0, 0, 0, time.UTC)
	active := persistence.User{ID: "fac-1", Email: "fac-1@example.edu", Role: approval.RoleFaculty, DepartmentID: "cse", PasswordHash: hash}
	disabled := active
	disabled.ID, disabled.Email, disabled.Disabled = "fac-9", "fac-9@example.edu", true

	newService := func() (*AuthService, *tokenIssuerStub) {
		tokens := &tokenIssuerStub{ttl: time.Hour}
		creds := &credentialStoreStub{users: []persistence.User{active, disabled}}
		return NewAuthService(creds, tokens, nil, func() time.Time { return now }, nil), tokens
	}

	t.Run("issues a token for valid credentials", func(t *testing.T) {
		t.Parallel()

		svc, tokens := newService()
		result, err := svc.Authenticate(context.Background(), AuthenticateParams{Email: "  FAC-1@example.edu ", Password: "correct horse"})
		if err != nil {
			t.Fatalf("Authenticate failed: %v", err)
		}
		if result.User.ID != "fac-1" {
			t.Fatalf("expected fac-1, got %s", result.User.ID)
		}
		if result.Token != "token-fac-1" {
			t.Fatalf("unexpected token %q", result.Token)
		}
		if !result.ExpiresAt.Equal(now.Add(time.Hour)) {
			t.Fatalf("expected expiry one hour after now, got %s", result.ExpiresAt)
		}
		if len(tokens.issued) != 1 || !tokens.issued[0].Equal(now) {
			t.Fatalf("expected one issue at now, got %v", tokens.issued)
		}
	})

	t.Run("hides which part of the credentials was wrong", func(t *testing.T) {
		t.Parallel()

		svc, tokens := newService()
		for _, params := range []AuthenticateParams{
			{Email: "fac-1@example.edu", Password: "wrong"},
			{Email: "nobody@example.edu", Password: "correct horse"},
			{Email: "", Password: "correct horse"},
			{Email: "fac-1@example.edu", Password: ""},
		} {
			if _, err := svc.Authenticate(context.Background(), params); !errors.Is(err, ErrInvalidCredentials) {
				t.Fatalf("expected ErrInvalidCredentials for %q, got %v", params.Email, err)
			}
		}
		if len(tokens.issued) != 0 {
			t.Fatalf("expected no tokens, got %d", len(tokens.issued))
		}
	})

	t.Run("rejects disabled accounts after the password check", func(t *testing.T) {
		t.Parallel()

		svc, _ := newService()
		_, err := svc.Authenticate(context.Background(), AuthenticateParams{Email: "fac-9@example.edu", Password: "correct horse"})
		if !errors.Is(err, ErrAccountDisabled) {
			t.Fatalf("expected ErrAccountDisabled, got %v", err)
		}
		_, err = svc.Authenticate(context.Background(), AuthenticateParams{Email: "fac-9@example.edu", Password: "guess"})
		if !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("expected ErrInvalidCredentials for a wrong password, got %v", err)
		}
	})

	t.Run("wraps token failures", func(t *testing.T) {
		t.Parallel()

		svc, tokens := newService()
		tokens.err = errors.New("signing key missing")
		_, err := svc.Authenticate(context.Background(), AuthenticateParams{Email: "fac-1@example.edu", Password: "correct horse"})
		if err == nil || !strings.Contains(err.Error(), "signing key missing") {
			t.Fatalf("expected wrapped issuer error, got %v", err)
		}
	})

	t.Run("reports unconfigured service", func(t *testing.T) {
		t.Parallel()

		svc := NewAuthService(nil, nil, nil, nil, nil)
		if _, err := svc.Authenticate(context.Background(), AuthenticateParams{Email: "a@b.c", Password: "x"}); err == nil {
			t.Fatalf("expected configuration error")
		}
	})
}

func TestAuthService_ResolveToken(t *testing.T) {
	t.Parallel()

	active := persistence.User{ID: "stu-1", Email: "stu-1@example.edu", DisplayName: "Student One", Role: approval.RoleStudent, DepartmentID: "cse"}
	disabled := persistence.User{ID: "stu-9", Email: "stu-9@example.edu", Role: approval.RoleStudent, DepartmentID: "cse", Disabled: true}
	svc := NewAuthService(&credentialStoreStub{users: []persistence.User{active, disabled}}, &tokenIssuerStub{}, nil, nil, nil)

	p, err := svc.ResolveToken(context.Background(), " token-stu-1 ")
	if err != nil {
		t.Fatalf("ResolveToken failed: %v", err)
	}
	if p.ID != "stu-1" || p.Role != approval.RoleStudent || p.DepartmentID != "cse" || p.Name != "Student One" {
		t.Fatalf("unexpected principal %+v", p)
	}

	for _, token := range []string{"", "garbage", "token-ghost"} {
		if _, err := svc.ResolveToken(context.Background(), token); !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("expected ErrUnauthorized for %q, got %v", token, err)
		}
	}
	if _, err := svc.ResolveToken(context.Background(), "token-stu-9"); !errors.Is(err, ErrAccountDisabled) {
		t.Fatalf("expected ErrAccountDisabled, got %v", err)
	}
}

func TestPasswordHashRoundTrip(t *testing.T) {
	t.Parallel()

	hash, err := CreatePasswordHash("s3cret", testArgon2Params)
	if err != nil {
		t.Fatalf("CreatePasswordHash failed: %v", err)
	}
	if err := VerifyPassword(hash, "s3cret"); err != nil {
		t.Fatalf("expected password to verify, got %v", err)
	}
	if err := VerifyPassword(hash, "other"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}

	params, err := ParsePasswordHash(hash)
	if err != nil {
		t.Fatalf("ParsePasswordHash failed: %v", err)
	}
	if params != testArgon2Params {
		t.Fatalf("expected %+v, got %+v", testArgon2Params, params)
	}

	for _, bad := range []string{"plain", "$bcrypt$v=19$m=1,t=1,p=1$c2FsdA$a2V5", "$argon2id$v=18$m=1,t=1,p=1$c2FsdA$a2V5", "$argon2id$v=19$m=1,t=1,p=1$!!$a2V5"} {
		if _, err := ParsePasswordHash(bad); err == nil {
			t.Fatalf("expected %q to be rejected", bad)
		}
	}
	if _, err := ParsePasswordHash("$argon2id$v=18$m=1,t=1,p=1$c2FsdA$a2V5"); !errors.Is(err, ErrIncompatiblePasswordVersion) {
		t.Fatalf("expected ErrIncompatiblePasswordVersion, got %v", err)
	}
}

type credentialStoreStub struct {
	users []persistence.User
}

func (s *credentialStoreStub) GetUserByEmail(_ context.Context, email string) (persistence.User, error) {
	for _, u := range s.users {
		if u.Email == email {
			return u, nil
		}
	}
	return persistence.User{}, persistence.ErrNotFound
}

func (s *credentialStoreStub) GetUser(_ context.Context, id string) (persistence.User, error) {
	for _, u := range s.users {
		if u.ID == id {
			return u, nil
		}
	}
	return persistence.User{}, persistence.ErrNotFound
}

// tokenIssuerStub issues "token-<user id>" and accepts the same shape back.
type tokenIssuerStub struct {
	ttl    time.Duration
	err    error
	issued []time.Time
}

func (s *tokenIssuerStub) Issue(user persistence.User, now time.Time) (string, time.Time, error) {
	if s.err != nil {
		return "", time.Time{}, s.err
	}
	s.issued = append(s.issued, now)
	return "token-" + user.ID, now.Add(s.ttl), nil
}

func (s *tokenIssuerStub) Subject(token string) (string, error) {
	id, ok := strings.CutPrefix(token, "token-")
	if !ok {
		return "", errors.New("malformed token")
	}
	return id, nil
}
