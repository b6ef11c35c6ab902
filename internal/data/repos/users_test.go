package repos

import (
	"testing"

	"github.com/fablemind/fablemind-backend/internal/platform/apierr"
	"github.com/fablemind/fablemind-backend/internal/platform/logger"
)

func newTestUserRepo(t *testing.T) *UserRepo {
	t.Helper()
	t.Setenv("USERS_DIR", t.TempDir())
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	r, err := NewUserRepo(log)
	if err != nil {
		t.Fatalf("NewUserRepo: %v", err)
	}
	return r
}

func TestUserCreateAndAuthenticate(t *testing.T) {
	r := newTestUserRepo(t)
	user, err := r.Create("Alice@Example.com", "senha-secreta")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if user.Email != "alice@example.com" {
		t.Fatalf("email not normalized: %q", user.Email)
	}
	if user.PasswordHash == "senha-secreta" {
		t.Fatalf("password stored in plaintext")
	}

	got, err := r.Authenticate("alice@example.com", "senha-secreta")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if got.ID != user.ID {
		t.Fatalf("id: want=%q got=%q", user.ID, got.ID)
	}

	if _, err := r.Authenticate("alice@example.com", "errada-errada"); !apierr.IsType(err, apierr.TypeAuth) {
		t.Fatalf("wrong password: expected auth error, got %v", err)
	}
	if _, err := r.Authenticate("ghost@example.com", "senha-secreta"); !apierr.IsType(err, apierr.TypeAuth) {
		t.Fatalf("unknown email: expected auth error, got %v", err)
	}
}

func TestUserCreateDuplicateEmail(t *testing.T) {
	r := newTestUserRepo(t)
	if _, err := r.Create("bob@example.com", "senha-secreta"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := r.Create("bob@example.com", "outra-senha-1"); err == nil {
		t.Fatalf("expected duplicate email error")
	}
}

func TestUserCreateValidation(t *testing.T) {
	r := newTestUserRepo(t)
	if _, err := r.Create("", "senha-secreta"); err == nil {
		t.Fatalf("expected error for empty email")
	}
	if _, err := r.Create("x@example.com", "curta"); err == nil {
		t.Fatalf("expected error for short password")
	}
}
