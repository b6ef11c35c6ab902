package repos

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/fablemind/fablemind-backend/internal/platform/apierr"
	"github.com/fablemind/fablemind-backend/internal/platform/envutil"
	"github.com/fablemind/fablemind-backend/internal/platform/logger"
)

// User is one account sidecar. PasswordHash never leaves the repo layer.
type User struct {
	ID           string `json:"id"`
	Email        string `json:"email"`
	PasswordHash string `json:"passwordHash"`
	CreatedAt    int64  `json:"createdAt"`
}

type UserRepo struct {
	log *logger.Logger
	dir string
}

func NewUserRepo(log *logger.Logger) (*UserRepo, error) {
	dir := envutil.String("USERS_DIR", filepath.Join("data", "users"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create users dir: %w", err)
	}
	return &UserRepo{log: log.With("service", "UserRepo"), dir: dir}, nil
}

func (r *UserRepo) path(id string) string {
	return filepath.Join(r.dir, id+".json")
}

// Create registers a new account. Email uniqueness is checked by scan; the
// user base is small enough that an index would be overkill.
func (r *UserRepo) Create(email, password string) (*User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || len(password) < 8 {
		return nil, apierr.New(400, apierr.TypeUnknown, "Email e senha (mínimo 8 caracteres) são obrigatórios.", nil)
	}
	if existing, _ := r.GetByEmail(email); existing != nil {
		return nil, apierr.New(409, apierr.TypeUnknown, "Já existe uma conta com este email.", nil)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	user := &User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: string(hash),
		CreatedAt:    time.Now().UnixMilli(),
	}
	raw, err := json.MarshalIndent(user, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode user: %w", err)
	}
	if err := os.WriteFile(r.path(user.ID), raw, 0o600); err != nil {
		return nil, fmt.Errorf("write user: %w", err)
	}
	return user, nil
}

func (r *UserRepo) GetByID(id string) (*User, error) {
	raw, err := os.ReadFile(r.path(id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, apierr.NotFound("Usuário")
	}
	if err != nil {
		return nil, fmt.Errorf("read user: %w", err)
	}
	var user User
	if err := json.Unmarshal(raw, &user); err != nil {
		return nil, fmt.Errorf("decode user: %w", err)
	}
	return &user, nil
}

func (r *UserRepo) GetByEmail(email string) (*User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, fmt.Errorf("list users dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		user, err := r.GetByID(strings.TrimSuffix(entry.Name(), ".json"))
		if err != nil {
			r.log.Warn("skipping unreadable user sidecar", "file", entry.Name(), "error", err)
			continue
		}
		if user.Email == email {
			return user, nil
		}
	}
	return nil, apierr.NotFound("Usuário")
}

// Authenticate verifies the password and returns the account.
func (r *UserRepo) Authenticate(email, password string) (*User, error) {
	user, err := r.GetByEmail(email)
	if err != nil {
		return nil, apierr.New(401, apierr.TypeAuth, "Email ou senha incorretos.", nil)
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return nil, apierr.New(401, apierr.TypeAuth, "Email ou senha incorretos.", nil)
	}
	return user, nil
}
