package apierr

import (
	"errors"
	"fmt"
	"time"
)

// ErrorType is the stable machine code returned to clients.
type ErrorType string

const (
	TypeRateLimit        ErrorType = "rate_limit"
	TypeAuth             ErrorType = "auth"
	TypeNotFound         ErrorType = "not_found"
	TypeProxy            ErrorType = "proxy_error"
	TypeModeration       ErrorType = "moderation"
	TypeAllKeysExhausted ErrorType = "all_keys_exhausted"
	TypeServer           ErrorType = "server_error"
	TypeUnknown          ErrorType = "unknown"
)

// KeyStatus reports the remaining cooldown for one provider key. Key holds
// only the last 4 characters of the real key.
type KeyStatus struct {
	Key         string `json:"key"`
	RemainingMS int64  `json:"remainingMs"`
}

type Error struct {
	Status      int
	Type        ErrorType
	UserMessage string
	Err         error

	KeysStatus        []KeyStatus `json:"keysStatus,omitempty"`
	ModerationReasons []string    `json:"moderationReasons,omitempty"`
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Type, e.Err)
	}
	if e.UserMessage != "" {
		return fmt.Sprintf("%s: %s", e.Type, e.UserMessage)
	}
	return string(e.Type)
}

func (e *Error) Unwrap() error { return e.Err }

func New(status int, typ ErrorType, userMessage string, err error) *Error {
	return &Error{Status: status, Type: typ, UserMessage: userMessage, Err: err}
}

func NotFound(what string) *Error {
	return New(404, TypeNotFound, what+" não encontrado", nil)
}

func RateLimited(err error) *Error {
	return New(429, TypeRateLimit, "Limite de requisições atingido. Tente novamente em instantes.", err)
}

func AllKeysExhausted(model string, statuses []KeyStatus) *Error {
	e := New(429, TypeAllKeysExhausted,
		fmt.Sprintf("Todas as chaves para o modelo %s estão em cooldown.", model), nil)
	e.KeysStatus = statuses
	return e
}

func Moderated(reasons []string) *Error {
	e := New(422, TypeModeration, "A resposta foi bloqueada pela moderação do provedor.", nil)
	e.ModerationReasons = reasons
	return e
}

// As extracts an *Error, defaulting to a server_error wrapper.
func As(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return New(500, TypeServer, "Erro interno do servidor.", err)
}

func IsType(err error, typ ErrorType) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Type == typ
	}
	return false
}

// RedactKey keeps only the trailing 4 characters for display in keysStatus.
func RedactKey(key string) string {
	if len(key) <= 4 {
		return "..." + key
	}
	return "..." + key[len(key)-4:]
}

func KeyStatusFor(key string, remaining time.Duration) KeyStatus {
	if remaining < 0 {
		remaining = 0
	}
	return KeyStatus{Key: RedactKey(key), RemainingMS: remaining.Milliseconds()}
}
