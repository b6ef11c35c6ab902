// Package repos holds the JSON-sidecar repositories. Message bodies live in
// the vector store; these files carry only identity, config and account
// records. Writes are last-writer-wins at file granularity.
package repos

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fablemind/fablemind-backend/internal/domain"
	"github.com/fablemind/fablemind-backend/internal/platform/apierr"
	"github.com/fablemind/fablemind-backend/internal/platform/envutil"
	"github.com/fablemind/fablemind-backend/internal/platform/logger"
)

type ChatMetaRepo struct {
	log *logger.Logger
	dir string
}

func NewChatMetaRepo(log *logger.Logger) (*ChatMetaRepo, error) {
	dir := envutil.String("CHAT_METADATA_DIR", filepath.Join("data", "metadata"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create metadata dir: %w", err)
	}
	return &ChatMetaRepo{log: log.With("service", "ChatMetaRepo"), dir: dir}, nil
}

func (r *ChatMetaRepo) path(token string) string {
	return filepath.Join(r.dir, token+".json")
}

func (r *ChatMetaRepo) Save(chat *domain.Chat) error {
	if chat == nil || strings.TrimSpace(chat.Token) == "" {
		return fmt.Errorf("chat token is required")
	}
	raw, err := json.MarshalIndent(chat, "", "  ")
	if err != nil {
		return fmt.Errorf("encode chat metadata: %w", err)
	}
	if err := os.WriteFile(r.path(chat.Token), raw, 0o644); err != nil {
		return fmt.Errorf("write chat metadata: %w", err)
	}
	return nil
}

func (r *ChatMetaRepo) Get(token string) (*domain.Chat, error) {
	raw, err := os.ReadFile(r.path(token))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, apierr.NotFound("Chat")
	}
	if err != nil {
		return nil, fmt.Errorf("read chat metadata: %w", err)
	}
	var chat domain.Chat
	if err := json.Unmarshal(raw, &chat); err != nil {
		return nil, fmt.Errorf("decode chat metadata: %w", err)
	}
	return &chat, nil
}

// ListByUser returns the user's chats sorted by createdAt descending.
// Unreadable sidecars are logged and skipped.
func (r *ChatMetaRepo) ListByUser(userID string) ([]*domain.Chat, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, fmt.Errorf("list metadata dir: %w", err)
	}
	var out []*domain.Chat
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		chat, err := r.Get(strings.TrimSuffix(entry.Name(), ".json"))
		if err != nil {
			r.log.Warn("skipping unreadable chat sidecar", "file", entry.Name(), "error", err)
			continue
		}
		if chat.OwnedBy(userID) {
			out = append(out, chat)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
	return out, nil
}

// UpdateConfig merges the provided patch into the stored config. Zero-value
// patch fields leave the current value alone; key sets replace wholesale.
func (r *ChatMetaRepo) UpdateConfig(token string, patch domain.ChatConfig) (*domain.Chat, error) {
	chat, err := r.Get(token)
	if err != nil {
		return nil, err
	}
	cfg := &chat.Config
	if p := strings.TrimSpace(patch.Provider); p != "" {
		cfg.Provider = p
	}
	if m := strings.TrimSpace(patch.Model); m != "" {
		cfg.Model = m
	}
	if patch.Temperature > 0 {
		cfg.Temperature = patch.Temperature
	}
	if patch.SystemInstruction != "" {
		cfg.SystemInstruction = patch.SystemInstruction
	}
	if patch.EmbeddingKeys != nil {
		cfg.EmbeddingKeys = patch.EmbeddingKeys
	}
	if patch.GenerationKeys != nil {
		cfg.GenerationKeys = patch.GenerationKeys
	}
	if patch.RateLimits != (domain.RateLimits{}) {
		cfg.RateLimits = patch.RateLimits
	}
	if patch.EmbeddingDimension > 0 {
		cfg.EmbeddingDimension = patch.EmbeddingDimension
	}
	chat.UpdatedAt = time.Now().UnixMilli()
	if err := r.Save(chat); err != nil {
		return nil, err
	}
	return chat, nil
}

func (r *ChatMetaRepo) UpdateTitle(token, title string) (*domain.Chat, error) {
	chat, err := r.Get(token)
	if err != nil {
		return nil, err
	}
	chat.Title = strings.TrimSpace(title)
	chat.UpdatedAt = time.Now().UnixMilli()
	if err := r.Save(chat); err != nil {
		return nil, err
	}
	return chat, nil
}

// Touch bumps updatedAt after a completed turn.
func (r *ChatMetaRepo) Touch(token string) error {
	chat, err := r.Get(token)
	if err != nil {
		return err
	}
	chat.UpdatedAt = time.Now().UnixMilli()
	return r.Save(chat)
}

func (r *ChatMetaRepo) Delete(token string) error {
	err := os.Remove(r.path(token))
	if errors.Is(err, fs.ErrNotExist) {
		return apierr.NotFound("Chat")
	}
	return err
}
