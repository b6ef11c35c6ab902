package steps

import (
	"context"
	"sync"
	"time"

	"github.com/fablemind/fablemind-backend/internal/domain"
)

// autoRepairCooldown is the minimum interval between background repair
// passes on one chat.
const autoRepairCooldown = 5 * time.Minute

var repairTracker = struct {
	mu   sync.Mutex
	last map[string]time.Time
}{last: map[string]time.Time{}}

// MaybeAutoRepair kicks off a background zero-embedding repair of fatos and
// conceitos (historico is too large) when the chat's cooldown elapsed.
// Failures are logged and never block the turn.
func MaybeAutoRepair(deps Deps, chat *domain.Chat) {
	repairTracker.mu.Lock()
	last, ok := repairTracker.last[chat.Token]
	if ok && time.Since(last) < autoRepairCooldown {
		repairTracker.mu.Unlock()
		return
	}
	repairTracker.last[chat.Token] = time.Now()
	repairTracker.mu.Unlock()

	cfg := chat.Config
	token := chat.Token
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		repaired, err := deps.Store.RepairZeroEmbeddings(ctx, token,
			[]domain.Collection{domain.CollectionFatos, domain.CollectionConceitos},
			func(ctx context.Context, text string) ([]float32, error) {
				return deps.Embed.GenerateEmbedding(ctx, text, cfg)
			}, time.Second)
		if err != nil {
			deps.Log.Warn("background repair failed", "chat_token", token, "error", err)
			return
		}
		if repaired > 0 {
			deps.Log.Info("background repair completed", "chat_token", token, "repaired", repaired)
		}
	}()
}
