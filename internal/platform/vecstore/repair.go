package vecstore

import (
	"context"
	"strings"
	"time"

	"github.com/fablemind/fablemind-backend/internal/domain"
)

// EmbedFunc re-embeds one text during repair.
type EmbedFunc func(ctx context.Context, text string) ([]float32, error)

// CountZeroEmbeddings counts the repair-sentinel records in one collection.
func (s *Store) CountZeroEmbeddings(ctx context.Context, token string, coll domain.Collection) (int, error) {
	all, err := s.GetAllRecords(ctx, token, coll)
	if err != nil {
		return 0, err
	}
	count := 0
	for i := range all {
		if all[i].HasZeroVector() {
			count++
		}
	}
	return count, nil
}

// RepairZeroEmbeddings re-embeds zero-vector messages using embed, waiting
// throttle between calls. Messages with empty text are skipped. Individual
// embedding failures are logged and skipped; the repaired count is returned.
func (s *Store) RepairZeroEmbeddings(ctx context.Context, token string, colls []domain.Collection, embed EmbedFunc, throttle time.Duration) (int, error) {
	if len(colls) == 0 {
		colls = domain.AllCollections()
	}
	repaired := 0
	for _, coll := range colls {
		all, err := s.GetAllRecords(ctx, token, coll)
		if err != nil {
			return repaired, err
		}
		for i := range all {
			msg := all[i]
			if !msg.HasZeroVector() || strings.TrimSpace(msg.Text) == "" {
				continue
			}
			if err := ctx.Err(); err != nil {
				return repaired, err
			}
			vec, err := embed(ctx, msg.Text)
			if err != nil {
				s.log.Warn("repair embedding failed",
					"chat_token", token, "collection", coll, "messageid", msg.MessageID, "error", err)
				continue
			}
			if err := s.UpdateRecordByMessageID(ctx, token, msg.MessageID, msg.Text, vec); err != nil {
				s.log.Warn("repair update failed",
					"chat_token", token, "messageid", msg.MessageID, "error", err)
				continue
			}
			repaired++
			if throttle > 0 {
				select {
				case <-ctx.Done():
					return repaired, ctx.Err()
				case <-time.After(throttle):
				}
			}
		}
	}
	return repaired, nil
}
