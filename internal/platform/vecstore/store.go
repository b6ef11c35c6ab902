package vecstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"

	"github.com/fablemind/fablemind-backend/internal/domain"
	"github.com/fablemind/fablemind-backend/internal/platform/logger"
)

// Store persists chat-scoped memory collections on an embedded badger DB.
// One logical table per (chat token, collection); record keys are sorted by
// message id under the table prefix, and a per-chat id index maps a message
// id to the collection that owns it.
type Store struct {
	log *logger.Logger
	cfg Config
	db  *badger.DB
}

func Open(log *logger.Logger, cfg Config) (*Store, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	opts := badger.DefaultOptions(cfg.Dir)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, opErr("open", OperationErrorWriteFailed, "open badger database failed", err)
	}
	s := &Store{log: log.With("service", "VectorStore"), cfg: cfg, db: db}
	s.log.Info("vector store opened", "dir", cfg.Dir, "vector_dim", cfg.VectorDim)
	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) VectorDim() int { return s.cfg.VectorDim }

func tableKey(token string, coll domain.Collection, messageID string) []byte {
	return []byte(fmt.Sprintf("tbl:%s-%s:%s", token, coll, messageID))
}

func tablePrefix(token string, coll domain.Collection) []byte {
	return []byte(fmt.Sprintf("tbl:%s-%s:", token, coll))
}

func tableMarkerKey(token string, coll domain.Collection) []byte {
	return []byte(fmt.Sprintf("meta:tbl:%s-%s", token, coll))
}

func indexKey(token, messageID string) []byte {
	return []byte(fmt.Sprintf("idx:%s:%s", token, messageID))
}

func indexPrefix(token string) []byte {
	return []byte(fmt.Sprintf("idx:%s:", token))
}

// InitializeCollections creates the three empty tables for a chat.
// Idempotent on pre-existing tables.
func (s *Store) InitializeCollections(ctx context.Context, token string) error {
	const op = "initialize_collections"
	token = strings.TrimSpace(token)
	if token == "" {
		return opErr(op, OperationErrorValidation, "chat token is required", nil)
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		for _, coll := range domain.AllCollections() {
			if err := txn.Set(tableMarkerKey(token, coll), []byte("1")); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return opErr(op, OperationErrorWriteFailed, "create collection tables failed", err)
	}
	return nil
}

func (s *Store) tableExists(txn *badger.Txn, token string, coll domain.Collection) bool {
	_, err := txn.Get(tableMarkerKey(token, coll))
	return err == nil
}

// InsertRecord appends a message to one collection. The vector must match
// the configured dimension; a zero vector is allowed (repair sentinel).
func (s *Store) InsertRecord(ctx context.Context, token string, coll domain.Collection, msg domain.Message) error {
	const op = "insert"
	token = strings.TrimSpace(token)
	if token == "" || strings.TrimSpace(msg.MessageID) == "" {
		return opErr(op, OperationErrorValidation, "chat token and message id are required", nil)
	}
	if len(msg.Vector) != s.cfg.VectorDim {
		return opErr(op, OperationErrorValidation,
			fmt.Sprintf("vector dimension mismatch: expected=%d got=%d", s.cfg.VectorDim, len(msg.Vector)), nil)
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return opErr(op, OperationErrorWriteFailed, "encode message failed", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(tableMarkerKey(token, coll), []byte("1")); err != nil {
			return err
		}
		if err := txn.Set(tableKey(token, coll, msg.MessageID), raw); err != nil {
			return err
		}
		return txn.Set(indexKey(token, msg.MessageID), []byte(coll))
	})
	if err != nil {
		return opErr(op, OperationErrorWriteFailed, "insert record failed", err)
	}
	return nil
}

// GetAllRecords scans one collection. Callers sort by CreatedAt.
// A missing table returns empty, not an error.
func (s *Store) GetAllRecords(ctx context.Context, token string, coll domain.Collection) ([]domain.Message, error) {
	const op = "scan"
	var out []domain.Message
	err := s.db.View(func(txn *badger.Txn) error {
		if !s.tableExists(txn, token, coll) {
			return nil
		}
		prefix := tablePrefix(token, coll)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			err := it.Item().Value(func(val []byte) error {
				var msg domain.Message
				if err := json.Unmarshal(val, &msg); err != nil {
					return err
				}
				out = append(out, msg)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, opErr(op, OperationErrorQueryFailed, "scan collection failed", err)
	}
	return out, nil
}

// GetRecordByMessageID resolves a message across the chat's collections via
// the id index.
func (s *Store) GetRecordByMessageID(ctx context.Context, token, messageID string) (*domain.Message, domain.Collection, error) {
	const op = "get_by_id"
	var (
		msg  domain.Message
		coll domain.Collection
	)
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(indexKey(token, messageID))
		if err != nil {
			return err
		}
		if err := item.Value(func(val []byte) error {
			coll = domain.Collection(val)
			return nil
		}); err != nil {
			return err
		}
		rec, err := txn.Get(tableKey(token, coll, messageID))
		if err != nil {
			return err
		}
		return rec.Value(func(val []byte) error {
			return json.Unmarshal(val, &msg)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, "", opErr(op, OperationErrorNotFound, "message not found", err)
	}
	if err != nil {
		return nil, "", opErr(op, OperationErrorQueryFailed, "load record failed", err)
	}
	return &msg, coll, nil
}

// UpdateRecordByMessageID replaces text and vector under the same id,
// preserving role and createdAt. Implemented as delete-then-insert inside
// one transaction.
func (s *Store) UpdateRecordByMessageID(ctx context.Context, token, messageID, newText string, newVector []float32) error {
	const op = "update"
	if len(newVector) != s.cfg.VectorDim {
		return opErr(op, OperationErrorValidation,
			fmt.Sprintf("vector dimension mismatch: expected=%d got=%d", s.cfg.VectorDim, len(newVector)), nil)
	}
	existing, coll, err := s.GetRecordByMessageID(ctx, token, messageID)
	if err != nil {
		return err
	}
	updated := *existing
	updated.Text = newText
	updated.Vector = newVector
	raw, err := json.Marshal(updated)
	if err != nil {
		return opErr(op, OperationErrorWriteFailed, "encode message failed", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		key := tableKey(token, coll, messageID)
		if err := txn.Delete(key); err != nil {
			return err
		}
		return txn.Set(key, raw)
	})
	if err != nil {
		return opErr(op, OperationErrorWriteFailed, "update record failed", err)
	}
	return nil
}

// DeleteRecordByMessageID removes a message from whichever collections hold
// it. The delete commits before return, so a subsequent search can never
// surface the id. Returns whether a matching row existed.
func (s *Store) DeleteRecordByMessageID(ctx context.Context, token, messageID string) (bool, error) {
	const op = "delete"
	deleted := false
	err := s.db.Update(func(txn *badger.Txn) error {
		for _, coll := range domain.AllCollections() {
			key := tableKey(token, coll, messageID)
			if _, err := txn.Get(key); err != nil {
				if errors.Is(err, badger.ErrKeyNotFound) {
					continue
				}
				return err
			}
			if err := txn.Delete(key); err != nil {
				return err
			}
			deleted = true
		}
		if deleted {
			if err := txn.Delete(indexKey(token, messageID)); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return false, opErr(op, OperationErrorWriteFailed, "delete record failed", err)
	}
	return deleted, nil
}

// DropChat removes all three tables, the id index and the association edges
// of a chat.
func (s *Store) DropChat(ctx context.Context, token string) error {
	const op = "drop_chat"
	prefixes := [][]byte{indexPrefix(token), assocPrefix(token)}
	for _, coll := range domain.AllCollections() {
		prefixes = append(prefixes, tablePrefix(token, coll))
	}
	if err := s.db.DropPrefix(prefixes...); err != nil {
		return opErr(op, OperationErrorWriteFailed, "drop chat failed", err)
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		for _, coll := range domain.AllCollections() {
			if err := txn.Delete(tableMarkerKey(token, coll)); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return opErr(op, OperationErrorWriteFailed, "drop chat markers failed", err)
	}
	return nil
}
