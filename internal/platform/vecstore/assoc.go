package vecstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"
)

// Edge is one association between two memories of a chat. Edges reference
// messages by id only; they are advisory retrieval metadata, never a
// correctness input.
type Edge struct {
	SourceID           string  `json:"sourceId"`
	TargetID           string  `json:"targetId"`
	Strength           float64 `json:"strength"`
	CoOccurrences      int     `json:"coOccurrences"`
	LastMessageUpdated int64   `json:"lastMessageUpdated"`
}

func assocPrefix(token string) []byte {
	return []byte(fmt.Sprintf("assoc:%s:", token))
}

func assocKey(token, sourceID, targetID string) []byte {
	// Canonical order so (a,b) and (b,a) share one edge.
	if targetID < sourceID {
		sourceID, targetID = targetID, sourceID
	}
	return []byte(fmt.Sprintf("assoc:%s:%s|%s", token, sourceID, targetID))
}

// StrengthenAssociation applies a load-mutate-store increment to the edge
// between two co-retrieved memories.
func (s *Store) StrengthenAssociation(ctx context.Context, token, sourceID, targetID string, nowMS int64) error {
	const op = "assoc_strengthen"
	sourceID = strings.TrimSpace(sourceID)
	targetID = strings.TrimSpace(targetID)
	if sourceID == "" || targetID == "" || sourceID == targetID {
		return nil
	}
	key := assocKey(token, sourceID, targetID)
	err := s.db.Update(func(txn *badger.Txn) error {
		edge := Edge{SourceID: sourceID, TargetID: targetID}
		if sourceID > targetID {
			edge.SourceID, edge.TargetID = targetID, sourceID
		}
		item, err := txn.Get(key)
		if err == nil {
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &edge)
			}); err != nil {
				return err
			}
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		edge.CoOccurrences++
		edge.Strength += 1.0 / float64(edge.CoOccurrences)
		edge.LastMessageUpdated = nowMS
		raw, err := json.Marshal(edge)
		if err != nil {
			return err
		}
		return txn.Set(key, raw)
	})
	if err != nil {
		return opErr(op, OperationErrorWriteFailed, "strengthen association failed", err)
	}
	return nil
}

// AssociationsFor lists the edges touching one message id.
func (s *Store) AssociationsFor(ctx context.Context, token, messageID string) ([]Edge, error) {
	const op = "assoc_list"
	var out []Edge
	prefix := assocPrefix(token)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var edge Edge
				if err := json.Unmarshal(val, &edge); err != nil {
					return err
				}
				if edge.SourceID == messageID || edge.TargetID == messageID {
					out = append(out, edge)
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, opErr(op, OperationErrorQueryFailed, "list associations failed", err)
	}
	return out, nil
}
