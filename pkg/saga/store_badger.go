package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"

	"github.com/goclaw/ordersaga/pkg/logger"
)

const (
	sagaKeyPrefix        = "saga:"
	sagaIndexStatePrefix = "saga:index:state:"
)

// BadgerStore stores saga records in Badger.
//
// Records live at "saga:{orderID}". A secondary index
// "saga:index:state:{state}:{createdAtNanos}:{orderID}" keeps ListByState in creation order.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore creates a Badger-backed saga store.
func NewBadgerStore(db *badger.DB) (*BadgerStore, error) {
	if db == nil {
		return nil, fmt.Errorf("badger db cannot be nil")
	}
	return &BadgerStore{db: db}, nil
}

// Get loads one record by order id.
func (s *BadgerStore) Get(ctx context.Context, orderID string) (*Record, error) {
	var rec *Record
	err := s.db.View(func(txn *badger.Txn) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		loaded, err := getInTxn(txn, orderID)
		if err != nil {
			return err
		}
		rec = loaded
		return nil
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, newError("get", orderID, ErrNotFound, nil)
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, Transient("badger get", err)
	}
	return rec, nil
}

// Upsert writes rec and maintains the state index in one transaction.
func (s *BadgerStore) Upsert(ctx context.Context, rec *Record) error {
	if rec == nil {
		return fmt.Errorf("saga record cannot be nil")
	}

	next := rec.Clone()
	next.Version = rec.Version + 1
	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("marshal saga record: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		if err := ctx.Err(); err != nil {
			return err
		}

		var previous *Record
		existing, err := getInTxn(txn, rec.OrderID)
		switch {
		case err == nil:
			previous = existing
		case errors.Is(err, badger.ErrKeyNotFound):
		default:
			return err
		}

		var current int64
		if previous != nil {
			current = previous.Version
		}
		if current != rec.Version {
			return newError("upsert", rec.OrderID, ErrVersionConflict, nil)
		}

		if err := txn.Set([]byte(sagaDataKey(rec.OrderID)), data); err != nil {
			return err
		}
		if err := txn.Set([]byte(stateIndexKey(next)), []byte{}); err != nil {
			return err
		}
		if previous != nil && previous.State != next.State {
			if err := txn.Delete([]byte(stateIndexKey(previous))); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrVersionConflict) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		if errors.Is(err, badger.ErrConflict) {
			return newError("upsert", rec.OrderID, ErrVersionConflict, err)
		}
		return Transient("badger upsert", err)
	}

	rec.Version = next.Version
	return nil
}

// ListByState walks the state index, which is ordered by creation time. Index entries whose
// record is missing or does not decode are logged and skipped.
func (s *BadgerStore) ListByState(ctx context.Context, state State) ([]*Record, error) {
	records := make([]*Record, 0)
	prefix := []byte(stateIndexPrefix(state))

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			orderID := orderIDFromIndexKey(string(it.Item().Key()))
			rec, err := getInTxn(txn, orderID)
			if err != nil {
				logger.FromContext(ctx).WarnContext(ctx, "Skipping unreadable saga record",
					"store", "badger", "order_id", orderID, "state", state.String(), "error", err)
				continue
			}
			if rec.State != state {
				continue
			}
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, Transient("badger list", err)
	}
	return records, nil
}

func getInTxn(txn *badger.Txn, orderID string) (*Record, error) {
	item, err := txn.Get([]byte(sagaDataKey(orderID)))
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &rec) }); err != nil {
		return nil, err
	}
	return &rec, nil
}

func sagaDataKey(orderID string) string {
	return sagaKeyPrefix + orderID
}

func stateIndexPrefix(state State) string {
	return sagaIndexStatePrefix + state.String() + ":"
}

// stateIndexKey embeds a zero-padded creation timestamp so lexical order is creation order.
func stateIndexKey(rec *Record) string {
	return fmt.Sprintf("%s%020d:%s", stateIndexPrefix(rec.State), rec.CreatedAt.UnixNano(), rec.OrderID)
}

func orderIDFromIndexKey(key string) string {
	// {state}:{20 digits}:{orderID}; order ids may themselves contain ':'.
	parts := strings.SplitN(strings.TrimPrefix(key, sagaIndexStatePrefix), ":", 3)
	if len(parts) != 3 {
		return ""
	}
	return parts[2]
}
