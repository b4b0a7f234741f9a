package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
)

const (
	deadLetterKeyPrefix     = "deadletter:"
	deadLetterChannelPrefix = "deadletter:channel:"
)

// BadgerDeadLetterStore persists dead letters in Badger.
//
// Entries live at "deadletter:{id}" with an index
// "deadletter:channel:{channel}:{nanos}:{id}" so List walks a channel in order.
type BadgerDeadLetterStore struct {
	db *badger.DB
}

// NewBadgerDeadLetterStore creates a Badger-backed dead-letter store.
func NewBadgerDeadLetterStore(db *badger.DB) (*BadgerDeadLetterStore, error) {
	if db == nil {
		return nil, fmt.Errorf("badger db cannot be nil")
	}
	return &BadgerDeadLetterStore{db: db}, nil
}

func (s *BadgerDeadLetterStore) Add(ctx context.Context, dl DeadLetter) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if dl.ID == "" {
		return fmt.Errorf("dead letter id cannot be empty")
	}
	data, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(deadLetterKeyPrefix+dl.ID), data); err != nil {
			return err
		}
		return txn.Set([]byte(deadLetterIndexKey(dl)), []byte(dl.ID))
	})
}

func (s *BadgerDeadLetterStore) List(ctx context.Context, channel string) ([]DeadLetter, error) {
	out := make([]DeadLetter, 0)
	prefix := deadLetterChannelPrefix
	if channel != "" {
		prefix += channel + ":"
	}

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			id, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			dl, err := getDeadLetterInTxn(txn, string(id))
			if err != nil {
				continue
			}
			if channel != "" && dl.Channel != channel {
				continue
			}
			out = append(out, dl)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if channel == "" {
		sortDeadLetters(out)
	}
	return out, nil
}

func (s *BadgerDeadLetterStore) Get(ctx context.Context, id string) (DeadLetter, error) {
	if err := ctx.Err(); err != nil {
		return DeadLetter{}, err
	}
	var dl DeadLetter
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		dl, err = getDeadLetterInTxn(txn, id)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return DeadLetter{}, ErrDeadLetterNotFound
	}
	return dl, err
}

func getDeadLetterInTxn(txn *badger.Txn, id string) (DeadLetter, error) {
	item, err := txn.Get([]byte(deadLetterKeyPrefix + id))
	if err != nil {
		return DeadLetter{}, err
	}
	var dl DeadLetter
	err = item.Value(func(v []byte) error { return json.Unmarshal(v, &dl) })
	return dl, err
}

func deadLetterIndexKey(dl DeadLetter) string {
	return fmt.Sprintf("%s%s:%020d:%s", deadLetterChannelPrefix, dl.Channel, dl.DeadLetteredAt.UnixNano(), dl.ID)
}
