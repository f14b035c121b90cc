package ledger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
)

// keys: st (state record), sq (last trade id), t:<8-byte big-endian id>
var (
	kState = []byte("st")
	kSeq   = []byte("sq")
	pTrade = []byte("t:")
)

func tradeKey(id int64) []byte {
	k := make([]byte, len(pTrade)+8)
	copy(k, pTrade)
	binary.BigEndian.PutUint64(k[len(pTrade):], uint64(id))
	return k
}

func keyUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

// PebbleStore keeps the ledger in an embedded Pebble LSM. Each Commit is one synced batch.
type PebbleStore struct {
	db *pebble.DB
}

func NewPebbleStore(path string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open pebble: %v", ErrPersistence, err)
	}
	return &PebbleStore{db: db}, nil
}

var _ Store = (*PebbleStore)(nil)

func (s *PebbleStore) Load(ctx context.Context) (Record, error) {
	val, closer, err := s.db.Get(kState)
	if errors.Is(err, pebble.ErrNotFound) {
		return Record{}, nil
	}
	if err != nil {
		return Record{}, fmt.Errorf("%w: failed to get state: %v", ErrPersistence, err)
	}
	defer closer.Close()

	var rec Record
	if err := json.Unmarshal(val, &rec); err != nil {
		return Record{}, fmt.Errorf("%w: failed to unmarshal state: %v", ErrPersistence, err)
	}
	return rec, nil
}

func (s *PebbleStore) lastID() (int64, error) {
	val, closer, err := s.db.Get(kSeq)
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer closer.Close()
	if len(val) != 8 {
		return 0, fmt.Errorf("corrupt trade sequence")
	}
	return int64(binary.BigEndian.Uint64(val)), nil
}

func (s *PebbleStore) Commit(ctx context.Context, rec Record, trade *Trade) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("%w: failed to marshal state: %v", ErrPersistence, err)
	}

	batch := s.db.NewBatch()
	defer batch.Close()

	if err := batch.Set(kState, data, nil); err != nil {
		return fmt.Errorf("%w: failed to stage state: %v", ErrPersistence, err)
	}

	if trade != nil {
		id, err := s.lastID()
		if err != nil {
			return fmt.Errorf("%w: failed to read trade sequence: %v", ErrPersistence, err)
		}
		t := *trade
		t.ID = id + 1

		val, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("%w: failed to marshal trade: %v", ErrPersistence, err)
		}
		var seq [8]byte
		binary.BigEndian.PutUint64(seq[:], uint64(t.ID))
		if err := batch.Set(tradeKey(t.ID), val, nil); err != nil {
			return fmt.Errorf("%w: failed to stage trade: %v", ErrPersistence, err)
		}
		if err := batch.Set(kSeq, seq[:], nil); err != nil {
			return fmt.Errorf("%w: failed to stage trade sequence: %v", ErrPersistence, err)
		}
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("%w: failed to commit batch: %v", ErrPersistence, err)
	}
	return nil
}

func (s *PebbleStore) Trades(ctx context.Context, limit int) ([]Trade, error) {
	if limit <= 0 {
		return nil, nil
	}
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: pTrade,
		UpperBound: keyUpperBound(pTrade),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open iterator: %v", ErrPersistence, err)
	}
	defer iter.Close()

	var trades []Trade
	for iter.Last(); iter.Valid() && len(trades) < limit; iter.Prev() {
		var t Trade
		if err := json.Unmarshal(iter.Value(), &t); err != nil {
			return nil, fmt.Errorf("%w: failed to unmarshal trade: %v", ErrPersistence, err)
		}
		trades = append(trades, t)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("%w: iterator error: %v", ErrPersistence, err)
	}
	return trades, nil
}

func (s *PebbleStore) Close() error {
	return s.db.Close()
}
