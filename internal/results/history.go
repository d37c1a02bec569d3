package results

import (
	"encoding/binary"
	"encoding/json"
	"time"

	"github.com/boltdb/bolt"
	"github.com/pkg/errors"
)

var (
	runsBucket      = []byte("runs")
	aggregateBucket = []byte("aggregate")
	aggregateKey    = []byte("results")
)

// History keeps every persisted run and a running aggregate in a bolt file.
type History struct {
	db *bolt.DB
}

func OpenHistory(path string) (*History, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "open history %s", path)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(runsBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(aggregateBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "create history buckets")
	}
	return &History{db: db}, nil
}

func (h *History) Close() error {
	return h.db.Close()
}

// runKey orders runs by time, with the run ID breaking ties.
func runKey(r Record) []byte {
	key := make([]byte, 8, 8+len(r.ID))
	binary.BigEndian.PutUint64(key, uint64(r.Timestamp.UnixNano()))
	return append(key, r.ID...)
}

// Append stores a valid record and merges its results into the aggregate,
// returning the updated aggregate.
func (h *History) Append(r Record) (Set, error) {
	if !r.Valid {
		return nil, errors.Wrap(ErrIncompleteResultSet, "refusing to record")
	}
	raw, err := json.Marshal(r)
	if err != nil {
		return nil, errors.Wrap(err, "encode record")
	}

	var merged Set
	err = h.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(runsBucket).Put(runKey(r), raw); err != nil {
			return err
		}

		agg := tx.Bucket(aggregateBucket)
		existing := Set{}
		if prev := agg.Get(aggregateKey); prev != nil {
			if err := json.Unmarshal(prev, &existing); err != nil {
				return errors.Wrap(err, "decode aggregate")
			}
		}
		merged = Merge(existing, r.Results)

		encoded, err := json.Marshal(merged)
		if err != nil {
			return err
		}
		return agg.Put(aggregateKey, encoded)
	})
	if err != nil {
		return nil, errors.Wrap(err, "append history")
	}
	return merged, nil
}

// Aggregate returns the accumulated result set, empty when nothing was recorded.
func (h *History) Aggregate() (Set, error) {
	out := Set{}
	err := h.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(aggregateBucket).Get(aggregateKey)
		if raw == nil {
			return nil
		}
		return json.Unmarshal(raw, &out)
	})
	if err != nil {
		return nil, errors.Wrap(err, "read aggregate")
	}
	return out, nil
}

// Recent returns up to n records, newest first.
func (h *History) Recent(n int) ([]Record, error) {
	var out []Record
	err := h.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(runsBucket).Cursor()
		for k, v := c.Last(); k != nil && len(out) < n; k, v = c.Prev() {
			var r Record
			if err := json.Unmarshal(v, &r); err != nil {
				return errors.Wrapf(err, "decode run %x", k)
			}
			out = append(out, r)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "read history")
	}
	return out, nil
}
