package heap

import (
	"bytes"
	"encoding/binary"
	"time"

	"github.com/coocood/badger"
	"github.com/cznic/mathutil"
	"github.com/google/btree"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/pingcap-incubator/tinystm/stm"
)

// Snapshot layout: one entry per object under 'o' + big-endian id, plus a
// meta entry carrying the commit clock and the id allocator.
var (
	objectKeyPrefix = []byte{'o'}
	metaKey         = []byte("m/state")
)

const snapshotBatchSize = 128

func objectKey(id ObjectID) []byte {
	key := make([]byte, 9)
	key[0] = objectKeyPrefix[0]
	binary.BigEndian.PutUint64(key[1:], uint64(id))
	return key
}

func encodeCell(c *cell) []byte {
	buf := make([]byte, 8+4+len(c.data)+4+8*len(c.refs))
	binary.BigEndian.PutUint64(buf, c.version)
	binary.BigEndian.PutUint32(buf[8:], uint32(len(c.data)))
	copy(buf[12:], c.data)
	off := 12 + len(c.data)
	binary.BigEndian.PutUint32(buf[off:], uint32(len(c.refs)))
	off += 4
	for _, ref := range c.refs {
		binary.BigEndian.PutUint64(buf[off:], uint64(ref))
		off += 8
	}
	return buf
}

func decodeCell(id ObjectID, buf []byte) (*cell, error) {
	if len(buf) < 12 {
		return nil, errors.Errorf("heap: truncated record for object %d", id)
	}
	c := &cell{id: id, version: binary.BigEndian.Uint64(buf)}
	dataLen := int(binary.BigEndian.Uint32(buf[8:]))
	if len(buf) < 12+dataLen+4 {
		return nil, errors.Errorf("heap: truncated payload for object %d", id)
	}
	c.data = copyBytes(buf[12 : 12+dataLen])
	off := 12 + dataLen
	refCount := int(binary.BigEndian.Uint32(buf[off:]))
	off += 4
	if len(buf) < off+8*refCount {
		return nil, errors.Errorf("heap: truncated references for object %d", id)
	}
	if refCount > 0 {
		c.refs = make([]ObjectID, refCount)
		for i := 0; i < refCount; i++ {
			c.refs[i] = ObjectID(binary.BigEndian.Uint64(buf[off:]))
			off += 8
		}
	}
	return c, nil
}

// SnapshotTo writes every committed object to db. The caller must hold the
// globally unique claim through h, so the directory cannot move under the
// scan. Writes are paced by the configured rate limit and batched into
// moderate update transactions.
func (e *Engine) SnapshotTo(h stm.ThreadHandle, db *badger.DB) error {
	t := h.(*threadState)
	e.mu.Lock()
	holder := e.stopWorld
	e.mu.Unlock()
	if holder != t {
		panic("heap: snapshot without a globally unique transaction")
	}

	start := time.Now()
	type record struct {
		key, value []byte
	}
	var batch []record
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		err := db.Update(func(txn *badger.Txn) error {
			for _, r := range batch {
				if err := txn.SetEntry(&badger.Entry{Key: r.key, Value: r.value}); err != nil {
					return err
				}
			}
			return nil
		})
		batch = batch[:0]
		return err
	}

	var count int
	var werr error
	e.treeMu.RLock()
	e.tree.Ascend(func(item btree.Item) bool {
		c := item.(*cell)
		value := compressValue(encodeCell(c))
		if e.snapshotLimiter != nil {
			e.snapshotLimiter.Wait(int64(len(value)))
		}
		batch = append(batch, record{key: objectKey(c.id), value: value})
		count++
		if len(batch) >= snapshotBatchSize {
			if werr = flush(); werr != nil {
				return false
			}
		}
		return true
	})
	e.treeMu.RUnlock()
	if werr == nil {
		werr = flush()
	}
	if werr != nil {
		return errors.WithStack(werr)
	}

	meta := make([]byte, 16)
	binary.BigEndian.PutUint64(meta, e.clock.Load())
	binary.BigEndian.PutUint64(meta[8:], e.nextID.Load())
	err := db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(&badger.Entry{Key: metaKey, Value: compressValue(meta)})
	})
	if err != nil {
		return errors.WithStack(err)
	}

	snapshotDurationHistogram.Observe(time.Since(start).Seconds())
	log.Info("heap snapshot written",
		zap.Int("objects", count), zap.Duration("take", time.Since(start)))
	return nil
}

// RestoreFrom replaces the directory with the snapshot in db. Only valid
// while no threads are registered, before workers start.
func (e *Engine) RestoreFrom(db *badger.DB) error {
	e.mu.Lock()
	n := len(e.threads)
	e.mu.Unlock()
	if n != 0 {
		panic("heap: restore with threads still registered")
	}

	tree := btree.New(defaultBTreeDegree)
	var count int
	var maxID uint64
	err := db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key := item.Key()
			if bytes.Equal(key, metaKey) {
				val, err := item.Value()
				if err != nil {
					return errors.WithStack(err)
				}
				meta, err := decompressValue(val)
				if err != nil {
					return err
				}
				if len(meta) != 16 {
					return errors.New("heap: corrupt snapshot meta entry")
				}
				e.clock.Store(binary.BigEndian.Uint64(meta))
				e.nextID.Store(binary.BigEndian.Uint64(meta[8:]))
				continue
			}
			if len(key) != 9 || key[0] != objectKeyPrefix[0] {
				continue
			}
			id := ObjectID(binary.BigEndian.Uint64(key[1:]))
			val, err := item.Value()
			if err != nil {
				return errors.WithStack(err)
			}
			raw, err := decompressValue(val)
			if err != nil {
				return err
			}
			c, err := decodeCell(id, raw)
			if err != nil {
				return err
			}
			tree.ReplaceOrInsert(c)
			maxID = mathutil.MaxUint64(maxID, uint64(id))
			count++
		}
		return nil
	})
	if err != nil {
		return errors.WithStack(err)
	}
	e.nextID.Store(mathutil.MaxUint64(e.nextID.Load(), maxID))

	e.treeMu.Lock()
	e.tree = tree
	e.treeMu.Unlock()
	log.Info("heap restored from snapshot", zap.Int("objects", count))
	return nil
}
