package heap

import (
	"encoding/binary"

	"github.com/dgryski/go-farm"
	"github.com/google/btree"
)

// ObjectID names one object in the shared heap. IDs are minted once and
// never reused, so a dangling id is always a caller bug, not a recycled
// slot.
type ObjectID uint64

// objectHeaderSize is the per-object bookkeeping charged to the nursery on
// top of the payload.
const objectHeaderSize = 16

var _ btree.Item = &cell{}

// cell is the committed state of one object. version is the commit
// timestamp of the transaction that last wrote it; readers compare it
// against their start timestamp to detect stale data.
type cell struct {
	id      ObjectID
	version uint64
	data    []byte
	refs    []ObjectID
}

func (c *cell) Less(other btree.Item) bool {
	return c.id < other.(*cell).id
}

// pendingObject is a buffered write or allocation, private to its
// transaction until commit.
type pendingObject struct {
	data []byte
	refs []ObjectID
}

// stripeOf maps an id onto the commit lock table.
func stripeOf(id ObjectID, stripes int) int {
	var key [8]byte
	binary.BigEndian.PutUint64(key[:], uint64(id))
	return int(farm.Fingerprint64(key[:]) % uint64(stripes))
}

func copyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func copyRefs(refs []ObjectID) []ObjectID {
	if refs == nil {
		return nil
	}
	out := make([]ObjectID, len(refs))
	copy(out, refs)
	return out
}
