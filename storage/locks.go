package storage

import (
	"sync"

	"github.com/spaolacci/murmur3"
)

const lockStripes = 256

// keyLocks serializes writers of the same blob. Distinct blobs may share a
// stripe, which only costs some parallelism.
type keyLocks struct {
	stripes [lockStripes]sync.Mutex
}

func (l *keyLocks) lock(id string) (unlock func()) {
	m := &l.stripes[murmur3.Sum32([]byte(id))%lockStripes]
	m.Lock()
	return m.Unlock
}
