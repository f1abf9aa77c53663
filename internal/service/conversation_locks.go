package service

import (
	"hash/fnv"
	"sync"
)

const lockStripes = 64

// stripedLock serializes commit-and-publish per conversation so update events leave
// the engine in commit order. Unrelated conversations rarely share a stripe.
type stripedLock struct {
	stripes [lockStripes]sync.Mutex
}

func newStripedLock() *stripedLock {
	return &stripedLock{}
}

func (l *stripedLock) lock(id string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	m := &l.stripes[h.Sum32()%lockStripes]
	m.Lock()
	return m.Unlock
}
