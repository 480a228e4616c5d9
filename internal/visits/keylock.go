package visits

import (
	"hash/fnv"
	"sync"
)

const lockShards = 64

// keyLock linearizes session merges per (tenant, person, site) key without
// serializing unrelated people. Striping keeps the lock table bounded; a
// hash collision only costs contention, never correctness.
type keyLock struct {
	shards [lockShards]sync.Mutex
}

func (k *keyLock) lock(key string) func() {
	h := fnv.New32a()
	h.Write([]byte(key))
	m := &k.shards[h.Sum32()%lockShards]
	m.Lock()
	return m.Unlock
}
