package kafka

import (
	"sort"
	"sync"

	"github.com/segmentio/kafka-go"
)

// offsetTracker records fetched and completed offsets per partition. A
// partition's committable position only advances across a contiguous run of
// completed offsets, so a record still being processed holds back every
// record fetched after it.
type offsetTracker struct {
	mu         sync.Mutex
	partitions map[int]*partitionOffsets
}

type partitionOffsets struct {
	pending []int64 // fetched, ascending
	done    map[int64]kafka.Message
}

func newOffsetTracker() *offsetTracker {
	return &offsetTracker{partitions: make(map[int]*partitionOffsets)}
}

// track registers msg as fetched and not yet completed.
func (t *offsetTracker) track(msg kafka.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.partitions[msg.Partition]
	if !ok {
		p = &partitionOffsets{done: make(map[int64]kafka.Message)}
		t.partitions[msg.Partition] = p
	}
	n := len(p.pending)
	if n == 0 || p.pending[n-1] < msg.Offset {
		p.pending = append(p.pending, msg.Offset)
		return
	}
	i := sort.Search(n, func(i int) bool { return p.pending[i] >= msg.Offset })
	if i < n && p.pending[i] == msg.Offset {
		return
	}
	p.pending = append(p.pending, 0)
	copy(p.pending[i+1:], p.pending[i:])
	p.pending[i] = msg.Offset
}

// complete marks msg done and returns the last message of the contiguous
// completed prefix of its partition. The prefix stays pending until
// committed is called, so a failed broker commit is retried by the next
// completion on that partition.
func (t *offsetTracker) complete(msg kafka.Message) (kafka.Message, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.partitions[msg.Partition]
	if !ok || len(p.pending) == 0 || msg.Offset < p.pending[0] {
		return kafka.Message{}, false
	}
	p.done[msg.Offset] = msg

	var (
		last     kafka.Message
		advanced bool
	)
	for _, off := range p.pending {
		m, ok := p.done[off]
		if !ok {
			break
		}
		last, advanced = m, true
	}
	return last, advanced
}

// committed drops every offset of upTo's partition up to and including upTo.
func (t *offsetTracker) committed(upTo kafka.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.partitions[upTo.Partition]
	if !ok {
		return
	}
	for len(p.pending) > 0 && p.pending[0] <= upTo.Offset {
		delete(p.done, p.pending[0])
		p.pending = p.pending[1:]
	}
}

// outstanding reports how many fetched records have not been committed.
func (t *offsetTracker) outstanding() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, p := range t.partitions {
		n += len(p.pending)
	}
	return n
}
