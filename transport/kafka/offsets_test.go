package kafka

import (
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func msgAt(partition int, offset int64) kafka.Message {
	return kafka.Message{Topic: "t", Partition: partition, Offset: offset}
}

func TestOffsetTracker_CommitsContiguousPrefixOnly(t *testing.T) {
	tr := newOffsetTracker()
	for off := int64(10); off < 14; off++ {
		tr.track(msgAt(0, off))
	}

	_, ok := tr.complete(msgAt(0, 12))
	assert.False(t, ok, "offset 12 completes out of order")
	_, ok = tr.complete(msgAt(0, 11))
	assert.False(t, ok, "offset 10 still pending")

	upTo, ok := tr.complete(msgAt(0, 10))
	require.True(t, ok)
	assert.Equal(t, int64(12), upTo.Offset)
	assert.Equal(t, 4, tr.outstanding(), "offsets stay pending until committed")

	tr.committed(upTo)
	assert.Equal(t, 1, tr.outstanding())

	upTo, ok = tr.complete(msgAt(0, 13))
	require.True(t, ok)
	assert.Equal(t, int64(13), upTo.Offset)
	tr.committed(upTo)
	assert.Zero(t, tr.outstanding())
}

func TestOffsetTracker_FailedCommitIsRetried(t *testing.T) {
	tr := newOffsetTracker()
	tr.track(msgAt(0, 0))
	tr.track(msgAt(0, 1))

	upTo, ok := tr.complete(msgAt(0, 0))
	require.True(t, ok)
	assert.Equal(t, int64(0), upTo.Offset)

	// The broker rejected the commit; completing again yields the same prefix.
	upTo, ok = tr.complete(msgAt(0, 0))
	require.True(t, ok)
	assert.Equal(t, int64(0), upTo.Offset)

	upTo, ok = tr.complete(msgAt(0, 1))
	require.True(t, ok)
	assert.Equal(t, int64(1), upTo.Offset, "a later completion carries the uncommitted prefix")

	tr.committed(upTo)
	assert.Zero(t, tr.outstanding())
}

func TestOffsetTracker_PartitionsAreIndependent(t *testing.T) {
	tr := newOffsetTracker()
	tr.track(msgAt(0, 1))
	tr.track(msgAt(1, 1))
	tr.track(msgAt(1, 2))

	upTo, ok := tr.complete(msgAt(1, 1))
	require.True(t, ok)
	assert.Equal(t, 1, upTo.Partition)
	assert.Equal(t, int64(1), upTo.Offset)
	tr.committed(upTo)

	_, ok = tr.complete(msgAt(1, 1))
	assert.False(t, ok, "already committed offsets are ignored")
	assert.Equal(t, 2, tr.outstanding())
}

func TestOffsetTracker_TrackIsOrderedAndDeduplicated(t *testing.T) {
	tr := newOffsetTracker()
	tr.track(msgAt(0, 5))
	tr.track(msgAt(0, 3))
	tr.track(msgAt(0, 5))
	tr.track(msgAt(0, 4))

	assert.Equal(t, []int64{3, 4, 5}, tr.partitions[0].pending)

	_, ok := tr.complete(msgAt(0, 5))
	assert.False(t, ok)
	_, ok = tr.complete(msgAt(0, 4))
	assert.False(t, ok)
	upTo, ok := tr.complete(msgAt(0, 3))
	require.True(t, ok)
	assert.Equal(t, int64(5), upTo.Offset)
}

func TestOffsetTracker_UnknownPartition(t *testing.T) {
	tr := newOffsetTracker()
	_, ok := tr.complete(msgAt(3, 1))
	assert.False(t, ok)
	tr.committed(msgAt(3, 1))
	assert.Zero(t, tr.outstanding())
}
