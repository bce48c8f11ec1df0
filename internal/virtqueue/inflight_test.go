package virtqueue

import (
	"testing"

	"github.com/behrlich/vhost-blk/internal/constants"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newInflightBuf(descNum int) []byte {
	return make([]byte, constants.InflightHeaderSize+descNum*constants.InflightDescSize)
}

func newTestUsedBuf(qsz uint16) []byte {
	return make([]byte, 4+int(qsz)*8)
}

func TestInflightFreshInit(t *testing.T) {
	buf := newInflightBuf(4)
	r, err := NewInflightRegion(buf, 4)
	require.NoError(t, err)
	assert.EqualValues(t, 0, r.UsedIdx())
	for i := uint16(0); i < 4; i++ {
		assert.False(t, r.IsInflight(i))
	}
}

func TestInflightStartCompleteRoundTrip(t *testing.T) {
	buf := newInflightBuf(4)
	r, err := NewInflightRegion(buf, 4)
	require.NoError(t, err)

	r.Start(2)
	assert.True(t, r.IsInflight(2))

	r.Complete(2, 1)
	assert.False(t, r.IsInflight(2))
	assert.EqualValues(t, 1, r.UsedIdx())
}

// TestInflightRepairCatchesUpTornUsedIdx reproduces spec scenario 5: a
// crash between the used-ring release-store and the shadow region
// catching up (steps 2 and 5 of Complete) leaves region.used_idx one
// behind region.old_used_idx, with the completed head still marked
// inflight. Repair must clear that head and catch used_idx up, by
// reading the head id straight back out of the live used ring.
func TestInflightRepairCatchesUpTornUsedIdx(t *testing.T) {
	buf := newInflightBuf(4)
	r, err := NewInflightRegion(buf, 4)
	require.NoError(t, err)

	r.Start(3)

	usedBuf := newTestUsedBuf(4)
	used := newUsedRing(usedBuf, 4)
	used.WriteElem(0, 3, 0) // step 1: publish {id=3} at ring slot 0
	used.StoreIdxRelease(1) // step 2: guest now sees used.idx=1

	r.setOldUsedIdx64(1) // step 3 ran; steps 4-6 never did (crash)

	r2, replay, err := AttachInflightRegion(buf, usedBuf, 4)
	require.NoError(t, err)
	assert.EqualValues(t, 1, r2.UsedIdx())
	assert.False(t, r2.IsInflight(3))
	assert.Empty(t, replay)
}

func TestInflightRepairOrdersReplayByCounter(t *testing.T) {
	buf := newInflightBuf(4)
	r, err := NewInflightRegion(buf, 4)
	require.NoError(t, err)

	// Dispatch three requests in this order; none complete before the
	// crash. Repair must return them oldest-first regardless of
	// descriptor index order.
	r.Start(3)
	r.Start(0)
	r.Start(2)

	_, replay, err := AttachInflightRegion(buf, newTestUsedBuf(4), 4)
	require.NoError(t, err)
	assert.Equal(t, []uint16{3, 0, 2}, replay)
}

func TestInflightRepairSkipsCompletedDescriptors(t *testing.T) {
	buf := newInflightBuf(4)
	r, err := NewInflightRegion(buf, 4)
	require.NoError(t, err)

	usedBuf := newTestUsedBuf(4)
	used := newUsedRing(usedBuf, 4)

	r.Start(0)
	used.WriteElem(0, 0, 0)
	used.StoreIdxRelease(1)
	r.Complete(0, 1)

	r.Start(1)

	_, replay, err := AttachInflightRegion(buf, usedBuf, 4)
	require.NoError(t, err)
	assert.Equal(t, []uint16{1}, replay)
}

func TestAttachInflightRegionRejectsBadVersion(t *testing.T) {
	buf := newInflightBuf(4)
	_, err := NewInflightRegion(buf, 4)
	require.NoError(t, err)
	buf[constants.InflightHeaderOffsetVersion] = 99

	_, _, err = AttachInflightRegion(buf, newTestUsedBuf(4), 4)
	assert.Error(t, err)
}
