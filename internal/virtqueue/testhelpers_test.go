package virtqueue

import (
	"os"
	"testing"

	"github.com/behrlich/vhost-blk/internal/memmap"
	"github.com/stretchr/testify/require"
)

// newTestGuestMemory backs a memmap.Map with one region of size bytes
// starting at guest physical address 0, via a real temp file so
// memmap.Map.Translate exercises the same unix.Mmap path production
// code does.
func newTestGuestMemory(t *testing.T, size int) (*memmap.Map, []byte) {
	t.Helper()

	f, err := os.CreateTemp(t.TempDir(), "guestmem")
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })

	require.NoError(t, f.Truncate(int64(size)))

	mem := memmap.New()
	region, err := mem.AddRegion(int(f.Fd()), 0, uint64(size), 0)
	require.NoError(t, err)
	t.Cleanup(func() { mem.RemoveRegion(region) })

	view, err := mem.Translate(0, uint64(size))
	require.NoError(t, err)
	return mem, view
}
