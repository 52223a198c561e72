package hdf5sink

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCloseFlushesBufferedSamplesToDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test_fsgui_log.h5")
	sink, err := Open(path, 4)
	require.NoError(t, err)

	sink.Record("11111111-1111-1111-1111-111111111111", "envelope", 1.5)
	sink.Record("11111111-1111-1111-1111-111111111111", "envelope", 2.5)
	sink.Record("22222222-2222-2222-2222-222222222222", "posx", 9.0)

	require.NoError(t, sink.Close())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Positive(t, info.Size())
}

func TestLogFileNameMatchesConvention(t *testing.T) {
	ts := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, "20260730-120000_fsgui_log.h5", LogFileName(ts))
}

func TestRecordNeverBlocksWhenQueueSaturated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test_fsgui_log.h5")
	sink, err := Open(path, 1)
	require.NoError(t, err)
	defer sink.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10000; i++ {
			sink.Record("inst", "k", float32(i))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Record blocked under queue pressure")
	}
}
