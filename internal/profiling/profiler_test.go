package profiling

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSession_WritesAllProfiles(t *testing.T) {
	// Given: a session in a directory that does not exist yet
	dir := filepath.Join(t.TempDir(), "profiles")
	s, err := Start(dir)
	require.NoError(t, err)
	assert.Equal(t, dir, s.Dir())

	// When: doing some work and stopping
	sum := 0
	for i := 0; i < 1000000; i++ {
		sum += i
	}
	_ = sum
	require.NoError(t, s.Stop())

	// Then: every profile file exists and is non-empty
	for _, name := range []string{CPUFile, TraceFile, HeapFile, AllocFile} {
		info, err := os.Stat(filepath.Join(dir, name))
		require.NoError(t, err, name)
		assert.Greater(t, info.Size(), int64(0), name)
	}
}

func TestStart_SecondSessionFails(t *testing.T) {
	s, err := Start(t.TempDir())
	require.NoError(t, err)
	defer func() { _ = s.Stop() }()

	// CPU profiling is process-wide.
	_, err = Start(t.TempDir())
	assert.Error(t, err)
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in   uint64
		want string
	}{
		{512, "512 B"},
		{2048, "2.00 KB"},
		{5 * 1024 * 1024, "5.00 MB"},
		{3 * 1024 * 1024 * 1024, "3.00 GB"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatBytes(tt.in))
	}
}

func TestHeapInUse(t *testing.T) {
	assert.Greater(t, HeapInUse(), uint64(0))
}
