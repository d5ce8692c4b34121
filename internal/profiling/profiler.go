// Package profiling captures CPU, trace and heap profiles of one indexing
// run into a directory.
package profiling

import (
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"runtime/trace"
)

// File names written into the profile directory.
const (
	CPUFile   = "cpu.pprof"
	TraceFile = "trace.out"
	HeapFile  = "heap.pprof"
	AllocFile = "allocs.pprof"
)

// Session is an active profile capture. Stop must be called exactly once.
type Session struct {
	dir       string
	cpuFile   *os.File
	traceFile *os.File
}

// Start begins CPU profiling and execution tracing into dir, creating it
// if needed. Only one session can run per process.
func Start(dir string) (*Session, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create profile directory: %w", err)
	}
	s := &Session{dir: dir}

	cpu, err := os.Create(filepath.Join(dir, CPUFile))
	if err != nil {
		return nil, fmt.Errorf("failed to create CPU profile file: %w", err)
	}
	if err := pprof.StartCPUProfile(cpu); err != nil {
		_ = cpu.Close()
		return nil, fmt.Errorf("failed to start CPU profile: %w", err)
	}
	s.cpuFile = cpu

	tf, err := os.Create(filepath.Join(dir, TraceFile))
	if err != nil {
		s.stopCPU()
		return nil, fmt.Errorf("failed to create trace file: %w", err)
	}
	if err := trace.Start(tf); err != nil {
		_ = tf.Close()
		s.stopCPU()
		return nil, fmt.Errorf("failed to start trace: %w", err)
	}
	s.traceFile = tf
	return s, nil
}

// Dir returns the directory profiles are written to.
func (s *Session) Dir() string { return s.dir }

// Stop ends CPU profiling and tracing, then writes heap and allocation
// snapshots.
func (s *Session) Stop() error {
	trace.Stop()
	traceErr := s.traceFile.Close()
	s.stopCPU()

	// Live objects only after a collection.
	runtime.GC()
	return stderrors.Join(
		traceErr,
		s.writeProfile(HeapFile, "heap"),
		s.writeProfile(AllocFile, "allocs"),
	)
}

func (s *Session) stopCPU() {
	pprof.StopCPUProfile()
	_ = s.cpuFile.Close()
}

func (s *Session) writeProfile(name, profile string) error {
	f, err := os.Create(filepath.Join(s.dir, name))
	if err != nil {
		return fmt.Errorf("failed to create %s profile file: %w", profile, err)
	}
	defer func() { _ = f.Close() }()

	if err := pprof.Lookup(profile).WriteTo(f, 0); err != nil {
		return fmt.Errorf("failed to write %s profile: %w", profile, err)
	}
	return nil
}

// FormatBytes formats bytes into human-readable form.
func FormatBytes(bytes uint64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)

	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.2f GB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.2f MB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.2f KB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}

// HeapInUse returns the bytes of live heap objects.
func HeapInUse() uint64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return m.HeapInuse
}
