package prof

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func nonEmpty(t *testing.T, path string) {
	t.Helper()
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat(%s) error = %v", path, err)
	}
	if info.Size() == 0 {
		t.Errorf("%s is empty", path)
	}
}

func TestSession(t *testing.T) {
	dir := t.TempDir()
	opts := Options{
		CPU:  filepath.Join(dir, "cpu.prof"),
		Heap: filepath.Join(dir, "heap.prof"),
	}
	if !opts.Enabled() {
		t.Fatal("Enabled() = false, want true")
	}

	s, err := Start(opts)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if _, err := Start(Options{CPU: filepath.Join(dir, "cpu2.prof")}); !errors.Is(err, ErrCPUProfileActive) {
		t.Errorf("second Start() error = %v, want %v", err, ErrCPUProfileActive)
	}

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Errorf("second Stop() error = %v", err)
	}
	nonEmpty(t, opts.CPU)
	nonEmpty(t, opts.Heap)

	// The CPU profiler is free again.
	s, err = Start(Options{CPU: filepath.Join(dir, "cpu3.prof")})
	if err != nil {
		t.Fatalf("Start() after Stop error = %v", err)
	}
	s.Stop()
}

func TestSessionDisabled(t *testing.T) {
	var opts Options
	if opts.Enabled() {
		t.Error("Enabled() = true for zero Options")
	}
	s, err := Start(opts)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
}

func TestStartInvalidPath(t *testing.T) {
	_, err := Start(Options{CPU: filepath.Join(t.TempDir(), "missing", "cpu.prof")})
	if err == nil {
		t.Fatal("Start() error = nil, want error")
	}
	// A failed start leaves the profiler available.
	s, err := Start(Options{CPU: filepath.Join(t.TempDir(), "cpu.prof")})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	s.Stop()
}

func TestWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "goroutine.prof")
	if err := Write(ProfileGoroutine, path); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	nonEmpty(t, path)

	if err := Write("bogus", path); !errors.Is(err, ErrInvalidProfile) {
		t.Errorf("Write(bogus) error = %v, want %v", err, ErrInvalidProfile)
	}
}
