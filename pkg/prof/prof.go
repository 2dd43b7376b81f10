package prof

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"runtime/pprof"
	"sync"
)

// Profiling errors.
var (
	ErrCPUProfileActive = errors.New("cpu profile already active")
	ErrInvalidProfile   = errors.New("invalid profile")
)

// Profile names a runtime/pprof profile.
type Profile string

// Profiles that can be snapshotted with Write.
const (
	ProfileHeap      Profile = "heap"
	ProfileAllocs    Profile = "allocs"
	ProfileGoroutine Profile = "goroutine"
	ProfileBlock     Profile = "block"
	ProfileMutex     Profile = "mutex"
)

// Options selects the output files of a Session.
type Options struct {
	CPU  string // CPU profile path, empty to disable
	Heap string // Heap snapshot path, empty to disable
}

// Enabled reports whether any profile is requested.
func (o Options) Enabled() bool {
	return o.CPU != "" || o.Heap != ""
}

// cpuMutex guards cpuActive; the runtime allows one CPU profile at a time.
var (
	cpuMutex  sync.Mutex
	cpuActive bool
)

// Session is a set of profiles being collected.
type Session struct {
	opts    Options
	cpuFile *os.File

	once sync.Once
	err  error
}

// Start begins a profiling session.
func Start(opts Options) (*Session, error) {
	s := &Session{opts: opts}
	if opts.CPU == "" {
		return s, nil
	}

	cpuMutex.Lock()
	defer cpuMutex.Unlock()

	if cpuActive {
		return nil, ErrCPUProfileActive
	}

	f, err := os.Create(opts.CPU)
	if err != nil {
		return nil, fmt.Errorf("cpu profile: %w", err)
	}
	if err := pprof.StartCPUProfile(f); err != nil {
		f.Close()
		return nil, fmt.Errorf("cpu profile: %w", err)
	}
	cpuActive = true
	s.cpuFile = f
	return s, nil
}

// Stop ends the CPU profile and writes the heap snapshot. Calling Stop more
// than once returns the first result.
func (s *Session) Stop() error {
	s.once.Do(func() {
		var errs []error
		if s.cpuFile != nil {
			cpuMutex.Lock()
			pprof.StopCPUProfile()
			cpuActive = false
			cpuMutex.Unlock()
			errs = append(errs, s.cpuFile.Close())
		}
		if s.opts.Heap != "" {
			// Up-to-date heap statistics need a collection first.
			runtime.GC()
			errs = append(errs, Write(ProfileHeap, s.opts.Heap))
		}
		s.err = errors.Join(errs...)
	})
	return s.err
}

// Write writes a snapshot of profile to path in the binary pprof format.
func Write(profile Profile, path string) error {
	p := pprof.Lookup(string(profile))
	if p == nil {
		return fmt.Errorf("%q: %w", profile, ErrInvalidProfile)
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := p.WriteTo(f, 0); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
