// Package prof captures runtime profiles of a cdcecho process.
//
// A [Session] covers one command run: it starts CPU profiling when created
// and, when stopped, ends the CPU profile and writes a heap snapshot.
//
//	s, err := prof.Start(prof.Options{CPU: "cpu.prof", Heap: "heap.prof"})
//	if err != nil {
//		return err
//	}
//	defer s.Stop()
//
// Either path may be empty to skip that profile. Only one CPU profile can be
// active per process; a second Start that requests one fails with
// [ErrCPUProfileActive].
//
// Inspect the results with go tool pprof.
package prof
