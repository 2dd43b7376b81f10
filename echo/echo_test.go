package echo

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ardnew/cdcecho/pkg"
)

type eventKind int

const (
	evConnect      eventKind = iota // WaitConnection succeeds
	evRead                          // ReadPacket returns data
	evReadErr                       // ReadPacket fails with err
	evWriteErr                      // next WritePacket fails with err
)

type event struct {
	kind eventKind
	data []byte
	err  error
}

func connect() event { return event{kind: evConnect} }
func read(s string) event { return event{kind: evRead, data: []byte(s)} }
func readErr(err error) event { return event{kind: evReadErr, err: err} }
func writeErr(err error) event { return event{kind: evWriteErr, err: err} }
func disconnect() event { return readErr(pkg.EndpointDisabled) }
func readBytes(b []byte) event { return event{kind: evRead, data: b} }

// scriptTransport replays a fixed script of events. Once the script is
// exhausted every call blocks until the context ends.
type scriptTransport struct {
	mutex  sync.Mutex
	script []event
	pos    int
	ops    []string
	writes [][]byte

	idle     chan struct{}
	idleOnce sync.Once
}

func newScriptTransport(events ...event) *scriptTransport {
	return &scriptTransport{script: events, idle: make(chan struct{})}
}

func (s *scriptTransport) next(ctx context.Context, kinds ...eventKind) (event, error) {
	s.mutex.Lock()
	if s.pos < len(s.script) {
		e := s.script[s.pos]
		for _, k := range kinds {
			if e.kind == k {
				s.pos++
				s.mutex.Unlock()
				return e, nil
			}
		}
		s.mutex.Unlock()
		return event{}, fmt.Errorf("script position %d: unexpected operation", s.pos)
	}
	s.mutex.Unlock()

	s.idleOnce.Do(func() { close(s.idle) })
	<-ctx.Done()
	return event{}, ctx.Err()
}

func (s *scriptTransport) record(op string) {
	s.mutex.Lock()
	s.ops = append(s.ops, op)
	s.mutex.Unlock()
}

func (s *scriptTransport) WaitConnection(ctx context.Context) error {
	s.record("wait")
	_, err := s.next(ctx, evConnect)
	return err
}

func (s *scriptTransport) ReadPacket(ctx context.Context, buf []byte) (int, error) {
	e, err := s.next(ctx, evRead, evReadErr)
	if err != nil {
		return 0, err
	}
	if e.kind == evReadErr {
		s.record("read:err")
		return 0, e.err
	}
	if len(e.data) > len(buf) {
		s.record("read:overflow")
		return 0, pkg.EndpointOverflow
	}
	s.record("read")
	return copy(buf, e.data), nil
}

func (s *scriptTransport) WritePacket(ctx context.Context, data []byte) error {
	s.mutex.Lock()
	if s.pos < len(s.script) && s.script[s.pos].kind == evWriteErr {
		e := s.script[s.pos]
		s.pos++
		s.ops = append(s.ops, "write:err")
		s.mutex.Unlock()
		return e.err
	}
	s.ops = append(s.ops, "write")
	s.writes = append(s.writes, append([]byte(nil), data...))
	s.mutex.Unlock()
	return nil
}

func (s *scriptTransport) snapshot() ([]string, [][]byte) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return append([]string(nil), s.ops...), append([][]byte(nil), s.writes...)
}

// runUntilIdle runs the task until the script is exhausted, then cancels it
// and returns the task's error.
func runUntilIdle(t *testing.T, task *Task, tr *scriptTransport) error {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- task.Run(ctx) }()

	select {
	case err := <-done:
		return err
	case <-tr.idle:
	case <-time.After(2 * time.Second):
		t.Fatal("task did not reach the end of the script")
	}

	select {
	case err := <-done:
		t.Fatalf("task returned before cancellation: %v", err)
	default:
	}

	cancel()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("task did not stop after cancellation")
		return nil
	}
}

func TestNew(t *testing.T) {
	tr := newScriptTransport()

	tests := []struct {
		name    string
		tr      Transport
		opts    []Option
		wantErr bool
	}{
		{"default", tr, nil, false},
		{"custom size", tr, []Option{WithPacketSize(512)}, false},
		{"nil transport", nil, nil, true},
		{"zero size", tr, []Option{WithPacketSize(0)}, true},
		{"too large", tr, []Option{WithPacketSize(MaxPacketSize + 1)}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task, err := New(tt.tr, tt.opts...)
			if tt.wantErr {
				if !errors.Is(err, pkg.ErrInvalidParameter) {
					t.Errorf("New() error = %v, want %v", err, pkg.ErrInvalidParameter)
				}
				return
			}
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			if len(task.buf) != task.PacketSize() {
				t.Errorf("buffer length %d, want %d", len(task.buf), task.PacketSize())
			}
		})
	}
}

func TestEchoCorrectness(t *testing.T) {
	full := bytes.Repeat([]byte{0xA5}, DefaultPacketSize)
	tr := newScriptTransport(
		connect(),
		read(""),
		read("x"),
		read("hello, world"),
		readBytes(full[:DefaultPacketSize-1]),
		readBytes(full),
	)

	task, err := New(tr)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if err := runUntilIdle(t, task, tr); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() = %v, want %v", err, context.Canceled)
	}

	ops, writes := tr.snapshot()
	want := []string{"wait", "read", "write", "read", "write", "read", "write", "read", "write", "read", "write"}
	if fmt.Sprint(ops) != fmt.Sprint(want) {
		t.Errorf("ops = %v, want %v", ops, want)
	}

	wantWrites := [][]byte{{}, []byte("x"), []byte("hello, world"), full[:DefaultPacketSize-1], full}
	if len(writes) != len(wantWrites) {
		t.Fatalf("got %d writes, want %d", len(writes), len(wantWrites))
	}
	for i := range wantWrites {
		if !bytes.Equal(writes[i], wantWrites[i]) {
			t.Errorf("write %d = %q, want %q", i, writes[i], wantWrites[i])
		}
	}

	stats := task.Stats()
	if stats.Packets != 5 || stats.Bytes != uint64(0+1+12+63+64) {
		t.Errorf("stats = %+v", stats)
	}
	if task.State() != StateEchoing {
		t.Errorf("State() = %v, want %v", task.State(), StateEchoing)
	}
}

func TestReconnectionLoop(t *testing.T) {
	var script []event
	for i := 0; i < 3; i++ {
		script = append(script,
			connect(),
			read(fmt.Sprintf("first-%d", i)),
			read(fmt.Sprintf("second-%d", i)),
			disconnect(),
		)
	}
	tr := newScriptTransport(script...)

	task, err := New(tr)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if err := runUntilIdle(t, task, tr); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() = %v, want %v", err, context.Canceled)
	}

	stats := task.Stats()
	// One initial wait plus one re-entry per disconnect.
	if stats.Waits != 4 {
		t.Errorf("Waits = %d, want 4", stats.Waits)
	}
	if stats.Connections != 3 || stats.Disconnects != 3 {
		t.Errorf("Connections = %d, Disconnects = %d, want 3 and 3", stats.Connections, stats.Disconnects)
	}
	if stats.Packets != 6 {
		t.Errorf("Packets = %d, want 6", stats.Packets)
	}
	if task.State() != StateWaiting {
		t.Errorf("State() = %v, want %v", task.State(), StateWaiting)
	}
}

func TestFatalOverflow(t *testing.T) {
	tr := newScriptTransport(
		connect(),
		readBytes(make([]byte, DefaultPacketSize+1)),
		read("never echoed"),
	)

	task, err := New(tr)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	err = task.Run(context.Background())

	var fatal *FatalError
	if !errors.As(err, &fatal) {
		t.Fatalf("Run() = %v, want *FatalError", err)
	}
	if fatal.Op != "read" || !errors.Is(err, pkg.ErrOverflow) {
		t.Errorf("fatal = %+v, want read overflow", fatal)
	}

	_, writes := tr.snapshot()
	if len(writes) != 0 {
		t.Errorf("got %d writes after overflow, want 0", len(writes))
	}
}

func TestWriteOverflowIsFatal(t *testing.T) {
	tr := newScriptTransport(
		connect(),
		read("abc"),
		writeErr(pkg.EndpointOverflow),
	)

	task, _ := New(tr)
	err := task.Run(context.Background())

	var fatal *FatalError
	if !errors.As(err, &fatal) || fatal.Op != "write" {
		t.Fatalf("Run() = %v, want write *FatalError", err)
	}
}

func TestWriteDisabledReconnects(t *testing.T) {
	tr := newScriptTransport(
		connect(),
		read("abc"),
		writeErr(fmt.Errorf("bulk in: %w", pkg.EndpointDisabled)),
		connect(),
		read("def"),
	)

	task, _ := New(tr)
	if err := runUntilIdle(t, task, tr); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() = %v, want %v", err, context.Canceled)
	}

	_, writes := tr.snapshot()
	if len(writes) != 1 || string(writes[0]) != "def" {
		t.Errorf("writes = %q, want [def]", writes)
	}
	if stats := task.Stats(); stats.Disconnects != 1 || stats.Connections != 2 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestOtherErrorsPassThrough(t *testing.T) {
	boom := errors.New("boom")
	tr := newScriptTransport(connect(), readErr(boom))

	task, _ := New(tr)
	if err := task.Run(context.Background()); !errors.Is(err, boom) {
		t.Errorf("Run() = %v, want %v", err, boom)
	}
}

// bufferObserver inspects the task buffer at each new connection.
type bufferObserver struct {
	task  *Task
	dirty []uint64
	echos [][]byte
}

func (o *bufferObserver) OnConnect(conn uint64) {
	for _, b := range o.task.buf {
		if b != 0 {
			o.dirty = append(o.dirty, conn)
			return
		}
	}
}

func (o *bufferObserver) OnEcho(data []byte) {
	o.echos = append(o.echos, append([]byte(nil), data...))
}

func (o *bufferObserver) OnDisconnect(uint64) {}

func TestNoCrossConnectionLeakage(t *testing.T) {
	tr := newScriptTransport(
		connect(),
		read("secret from connection one"),
		disconnect(),
		connect(),
		read(""),
		read("hi"),
	)

	obs := &bufferObserver{}
	task, _ := New(tr, WithObserver(obs))
	obs.task = task

	if err := runUntilIdle(t, task, tr); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() = %v, want %v", err, context.Canceled)
	}

	if len(obs.dirty) != 0 {
		t.Errorf("buffer not cleared at connections %v", obs.dirty)
	}

	_, writes := tr.snapshot()
	if len(writes) != 3 {
		t.Fatalf("got %d writes, want 3", len(writes))
	}
	if len(writes[1]) != 0 || string(writes[2]) != "hi" {
		t.Errorf("second connection writes = %q", writes[1:])
	}
	if len(obs.echos) != 3 {
		t.Errorf("observer saw %d echoes, want 3", len(obs.echos))
	}
}

func TestClassify(t *testing.T) {
	other := errors.New("other")

	tests := []struct {
		name      string
		err       error
		wantDisc  bool
		wantFatal bool
	}{
		{"disabled", pkg.EndpointDisabled, true, false},
		{"wrapped disabled", fmt.Errorf("x: %w", pkg.ErrDisabled), true, false},
		{"overflow", pkg.EndpointOverflow, false, true},
		{"unknown endpoint error", pkg.EndpointError(42), false, true},
		{"canceled", context.Canceled, false, false},
		{"other", other, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classify("read", tt.err)
			if disc := errors.Is(got, ErrDisconnected); disc != tt.wantDisc {
				t.Errorf("classify() = %v, disconnected = %v, want %v", got, disc, tt.wantDisc)
			}
			var fatal *FatalError
			if isFatal := errors.As(got, &fatal); isFatal != tt.wantFatal {
				t.Errorf("classify() = %v, fatal = %v, want %v", got, isFatal, tt.wantFatal)
			}
			if !tt.wantDisc && !tt.wantFatal && got != tt.err {
				t.Errorf("classify() = %v, want unchanged %v", got, tt.err)
			}
		})
	}
}

func TestStateString(t *testing.T) {
	if StateWaiting.String() != "waiting" || StateEchoing.String() != "echoing" || State(9).String() != "unknown" {
		t.Error("unexpected state names")
	}
}
