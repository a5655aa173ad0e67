package admin

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"github.com/vcetai/vcet-assist/engine/rag"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeController struct {
	mu         sync.Mutex
	rebuilds   int
	clears     int
	rebuildErr error
	done       chan Op
}

func newFakeController() *fakeController {
	return &fakeController{done: make(chan Op, 8)}
}

func (f *fakeController) Rebuild(context.Context) error {
	f.mu.Lock()
	f.rebuilds++
	f.mu.Unlock()
	f.done <- OpRebuild
	return f.rebuildErr
}

func (f *fakeController) ClearCache() {
	f.mu.Lock()
	f.clears++
	f.mu.Unlock()
	f.done <- OpClearCache
}

func (f *fakeController) Health() rag.Health {
	return rag.Health{State: "ready", Ready: true, Chunks: 7}
}

func (f *fakeController) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rebuilds, f.clears
}

func startTestNATS(t *testing.T) string {
	t.Helper()
	srv, err := natsserver.NewServer(&natsserver.Options{Port: -1})
	if err != nil {
		t.Fatal(err)
	}
	srv.Start()
	if !srv.ReadyForConnections(3 * time.Second) {
		t.Fatal("nats not ready")
	}
	t.Cleanup(srv.Shutdown)
	return srv.ClientURL()
}

func connect(t *testing.T, url string) *nats.Conn {
	t.Helper()
	nc, err := nats.Connect(url)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(nc.Close)
	return nc
}

func waitOp(t *testing.T, f *fakeController, want Op) {
	t.Helper()
	select {
	case op := <-f.done:
		if op != want {
			t.Fatalf("op = %s, want %s", op, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for %s", want)
	}
}

func TestApply(t *testing.T) {
	f := newFakeController()
	if err := Apply(context.Background(), f, OpClearCache); err != nil {
		t.Fatal(err)
	}
	if err := Apply(context.Background(), f, Op("reboot")); !errors.Is(err, ErrUnknownOp) {
		t.Fatalf("err = %v", err)
	}
	if _, clears := f.counts(); clears != 1 {
		t.Errorf("clears = %d", clears)
	}
}

func TestNilBusDispatchesLocally(t *testing.T) {
	var b *Bus
	f := newFakeController()
	if err := b.Dispatch(context.Background(), f, OpRebuild); err != nil {
		t.Fatal(err)
	}
	if rebuilds, _ := f.counts(); rebuilds != 1 {
		t.Errorf("rebuilds = %d", rebuilds)
	}
	if err := b.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestBusFanOut(t *testing.T) {
	url := startTestNATS(t)
	local, remote := newFakeController(), newFakeController()

	a := NewBus(connect(t, url), "node-a", local, quiet)
	b := NewBus(connect(t, url), "node-b", remote, quiet)
	for _, bus := range []*Bus{a, b} {
		if err := bus.Start(); err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { bus.Close() })
	}

	if err := a.Dispatch(context.Background(), local, OpClearCache); err != nil {
		t.Fatal(err)
	}
	waitOp(t, local, OpClearCache)
	waitOp(t, remote, OpClearCache)

	// The origin ignores its own broadcast.
	select {
	case op := <-local.done:
		t.Fatalf("origin applied its own broadcast: %s", op)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDispatchSkipsBroadcastOnLocalFailure(t *testing.T) {
	url := startTestNATS(t)
	local, remote := newFakeController(), newFakeController()
	local.rebuildErr = errors.New("no documents")

	a := NewBus(connect(t, url), "node-a", local, quiet)
	b := NewBus(connect(t, url), "node-b", remote, quiet)
	if err := b.Start(); err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	if err := a.Dispatch(context.Background(), local, OpRebuild); err == nil {
		t.Fatal("expected local failure")
	}
	select {
	case <-remote.done:
		t.Fatal("remote received a command after local failure")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSendAndQueryStatus(t *testing.T) {
	url := startTestNATS(t)
	replica := newFakeController()
	bus := NewBus(connect(t, url), "node-a", replica, quiet)
	if err := bus.Start(); err != nil {
		t.Fatal(err)
	}
	defer bus.Close()

	cli := connect(t, url)
	if err := Send(context.Background(), cli, "vcetctl", OpRebuild); err != nil {
		t.Fatal(err)
	}
	waitOp(t, replica, OpRebuild)

	st, err := QueryStatus(context.Background(), cli)
	if err != nil {
		t.Fatal(err)
	}
	if st.Node != "node-a" || st.Health.Chunks != 7 {
		t.Errorf("status = %+v", st)
	}
}

func TestRelevant(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "sub.md")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name string
		ev   fsnotify.Event
		want bool
	}{
		{"create txt", fsnotify.Event{Name: filepath.Join(dir, "a.txt"), Op: fsnotify.Create}, true},
		{"write md", fsnotify.Event{Name: filepath.Join(dir, "b.md"), Op: fsnotify.Write}, true},
		{"remove txt", fsnotify.Event{Name: filepath.Join(dir, "c.txt"), Op: fsnotify.Remove}, true},
		{"write and chmod", fsnotify.Event{Name: filepath.Join(dir, "a.txt"), Op: fsnotify.Write | fsnotify.Chmod}, true},
		{"chmod only", fsnotify.Event{Name: filepath.Join(dir, "a.txt"), Op: fsnotify.Chmod}, false},
		{"hidden", fsnotify.Event{Name: filepath.Join(dir, ".a.txt"), Op: fsnotify.Write}, false},
		{"unsupported", fsnotify.Event{Name: filepath.Join(dir, "a.pdf"), Op: fsnotify.Create}, false},
		{"directory", fsnotify.Event{Name: sub, Op: fsnotify.Create}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := relevant(tt.ev); got != tt.want {
				t.Errorf("relevant = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWatcherDebounces(t *testing.T) {
	dir := t.TempDir()
	var calls atomic.Int32
	rebuilt := make(chan struct{}, 4)
	w, err := NewWatcher(dir, 100*time.Millisecond, func(context.Context) error {
		calls.Add(1)
		rebuilt <- struct{}{}
		return nil
	}, quiet)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	for i, name := range []string{"a.txt", "b.txt", "c.md"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte{byte('a' + i)}, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	os.WriteFile(filepath.Join(dir, "ignored.bin"), []byte("x"), 0o644)

	select {
	case <-rebuilt:
	case <-time.After(3 * time.Second):
		t.Fatal("no rebuild after document changes")
	}
	time.Sleep(300 * time.Millisecond)
	if n := calls.Load(); n != 1 {
		t.Errorf("rebuilds = %d, want 1", n)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}

func TestWatcherCoversSubdirectories(t *testing.T) {
	dir := t.TempDir()
	for _, d := range []string{"sub", ".git"} {
		if err := os.Mkdir(filepath.Join(dir, d), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	rebuilt := make(chan struct{}, 8)
	w, err := NewWatcher(dir, 50*time.Millisecond, func(context.Context) error {
		rebuilt <- struct{}{}
		return nil
	}, quiet)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	expect := func(what string) {
		t.Helper()
		select {
		case <-rebuilt:
		case <-time.After(3 * time.Second):
			t.Fatalf("no rebuild after %s", what)
		}
	}

	if err := os.WriteFile(filepath.Join(dir, "sub", "admissions.txt"), []byte("fees"), 0o644); err != nil {
		t.Fatal(err)
	}
	expect("write in existing subdirectory")

	nested := filepath.Join(dir, "new", "deep")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(nested, "hostel.md"), []byte("rooms"), 0o644); err != nil {
		t.Fatal(err)
	}
	expect("write in new subdirectory")
	time.Sleep(200 * time.Millisecond)
	for len(rebuilt) > 0 {
		<-rebuilt
	}

	if err := os.WriteFile(filepath.Join(dir, ".git", "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	select {
	case <-rebuilt:
		t.Fatal("hidden directory triggered a rebuild")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestNewWatcherMissingDir(t *testing.T) {
	_, err := NewWatcher(filepath.Join(t.TempDir(), "nope"), 0, func(context.Context) error { return nil }, quiet)
	if err == nil {
		t.Fatal("expected error for missing directory")
	}
}
