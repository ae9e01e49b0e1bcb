package charon

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/charon/core"
	"github.com/meigma/charon/internal/testutil"
)

func testRegistry() *core.Registry {
	reg := core.NewRegistry()
	reg.Register(".ucp", core.PackageOpener())
	return reg
}

// gatedOpener opens packages only after a token arrives on release. The path
// of every open attempt is sent to entered first.
func gatedOpener(entered chan<- string, release <-chan struct{}) core.OpenFunc {
	open := core.PackageOpener()
	return func(path string, mode core.OpenMode) (core.FileInterface, error) {
		entered <- path
		<-release
		return open(path, mode)
	}
}

// serve runs svc until the returned stop function is called (or the test ends).
func serve(t *testing.T, svc *Service) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()
	var once sync.Once
	stop = func() {
		once.Do(func() {
			cancel()
			select {
			case err := <-done:
				assert.NoError(t, err)
			case <-time.After(5 * time.Second):
				t.Error("Serve did not return")
			}
		})
	}
	t.Cleanup(stop)
	return stop
}

func newService(t *testing.T, opener core.Opener, opts ...Option) (*Service, *testutil.Recorder) {
	t.Helper()
	rec := &testutil.Recorder{}
	svc, err := New(opener, rec, opts...)
	require.NoError(t, err)
	return svc, rec
}

func writeTestPackage(t *testing.T, name string, files map[string][]byte) string {
	t.Helper()
	path := testutil.TempPath(t, name)
	testutil.WritePackage(t, path, files)
	return path
}

func TestServiceDeliversPathsInOrder(t *testing.T) {
	t.Parallel()

	pkg := writeTestPackage(t, "pkg1.ucp", map[string][]byte{
		"model.bin": []byte("model bytes"),
		"thumb.png": []byte("thumbnail bytes"),
	})
	svc, rec := newService(t, testRegistry())
	serve(t, svc)

	require.True(t, svc.StartRequest("r1", pkg, []string{"/model.bin", "/thumb.png"}))
	rec.WaitTerminal(t, "r1", 1)

	events := rec.Events("r1")
	require.Len(t, events, 3)
	assert.Equal(t, testutil.Event{Kind: testutil.EventData, ID: "r1", Data: map[string][]byte{"/model.bin": []byte("model bytes")}}, events[0])
	assert.Equal(t, testutil.Event{Kind: testutil.EventData, ID: "r1", Data: map[string][]byte{"/thumb.png": []byte("thumbnail bytes")}}, events[1])
	assert.Equal(t, testutil.EventCompleted, events[2].Kind)
}

func TestServiceDuplicateWhilePending(t *testing.T) {
	t.Parallel()

	pkg := writeTestPackage(t, "pkg1.ucp", map[string][]byte{"model.bin": []byte("m")})
	svc, rec := newService(t, testRegistry())

	// Not serving yet, so r1 stays pending.
	require.True(t, svc.StartRequest("r1", pkg, []string{"/model.bin"}))
	assert.False(t, svc.StartRequest("r1", pkg, []string{"/other"}))
	require.ErrorIs(t, svc.Submit("r1", pkg, nil), ErrDuplicateRequest)

	serve(t, svc)
	rec.WaitTerminal(t, "r1", 1)

	events := rec.Events("r1")
	require.Len(t, events, 2)
	assert.Equal(t, map[string][]byte{"/model.bin": []byte("m")}, events[0].Data)
	assert.Equal(t, testutil.EventCompleted, events[1].Kind)
}

func TestServiceMissingPath(t *testing.T) {
	t.Parallel()

	pkg := writeTestPackage(t, "pkg2.ucp", map[string][]byte{"model.bin": []byte("m")})
	svc, rec := newService(t, testRegistry())
	serve(t, svc)

	require.True(t, svc.StartRequest("r2", pkg, []string{"/missing"}))
	ev := rec.WaitTerminal(t, "r2", 1)
	assert.Equal(t, testutil.EventError, ev.Kind)
	assert.Contains(t, ev.Message, "/missing")
	assert.Len(t, rec.Events("r2"), 1, "no data for a failed first path")
}

func TestServiceFailureStopsRemainingPaths(t *testing.T) {
	t.Parallel()

	pkg := writeTestPackage(t, "partial.ucp", map[string][]byte{
		"a": []byte("A"),
		"b": []byte("B"),
	})
	svc, rec := newService(t, testRegistry())
	serve(t, svc)

	require.True(t, svc.StartRequest("r", pkg, []string{"/a", "/missing", "/b"}))
	rec.WaitTerminal(t, "r", 1)

	events := rec.Events("r")
	require.Len(t, events, 2)
	assert.Equal(t, map[string][]byte{"/a": []byte("A")}, events[0].Data)
	assert.Equal(t, testutil.EventError, events[1].Kind)
}

func TestServiceOpenFailures(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	garbage := dir + "/garbage.ucp"
	require.NoError(t, os.WriteFile(garbage, []byte("not a zip"), 0o600))

	tests := []struct {
		name string
		path string
		want string
	}{
		{name: "unknown extension", path: dir + "/notes.txt", want: "unknown file type"},
		{name: "missing file", path: dir + "/absent.ucp", want: "i/o failure"},
		{name: "malformed archive", path: garbage, want: "malformed package"},
	}

	svc, rec := newService(t, testRegistry())
	serve(t, svc)
	for _, tt := range tests {
		require.True(t, svc.StartRequest(tt.name, tt.path, []string{"/a"}))
	}
	for _, tt := range tests {
		ev := rec.WaitTerminal(t, tt.name, 1)
		assert.Equal(t, testutil.EventError, ev.Kind, tt.name)
		assert.Contains(t, ev.Message, tt.want, tt.name)
		assert.Len(t, rec.Events(tt.name), 1, tt.name)
	}
}

func TestServiceCancelPending(t *testing.T) {
	t.Parallel()

	pkg := writeTestPackage(t, "pkg.ucp", map[string][]byte{"a": []byte("A")})
	entered := make(chan string, 4)
	release := make(chan struct{})
	svc, rec := newService(t, gatedOpener(entered, release), WithMaxConcurrentJobs(1))
	serve(t, svc)

	require.True(t, svc.StartRequest("running", pkg, []string{"/a"}))
	<-entered // the only slot is now taken

	require.True(t, svc.StartRequest("waiting", pkg, []string{"/a"}))
	svc.CancelRequest("waiting")
	svc.CancelRequest("waiting") // second cancel is a no-op
	svc.CancelRequest("running") // running requests are not affected
	svc.CancelRequest("unknown")

	close(release)
	rec.WaitTerminal(t, "running", 1)

	waiting := rec.Events("waiting")
	require.Len(t, waiting, 1)
	assert.Equal(t, testutil.Event{Kind: testutil.EventError, ID: "waiting", Message: CanceledMessage}, waiting[0])

	running := rec.Events("running")
	require.Len(t, running, 2)
	assert.Equal(t, testutil.EventData, running[0].Kind)
	assert.Equal(t, testutil.EventCompleted, running[1].Kind)
	assert.Empty(t, rec.Events("unknown"))

	// The canceled job never reached the opener.
	select {
	case path := <-entered:
		t.Fatalf("unexpected open of %s", path)
	default:
	}
}

// slowCancelHandler blocks inside the cancel event until release is closed.
type slowCancelHandler struct {
	*testutil.Recorder
	entered chan struct{}
	release chan struct{}
}

func (h *slowCancelHandler) RequestError(id, message string) {
	if message == CanceledMessage {
		close(h.entered)
		<-h.release
	}
	h.Recorder.RequestError(id, message)
}

func TestServiceCancelHoldsIDUntilEventDelivered(t *testing.T) {
	t.Parallel()

	pkg := writeTestPackage(t, "pkg.ucp", map[string][]byte{"a": []byte("A")})
	h := &slowCancelHandler{
		Recorder: &testutil.Recorder{},
		entered:  make(chan struct{}),
		release:  make(chan struct{}),
	}
	svc, err := New(testRegistry(), h)
	require.NoError(t, err)

	require.True(t, svc.StartRequest("r", pkg, []string{"/a"}))
	canceled := make(chan struct{})
	go func() {
		defer close(canceled)
		svc.CancelRequest("r")
	}()
	<-h.entered

	// The cancel event is still being delivered, so the id is taken.
	require.ErrorIs(t, svc.Submit("r", pkg, []string{"/a"}), ErrDuplicateRequest)
	pending, running := svc.Pending()
	assert.Zero(t, pending)
	assert.Zero(t, running)

	close(h.release)
	<-canceled
	require.True(t, svc.StartRequest("r", pkg, []string{"/a"}))
	serve(t, svc)

	last := h.WaitTerminal(t, "r", 2)
	assert.Equal(t, testutil.EventCompleted, last.Kind)
	terminals := h.Terminals("r")
	require.Len(t, terminals, 2)
	assert.Equal(t, CanceledMessage, terminals[0].Message)
	assert.Equal(t, testutil.EventCompleted, terminals[1].Kind)
}

func TestServiceCancelWhileDelivering(t *testing.T) {
	t.Parallel()

	pkg := writeTestPackage(t, "pkg.ucp", map[string][]byte{"a": []byte("A"), "b": []byte("B")})
	rec := &testutil.Recorder{}
	svc, err := New(testRegistry(), rec)
	require.NoError(t, err)
	rec.OnData = func(id string) { svc.CancelRequest(id) }
	serve(t, svc)

	require.True(t, svc.StartRequest("r", pkg, []string{"/a", "/b"}))
	rec.WaitTerminal(t, "r", 1)

	events := rec.Events("r")
	require.Len(t, events, 3)
	assert.Equal(t, testutil.EventCompleted, events[2].Kind)
}

func TestServiceBoundsConcurrency(t *testing.T) {
	t.Parallel()

	pkg := writeTestPackage(t, "pkg.ucp", map[string][]byte{"a": []byte("A")})
	var current, peak atomic.Int32
	open := core.PackageOpener()
	opener := core.OpenFunc(func(path string, mode core.OpenMode) (core.FileInterface, error) {
		n := current.Add(1)
		defer current.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		return open(path, mode)
	})

	svc, rec := newService(t, opener, WithMaxConcurrentJobs(2))
	serve(t, svc)

	ids := []string{"j0", "j1", "j2", "j3", "j4", "j5", "j6", "j7"}
	for _, id := range ids {
		require.True(t, svc.StartRequest(id, pkg, []string{"/a"}))
	}
	for _, id := range ids {
		ev := rec.WaitTerminal(t, id, 1)
		assert.Equal(t, testutil.EventCompleted, ev.Kind)
	}
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestServiceIDReuseAfterTerminal(t *testing.T) {
	t.Parallel()

	pkg := writeTestPackage(t, "pkg.ucp", map[string][]byte{"a": []byte("A")})
	svc, rec := newService(t, testRegistry())
	serve(t, svc)

	require.True(t, svc.StartRequest("r", pkg, []string{"/a"}))
	rec.WaitTerminal(t, "r", 1)
	require.Eventually(t, func() bool {
		pending, running := svc.Pending()
		return pending == 0 && running == 0
	}, 5*time.Second, time.Millisecond)

	require.True(t, svc.StartRequest("r", pkg, []string{"/missing"}))
	ev := rec.WaitTerminal(t, "r", 2)
	assert.Equal(t, testutil.EventError, ev.Kind)
	assert.Len(t, rec.Terminals("r"), 2)
}

func TestServiceShutdownFailsPending(t *testing.T) {
	t.Parallel()

	pkg := writeTestPackage(t, "pkg.ucp", map[string][]byte{"a": []byte("A")})
	entered := make(chan string, 4)
	release := make(chan struct{})
	svc, rec := newService(t, gatedOpener(entered, release), WithMaxConcurrentJobs(1))
	stop := serve(t, svc)

	require.True(t, svc.StartRequest("running", pkg, []string{"/a"}))
	<-entered
	require.True(t, svc.StartRequest("p1", pkg, []string{"/a"}))
	require.True(t, svc.StartRequest("p2", pkg, []string{"/a"}))

	stopped := make(chan struct{})
	go func() {
		stop()
		close(stopped)
	}()

	for _, id := range []string{"p1", "p2"} {
		ev := rec.WaitTerminal(t, id, 1)
		assert.Equal(t, testutil.Event{Kind: testutil.EventError, ID: id, Message: ShutdownMessage}, ev)
	}

	// Serve waits for the running job.
	select {
	case <-stopped:
		t.Fatal("Serve returned before the running job finished")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)
	<-stopped

	ev := rec.WaitTerminal(t, "running", 1)
	assert.Equal(t, testutil.EventCompleted, ev.Kind)
	assert.False(t, svc.StartRequest("late", pkg, []string{"/a"}))
	require.ErrorIs(t, svc.Submit("late", pkg, nil), ErrStopped)

	for _, id := range []string{"running", "p1", "p2"} {
		assert.Len(t, rec.Terminals(id), 1, id)
	}
}

func TestServiceServeTwice(t *testing.T) {
	t.Parallel()

	svc, _ := newService(t, testRegistry())
	serve(t, svc)
	require.Eventually(t, svc.serving.Load, 5*time.Second, time.Millisecond)
	require.Error(t, svc.Serve(context.Background()))
}

func TestServiceMaxEntrySize(t *testing.T) {
	t.Parallel()

	pkg := writeTestPackage(t, "pkg.ucp", map[string][]byte{
		"small": []byte("tiny"),
		"large": []byte("considerably larger than the limit"),
	})
	svc, rec := newService(t, testRegistry(), WithMaxEntrySize(8))
	serve(t, svc)

	require.True(t, svc.StartRequest("r", pkg, []string{"/small", "/large"}))
	ev := rec.WaitTerminal(t, "r", 1)
	assert.Equal(t, testutil.EventError, ev.Kind)
	assert.Contains(t, ev.Message, "entry too large")
	assert.Len(t, rec.Events("r"), 2)
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	rec := &testutil.Recorder{}
	_, err := New(nil, rec)
	require.Error(t, err)
	_, err = New(testRegistry(), nil)
	require.Error(t, err)
	_, err = New(testRegistry(), rec, WithMaxConcurrentJobs(0))
	require.Error(t, err)

	svc, err := New(testRegistry(), rec)
	require.NoError(t, err)
	assert.Positive(t, svc.maxJobs)
	assert.Equal(t, uint64(core.DefaultMaxEntrySize), svc.maxEntrySize)
}
