package session

import (
	"context"
	"errors"
	"io"
	"iter"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/alia-gateway/internal/conversation"
	"github.com/ashureev/alia-gateway/internal/domain"
	"github.com/ashureev/alia-gateway/internal/metrics"
	"github.com/ashureev/alia-gateway/internal/runtime"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type fakeConn struct {
	once   sync.Once
	done   chan struct{}
	events chan *runtime.Event
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		done:   make(chan struct{}),
		events: make(chan *runtime.Event),
	}
}

func (c *fakeConn) Events(ctx context.Context) iter.Seq2[*runtime.Event, error] {
	return func(yield func(*runtime.Event, error) bool) {
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.done:
				return
			case ev := <-c.events:
				if !yield(ev, nil) {
					return
				}
			}
		}
	}
}

func (c *fakeConn) SendText(context.Context, string) error { return nil }

func (c *fakeConn) SendRealtime(context.Context, string, []byte) error { return nil }

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *fakeConn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

type fakeFactory struct {
	mu         sync.Mutex
	ready      bool
	connectErr error
	conns      []*fakeConn
}

func (f *fakeFactory) Connect(context.Context, runtime.SessionOptions) (runtime.Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return nil, f.connectErr
	}
	conn := newFakeConn()
	f.conns = append(f.conns, conn)
	return conn, nil
}

func (f *fakeFactory) Ready(context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready
}

func (f *fakeFactory) Close() error { return nil }

// blockedClient never produces a frame until released.
type blockedClient struct {
	release chan struct{}
}

func (c *blockedClient) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.release:
		return nil, io.EOF
	}
}

func (c *blockedClient) Write(context.Context, []byte) error { return nil }

type recordingRepo struct {
	mu      sync.Mutex
	upserts []*domain.SessionRecord
}

func (r *recordingRepo) UpsertSession(_ context.Context, record *domain.SessionRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.upserts = append(r.upserts, record)
	return nil
}

func (r *recordingRepo) GetSession(context.Context, string) (*domain.SessionRecord, error) {
	return nil, errors.New("not found")
}

func (r *recordingRepo) AppendTranscript(context.Context, *domain.TranscriptEntry) error {
	return nil
}

func (r *recordingRepo) GetTranscript(context.Context, string) ([]*domain.TranscriptEntry, error) {
	return nil, nil
}

func (r *recordingRepo) CleanupSessions(context.Context, time.Duration) (int64, error) {
	return 0, nil
}

func (r *recordingRepo) Ping(context.Context) error { return nil }
func (r *recordingRepo) Close() error               { return nil }

func (r *recordingRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.upserts)
}

func newTestManager(factory *fakeFactory, repo *recordingRepo) *Manager {
	return NewManager(ManagerConfig{
		Factory:       factory,
		Machine:       conversation.NewMachine(5, 10),
		Repo:          repo,
		TeardownGrace: time.Second,
	})
}

func TestManagerOpenAndClose(t *testing.T) {
	t.Parallel()

	factory := &fakeFactory{}
	repo := &recordingRepo{}
	mgr := newTestManager(factory, repo)

	sess, err := mgr.Open(context.Background(), &blockedClient{release: make(chan struct{})},
		runtime.SessionOptions{SessionKey: "s1"})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if sess.ConnID == "" {
		t.Error("Expected a connection ID")
	}
	if mgr.ActiveCount() != 1 {
		t.Errorf("Expected 1 active session, got %d", mgr.ActiveCount())
	}
	if repo.count() != 1 {
		t.Errorf("Expected initial record to be persisted, got %d upserts", repo.count())
	}

	sess.Close()
	sess.Close() // idempotent
	if mgr.ActiveCount() != 0 {
		t.Errorf("Expected 0 active sessions, got %d", mgr.ActiveCount())
	}
	if repo.count() != 2 {
		t.Errorf("Expected final record to be persisted exactly once, got %d upserts", repo.count())
	}
	if !factory.conns[0].closed() {
		t.Error("Expected runtime connection to be closed")
	}
}

func TestManagerOpenFailsWhenRuntimeUnavailable(t *testing.T) {
	t.Parallel()

	factory := &fakeFactory{connectErr: errors.New("dial refused")}
	mgr := newTestManager(factory, &recordingRepo{})

	_, err := mgr.Open(context.Background(), &blockedClient{release: make(chan struct{})},
		runtime.SessionOptions{SessionKey: "s1"})
	if !errors.Is(err, ErrRuntimeUnavailable) {
		t.Fatalf("Expected ErrRuntimeUnavailable, got %v", err)
	}
	if mgr.ActiveCount() != 0 {
		t.Errorf("Expected no active sessions, got %d", mgr.ActiveCount())
	}
}

func TestManagerReplacesSessionUnderSameKey(t *testing.T) {
	t.Parallel()

	factory := &fakeFactory{}
	mgr := newTestManager(factory, &recordingRepo{})

	first, err := mgr.Open(context.Background(), &blockedClient{release: make(chan struct{})},
		runtime.SessionOptions{SessionKey: "dup"})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	second, err := mgr.Open(context.Background(), &blockedClient{release: make(chan struct{})},
		runtime.SessionOptions{SessionKey: "dup"})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if first.ConnID == second.ConnID {
		t.Error("Expected distinct connection IDs")
	}
	if mgr.ActiveCount() != 1 {
		t.Errorf("Expected 1 active session after replacement, got %d", mgr.ActiveCount())
	}

	// The replacement keeps the new session registered.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && !factory.conns[0].closed() {
		time.Sleep(2 * time.Millisecond)
	}
	if !factory.conns[0].closed() {
		t.Error("Expected the replaced session's runtime connection to be closed")
	}
	if _, ok := mgr.Snapshot("dup"); !ok {
		t.Error("Expected the replacement session to be registered")
	}

	second.Close()
}

// Not parallel: it asserts on deltas of the package-level sessions gauge.
func TestManagerReplacementAccountsEvictedSession(t *testing.T) {
	factory := &fakeFactory{}
	repo := &recordingRepo{}
	mgr := newTestManager(factory, repo)

	before := testutil.ToFloat64(metrics.ActiveSessions)

	if _, err := mgr.Open(context.Background(), &blockedClient{release: make(chan struct{})},
		runtime.SessionOptions{SessionKey: "dup"}); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	second, err := mgr.Open(context.Background(), &blockedClient{release: make(chan struct{})},
		runtime.SessionOptions{SessionKey: "dup"})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	// The evicted session is closed asynchronously; its closure must bring
	// the gauge back down to one active session.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && testutil.ToFloat64(metrics.ActiveSessions) != before+1 {
		time.Sleep(2 * time.Millisecond)
	}
	if got := testutil.ToFloat64(metrics.ActiveSessions); got != before+1 {
		t.Fatalf("Expected gauge %v after replacement, got %v", before+1, got)
	}

	second.Close()
	if got := testutil.ToFloat64(metrics.ActiveSessions); got != before {
		t.Errorf("Expected gauge back at %v after closing the survivor, got %v", before, got)
	}
	if mgr.ActiveCount() != 0 {
		t.Errorf("Expected 0 active sessions, got %d", mgr.ActiveCount())
	}
}

func TestManagerRunReleasesSession(t *testing.T) {
	t.Parallel()

	factory := &fakeFactory{}
	repo := &recordingRepo{}
	mgr := newTestManager(factory, repo)

	release := make(chan struct{})
	sess, err := mgr.Open(context.Background(), &blockedClient{release: release},
		runtime.SessionOptions{SessionKey: "s1"})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- mgr.Run(context.Background(), sess) }()

	close(release) // client disconnects
	select {
	case err := <-errCh:
		if err == nil {
			t.Error("Expected a transport error from the bridge")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}

	if mgr.ActiveCount() != 0 {
		t.Errorf("Expected session to be released, got %d active", mgr.ActiveCount())
	}
	st := sess.Snapshot()
	if !st.SessionComplete || st.ExitReason != conversation.ExitUserExit {
		t.Errorf("Expected user_exit completion, got complete=%v reason=%q",
			st.SessionComplete, st.ExitReason)
	}
}

func TestManagerReadiness(t *testing.T) {
	t.Parallel()

	factory := &fakeFactory{}
	mgr := newTestManager(factory, &recordingRepo{})

	if mgr.IsReady(context.Background()) {
		t.Error("Expected not ready")
	}
	factory.mu.Lock()
	factory.ready = true
	factory.mu.Unlock()
	if !mgr.IsReady(context.Background()) {
		t.Error("Expected ready")
	}
}

func TestManagerCloseAll(t *testing.T) {
	t.Parallel()

	factory := &fakeFactory{}
	mgr := newTestManager(factory, &recordingRepo{})

	for _, key := range []string{"a", "b", "c"} {
		if _, err := mgr.Open(context.Background(), &blockedClient{release: make(chan struct{})},
			runtime.SessionOptions{SessionKey: key}); err != nil {
			t.Fatalf("Open(%q) failed: %v", key, err)
		}
	}
	if mgr.ActiveCount() != 3 {
		t.Fatalf("Expected 3 active sessions, got %d", mgr.ActiveCount())
	}

	mgr.CloseAll()
	if mgr.ActiveCount() != 0 {
		t.Errorf("Expected 0 active sessions after CloseAll, got %d", mgr.ActiveCount())
	}
	for i, conn := range factory.conns {
		if !conn.closed() {
			t.Errorf("Connection %d not closed", i)
		}
	}
}
