package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/alia-gateway/internal/domain"
)

type cleanupSpyRepo struct {
	mu    sync.Mutex
	calls []time.Duration
}

func (r *cleanupSpyRepo) CleanupSessions(_ context.Context, ttl time.Duration) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, ttl)
	return 1, nil
}

func (r *cleanupSpyRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func (r *cleanupSpyRepo) UpsertSession(context.Context, *domain.SessionRecord) error { return nil }

func (r *cleanupSpyRepo) GetSession(context.Context, string) (*domain.SessionRecord, error) {
	return nil, nil
}

func (r *cleanupSpyRepo) AppendTranscript(context.Context, *domain.TranscriptEntry) error {
	return nil
}

func (r *cleanupSpyRepo) GetTranscript(context.Context, string) ([]*domain.TranscriptEntry, error) {
	return nil, nil
}

func (r *cleanupSpyRepo) Ping(context.Context) error { return nil }

func (r *cleanupSpyRepo) Close() error { return nil }

func TestCleanupWorkerSweepsPeriodically(t *testing.T) {
	t.Parallel()

	repo := &cleanupSpyRepo{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ttl := 24 * time.Hour
	StartCleanupWorker(ctx, repo, 5*time.Millisecond, ttl, nil)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && repo.count() < 2 {
		time.Sleep(2 * time.Millisecond)
	}
	if repo.count() < 2 {
		t.Fatalf("Expected at least 2 sweeps, got %d", repo.count())
	}

	repo.mu.Lock()
	gotTTL := repo.calls[0]
	repo.mu.Unlock()
	if gotTTL != ttl {
		t.Errorf("Expected sweep with ttl %v, got %v", ttl, gotTTL)
	}

	cancel()
	// The worker must stop sweeping once the context is canceled.
	time.Sleep(20 * time.Millisecond)
	settled := repo.count()
	time.Sleep(30 * time.Millisecond)
	if repo.count() != settled {
		t.Errorf("Worker kept sweeping after cancel: %d -> %d", settled, repo.count())
	}
}
