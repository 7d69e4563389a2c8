package store

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/alia-gateway/internal/domain"
)

// TranscriptLogger records conversation messages without ever blocking a
// message pump. Entries are queued and written asynchronously; when the
// queue is full the entry is dropped with a warning.
type TranscriptLogger interface {
	Log(entry domain.TranscriptEntry)
	Close() error
}

// NewTranscriptLogger creates an async repository-backed transcript logger.
func NewTranscriptLogger(repo Repository, queueSize int, logger *slog.Logger) TranscriptLogger {
	if logger == nil {
		logger = slog.Default()
	}
	if queueSize <= 0 {
		queueSize = 1000
	}
	l := &asyncTranscriptLogger{
		repo:   repo,
		queue:  make(chan domain.TranscriptEntry, queueSize),
		done:   make(chan struct{}),
		logger: logger,
	}
	go l.drain()
	return l
}

type asyncTranscriptLogger struct {
	repo      Repository
	queue     chan domain.TranscriptEntry
	done      chan struct{}
	closeOnce sync.Once
	logger    *slog.Logger
}

func (l *asyncTranscriptLogger) Log(entry domain.TranscriptEntry) {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	select {
	case l.queue <- entry:
	default:
		l.logger.Warn("Transcript queue full, dropping entry",
			"session_key", entry.SessionKey, "direction", entry.Direction)
	}
}

func (l *asyncTranscriptLogger) drain() {
	for {
		select {
		case entry := <-l.queue:
			l.write(entry)
		case <-l.done:
			// Flush whatever is still queued.
			for {
				select {
				case entry := <-l.queue:
					l.write(entry)
				default:
					return
				}
			}
		}
	}
}

func (l *asyncTranscriptLogger) write(entry domain.TranscriptEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.repo.AppendTranscript(ctx, &entry); err != nil {
		l.logger.Warn("Failed to persist transcript entry",
			"session_key", entry.SessionKey, "error", err)
	}
}

// Close stops the drain goroutine after flushing queued entries.
func (l *asyncTranscriptLogger) Close() error {
	l.closeOnce.Do(func() { close(l.done) })
	return nil
}

// NopTranscriptLogger discards all entries.
type NopTranscriptLogger struct{}

func (NopTranscriptLogger) Log(domain.TranscriptEntry) {}
func (NopTranscriptLogger) Close() error               { return nil }
