// Package bridge relays messages between one client connection and one
// agent runtime connection while driving the conversation state machine.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/alia-gateway/internal/codec"
	"github.com/ashureev/alia-gateway/internal/conversation"
	"github.com/ashureev/alia-gateway/internal/domain"
	"github.com/ashureev/alia-gateway/internal/metrics"
	"github.com/ashureev/alia-gateway/internal/runtime"
	"github.com/ashureev/alia-gateway/internal/store"
)

var (
	// ErrTransportClosed indicates the client connection ended.
	ErrTransportClosed = errors.New("client transport closed")
	// ErrRuntimeStreamClosed indicates the runtime event stream ended.
	ErrRuntimeStreamClosed = errors.New("runtime stream closed")
	// ErrErrorCeiling indicates the per-session error ceiling was reached.
	ErrErrorCeiling = errors.New("session error ceiling exceeded")
)

// ClientConn is the client-facing duplex transport, one frame at a time.
type ClientConn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
}

// Bridge owns one conversation state and drives the two message pumps for
// the lifetime of a session.
//
// The inbound pump is the only source of classification updates; the
// outbound pump records consolidated agent turns and reads snapshots for
// diagnostics. All state access is serialized through one mutex so a
// transition is never observed half-applied.
type Bridge struct {
	sessionKey string
	client     ClientConn
	rt         runtime.Conn
	machine    *conversation.Machine
	transcript store.TranscriptLogger
	logger     *slog.Logger
	grace      time.Duration

	mu      sync.Mutex
	state   *conversation.State
	turnBuf strings.Builder
}

// Config carries bridge construction parameters.
type Config struct {
	SessionKey    string
	Client        ClientConn
	Runtime       runtime.Conn
	Machine       *conversation.Machine
	Transcript    store.TranscriptLogger
	Logger        *slog.Logger
	TeardownGrace time.Duration
}

// New creates a bridge with a fresh conversation state at GREETING.
func New(cfg Config) *Bridge {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	transcript := cfg.Transcript
	if transcript == nil {
		transcript = store.NopTranscriptLogger{}
	}
	grace := cfg.TeardownGrace
	if grace <= 0 {
		grace = 5 * time.Second
	}
	return &Bridge{
		sessionKey: cfg.SessionKey,
		client:     cfg.Client,
		rt:         cfg.Runtime,
		machine:    cfg.Machine,
		transcript: transcript,
		logger:     logger,
		grace:      grace,
		state:      conversation.NewState(time.Now().UTC()),
	}
}

// Snapshot returns a read-only copy of the conversation state.
func (b *Bridge) Snapshot() *conversation.State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state.Clone()
}

type pumpResult struct {
	name string
	err  error
}

// Run drives both pumps until the first one terminates, then cancels the
// other and waits a bounded grace period. The runtime connection is closed
// exactly once on the way out. Returns the first pump's error, nil when the
// session completed normally.
func (b *Bridge) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan pumpResult, 2)
	go func() { results <- pumpResult{name: "inbound", err: b.inboundPump(ctx)} }()
	go func() { results <- pumpResult{name: "outbound", err: b.outboundPump(ctx)} }()

	first := <-results
	cancel()
	if err := b.rt.Close(); err != nil {
		b.logger.Debug("Failed to close runtime connection", "session_key", b.sessionKey, "error", err)
	}

	select {
	case second := <-results:
		b.logger.Debug("Second pump drained", "session_key", b.sessionKey,
			"pump", second.name, "error", second.err)
	case <-time.After(b.grace):
		b.logger.Warn("Second pump did not stop within grace period",
			"session_key", b.sessionKey, "first_pump", first.name)
	}

	b.finalize(first.err)

	if first.err != nil {
		b.logger.Info("Session pump terminated", "session_key", b.sessionKey,
			"pump", first.name, "error", first.err)
	}
	return first.err
}

// finalize guarantees a completed session never lacks an exit reason.
func (b *Bridge) finalize(cause error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state.SessionComplete {
		return
	}
	reason := conversation.ExitUserExit
	switch {
	case errors.Is(cause, ErrRuntimeStreamClosed), errors.Is(cause, ErrErrorCeiling):
		reason = conversation.ExitError
	case errors.Is(cause, ErrTransportClosed):
		reason = conversation.ExitUserExit
	}
	b.machine.Close(b.state, reason, time.Now().UTC())
}

// inboundPump relays client frames to the runtime, running the stage
// machine over text messages first. Per-message failures are absorbed;
// transport failure or session completion ends the pump.
func (b *Bridge) inboundPump(ctx context.Context) error {
	for {
		raw, err := b.client.Read(ctx)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrTransportClosed, err)
		}

		env, err := b.decodeInbound(raw)
		if err != nil {
			if errors.Is(err, ErrErrorCeiling) {
				return err
			}
			continue
		}

		switch env.Kind {
		case codec.KindText:
			complete, err := b.applyUserText(ctx, env.Text)
			if err != nil {
				return err
			}
			if complete {
				b.logger.Info("Session complete", "session_key", b.sessionKey)
				return nil
			}
		case codec.KindAudio, codec.KindImage, codec.KindVideo:
			// Binary media is forwarded without state interpretation.
			if err := b.rt.SendRealtime(ctx, env.MimeType, env.Data); err != nil {
				return fmt.Errorf("%w: %v", ErrRuntimeStreamClosed, err)
			}
			metrics.EnvelopesRelayed.WithLabelValues("inbound", string(env.Kind)).Inc()
		default:
			// Unknown or server-only kinds are dropped, session continues.
			b.logger.Warn("Dropping unsupported inbound envelope",
				"session_key", b.sessionKey, "kind", env.Kind, "mime_type", env.MimeType)
			metrics.MessagesDropped.WithLabelValues("unsupported").Inc()
			if b.recordMessageError() {
				return ErrErrorCeiling
			}
		}
	}
}

func (b *Bridge) decodeInbound(raw []byte) (*codec.Envelope, error) {
	env, err := codec.Decode(raw)
	if err == nil {
		return env, nil
	}
	b.logger.Warn("Dropping malformed inbound message",
		"session_key", b.sessionKey, "error", err)
	metrics.MessagesDropped.WithLabelValues("malformed").Inc()
	if b.recordMessageError() {
		return nil, ErrErrorCeiling
	}
	return nil, err
}

// recordMessageError counts a recovered per-message failure and reports
// whether the error ceiling forced the session closed.
func (b *Bridge) recordMessageError() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.machine.RecordRecoveryAttempt(b.state)
	return b.machine.RecordError(b.state, time.Now().UTC())
}

// applyUserText runs the stage machine over one user text message and
// forwards it to the runtime. Returns true once the session is complete.
func (b *Bridge) applyUserText(ctx context.Context, text string) (bool, error) {
	b.mu.Lock()
	outcome, err := b.machine.HandleUserText(b.state, text, time.Now().UTC())
	complete := b.state.SessionComplete
	stage := b.state.Stage
	b.mu.Unlock()
	if err != nil {
		// An illegal transition is a bug, not a user problem; absorb it.
		b.logger.Error("Stage update failed", "session_key", b.sessionKey, "error", err)
	}

	if outcome.Pain != nil {
		metrics.PainClassifications.WithLabelValues(string(outcome.Pain.Category)).Inc()
	}
	if outcome.From == conversation.StageConsent {
		metrics.ConsentDecisions.WithLabelValues(consentLabel(outcome.Consent)).Inc()
	}
	if outcome.Transitioned && outcome.From != outcome.To {
		b.logger.Info("Stage transition", "session_key", b.sessionKey,
			"from", outcome.From, "to", outcome.To)
	}

	b.transcript.Log(domain.TranscriptEntry{
		SessionKey: b.sessionKey,
		Direction:  "inbound",
		Kind:       string(codec.KindText),
		Content:    text,
		Stage:      string(stage),
	})

	if err := b.rt.SendText(ctx, text); err != nil {
		return complete, fmt.Errorf("%w: %v", ErrRuntimeStreamClosed, err)
	}
	metrics.EnvelopesRelayed.WithLabelValues("inbound", string(codec.KindText)).Inc()
	return complete, nil
}

func consentLabel(decision *bool) string {
	switch {
	case decision == nil:
		return "ambiguous"
	case *decision:
		return "granted"
	default:
		return "declined"
	}
}

// outboundPump relays runtime events to the client. Turn boundaries become
// control envelopes plus a diagnostic state update; content events become
// audio or partial-text envelopes.
func (b *Bridge) outboundPump(ctx context.Context) error {
	for event, err := range b.rt.Events(ctx) {
		if err != nil {
			return fmt.Errorf("%w: %v", ErrRuntimeStreamClosed, err)
		}

		if event.TurnComplete || event.Interrupted {
			if err := b.handleTurnBoundary(ctx, event); err != nil {
				return err
			}
			continue
		}

		part := event.FirstPart()
		if part == nil {
			continue
		}

		switch {
		case strings.HasPrefix(part.MimeType, "audio/pcm") && len(part.Data) > 0:
			if err := b.writeClient(ctx, codec.Audio(part.Data)); err != nil {
				return err
			}
			metrics.EnvelopesRelayed.WithLabelValues("outbound", string(codec.KindAudio)).Inc()
		case part.Text != "" && event.Partial:
			// Only incremental text is forwarded; the consolidated turn
			// text would duplicate what the client already rendered.
			b.bufferAgentText(part.Text)
			if err := b.writeClient(ctx, codec.Text(part.Text)); err != nil {
				return err
			}
			metrics.EnvelopesRelayed.WithLabelValues("outbound", string(codec.KindText)).Inc()
		}
	}
	return ErrRuntimeStreamClosed
}

// handleTurnBoundary flushes the buffered agent turn, emits the control
// envelope, and best-effort emits the diagnostic state update.
func (b *Bridge) handleTurnBoundary(ctx context.Context, event *runtime.Event) error {
	b.mu.Lock()
	turnText := b.turnBuf.String()
	b.turnBuf.Reset()
	if turnText != "" {
		b.machine.NoteAgentMessage(b.state, turnText, time.Now().UTC())
	}
	stage := b.state.Stage
	summary := b.state.Summary()
	b.mu.Unlock()

	if turnText != "" {
		b.transcript.Log(domain.TranscriptEntry{
			SessionKey: b.sessionKey,
			Direction:  "outbound",
			Kind:       string(codec.KindText),
			Content:    turnText,
			Stage:      string(stage),
		})
	}

	if err := b.writeClient(ctx, codec.TurnControl(event.TurnComplete, event.Interrupted)); err != nil {
		return err
	}
	metrics.EnvelopesRelayed.WithLabelValues("outbound", string(codec.KindControl)).Inc()

	// Diagnostic only; a failure here must not end the session.
	if err := b.writeClient(ctx, codec.StageUpdate(string(stage), summary)); err != nil {
		b.logger.Debug("Failed to send state update", "session_key", b.sessionKey, "error", err)
	}
	return nil
}

func (b *Bridge) bufferAgentText(text string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.turnBuf.WriteString(text)
}

func (b *Bridge) writeClient(ctx context.Context, env *codec.Envelope) error {
	raw, err := codec.Encode(env)
	if err != nil {
		return fmt.Errorf("encode outbound envelope: %w", err)
	}
	if err := b.client.Write(ctx, raw); err != nil {
		return fmt.Errorf("%w: %v", ErrTransportClosed, err)
	}
	return nil
}
