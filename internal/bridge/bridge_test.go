package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/alia-gateway/internal/codec"
	"github.com/ashureev/alia-gateway/internal/conversation"
	"github.com/ashureev/alia-gateway/internal/runtime"
)

// fakeClient is an in-memory ClientConn fed through a channel.
type fakeClient struct {
	in chan []byte

	mu     sync.Mutex
	writes [][]byte
}

func newFakeClient() *fakeClient {
	return &fakeClient{in: make(chan []byte, 16)}
}

func (c *fakeClient) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case frame, ok := <-c.in:
		if !ok {
			return nil, io.EOF
		}
		return frame, nil
	}
}

func (c *fakeClient) Write(_ context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, append([]byte(nil), data...))
	return nil
}

func (c *fakeClient) send(t *testing.T, env *codec.Envelope) {
	t.Helper()
	raw, err := codec.Encode(env)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	c.in <- raw
}

func (c *fakeClient) written() []*codec.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*codec.Envelope, 0, len(c.writes))
	for _, raw := range c.writes {
		if env, err := codec.Decode(raw); err == nil {
			out = append(out, env)
		}
	}
	return out
}

// fakeRuntime is an in-memory runtime.Conn fed through an event channel.
type fakeRuntime struct {
	events chan *runtime.Event
	done   chan struct{}
	once   sync.Once

	mu        sync.Mutex
	sentTexts []string
	realtime  []string
	sendErr   error
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		events: make(chan *runtime.Event, 16),
		done:   make(chan struct{}),
	}
}

func (r *fakeRuntime) Events(ctx context.Context) iter.Seq2[*runtime.Event, error] {
	return func(yield func(*runtime.Event, error) bool) {
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.done:
				return
			case ev, ok := <-r.events:
				if !ok {
					return
				}
				if !yield(ev, nil) {
					return
				}
			}
		}
	}
}

func (r *fakeRuntime) SendText(_ context.Context, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sendErr != nil {
		return r.sendErr
	}
	r.sentTexts = append(r.sentTexts, text)
	return nil
}

func (r *fakeRuntime) SendRealtime(_ context.Context, mimeType string, _ []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sendErr != nil {
		return r.sendErr
	}
	r.realtime = append(r.realtime, mimeType)
	return nil
}

func (r *fakeRuntime) Close() error {
	r.once.Do(func() { close(r.done) })
	return nil
}

func (r *fakeRuntime) closed() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

func (r *fakeRuntime) texts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.sentTexts...)
}

// emitAgentTurn streams one agent turn: a partial text chunk followed by a
// turn-complete boundary.
func (r *fakeRuntime) emitAgentTurn(text string) {
	r.events <- &runtime.Event{
		Author:  "agent",
		Partial: true,
		Parts:   []runtime.Part{{MimeType: "text/plain", Text: text}},
	}
	r.events <- &runtime.Event{Author: "agent", TurnComplete: true}
}

func newTestBridge(client *fakeClient, rt *fakeRuntime, machine *conversation.Machine) *Bridge {
	return New(Config{
		SessionKey:    "test-session",
		Client:        client,
		Runtime:       rt,
		Machine:       machine,
		TeardownGrace: 2 * time.Second,
	})
}

func waitFor(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", desc)
}

func runBridge(b *Bridge) chan error {
	errCh := make(chan error, 1)
	go func() { errCh <- b.Run(context.Background()) }()
	return errCh
}

func waitRun(t *testing.T, errCh chan error) error {
	t.Helper()
	select {
	case err := <-errCh:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("Bridge did not stop")
		return nil
	}
}

func TestBridgeFullConversation(t *testing.T) {
	t.Parallel()

	client := newFakeClient()
	rt := newFakeRuntime()
	questions := 3
	b := newTestBridge(client, rt, conversation.NewMachine(5, questions))
	errCh := runBridge(b)

	client.send(t, codec.Text("hello"))
	waitFor(t, "pain analysis stage", func() bool {
		return b.Snapshot().Stage == conversation.StagePainAnalysis
	})

	client.send(t, codec.Text("my lower back hurts"))
	waitFor(t, "consent stage", func() bool {
		return b.Snapshot().Stage == conversation.StageConsent
	})
	if got := b.Snapshot().Pain.Category; got != conversation.PainLowerBack {
		t.Errorf("Expected pain category %q, got %q", conversation.PainLowerBack, got)
	}

	client.send(t, codec.Text("yes, go ahead"))
	waitFor(t, "assessment stage", func() bool {
		return b.Snapshot().Stage == conversation.StageAssessment
	})

	for i := 1; i <= questions; i++ {
		question := fmt.Sprintf("Assessment question %d?", i)
		rt.emitAgentTurn(question)
		waitFor(t, "agent question to be recorded", func() bool {
			return b.Snapshot().LastAgentMessage == question
		})
		client.send(t, codec.Text(fmt.Sprintf("answer %d", i)))
		wantProgress := float64(i) / float64(questions)
		waitFor(t, "answer to be recorded", func() bool {
			return b.Snapshot().Assessment.Progress >= wantProgress
		})
	}

	if err := waitRun(t, errCh); err != nil {
		t.Fatalf("Expected clean completion, got %v", err)
	}

	st := b.Snapshot()
	if st.Stage != conversation.StageClosure {
		t.Errorf("Expected stage %q, got %q", conversation.StageClosure, st.Stage)
	}
	if st.ExitReason != conversation.ExitCompleted {
		t.Errorf("Expected exit reason %q, got %q", conversation.ExitCompleted, st.ExitReason)
	}
	if !st.SessionComplete {
		t.Error("Expected session complete")
	}
	if st.Assessment.Progress != 1.0 {
		t.Errorf("Expected progress 1.0, got %v", st.Assessment.Progress)
	}
	if !rt.closed() {
		t.Error("Expected the runtime connection to be closed")
	}

	// Every user text must have been forwarded to the runtime verbatim.
	texts := rt.texts()
	if len(texts) != 3+questions {
		t.Fatalf("Expected %d forwarded texts, got %d: %v", 3+questions, len(texts), texts)
	}
	if texts[0] != "hello" || texts[1] != "my lower back hurts" {
		t.Errorf("Texts not forwarded in order: %v", texts)
	}

	// The client must have seen the partial text, the turn controls and the
	// diagnostic state updates.
	var sawText, sawControl, sawState bool
	for _, env := range client.written() {
		switch env.Kind {
		case codec.KindText:
			sawText = true
		case codec.KindControl:
			if env.Control.TurnComplete {
				sawControl = true
			}
		case codec.KindStateUpdate:
			sawState = true
		}
	}
	if !sawText || !sawControl || !sawState {
		t.Errorf("Missing outbound envelopes: text=%v control=%v state=%v",
			sawText, sawControl, sawState)
	}
}

func TestBridgeMalformedMessagesAreAbsorbed(t *testing.T) {
	t.Parallel()

	client := newFakeClient()
	rt := newFakeRuntime()
	b := newTestBridge(client, rt, conversation.NewMachine(5, 10))
	errCh := runBridge(b)

	client.in <- []byte("this is not json")
	client.in <- []byte(`{"data":"no mime type"}`)
	waitFor(t, "errors to be counted", func() bool {
		return b.Snapshot().ErrorCount == 2
	})

	st := b.Snapshot()
	if st.Stage != conversation.StageGreeting {
		t.Errorf("Stage changed on malformed input: %q", st.Stage)
	}
	if st.RecoveryAttempts != 2 {
		t.Errorf("Expected 2 recovery attempts, got %d", st.RecoveryAttempts)
	}

	// The session still works afterwards.
	client.send(t, codec.Text("hello"))
	waitFor(t, "pain analysis stage", func() bool {
		return b.Snapshot().Stage == conversation.StagePainAnalysis
	})

	close(client.in)
	if err := waitRun(t, errCh); !errors.Is(err, ErrTransportClosed) {
		t.Fatalf("Expected ErrTransportClosed, got %v", err)
	}
}

func TestBridgeErrorCeilingForcesClosure(t *testing.T) {
	t.Parallel()

	client := newFakeClient()
	rt := newFakeRuntime()
	b := newTestBridge(client, rt, conversation.NewMachine(3, 10))
	errCh := runBridge(b)

	for range 3 {
		client.in <- []byte("garbage")
	}

	if err := waitRun(t, errCh); !errors.Is(err, ErrErrorCeiling) {
		t.Fatalf("Expected ErrErrorCeiling, got %v", err)
	}

	st := b.Snapshot()
	if st.Stage != conversation.StageClosure {
		t.Errorf("Expected stage %q, got %q", conversation.StageClosure, st.Stage)
	}
	if st.ExitReason != conversation.ExitError {
		t.Errorf("Expected exit reason %q, got %q", conversation.ExitError, st.ExitReason)
	}
	if !rt.closed() {
		t.Error("Expected the runtime connection to be closed")
	}
}

func TestBridgeClientDisconnectIsUserExit(t *testing.T) {
	t.Parallel()

	client := newFakeClient()
	rt := newFakeRuntime()
	b := newTestBridge(client, rt, conversation.NewMachine(5, 10))
	errCh := runBridge(b)

	client.send(t, codec.Text("hello"))
	waitFor(t, "pain analysis stage", func() bool {
		return b.Snapshot().Stage == conversation.StagePainAnalysis
	})

	close(client.in)
	if err := waitRun(t, errCh); !errors.Is(err, ErrTransportClosed) {
		t.Fatalf("Expected ErrTransportClosed, got %v", err)
	}

	st := b.Snapshot()
	if !st.SessionComplete {
		t.Error("Expected session complete after disconnect")
	}
	if st.ExitReason != conversation.ExitUserExit {
		t.Errorf("Expected exit reason %q, got %q", conversation.ExitUserExit, st.ExitReason)
	}
	if !rt.closed() {
		t.Error("Expected the runtime connection to be closed")
	}
}

func TestBridgeRuntimeStreamEndIsError(t *testing.T) {
	t.Parallel()

	client := newFakeClient()
	rt := newFakeRuntime()
	b := newTestBridge(client, rt, conversation.NewMachine(5, 10))
	errCh := runBridge(b)

	close(rt.events)
	if err := waitRun(t, errCh); !errors.Is(err, ErrRuntimeStreamClosed) {
		t.Fatalf("Expected ErrRuntimeStreamClosed, got %v", err)
	}

	st := b.Snapshot()
	if !st.SessionComplete {
		t.Error("Expected session complete after runtime loss")
	}
	if st.ExitReason != conversation.ExitError {
		t.Errorf("Expected exit reason %q, got %q", conversation.ExitError, st.ExitReason)
	}
}

func TestBridgeForwardsBinaryMedia(t *testing.T) {
	t.Parallel()

	client := newFakeClient()
	rt := newFakeRuntime()
	b := newTestBridge(client, rt, conversation.NewMachine(5, 10))
	errCh := runBridge(b)

	client.send(t, codec.Audio([]byte{1, 2, 3, 4}))
	waitFor(t, "audio frame to be forwarded", func() bool {
		rt.mu.Lock()
		defer rt.mu.Unlock()
		return len(rt.realtime) == 1
	})

	rt.mu.Lock()
	mimeType := rt.realtime[0]
	rt.mu.Unlock()
	if mimeType != "audio/pcm" {
		t.Errorf("Expected mime type audio/pcm, got %q", mimeType)
	}

	// Binary media must not touch the conversation state.
	if st := b.Snapshot(); st.Stage != conversation.StageGreeting || st.InteractionCount != 0 {
		t.Errorf("Binary frame changed state: stage=%q interactions=%d", st.Stage, st.InteractionCount)
	}

	close(client.in)
	if err := waitRun(t, errCh); !errors.Is(err, ErrTransportClosed) {
		t.Fatalf("Expected ErrTransportClosed, got %v", err)
	}
}

func TestBridgeDropsUnsupportedInboundKind(t *testing.T) {
	t.Parallel()

	client := newFakeClient()
	rt := newFakeRuntime()
	b := newTestBridge(client, rt, conversation.NewMachine(5, 10))
	errCh := runBridge(b)

	// A client must not inject server-only control frames.
	client.send(t, codec.TurnControl(true, false))
	waitFor(t, "frame to be dropped", func() bool {
		return b.Snapshot().RecoveryAttempts == 1
	})

	if got := rt.texts(); len(got) != 0 {
		t.Errorf("Unsupported frame reached the runtime: %v", got)
	}

	close(client.in)
	if err := waitRun(t, errCh); !errors.Is(err, ErrTransportClosed) {
		t.Fatalf("Expected ErrTransportClosed, got %v", err)
	}
}
