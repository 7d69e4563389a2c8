package runtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

var errConnectionShutdown = errors.New("connection shutdown")
var errConnectionStateUnchanged = errors.New("connection state did not change")

// LiveFactoryConfig holds configuration for the live runtime factory.
type LiveFactoryConfig struct {
	LiveURL          string // WebSocket URL of the runtime live endpoint
	HealthAddr       string // gRPC address serving the standard health protocol
	HealthTimeout    time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
}

// DefaultLiveFactoryConfig returns default configuration.
func DefaultLiveFactoryConfig() LiveFactoryConfig {
	return LiveFactoryConfig{
		HealthTimeout:    3 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// LiveFactory connects session bridges to the agent runtime service. The
// event stream rides a per-session WebSocket; readiness is probed over the
// runtime's gRPC health endpoint.
type LiveFactory struct {
	cfg    LiveFactoryConfig
	conn   *grpc.ClientConn
	health grpc_health_v1.HealthClient
	logger *slog.Logger
}

// Ensure LiveFactory implements Factory.
var _ Factory = (*LiveFactory)(nil)

// NewLiveFactory creates a runtime factory. The gRPC client is built
// without network I/O; readiness is evaluated per call so the server can
// start before the runtime does.
func NewLiveFactory(liveURL, healthAddr string, logger *slog.Logger) (*LiveFactory, error) {
	if logger == nil {
		logger = slog.Default()
	}

	cfg := DefaultLiveFactoryConfig()
	cfg.LiveURL = liveURL
	cfg.HealthAddr = healthAddr

	if _, err := url.Parse(cfg.LiveURL); err != nil {
		return nil, fmt.Errorf("invalid runtime live URL %s: %w", cfg.LiveURL, err)
	}

	kacp := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: false,
	}

	conn, err := grpc.NewClient(cfg.HealthAddr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build runtime health client for %s: %w", cfg.HealthAddr, err)
	}

	return &LiveFactory{
		cfg:    cfg,
		conn:   conn,
		health: grpc_health_v1.NewHealthClient(conn),
		logger: logger,
	}, nil
}

// Ready reports whether the runtime health service answers SERVING.
func (f *LiveFactory) Ready(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, f.cfg.HealthTimeout)
	defer cancel()

	if err := waitForReady(ctx, f.conn); err != nil {
		f.logger.Debug("runtime health channel not ready", "error", err)
		return false
	}

	resp, err := f.health.Check(ctx, &grpc_health_v1.HealthCheckRequest{})
	if err != nil {
		f.logger.Debug("runtime health check failed", "error", err)
		return false
	}
	return resp.GetStatus() == grpc_health_v1.HealthCheckResponse_SERVING
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

// Connect opens the per-session live event stream.
func (f *LiveFactory) Connect(ctx context.Context, opts SessionOptions) (Conn, error) {
	target, err := url.Parse(f.cfg.LiveURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	query := target.Query()
	query.Set("session_key", opts.SessionKey)
	query.Set("is_audio", strconv.FormatBool(opts.AudioResponse))
	query.Set("enable_video", strconv.FormatBool(opts.EnableVideo))
	target.RawQuery = query.Encode()

	//nolint:bodyclose // the websocket library owns the hijacked response body
	ws, _, err := websocket.Dial(ctx, target.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrUnavailable, f.cfg.LiveURL, err)
	}

	f.logger.Info("Runtime session connected", "session_key", opts.SessionKey,
		"audio", opts.AudioResponse, "video", opts.EnableVideo)

	return &liveConn{ws: ws, logger: f.logger}, nil
}

// Close releases the health channel.
func (f *LiveFactory) Close() error {
	return f.conn.Close()
}

// liveConn is one WebSocket-backed runtime connection.
type liveConn struct {
	ws        *websocket.Conn
	logger    *slog.Logger
	closeOnce sync.Once
	closeErr  error
}

// Ensure liveConn implements Conn.
var _ Conn = (*liveConn)(nil)

// eventFrame mirrors the runtime's JSON event shape.
type eventFrame struct {
	Author       string        `json:"author,omitempty"`
	TurnComplete bool          `json:"turn_complete"`
	Interrupted  bool          `json:"interrupted"`
	Partial      bool          `json:"partial"`
	Content      *contentFrame `json:"content,omitempty"`
}

type contentFrame struct {
	Parts []partFrame `json:"parts"`
}

type partFrame struct {
	MimeType string `json:"mime_type,omitempty"`
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"` // base64
}

type requestFrame struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Data     string `json:"data,omitempty"` // base64
}

// Events yields runtime events until the stream ends.
func (c *liveConn) Events(ctx context.Context) iter.Seq2[*Event, error] {
	return func(yield func(*Event, error) bool) {
		for {
			_, raw, err := c.ws.Read(ctx)
			if err != nil {
				if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
					return
				}
				yield(nil, fmt.Errorf("runtime stream read: %w", err))
				return
			}

			var frame eventFrame
			if err := json.Unmarshal(raw, &frame); err != nil {
				// One undecodable event should not kill the stream.
				c.logger.Warn("Dropping undecodable runtime event", "error", err)
				continue
			}

			event := &Event{
				Author:       frame.Author,
				TurnComplete: frame.TurnComplete,
				Interrupted:  frame.Interrupted,
				Partial:      frame.Partial,
			}
			if frame.Content != nil {
				for _, part := range frame.Content.Parts {
					decoded := Part{MimeType: part.MimeType, Text: part.Text}
					if part.Data != "" {
						data, err := base64.StdEncoding.DecodeString(part.Data)
						if err != nil {
							c.logger.Warn("Dropping part with invalid base64 data", "error", err)
							continue
						}
						decoded.Data = data
					}
					event.Parts = append(event.Parts, decoded)
				}
			}

			if !yield(event, nil) {
				return
			}
		}
	}
}

// SendText forwards one user text message.
func (c *liveConn) SendText(ctx context.Context, text string) error {
	return c.send(ctx, requestFrame{Type: "content", Text: text})
}

// SendRealtime forwards a binary payload.
func (c *liveConn) SendRealtime(ctx context.Context, mimeType string, data []byte) error {
	return c.send(ctx, requestFrame{
		Type:     "realtime",
		MimeType: mimeType,
		Data:     base64.StdEncoding.EncodeToString(data),
	})
}

func (c *liveConn) send(ctx context.Context, frame requestFrame) error {
	raw, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal runtime request: %w", err)
	}
	if err := c.ws.Write(ctx, websocket.MessageText, raw); err != nil {
		return fmt.Errorf("runtime stream write: %w", err)
	}
	return nil
}

// Close tears the connection down exactly once.
func (c *liveConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.ws.Close(websocket.StatusNormalClosure, "session ended")
	})
	return c.closeErr
}
