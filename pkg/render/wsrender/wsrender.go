// Package wsrender provides a WebSocket-backed rendering platform client.
// It implements the render.Platform interface.
//
// The wire protocol is JSON request/response over a single long-lived
// connection. Every request carries a client-generated correlation id; the
// platform answers with a response bearing the same id. Server-initiated
// messages without an id are ignored.
package wsrender

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/visagekit/visage/pkg/render"
)

const defaultCallTimeout = 15 * time.Second

// ErrClosed is returned by calls made after the client has been closed.
var ErrClosed = errors.New("wsrender: client is closed")

// Option is a functional option for configuring the Client.
type Option func(*Client)

// WithCallTimeout bounds how long a single platform call may wait for its
// response. The default is 15 seconds.
func WithCallTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.callTimeout = d
	}
}

// Client is a live connection to a rendering platform. It implements
// render.Platform and is safe for concurrent use.
type Client struct {
	conn        *websocket.Conn
	callTimeout time.Duration

	mu      sync.Mutex
	pending map[string]chan response

	done      chan struct{}
	doneOnce  sync.Once
	closeOnce sync.Once
	wg        sync.WaitGroup
}

var _ render.Platform = (*Client)(nil)

// Dial connects to the rendering platform at endpoint (a ws:// or wss://
// URL). apiKey, when non-empty, is sent as a bearer token.
func Dial(ctx context.Context, endpoint, apiKey string, opts ...Option) (*Client, error) {
	if endpoint == "" {
		return nil, errors.New("wsrender: endpoint must not be empty")
	}

	headers := http.Header{}
	if apiKey != "" {
		headers.Set("Authorization", "Bearer "+apiKey)
	}

	conn, _, err := websocket.Dial(ctx, endpoint, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, fmt.Errorf("wsrender: dial: %w", err)
	}

	c := &Client{
		conn:        conn,
		callTimeout: defaultCallTimeout,
		pending:     map[string]chan response{},
		done:        make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}

	c.wg.Add(1)
	go c.readLoop()

	return c, nil
}

// Close terminates the connection. In-flight calls fail with ErrClosed.
// Calling Close more than once is safe and returns nil.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.markDone()
		_ = c.conn.Close(websocket.StatusNormalClosure, "client closed")
		c.wg.Wait()
	})
	return nil
}

func (c *Client) markDone() {
	c.doneOnce.Do(func() { close(c.done) })
}

// ---- wire types ----

type request struct {
	ID       string `json:"id"`
	Op       string `json:"op"`
	AvatarID string `json:"avatarId,omitempty"`
	Payload  any    `json:"payload,omitempty"`
}

type response struct {
	ID     string          `json:"id"`
	OK     bool            `json:"ok"`
	Error  string          `json:"error,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

type createPayload struct {
	Appearance  map[string]string `json:"appearance"`
	Outfit      map[string]string `json:"outfit"`
	Accessories []string          `json:"accessories,omitempty"`
	Expressions []string          `json:"expressions,omitempty"`
	Brand       map[string]string `json:"brand,omitempty"`
	Quality     string            `json:"quality,omitempty"`
	Resolution  string            `json:"resolution,omitempty"`
	FrameRate   int               `json:"frameRate,omitempty"`
}

type createResult struct {
	AvatarID   string `json:"avatarId"`
	PreviewURL string `json:"previewUrl"`
}

type updatePayload struct {
	Appearance  map[string]string `json:"appearance,omitempty"`
	Outfit      map[string]string `json:"outfit,omitempty"`
	Accessories []string          `json:"accessories,omitempty"`
	Brand       map[string]string `json:"brand,omitempty"`
}

type playPayload struct {
	Animation  string  `json:"animation"`
	Loop       bool    `json:"loop,omitempty"`
	Intensity  float64 `json:"intensity,omitempty"`
	DurationMs int64   `json:"durationMs,omitempty"`
}

type expressionPayload struct {
	Expression string  `json:"expression"`
	Intensity  float64 `json:"intensity"`
}

type visemeWire struct {
	Shape      string  `json:"shape"`
	AtMs       int64   `json:"atMs"`
	DurationMs int64   `json:"durationMs"`
	Weight     float64 `json:"weight,omitempty"`
}

type lipSyncPayload struct {
	Visemes     []visemeWire `json:"visemes"`
	TimestampMs int64        `json:"timestampMs"`
	DurationMs  int64        `json:"durationMs"`
	RealTime    bool         `json:"realTime,omitempty"`
}

func toCreatePayload(req render.CreateRequest) createPayload {
	return createPayload{
		Appearance:  req.Appearance,
		Outfit:      req.Outfit,
		Accessories: req.Accessories,
		Expressions: req.Expressions,
		Brand:       req.Brand,
		Quality:     req.Quality.Quality,
		Resolution:  req.Quality.Resolution,
		FrameRate:   req.Quality.FrameRate,
	}
}

func toLipSyncPayload(p render.LipSyncPayload) lipSyncPayload {
	visemes := make([]visemeWire, 0, len(p.Visemes))
	for _, v := range p.Visemes {
		visemes = append(visemes, visemeWire{
			Shape:      v.Shape,
			AtMs:       v.At.Milliseconds(),
			DurationMs: v.Duration.Milliseconds(),
			Weight:     v.Weight,
		})
	}
	return lipSyncPayload{
		Visemes:     visemes,
		TimestampMs: p.Timestamp.Milliseconds(),
		DurationMs:  p.Duration.Milliseconds(),
		RealTime:    p.RealTime,
	}
}

// ---- render.Platform ----

// CreateAvatar sends a createAvatar request and waits for the platform handle.
func (c *Client) CreateAvatar(ctx context.Context, req render.CreateRequest) (render.Handle, error) {
	var res createResult
	if err := c.call(ctx, "createAvatar", "", toCreatePayload(req), &res); err != nil {
		return render.Handle{}, err
	}
	if res.AvatarID == "" {
		return render.Handle{}, errors.New("wsrender: createAvatar: platform returned no avatar id")
	}
	return render.Handle{ID: res.AvatarID, PreviewURL: res.PreviewURL}, nil
}

// UpdateAvatar sends an updateAvatar request with the partial patch.
func (c *Client) UpdateAvatar(ctx context.Context, avatarID string, patch render.UpdatePatch) error {
	return c.call(ctx, "updateAvatar", avatarID, updatePayload{
		Appearance:  patch.Appearance,
		Outfit:      patch.Outfit,
		Accessories: patch.Accessories,
		Brand:       patch.Brand,
	}, nil)
}

// DestroyAvatar sends a destroyAvatar request.
func (c *Client) DestroyAvatar(ctx context.Context, avatarID string) error {
	return c.call(ctx, "destroyAvatar", avatarID, nil, nil)
}

// PlayAnimation sends a playAnimation request.
func (c *Client) PlayAnimation(ctx context.Context, avatarID, animation string, opts render.PlayOptions) error {
	return c.call(ctx, "playAnimation", avatarID, playPayload{
		Animation:  animation,
		Loop:       opts.Loop,
		Intensity:  opts.Intensity,
		DurationMs: opts.Duration.Milliseconds(),
	}, nil)
}

// UpdateExpression sends an updateExpression request.
func (c *Client) UpdateExpression(ctx context.Context, avatarID, expression string, intensity float64) error {
	return c.call(ctx, "updateExpression", avatarID, expressionPayload{
		Expression: expression,
		Intensity:  intensity,
	}, nil)
}

// SynchronizeLipSync sends a syncLipSync request with the viseme timeline.
func (c *Client) SynchronizeLipSync(ctx context.Context, avatarID string, payload render.LipSyncPayload) error {
	return c.call(ctx, "syncLipSync", avatarID, toLipSyncPayload(payload), nil)
}

// ---- plumbing ----

// call sends one request and blocks until its correlated response arrives,
// the call times out, or the client closes.
func (c *Client) call(ctx context.Context, op, avatarID string, payload, result any) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	id := uuid.NewString()
	ch := make(chan response, 1)

	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	data, err := json.Marshal(request{ID: id, Op: op, AvatarID: avatarID, Payload: payload})
	if err != nil {
		return fmt.Errorf("wsrender: marshal %s: %w", op, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("wsrender: write %s: %w", op, err)
	}

	select {
	case resp := <-ch:
		if !resp.OK {
			return fmt.Errorf("wsrender: %s: platform error: %s", op, resp.Error)
		}
		if result != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return fmt.Errorf("wsrender: decode %s result: %w", op, err)
			}
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wsrender: %s: %w", op, ctx.Err())
	case <-c.done:
		return ErrClosed
	}
}

// readLoop receives JSON messages from the platform and routes responses to
// their pending calls by correlation id.
func (c *Client) readLoop() {
	defer c.wg.Done()

	for {
		_, msg, err := c.conn.Read(context.Background())
		if err != nil {
			// Connection gone. Fail every in-flight call promptly.
			c.markDone()
			return
		}
		c.route(msg)
	}
}

// route delivers one raw message to the pending call that owns its id.
// Messages without a known id are dropped.
func (c *Client) route(msg []byte) {
	var resp response
	if err := json.Unmarshal(msg, &resp); err != nil {
		return
	}
	if resp.ID == "" {
		return
	}

	c.mu.Lock()
	ch, ok := c.pending[resp.ID]
	if ok {
		delete(c.pending, resp.ID)
	}
	c.mu.Unlock()

	if ok {
		ch <- resp
	}
}
