package marketplace

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Mindburn-Labs/ccos/pkg/runtime"
)

const defaultMaxFrames = 1024

var errStreamDone = errors.New("stream done")

// StreamExecutor collects a finite stream into a list of frames. A frame
// equal to "done", or a map with "done" true, ends the stream.
type StreamExecutor struct {
	dialer websocket.Dialer
}

func NewStreamExecutor() *StreamExecutor {
	return &StreamExecutor{dialer: websocket.Dialer{HandshakeTimeout: 10 * time.Second}}
}

func (*StreamExecutor) Kind() ProviderKind { return ProviderStream }

func (e *StreamExecutor) Execute(ctx context.Context, m *CapabilityManifest, args []any) (any, error) {
	p := m.Provider.Stream
	limit := p.MaxFrames
	if limit <= 0 {
		limit = defaultMaxFrames
	}
	frames := []any{}
	emit := func(frame any) error {
		if isDoneFrame(frame) {
			return errStreamDone
		}
		frames = append(frames, frame)
		if len(frames) >= limit {
			return errStreamDone
		}
		return nil
	}

	var err error
	if p.Handler != nil {
		err = p.Handler(ctx, args, emit)
	} else {
		err = e.collect(ctx, p.Endpoint, args, emit)
	}
	if err != nil && !errors.Is(err, errStreamDone) {
		return nil, err
	}
	return frames, nil
}

func (e *StreamExecutor) collect(ctx context.Context, endpoint string, args []any, emit func(any) error) error {
	if endpoint == "" {
		return errors.New("stream provider has neither endpoint nor handler")
	}
	conn, _, err := e.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer func() { _ = conn.Close() }()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if len(args) > 0 {
		doc, err := runtime.ToJSON(inputDocument(args))
		if err != nil {
			return err
		}
		if err := conn.WriteJSON(doc); err != nil {
			return fmt.Errorf("send stream request: %w", err)
		}
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read stream frame: %w", err)
		}
		frame, err := runtime.FromJSON(data)
		if err != nil {
			frame = string(data)
		}
		if err := emit(frame); err != nil {
			return err
		}
	}
}

func isDoneFrame(frame any) bool {
	switch f := frame.(type) {
	case string:
		return f == "done"
	case map[string]any:
		done, _ := f["done"].(bool)
		return done
	}
	return false
}
