package hostclient

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/shellsync/internal/shell"
)

type StreamOptions struct {
	Token string
	// Buffer is the capacity of the channel handed to the subscriber.
	// Default: 64.
	Buffer int
	// MinBackoff and MaxBackoff bound the delay between reconnects.
	// Defaults: 200ms and 10s.
	MinBackoff time.Duration
	MaxBackoff time.Duration
	ReadLimit  int64
	Logger     *slog.Logger
}

func (o *StreamOptions) defaults() {
	if o.Buffer <= 0 {
		o.Buffer = 64
	}
	if o.MinBackoff <= 0 {
		o.MinBackoff = 200 * time.Millisecond
	}
	if o.MaxBackoff < o.MinBackoff {
		o.MaxBackoff = max(10*time.Second, o.MinBackoff)
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = 1 << 20
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// EventStream delivers the host's download events over a WebSocket. The
// connection is re-dialled with backoff until the subscription context ends;
// the channel is closed once it does.
type EventStream struct {
	url  string
	opts StreamOptions
}

var _ shell.EventSource = (*EventStream)(nil)

// NewEventStream accepts ws://, wss://, http:// or https:// URLs.
func NewEventStream(rawURL string, opts StreamOptions) (*EventStream, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return nil, shell.ErrInvalidInput
	}
	switch {
	case strings.HasPrefix(rawURL, "http://"):
		rawURL = "ws://" + strings.TrimPrefix(rawURL, "http://")
	case strings.HasPrefix(rawURL, "https://"):
		rawURL = "wss://" + strings.TrimPrefix(rawURL, "https://")
	case strings.HasPrefix(rawURL, "ws://"), strings.HasPrefix(rawURL, "wss://"):
	default:
		return nil, errors.Join(shell.ErrInvalidInput, errors.New("event stream url must be ws, wss, http or https: "+rawURL))
	}
	opts.defaults()
	return &EventStream{url: rawURL, opts: opts}, nil
}

func (s *EventStream) Subscribe(ctx context.Context) (<-chan shell.Event, error) {
	out := make(chan shell.Event, s.opts.Buffer)
	go s.run(ctx, out)
	return out, nil
}

func (s *EventStream) run(ctx context.Context, out chan<- shell.Event) {
	defer close(out)
	log := s.opts.Logger
	backoff := s.opts.MinBackoff
	for ctx.Err() == nil {
		delivered, err := s.session(ctx, out)
		if ctx.Err() != nil {
			return
		}
		if delivered {
			backoff = s.opts.MinBackoff
		}
		log.Warn("download event stream disconnected", "url", s.url, "error", err, "retry_in", backoff)
		if waitWithContext(ctx, backoff) != nil {
			return
		}
		backoff = min(backoff*2, s.opts.MaxBackoff)
	}
}

// session reads one connection until it fails. delivered reports whether
// any event made it through.
func (s *EventStream) session(ctx context.Context, out chan<- shell.Event) (delivered bool, err error) {
	header := http.Header{}
	if s.opts.Token != "" {
		header.Set("Authorization", "Bearer "+s.opts.Token)
	}
	header.Set("X-Correlation-Id", correlationID())
	conn, _, err := websocket.Dial(ctx, s.url, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return false, err
	}
	defer conn.Close(websocket.StatusGoingAway, "")
	conn.SetReadLimit(s.opts.ReadLimit)
	s.opts.Logger.Info("download event stream connected", "url", s.url)
	for {
		var ev shell.Event
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			return delivered, err
		}
		select {
		case out <- ev:
			delivered = true
		case <-ctx.Done():
			return delivered, ctx.Err()
		}
	}
}
