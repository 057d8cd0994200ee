package usbmux

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Client is the entry point of this package. It shares one ListenSession between all
// WatchDevices subscribers and opens a fresh usbmuxd connection for every Connect.
type Client struct {
	cfg  Config
	tags *TagAllocator

	mu     sync.Mutex
	watch  *watch
	closed bool
}

// watch is one ListenSession and the subscribers fed from it. started is closed once the
// Listen handshake finished, err holds its outcome.
type watch struct {
	session *ListenSession
	subs    map[*subscriber]struct{}
	started chan struct{}
	err     error
}

func (w *watch) ready() bool {
	select {
	case <-w.started:
		return w.err == nil
	default:
		return false
	}
}

type subscriber struct {
	in   chan DeviceEvent
	out  chan DeviceEvent
	gone chan struct{}
}

// NewClient validates cfg and creates a Client. Nothing is dialed until it is needed.
func NewClient(cfg Config) (*Client, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Client{cfg: cfg, tags: defaultTags}, nil
}

// Config returns the configuration the client was created with.
func (c *Client) Config() Config {
	return c.cfg
}

// WatchDevices subscribes to device events. The first subscriber starts the ListenSession,
// usbmuxd then reports every attached device. The subscription ends when ctx is done or the
// session ends; the last event of a session is EventClosed, after that the channel is closed.
// A subscriber that does not keep up blocks delivery to all subscribers, events are never dropped.
func (c *Client) WatchDevices(ctx context.Context) (<-chan DeviceEvent, error) {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil, newError(InvalidArgument, "watch devices", errors.New("client is closed"))
		}
		w := c.watch
		if w != nil && w.ready() && w.session.State() == StateClosed {
			// the session ended, its subscribers still get EventClosed from broadcast
			c.watch = nil
			w = nil
		}
		if w == nil {
			return c.startWatch(ctx)
		}
		if w.ready() {
			events := c.subscribe(ctx, w)
			c.mu.Unlock()
			return events, nil
		}
		c.mu.Unlock()

		select {
		case <-w.started:
			if w.err != nil {
				return nil, w.err
			}
		case <-ctx.Done():
			return nil, contextError("watch devices", ctx.Err())
		}
	}
}

// startWatch runs the Listen handshake without holding c.mu, so Close can abort it.
// It is called with c.mu held and releases it.
func (c *Client) startWatch(ctx context.Context) (<-chan DeviceEvent, error) {
	w := &watch{
		session: NewListenSession(c.cfg, c.tags),
		subs:    map[*subscriber]struct{}{},
		started: make(chan struct{}),
	}
	c.watch = w
	c.mu.Unlock()

	err := w.session.Start(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	current := c.watch == w
	if err == nil && !current {
		err = newError(Cancelled, "watch devices", errors.New("client closed during subscribe"))
	}
	w.err = err
	close(w.started)
	if err != nil {
		if current {
			c.watch = nil
		}
		return nil, err
	}
	// broadcast waits for c.mu, the first subscriber is registered before any event is sent
	go c.broadcast(w)
	return c.subscribe(ctx, w), nil
}

// subscribe adds a subscriber to w. c.mu must be held.
func (c *Client) subscribe(ctx context.Context, w *watch) <-chan DeviceEvent {
	sub := &subscriber{
		in:   make(chan DeviceEvent),
		out:  make(chan DeviceEvent, c.cfg.EventBuffer),
		gone: make(chan struct{}),
	}
	w.subs[sub] = struct{}{}
	go c.pump(ctx, w, sub)
	return sub.out
}

// CurrentDevices returns the devices of the running ListenSession, or nothing if no one watches.
func (c *Client) CurrentDevices() []DeviceInfo {
	c.mu.Lock()
	w := c.watch
	c.mu.Unlock()
	if w == nil {
		return []DeviceInfo{}
	}
	return w.session.Devices()
}

// Connect connects to port on the device and returns the tunnel. timeout bounds the handshake,
// zero means wait until ctx is done. Calls are independent of each other and of WatchDevices.
func (c *Client) Connect(ctx context.Context, deviceID uint32, port int, timeout time.Duration) (net.Conn, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return connect(ctx, c.cfg, c.tags, deviceID, port)
}

// ListDevices asks usbmuxd for the attached devices on a one-shot connection.
func (c *Client) ListDevices(ctx context.Context) ([]DeviceInfo, error) {
	return listDevices(ctx, c.cfg, c.tags)
}

// ReadBUID asks usbmuxd for the host BUID on a one-shot connection.
func (c *Client) ReadBUID(ctx context.Context) (string, error) {
	return readBUID(ctx, c.cfg, c.tags)
}

// Close stops the ListenSession, also one that is still subscribing. Subscribers receive
// EventClosed and their channels are closed. Tunnels returned by Connect are not affected.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	w := c.watch
	c.watch = nil
	c.mu.Unlock()
	if w == nil {
		return nil
	}
	return w.session.Close()
}

// broadcast copies every session event to every subscriber in order, then closes the
// subscribers' inputs.
func (c *Client) broadcast(w *watch) {
	for event := range w.session.Events() {
		for _, sub := range c.subscribers(w) {
			select {
			case sub.in <- event:
			case <-sub.gone:
			}
		}
	}
	c.mu.Lock()
	if c.watch == w {
		c.watch = nil
	}
	subs := w.subs
	w.subs = map[*subscriber]struct{}{}
	c.mu.Unlock()
	for sub := range subs {
		close(sub.in)
	}
	log.Debug("device watch ended")
}

func (c *Client) subscribers(w *watch) []*subscriber {
	c.mu.Lock()
	defer c.mu.Unlock()
	subs := make([]*subscriber, 0, len(w.subs))
	for sub := range w.subs {
		subs = append(subs, sub)
	}
	return subs
}

func (c *Client) pump(ctx context.Context, w *watch, sub *subscriber) {
	defer close(sub.out)
	defer c.unsubscribe(w, sub)
	defer close(sub.gone)
	for {
		select {
		case event, ok := <-sub.in:
			if !ok {
				return
			}
			select {
			case sub.out <- event:
			case <-ctx.Done():
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// unsubscribe removes sub and stops the session once nobody is left.
func (c *Client) unsubscribe(w *watch, sub *subscriber) {
	c.mu.Lock()
	_, ok := w.subs[sub]
	delete(w.subs, sub)
	last := ok && len(w.subs) == 0 && c.watch == w
	if last {
		c.watch = nil
	}
	c.mu.Unlock()
	if last {
		log.Debug("last device watcher left, stopping listen session")
		go w.session.Close()
	}
}
