package reader

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	appconfig "ingestflow/config"
	"ingestflow/logger"
	"ingestflow/models"
)

const (
	defaultKeepAlive        = 20 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
	writeTimeout            = 5 * time.Second
)

// SubscribeFunc builds the subscription frames for symbols. Each frame is
// written as JSON and paced by the connection's limiter.
type SubscribeFunc func(symbols []*models.Symbol) []interface{}

// WSOptions configures DialWS.
type WSOptions struct {
	URL          string
	LocalIP      string
	PingInterval time.Duration
	// SubscribeRate is the maximum number of subscription frames per second.
	SubscribeRate float64
	Subscribe     SubscribeFunc
	Header        http.Header
	Log           *logger.Entry
	// Heartbeat, when set, is sent as a text frame instead of a protocol ping.
	Heartbeat []byte
}

// WSOptionsFromConfig fills the transport settings shared by every venue.
func WSOptionsFromConfig(cfg *appconfig.VenueConfig, url string, sub SubscribeFunc) WSOptions {
	return WSOptions{
		URL:           url,
		LocalIP:       cfg.LocalIP,
		PingInterval:  cfg.PingInterval,
		SubscribeRate: cfg.SubscribeRate,
		Subscribe:     sub,
		Log: logger.GetLogger().WithComponent("ws").WithFields(logger.Fields{
			"venue": cfg.Name,
		}),
	}
}

// WSConn is a gorilla websocket connection implementing Conn.
type WSConn struct {
	conn    *websocket.Conn
	opts    WSOptions
	limiter *rate.Limiter
	// readTimeout is two keepalive intervals; a peer silent for longer is
	// treated as lost.
	readTimeout time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

// DialWS connects to opts.URL. The connection is closed when ctx ends.
func DialWS(ctx context.Context, opts WSOptions) (*WSConn, error) {
	if opts.Log == nil {
		opts.Log = logger.GetLogger().WithComponent("ws")
	}
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: defaultHandshakeTimeout,
		NetDialContext:   localDialer(opts.LocalIP).DialContext,
	}
	conn, _, err := dialer.DialContext(ctx, opts.URL, opts.Header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", opts.URL, err)
	}

	limit := rate.Inf
	if opts.SubscribeRate > 0 {
		limit = rate.Limit(opts.SubscribeRate)
	}
	c := &WSConn{
		conn:        conn,
		opts:        opts,
		limiter:     rate.NewLimiter(limit, 1),
		readTimeout: 2 * keepAlive(opts.PingInterval),
		done:        make(chan struct{}),
	}
	conn.SetReadDeadline(time.Now().Add(c.readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.readTimeout))
	})
	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-c.done:
		}
	}()
	c.startPingLoop()
	return c, nil
}

// Subscribe writes the subscription frames for symbols.
func (c *WSConn) Subscribe(ctx context.Context, symbols []*models.Symbol) error {
	if c.opts.Subscribe == nil {
		return nil
	}
	for _, frame := range c.opts.Subscribe(symbols) {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		if err := c.WriteJSON(frame); err != nil {
			return fmt.Errorf("subscribe: %w", err)
		}
	}
	return nil
}

// WriteJSON serialises concurrent writers.
func (c *WSConn) WriteJSON(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(v)
}

// ReadMessage returns the next data frame. It fails once the peer has sent
// neither data nor a pong for two keepalive intervals.
func (c *WSConn) ReadMessage(ctx context.Context) ([]byte, error) {
	c.conn.SetReadDeadline(time.Now().Add(c.readTimeout))
	_, msg, err := c.conn.ReadMessage()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return msg, nil
}

func (c *WSConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	if errors.Is(err, websocket.ErrCloseSent) {
		return nil
	}
	return err
}

func keepAlive(interval time.Duration) time.Duration {
	if interval <= 0 {
		return defaultKeepAlive
	}
	return interval
}

func (c *WSConn) startPingLoop() {
	ticker := time.NewTicker(keepAlive(c.opts.PingInterval))
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-c.done:
				return
			case <-ticker.C:
				err := c.ping()
				if err != nil {
					c.opts.Log.WithError(err).Warn("failed to send websocket ping")
					c.Close()
					return
				}
			}
		}
	}()
}

func (c *WSConn) ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.opts.Heartbeat != nil {
		c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		return c.conn.WriteMessage(websocket.TextMessage, c.opts.Heartbeat)
	}
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second))
}
