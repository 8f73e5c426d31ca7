package marketplace

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// AdapterConfig tunes one venue adapter.
type AdapterConfig struct {
	Name              string
	BaseURL           string
	StreamURL         string
	Channels          []string
	RequestsPerSecond float64
	Burst             int
	MaxRetries        int
	ReconnectAttempts int
	HealthPath        string // probe path; falls back to /stats on 404
	QueueThreshold    int
	ExecutionRisk     float64
	Timeout           time.Duration
}

// MetricsHook receives adapter counters; nil hooks are ignored.
type MetricsHook func(venue, event string)

// Adapter is the per-venue client: a token-bucket-gated HTTP side and a
// persistent stream with bounded reconnection.
type Adapter struct {
	cfg     AdapterConfig
	client  *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker

	handler Handler
	metrics MetricsHook

	mu        sync.Mutex
	conn      *websocket.Conn
	connected atomic.Bool
	offline   atomic.Bool // reconnect budget exhausted

	queue     chan []byte
	closeOnce sync.Once
	closeCh   chan struct{}
	wg        sync.WaitGroup
}

const (
	streamPingInterval = 30 * time.Second
	streamWriteWait    = 10 * time.Second
	streamPongWait     = 75 * time.Second
	reconnectBase      = time.Second
	reconnectMax       = time.Minute
)

// NewAdapter creates a venue adapter. Start must be called to open the
// stream; the HTTP side is usable immediately.
func NewAdapter(cfg AdapterConfig, handler Handler, metrics MetricsHook) *Adapter {
	if cfg.Burst <= 0 {
		cfg.Burst = int(cfg.RequestsPerSecond)
		if cfg.Burst < 1 {
			cfg.Burst = 1
		}
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.ReconnectAttempts <= 0 {
		cfg.ReconnectAttempts = 5
	}
	if cfg.HealthPath == "" {
		cfg.HealthPath = "/health"
	}
	if cfg.QueueThreshold <= 0 {
		cfg.QueueThreshold = 512
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    cfg.Name,
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("venue", name).
				Str("from", from.String()).Str("to", to.String()).
				Msg("venue circuit breaker state change")
		},
	})

	return &Adapter{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		breaker: breaker,
		handler: handler,
		metrics: metrics,
		queue:   make(chan []byte, cfg.QueueThreshold*2),
		closeCh: make(chan struct{}),
	}
}

// Name returns the venue name.
func (a *Adapter) Name() string { return a.cfg.Name }

// ExecutionRisk returns the configured per-venue execution risk score.
func (a *Adapter) ExecutionRisk() float64 { return a.cfg.ExecutionRisk }

func (a *Adapter) count(event string) {
	if a.metrics != nil {
		a.metrics(a.cfg.Name, event)
	}
}

// get performs one rate-limited, breaker-guarded GET with bounded retries
// on transport failures.
func (a *Adapter) get(ctx context.Context, path string, params url.Values) ([]byte, int, error) {
	var lastErr error
	backoff := time.Second

	for attempt := 0; attempt < a.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, 0, ctx.Err()
			}
			backoff *= 2
		}

		if err := a.limiter.Wait(ctx); err != nil {
			return nil, 0, fmt.Errorf("rate wait: %w", err)
		}

		result, err := a.breaker.Execute(func() (interface{}, error) {
			u := a.cfg.BaseURL + path
			if len(params) > 0 {
				u += "?" + params.Encode()
			}
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
			if err != nil {
				return nil, err
			}
			resp, err := a.client.Do(req)
			if err != nil {
				return nil, err
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
			if err != nil {
				return nil, err
			}
			return &httpResult{status: resp.StatusCode, body: body}, nil
		})
		if err != nil {
			lastErr = err
			a.count("error")
			continue
		}

		res := result.(*httpResult)
		a.count("ok")
		return res.body, res.status, nil
	}
	return nil, 0, fmt.Errorf("venue %s request failed after %d attempts: %w",
		a.cfg.Name, a.cfg.MaxRetries, lastErr)
}

type httpResult struct {
	status int
	body   []byte
}

// FetchActiveListings retrieves the venue's active listings.
func (a *Adapter) FetchActiveListings(ctx context.Context) ([]Listing, error) {
	params := url.Values{"status": []string{StatusActive}}
	body, status, err := a.get(ctx, "/listings", params)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("venue %s listings returned %d", a.cfg.Name, status)
	}

	listings, skipped, err := ParseListings(body, a.cfg.Name)
	if err != nil {
		return nil, err
	}
	if skipped > 0 {
		log.Warn().Str("venue", a.cfg.Name).Int("skipped", skipped).
			Msg("skipped unparseable listings")
	}
	return listings, nil
}

// FetchMomentListings retrieves active listings for one moment.
func (a *Adapter) FetchMomentListings(ctx context.Context, momentID string) ([]Listing, error) {
	params := url.Values{
		"status":    []string{StatusActive},
		"moment_id": []string{momentID},
	}
	body, status, err := a.get(ctx, "/listings", params)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("venue %s moment listings returned %d", a.cfg.Name, status)
	}
	listings, _, err := ParseListings(body, a.cfg.Name)
	return listings, err
}

// FetchTrending retrieves the venue's trending moment ids.
func (a *Adapter) FetchTrending(ctx context.Context) ([]string, error) {
	body, status, err := a.get(ctx, "/trending", nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("venue %s trending returned %d", a.cfg.Name, status)
	}

	listings, _, err := ParseListings(body, a.cfg.Name)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(listings))
	ids := make([]string, 0, len(listings))
	for _, l := range listings {
		if !seen[l.MomentID] {
			seen[l.MomentID] = true
			ids = append(ids, l.MomentID)
		}
	}
	return ids, nil
}

// Probe checks the venue's health endpoint, silently falling back to /stats
// for venues that do not expose a health path.
func (a *Adapter) Probe(ctx context.Context) error {
	_, status, err := a.get(ctx, a.cfg.HealthPath, nil)
	if err != nil {
		return err
	}
	if status == http.StatusNotFound {
		_, status, err = a.get(ctx, "/stats", nil)
		if err != nil {
			return err
		}
	}
	if status != http.StatusOK {
		return fmt.Errorf("venue %s probe returned %d", a.cfg.Name, status)
	}
	return nil
}

// Healthy reports whether the stream is connected and the inbound queue is
// under its configured threshold.
func (a *Adapter) Healthy() bool {
	return a.connected.Load() && len(a.queue) < a.cfg.QueueThreshold
}

// QueueDepth reports the inbound queue depth for ops surfaces.
func (a *Adapter) QueueDepth() int { return len(a.queue) }

// Start opens the stream and runs the read/dispatch loops until ctx is
// cancelled or Close is called.
func (a *Adapter) Start(ctx context.Context) error {
	if a.cfg.StreamURL == "" {
		return fmt.Errorf("venue %s has no stream URL", a.cfg.Name)
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.dispatchLoop(ctx)
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.streamLoop(ctx)
	}()
	return nil
}

// streamLoop owns the connection lifecycle: connect, read until failure,
// reconnect with exponential backoff up to the configured budget, then go
// terminally offline.
func (a *Adapter) streamLoop(ctx context.Context) {
	attempts := 0
	backoff := reconnectBase

	for {
		select {
		case <-ctx.Done():
			return
		case <-a.closeCh:
			return
		default:
		}

		if err := a.connect(ctx); err != nil {
			attempts++
			a.count("reconnect")
			if attempts > a.cfg.ReconnectAttempts {
				a.offline.Store(true)
				log.Error().Str("venue", a.cfg.Name).Int("attempts", attempts-1).
					Msg("stream reconnect budget exhausted, venue offline")
				a.emitOffline()
				return
			}
			log.Warn().Err(err).Str("venue", a.cfg.Name).
				Int("attempt", attempts).Dur("backoff", backoff).
				Msg("stream connect failed, retrying")
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			case <-a.closeCh:
				return
			}
			backoff *= 2
			if backoff > reconnectMax {
				backoff = reconnectMax
			}
			continue
		}

		// Connected: reset the budget and read until the connection drops.
		attempts = 0
		backoff = reconnectBase
		a.readUntilClosed(ctx)
		a.connected.Store(false)
	}
}

func (a *Adapter) emitOffline() {
	// Terminal event so the detector and health aggregator skip this venue.
	if a.handler != nil {
		a.handler.HandleStreamEvent(StreamEvent{Type: "venue_offline", Venue: a.cfg.Name})
	}
}

func (a *Adapter) connect(ctx context.Context) error {
	// Copy the default dialer; mutating the shared one races with other
	// adapters connecting concurrently.
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = 30 * time.Second

	conn, _, err := dialer.DialContext(ctx, a.cfg.StreamURL, nil)
	if err != nil {
		return fmt.Errorf("stream dial: %w", err)
	}

	a.mu.Lock()
	a.conn = conn
	a.mu.Unlock()
	a.connected.Store(true)

	// Subscribe to the declared channels.
	sub := map[string]interface{}{
		"type":     "subscribe",
		"channels": a.cfg.Channels,
	}
	conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
	if err := conn.WriteJSON(sub); err != nil {
		conn.Close()
		a.connected.Store(false)
		return fmt.Errorf("stream subscribe: %w", err)
	}

	log.Info().Str("venue", a.cfg.Name).Str("url", a.cfg.StreamURL).
		Strs("channels", a.cfg.Channels).Msg("venue stream connected")
	return nil
}

// readUntilClosed pumps frames into the queue and keeps the protocol ping
// alive; it returns when the connection drops.
func (a *Adapter) readUntilClosed(ctx context.Context) {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return
	}

	conn.SetReadDeadline(time.Now().Add(streamPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(streamPongWait))
		return nil
	})

	pingDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(streamPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					conn.Close()
					return
				}
			case <-pingDone:
				return
			case <-ctx.Done():
				conn.Close()
				return
			case <-a.closeCh:
				conn.Close()
				return
			}
		}
	}()
	defer close(pingDone)

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Str("venue", a.cfg.Name).Msg("stream read error")
			}
			return
		}
		select {
		case a.queue <- payload:
		default:
			a.count("dropped")
			log.Warn().Str("venue", a.cfg.Name).Msg("stream queue full, dropping frame")
		}
	}
}

// dispatchLoop decodes queued frames and hands them to the handler.
// Per-frame parse failures are logged and skipped.
func (a *Adapter) dispatchLoop(ctx context.Context) {
	for {
		select {
		case payload := <-a.queue:
			ev, err := ParseStreamEvent(payload, a.cfg.Name)
			if err != nil {
				log.Debug().Err(err).Str("venue", a.cfg.Name).Msg("unparseable stream frame")
				continue
			}
			if a.handler != nil {
				a.handler.HandleStreamEvent(*ev)
			}
		case <-ctx.Done():
			return
		case <-a.closeCh:
			return
		}
	}
}

// Close tears the adapter down and waits for its loops.
func (a *Adapter) Close() {
	a.closeOnce.Do(func() {
		close(a.closeCh)
		a.mu.Lock()
		if a.conn != nil {
			a.conn.Close()
		}
		a.mu.Unlock()
	})
	a.wg.Wait()
}
