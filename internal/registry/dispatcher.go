package registry

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/courtflow/courtflow/internal/apperr"
)

// Headers added to every dispatched request.
const (
	HeaderRequestID      = "X-Request-ID"
	HeaderGatewayVersion = "X-Gateway-Version"
	HeaderForwardedFor   = "X-Forwarded-For"
)

const retryBackoff = time.Second

// Call describes one upstream request.
type Call struct {
	Service   string
	Method    string
	Path      string
	Query     url.Values
	Header    http.Header
	Body      []byte
	RequestID string
}

// Response is the upstream reply, body fully read.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Metrics receives upstream observations; any field may be nil.
type Metrics struct {
	Duration func(service string, status int, d time.Duration)
	Errors   func(service string)
}

// Dispatcher performs upstream calls with per-service circuit breakers and
// bounded retries on transport failures.
type Dispatcher struct {
	registry *Registry
	client   *http.Client
	version  string
	metrics  Metrics

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewDispatcher creates a dispatcher. version is stamped on every request.
func NewDispatcher(registry *Registry, version string, metrics Metrics) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		version:  version,
		metrics:  metrics,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (d *Dispatcher) breaker(service string) *gobreaker.CircuitBreaker {
	d.mu.Lock()
	defer d.mu.Unlock()
	cb, ok := d.breakers[service]
	if !ok {
		cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        service,
			MaxRequests: 3,
			Interval:    60 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn().Str("service", name).
					Str("from", from.String()).Str("to", to.String()).
					Msg("circuit breaker state change")
			},
		})
		d.breakers[service] = cb
	}
	return cb
}

// Dispatch sends the call to its service. Upstream HTTP responses pass
// through whatever their status; only transport-level failures become
// errors, translated to the gateway taxonomy.
func (d *Dispatcher) Dispatch(ctx context.Context, call Call) (*Response, error) {
	svc, err := d.registry.Lookup(call.Service)
	if err != nil {
		return nil, err
	}

	target := *svc.BaseURL
	target.Path = joinPath(target.Path, call.Path)
	if len(call.Query) > 0 {
		target.RawQuery = call.Query.Encode()
	}

	var lastErr error
	for attempt := 0; attempt <= svc.Retries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(retryBackoff << (attempt - 1)):
			case <-ctx.Done():
				return nil, translateTransport(call.Service, ctx.Err())
			}
		}

		resp, err := d.attempt(ctx, svc, call, target.String())
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if d.metrics.Errors != nil {
			d.metrics.Errors(call.Service)
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			break
		}
		log.Warn().Err(err).Str("service", call.Service).
			Int("attempt", attempt+1).Msg("upstream attempt failed")
	}
	return nil, translateTransport(call.Service, lastErr)
}

func (d *Dispatcher) attempt(ctx context.Context, svc *Service, call Call, target string) (*Response, error) {
	callCtx, cancel := context.WithTimeout(ctx, svc.Timeout)
	defer cancel()

	result, err := d.breaker(svc.Name).Execute(func() (interface{}, error) {
		var body io.Reader
		if len(call.Body) > 0 {
			body = bytes.NewReader(call.Body)
		}
		req, err := http.NewRequestWithContext(callCtx, call.Method, target, body)
		if err != nil {
			return nil, err
		}
		for key, values := range call.Header {
			for _, v := range values {
				req.Header.Add(key, v)
			}
		}
		if call.RequestID == "" {
			call.RequestID = uuid.New().String()
		}
		req.Header.Set(HeaderRequestID, call.RequestID)
		req.Header.Set(HeaderGatewayVersion, d.version)
		if svc.AuthHeader != "" {
			req.Header.Set("Authorization", svc.AuthHeader)
		}

		start := time.Now()
		resp, err := d.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("read upstream body: %w", err)
		}
		if d.metrics.Duration != nil {
			d.metrics.Duration(svc.Name, resp.StatusCode, time.Since(start))
		}
		return &Response{
			StatusCode: resp.StatusCode,
			Header:     resp.Header.Clone(),
			Body:       data,
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*Response), nil
}

// translateTransport maps transport-level failures to the error taxonomy:
// unreachable backends are 503, timeouts 504, everything else 502.
func translateTransport(service string, err error) error {
	if err == nil {
		err = errors.New("upstream call failed")
	}
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return apperr.Wrap(apperr.KindUpstreamUnavailable, "service_unavailable",
			fmt.Sprintf("%s service is temporarily unavailable", service), err)
	case isTimeout(err):
		return apperr.Wrap(apperr.KindUpstreamTimeout, "upstream_timeout",
			fmt.Sprintf("%s service did not respond in time", service), err)
	case isUnreachable(err):
		return apperr.Wrap(apperr.KindUpstreamUnavailable, "service_unavailable",
			fmt.Sprintf("%s service is unreachable", service), err)
	default:
		return apperr.Wrap(apperr.KindUpstreamBadResponse, "bad_gateway",
			fmt.Sprintf("%s service returned an invalid response", service), err)
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func isUnreachable(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.ENETUNREACH)
}

func joinPath(base, path string) string {
	if base == "" || base == "/" {
		return path
	}
	if len(base) > 0 && base[len(base)-1] == '/' {
		base = base[:len(base)-1]
	}
	return base + path
}
