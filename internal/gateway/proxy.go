package gateway

import (
	"io"
	"net/http"
	"strings"

	"github.com/courtflow/courtflow/internal/apperr"
	"github.com/courtflow/courtflow/internal/registry"
)

// hopHeaders are stripped before forwarding in either direction.
var hopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// proxy forwards the request to a backend service, rewriting the gateway
// prefix to the upstream prefix. Upstream statuses pass through untouched;
// transport failures surface through the error taxonomy.
func (s *Server) proxy(service, gatewayPrefix, upstreamPrefix string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			respondError(w, apperr.Validation("unreadable request body"))
			return
		}

		path := upstreamPrefix + strings.TrimPrefix(r.URL.Path, gatewayPrefix)

		header := make(http.Header, len(r.Header))
		for key, values := range r.Header {
			if hopHeaders[http.CanonicalHeaderKey(key)] {
				continue
			}
			header[key] = values
		}
		header.Set(registry.HeaderForwardedFor, clientAddress(r))
		if id := IdentityFrom(r.Context()); id != nil {
			header.Set("X-User-ID", id.UserID)
		}

		resp, err := s.dispatcher.Dispatch(r.Context(), registry.Call{
			Service:   service,
			Method:    r.Method,
			Path:      path,
			Query:     r.URL.Query(),
			Header:    header,
			Body:      body,
			RequestID: RequestIDFrom(r.Context()),
		})
		if err != nil {
			respondError(w, err)
			return
		}

		for key, values := range resp.Header {
			if hopHeaders[key] {
				continue
			}
			for _, v := range values {
				w.Header().Add(key, v)
			}
		}
		w.WriteHeader(resp.StatusCode)
		w.Write(resp.Body)
	})
}
