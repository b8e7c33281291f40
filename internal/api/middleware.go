package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/quanlan-server/quanlan-server/internal/dispatch"
)

var (
	errMissingAuth = errors.New("missing authorization header")
	errInvalidAuth = errors.New("invalid authorization header")
)

type clientKey struct{}

// clientFrom returns the authenticated client id, empty when auth is off
func clientFrom(ctx context.Context) string {
	id, _ := ctx.Value(clientKey{}).(string)
	return id
}

// requestLogger logs every request through zerolog
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		defer func() {
			s.logger.Debug().
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("remote", r.RemoteAddr).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("latency", time.Since(start)).
				Msg("HTTP request")
		}()

		next.ServeHTTP(ww, r)
	})
}

// authenticate validates the bearer token of r. With auth disabled every
// request passes anonymously.
func (s *Server) authenticate(r *http.Request) (string, error) {
	if s.auth == nil {
		return "", nil
	}

	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", errMissingAuth
	}

	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || parts[0] != "Bearer" {
		return "", errInvalidAuth
	}

	claims, err := s.auth.ValidateToken(parts[1])
	if err != nil {
		return "", err
	}
	return claims.ClientID, nil
}

// authMiddleware guards the REST routes
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientID, err := s.authenticate(r)
		if err != nil {
			s.logger.Debug().Err(err).Str("path", r.URL.Path).Msg("Unauthorized request")
			s.respondError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		ctx := context.WithValue(r.Context(), clientKey{}, clientID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// rpcAuth guards /rpc and answers failures with a JSON-RPC envelope
func (s *Server) rpcAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientID, err := s.authenticate(r)
		if err != nil {
			s.logger.Debug().Err(err).Msg("Unauthorized RPC request")
			writeRPCStatus(w, http.StatusUnauthorized, rpcResponse{
				JSONRPC: "2.0",
				Error:   &rpcError{Code: dispatch.CodeUnauthorized, Message: "unauthorized"},
			})
			return
		}
		ctx := context.WithValue(r.Context(), clientKey{}, clientID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// rateLimit applies a token bucket per client, or per remote address when
// the request is anonymous
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := clientFrom(r.Context())
		if key == "" {
			key = remoteHost(r.RemoteAddr)
		}
		if !s.limiter.Allow(key, time.Now()) {
			writeRPCStatus(w, http.StatusTooManyRequests, rpcResponse{
				JSONRPC: "2.0",
				Error:   &rpcError{Code: dispatch.CodeRateLimited, Message: "rate limit exceeded"},
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func remoteHost(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
