package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5/request"

	"github.com/samandr77/jacaranda/internal/entity"
	"github.com/samandr77/jacaranda/pkg/logger"
)

type Authenticator interface {
	Authenticate(ctx context.Context, sessionToken string) (entity.Principal, error)
}

type Middleware struct {
	auth       Authenticator
	cookieName string
	trusted    []netip.Prefix
}

func NewMiddleware(auth Authenticator, cookieName string) *Middleware {
	if cookieName == "" {
		cookieName = "sessionid"
	}

	return &Middleware{auth: auth, cookieName: cookieName}
}

// WithTrustedProxies lists the peers whose X-Forwarded-For and X-Real-IP headers are honoured.
func (m *Middleware) WithTrustedProxies(prefixes []netip.Prefix) *Middleware {
	m.trusted = prefixes
	return m
}

func (m *Middleware) Cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
		} else {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		}

		w.Header().Set("Access-Control-Allow-Credentials", "true")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Origin, Accept, User-Agent, Cache-Control")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (s *statusRecorder) WriteHeader(code int) {
	if !s.wroteHeader {
		s.status = code
		s.wroteHeader = true
	}

	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	s.wroteHeader = true
	return s.ResponseWriter.Write(b)
}

func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}

func (m *Middleware) Log(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		reqID := r.Header.Get("X-Request-Id")
		if reqID == "" {
			reqID = uuid.Must(uuid.NewV4()).String()
		}

		ctx := logger.SetRequestID(r.Context(), reqID)
		ctx = logger.SetMethod(ctx, r.Method)
		ctx = logger.SetURL(ctx, r.URL.Path)
		ctx = logger.SetUserAgent(ctx, r.UserAgent())
		ctx = logger.SetLogType(ctx, "webrequest")
		ctx = logger.SetIP(ctx, entity.IPFromCtx(ctx))

		slog.InfoContext(ctx, "incoming request")

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		slog.InfoContext(ctx, "request completed", "status", rec.status, "duration_ms", time.Since(start).Milliseconds())
	})
}

// Recover turns a panic into the generic 500 body unless the response was already started.
func (m *Middleware) Recover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		defer func(ctx context.Context) {
			err := recover()
			if err == nil {
				return
			}

			if err == http.ErrAbortHandler {
				panic(err)
			}

			slog.ErrorContext(ctx, "panic", "error", err, "stack", string(debug.Stack()), "response_started", rec.wroteHeader)

			if rec.wroteHeader {
				return
			}

			sendJSON(ctx, w, http.StatusInternalServerError, ResponseError{Error: kindServerError, Detail: errInternalText})
		}(r.Context())

		next.ServeHTTP(rec, r)
	})
}

func (m *Middleware) WithIP(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := m.clientIP(r)

		if !isValidIP(ip) {
			slog.Warn("invalid IP detected, using fallback", "ip", ip, "remote_addr", r.RemoteAddr)
			ip = "unknown"
		}

		ctx := context.WithValue(r.Context(), entity.CtxKeyIP{}, ip)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// clientIP is the peer address unless the peer is a trusted proxy. Behind a proxy the
// rightmost untrusted X-Forwarded-For hop is used, X-Real-IP when the chain has none.
func (m *Middleware) clientIP(r *http.Request) string {
	peer := removePort(r.RemoteAddr)
	if !m.isTrusted(peer) {
		return peer
	}

	if xForwardedFor := r.Header.Get("X-Forwarded-For"); xForwardedFor != "" {
		hops := splitAndTrim(xForwardedFor, ",")
		for i := len(hops) - 1; i >= 0; i-- {
			hop := removePort(hops[i])
			if !isValidIP(hop) {
				break
			}

			if !m.isTrusted(hop) {
				return hop
			}
		}
	}

	if xRealIP := removePort(r.Header.Get("X-Real-IP")); isValidIP(xRealIP) {
		return xRealIP
	}

	return peer
}

func (m *Middleware) isTrusted(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}

	addr = addr.Unmap()

	for _, p := range m.trusted {
		if p.Contains(addr) {
			return true
		}
	}

	return false
}

// RequireAuth resolves the session and stores the principal in the request context.
func (m *Middleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := logger.SetLogType(r.Context(), "auth")

		token := sessionToken(r, m.cookieName)
		if token == "" {
			sendServiceErr(ctx, w, entity.ErrUnauthorized)
			return
		}

		p, err := m.auth.Authenticate(ctx, token)
		if err != nil {
			if !errors.Is(err, entity.ErrUnauthorized) {
				slog.ErrorContext(ctx, "auth: failed to resolve session", "error", err)
			}

			sendServiceErr(ctx, w, err)

			return
		}

		ctx = logger.SetUserID(ctx, strconv.FormatInt(p.Identity.ID, 10))
		ctx = entity.WithPrincipal(ctx, p)
		ctx = logger.SetLogType(ctx, "webrequest")

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// sessionToken reads the session cookie, falling back to a bearer header for non-browser clients.
func sessionToken(r *http.Request, cookieName string) string {
	if c, err := r.Cookie(cookieName); err == nil && c.Value != "" {
		return c.Value
	}

	token, err := request.BearerExtractor{}.ExtractToken(r)
	if err != nil {
		return ""
	}

	return token
}

func removePort(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}

	return host
}

func splitAndTrim(s, sep string) []string {
	parts := strings.Split(s, sep)
	result := make([]string, 0, len(parts))

	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}

func isValidIP(ip string) bool {
	return ip != "" && net.ParseIP(ip) != nil
}
