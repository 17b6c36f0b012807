package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/samandr77/jacaranda/internal/api"
	"github.com/samandr77/jacaranda/internal/cache"
	"github.com/samandr77/jacaranda/internal/entity"
	"github.com/samandr77/jacaranda/internal/ledger"
	"github.com/samandr77/jacaranda/internal/mocks"
	"github.com/samandr77/jacaranda/internal/otp"
	"github.com/samandr77/jacaranda/internal/service"
	"github.com/samandr77/jacaranda/internal/session"
)

type codeSender struct {
	mu    sync.Mutex
	codes []string
}

func (c *codeSender) SendOTPWithRetry(_ context.Context, _, code string, _ time.Duration) entity.DeliveryResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.codes = append(c.codes, code)

	return entity.DeliveryResult{Success: true, Method: "mailjet", Attempts: 1}
}

func (c *codeSender) last() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.codes[len(c.codes)-1]
}

type server struct {
	t        *testing.T
	handler  http.Handler
	repo     *mocks.MockIdentityRepository
	hasher   *mocks.MockPasswordHasher
	sender   *codeSender
	sessions *session.Store
}

func newServer(t *testing.T, trustedProxies ...netip.Prefix) *server {
	t.Helper()

	ctrl := gomock.NewController(t)
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	store := cache.New(rdb)
	sender := &codeSender{}
	sessions := session.NewStore(store, time.Hour)

	tickets, err := service.NewTicketSigner("test-secret", otp.DefaultCodeTTL)
	require.NoError(t, err)

	s := &server{
		t:        t,
		repo:     mocks.NewMockIdentityRepository(ctrl),
		hasher:   mocks.NewMockPasswordHasher(ctrl),
		sender:   sender,
		sessions: sessions,
	}

	svc := service.NewService(service.Deps{
		Identities: s.repo,
		Hasher:     s.hasher,
		Ledger:     ledger.New(store, ledger.DefaultWindow, ledger.DefaultThreshold),
		OTP:        otp.NewIssuer(store, sender, otp.Config{}),
		Sessions:   sessions,
		Tickets:    tickets,
	})

	s.handler = api.NewRouter(
		api.NewHandler(svc, api.SessionCookie{Name: "sessionid", TTL: time.Hour}),
		api.NewMiddleware(svc, "sessionid").WithTrustedProxies(trustedProxies),
	)

	return s
}

func (s *server) do(method, path, body string, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	s.t.Helper()

	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	for _, c := range cookies {
		req.AddCookie(c)
	}

	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)

	return rec
}

func (s *server) loginFrom(remoteAddr, forwardedFor, body string) *httptest.ResponseRecorder {
	s.t.Helper()

	req := httptest.NewRequest(http.MethodPost, "/api/auth/login/", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = remoteAddr

	if forwardedFor != "" {
		req.Header.Set("X-Forwarded-For", forwardedFor)
	}

	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)

	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()

	var out map[string]any

	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())

	return out
}

func sessionCookie(t *testing.T, rec *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()

	for _, c := range rec.Result().Cookies() {
		if c.Name == "sessionid" {
			return c
		}
	}

	t.Fatal("no session cookie")

	return nil
}

func alice() entity.Identity {
	return entity.Identity{ID: 1, DisplayName: "alice", Contact: "a@x.com", PasswordHash: "hash", IsActive: true}
}

func TestLoginVerifyScenario(t *testing.T) {
	t.Parallel()

	s := newServer(t)

	s.repo.EXPECT().FindByContact(gomock.Any(), "a@x.com").Return(alice(), nil)
	s.repo.EXPECT().FindByID(gomock.Any(), int64(1)).Return(alice(), nil).AnyTimes()
	s.hasher.EXPECT().Compare("hash", "correct").Return(true, nil)

	rec := s.do(http.MethodPost, "/api/auth/login/", `{"email":"a@x.com","password":"correct"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	body := decode(t, rec)
	require.Equal(t, true, body["mfa_required"])
	require.EqualValues(t, 1, body["user_id"])
	require.Equal(t, "sent", body["email_status"])
	require.NotEmpty(t, body["pending_token"])

	verify := `{"user_id":1,"otp":"` + s.sender.last() + `"}`

	rec = s.do(http.MethodPost, "/api/auth/verify-otp/", verify)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	body = decode(t, rec)
	require.Equal(t, true, body["success"])
	require.EqualValues(t, 1, body["user_id"])
	require.Equal(t, "alice", body["username"])
	require.Equal(t, false, body["is_admin"])

	cookie := sessionCookie(t, rec)
	require.True(t, cookie.HttpOnly)
	require.NotEmpty(t, cookie.Value)

	rec = s.do(http.MethodPost, "/api/auth/verify-otp/", verify)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "invalid_otp", decode(t, rec)["error"])
}

func TestVerifyWithPendingToken(t *testing.T) {
	t.Parallel()

	s := newServer(t)

	s.repo.EXPECT().FindByContact(gomock.Any(), "a@x.com").Return(alice(), nil)
	s.repo.EXPECT().FindByID(gomock.Any(), int64(1)).Return(alice(), nil)
	s.hasher.EXPECT().Compare("hash", "correct").Return(true, nil)

	rec := s.do(http.MethodPost, "/api/auth/login/", `{"email":"a@x.com","password":"correct"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	token, ok := decode(t, rec)["pending_token"].(string)
	require.True(t, ok)

	rec = s.do(http.MethodPost, "/api/auth/verify-otp/", `{"pending_token":"`+token+`","otp":"`+s.sender.last()+`"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(http.MethodPost, "/api/auth/verify-otp/", `{"pending_token":"forged","otp":"123456"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "invalid_otp", decode(t, rec)["error"])
}

func TestLoginLockoutScenario(t *testing.T) {
	t.Parallel()

	s := newServer(t)
	bob := entity.Identity{ID: 2, Contact: "b@x.com", PasswordHash: "hash", IsActive: true}

	s.repo.EXPECT().FindByContact(gomock.Any(), "b@x.com").Return(bob, nil).Times(ledger.DefaultThreshold)
	s.hasher.EXPECT().Compare("hash", "wrong").Return(false, nil).Times(ledger.DefaultThreshold)

	for range ledger.DefaultThreshold {
		rec := s.do(http.MethodPost, "/api/auth/login/", `{"email":"b@x.com","password":"wrong"}`)
		require.Equal(t, http.StatusUnauthorized, rec.Code)
		require.Equal(t, "invalid_credentials", decode(t, rec)["error"])
	}

	rec := s.do(http.MethodPost, "/api/auth/login/", `{"email":"b@x.com","password":"wrong"}`)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.NotEmpty(t, rec.Header().Get("Retry-After"))

	body := decode(t, rec)
	require.Equal(t, "rate_limited", body["error"])
	require.Positive(t, body["retry_after"])
}

func TestLoginLockout_ForwardedHeadersFromUntrustedPeer(t *testing.T) {
	t.Parallel()

	s := newServer(t)
	bob := entity.Identity{ID: 2, Contact: "b@x.com", PasswordHash: "hash", IsActive: true}

	s.repo.EXPECT().FindByContact(gomock.Any(), "b@x.com").Return(bob, nil).Times(ledger.DefaultThreshold)
	s.hasher.EXPECT().Compare("hash", "wrong").Return(false, nil).Times(ledger.DefaultThreshold)

	body := `{"email":"b@x.com","password":"wrong"}`

	for i := range ledger.DefaultThreshold {
		rec := s.loginFrom("192.0.2.1:4000", fmt.Sprintf("198.51.100.%d", i+1), body)
		require.Equal(t, http.StatusUnauthorized, rec.Code)
	}

	rec := s.loginFrom("192.0.2.1:4000", "198.51.100.200", body)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "rate_limited", decode(t, rec)["error"])
}

func TestLoginLockout_TrustedProxyKeysOnForwardedClient(t *testing.T) {
	t.Parallel()

	s := newServer(t, netip.MustParsePrefix("10.0.0.0/8"))
	bob := entity.Identity{ID: 2, Contact: "b@x.com", PasswordHash: "hash", IsActive: true}

	s.repo.EXPECT().FindByContact(gomock.Any(), "b@x.com").Return(bob, nil).Times(ledger.DefaultThreshold + 1)
	s.hasher.EXPECT().Compare("hash", "wrong").Return(false, nil).Times(ledger.DefaultThreshold + 1)

	body := `{"email":"b@x.com","password":"wrong"}`

	for range ledger.DefaultThreshold {
		rec := s.loginFrom("10.0.0.5:4000", "198.51.100.7", body)
		require.Equal(t, http.StatusUnauthorized, rec.Code)
	}

	rec := s.loginFrom("10.0.0.6:4000", "198.51.100.7", body)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)

	rec = s.loginFrom("10.0.0.5:4000", "198.51.100.8", body)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLoginEnumerationResistance(t *testing.T) {
	t.Parallel()

	s := newServer(t)

	s.repo.EXPECT().FindByContact(gomock.Any(), "ghost@x.com").Return(entity.Identity{}, entity.ErrNotFound)
	s.repo.EXPECT().FindByName(gomock.Any(), "ghost@x.com").Return(entity.Identity{}, entity.ErrNotFound)
	s.hasher.EXPECT().CompareDummy("wrong")
	s.repo.EXPECT().FindByContact(gomock.Any(), "a@x.com").Return(alice(), nil)
	s.hasher.EXPECT().Compare("hash", "wrong").Return(false, nil)

	unknown := s.do(http.MethodPost, "/api/auth/login/", `{"email":"ghost@x.com","password":"wrong"}`)
	wrong := s.do(http.MethodPost, "/api/auth/login/", `{"email":"a@x.com","password":"wrong"}`)

	require.Equal(t, wrong.Code, unknown.Code)
	require.Equal(t, wrong.Body.String(), unknown.Body.String())
}

func TestLogin_BadRequests(t *testing.T) {
	t.Parallel()

	s := newServer(t)

	rec := s.do(http.MethodPost, "/api/auth/login/", `{"email":`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "validation_error", decode(t, rec)["error"])

	rec = s.do(http.MethodPost, "/api/auth/login/", `{"email":"a@x.com"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "email and password are required", decode(t, rec)["detail"])

	rec = s.do(http.MethodGet, "/api/auth/login/", "")
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestInternalErrorsDoNotLeak(t *testing.T) {
	t.Parallel()

	s := newServer(t)

	s.repo.EXPECT().FindByContact(gomock.Any(), "a@x.com").Return(entity.Identity{}, errors.New("dial tcp 10.1.2.3:5432: secret-host refused"))

	rec := s.do(http.MethodPost, "/api/auth/login/", `{"email":"a@x.com","password":"x"}`)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.NotContains(t, rec.Body.String(), "secret-host")

	body := decode(t, rec)
	require.Equal(t, "server_error", body["error"])
	require.Equal(t, "an error occurred", body["detail"])
}

func TestResendOTP(t *testing.T) {
	t.Parallel()

	s := newServer(t)

	s.repo.EXPECT().FindByID(gomock.Any(), int64(1)).Return(alice(), nil).Times(2)
	s.repo.EXPECT().FindByID(gomock.Any(), int64(9)).Return(entity.Identity{}, entity.ErrNotFound)

	rec := s.do(http.MethodPost, "/api/auth/resend-otp/", `{"user_id":"1"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, "sent", decode(t, rec)["email_status"])

	rec = s.do(http.MethodPost, "/api/auth/resend-otp/", `{"user_id":1}`)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)

	rec = s.do(http.MethodPost, "/api/auth/resend-otp/", `{"user_id":9}`)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "not_found", decode(t, rec)["error"])
}

func TestSessionLifecycle(t *testing.T) {
	t.Parallel()

	s := newServer(t)
	ctx := context.Background()

	token, err := s.sessions.Create(ctx, 1)
	require.NoError(t, err)

	cookie := &http.Cookie{Name: "sessionid", Value: token}

	s.repo.EXPECT().FindByID(gomock.Any(), int64(1)).Return(alice(), nil).AnyTimes()
	s.repo.EXPECT().UpdateAnonymous(gomock.Any(), int64(1), true).Return(nil)

	rec := s.do(http.MethodGet, "/api/auth/whoami/", "", cookie)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode(t, rec)
	require.Equal(t, true, body["logged_in"])
	require.Equal(t, "alice", body["username"])
	require.Equal(t, false, body["is_anonymous"])

	rec = s.do(http.MethodPost, "/api/auth/toggle-anonymous/", `{"is_anonymous":true}`, cookie)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, true, decode(t, rec)["is_anonymous"])

	rec = s.do(http.MethodPost, "/api/auth/logout/", "", cookie)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, true, decode(t, rec)["success"])
	require.Negative(t, sessionCookie(t, rec).MaxAge)

	rec = s.do(http.MethodGet, "/api/auth/whoami/", "", cookie)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, map[string]any{"logged_in": false}, decode(t, rec))

	rec = s.do(http.MethodPost, "/api/auth/logout/", "", cookie)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, "unauthorized", decode(t, rec)["error"])
}

func TestBearerSession(t *testing.T) {
	t.Parallel()

	s := newServer(t)

	token, err := s.sessions.Create(context.Background(), 1)
	require.NoError(t, err)

	s.repo.EXPECT().FindByID(gomock.Any(), int64(1)).Return(alice(), nil)

	req := httptest.NewRequest(http.MethodGet, "/api/auth/whoami/", nil)
	req.Header.Set("Authorization", "Bearer "+token)

	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, true, decode(t, rec)["logged_in"])
}

func TestBanRoutes(t *testing.T) {
	t.Parallel()

	s := newServer(t)
	ctx := context.Background()

	admin := entity.Identity{ID: 50, DisplayName: "root", IsActive: true, IsAdmin: true}

	userToken, err := s.sessions.Create(ctx, 1)
	require.NoError(t, err)

	adminToken, err := s.sessions.Create(ctx, 50)
	require.NoError(t, err)

	s.repo.EXPECT().FindByID(gomock.Any(), int64(1)).Return(alice(), nil).Times(2)
	s.repo.EXPECT().FindByID(gomock.Any(), int64(50)).Return(admin, nil).Times(3)
	s.repo.EXPECT().UpdateBanned(gomock.Any(), int64(1), true).Return(nil)

	rec := s.do(http.MethodPost, "/api/users/50/ban/", "", &http.Cookie{Name: "sessionid", Value: userToken})
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Equal(t, "forbidden", decode(t, rec)["error"])

	rec = s.do(http.MethodPost, "/api/users/1/ban/", "", &http.Cookie{Name: "sessionid", Value: adminToken})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	body := decode(t, rec)
	require.Equal(t, true, body["is_banned"])
	require.EqualValues(t, 1, body["user_id"])

	rec = s.do(http.MethodPost, "/api/users/50/ban/", "", &http.Cookie{Name: "sessionid", Value: adminToken})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "cannot ban admin users", decode(t, rec)["detail"])
}

func TestRegister(t *testing.T) {
	t.Parallel()

	s := newServer(t)

	s.hasher.EXPECT().Hash("s3cret-pass").Return("bcrypt", nil)
	s.repo.EXPECT().Create(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, i entity.Identity) (entity.Identity, error) {
			require.False(t, i.IsAdmin, "client supplied flags are ignored")

			i.ID = 3

			return i, nil
		})

	body := `{"username":"carol","email":"c@x.com","password":"s3cret-pass","confirm_password":"s3cret-pass","is_admin":true}`

	rec := s.do(http.MethodPost, "/api/auth/register/", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.EqualValues(t, 3, decode(t, rec)["user_id"])

	rec = s.do(http.MethodPost, "/api/auth/register/", `{"username":"carol","email":"c@x.com","password":"a","confirm_password":"b"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "passwords do not match", decode(t, rec)["detail"])
}

func TestRecoverReturnsGenericError(t *testing.T) {
	t.Parallel()

	mw := api.NewMiddleware(nil, "")
	h := mw.Recover(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom: internal detail")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.NotContains(t, rec.Body.String(), "boom")
	require.Equal(t, "an error occurred", decode(t, rec)["detail"])
}

func TestRecoverAfterResponseStarted(t *testing.T) {
	t.Parallel()

	h := api.NewMiddleware(nil, "").Recover(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"partial":`))

		panic("boom after write")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, `{"partial":`, rec.Body.String())
}

func TestRecoverRethrowsAbortHandler(t *testing.T) {
	t.Parallel()

	h := api.NewMiddleware(nil, "").Recover(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic(http.ErrAbortHandler)
	}))

	require.PanicsWithValue(t, http.ErrAbortHandler, func() {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	})
}

func TestWithIP(t *testing.T) {
	t.Parallel()

	proxies := []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")}

	tests := []struct {
		name    string
		remote  string
		trusted []netip.Prefix
		headers map[string]string
		want    string
	}{
		{"remote addr", "192.0.2.1:1234", nil, nil, "192.0.2.1"},
		{"untrusted peer forwarded for", "192.0.2.1:1234", nil, map[string]string{"X-Forwarded-For": "198.51.100.4"}, "192.0.2.1"},
		{"untrusted peer real ip", "192.0.2.1:1234", nil, map[string]string{"X-Real-IP": "203.0.113.9"}, "192.0.2.1"},
		{"peer outside trusted list", "192.0.2.1:1234", proxies, map[string]string{"X-Forwarded-For": "198.51.100.4"}, "192.0.2.1"},
		{"trusted proxy forwarded for", "10.0.0.1:1", proxies, map[string]string{"X-Forwarded-For": "198.51.100.4"}, "198.51.100.4"},
		{"rightmost untrusted hop", "10.0.0.1:1", proxies, map[string]string{"X-Forwarded-For": "203.0.113.50, 198.51.100.4, 10.1.1.1"}, "198.51.100.4"},
		{"invalid hop stops the walk", "10.0.0.1:1", proxies, map[string]string{"X-Forwarded-For": "198.51.100.4, bogus"}, "10.0.0.1"},
		{"trusted proxy real ip", "10.0.0.1:1", proxies, map[string]string{"X-Real-IP": "203.0.113.9"}, "203.0.113.9"},
		{"all hops trusted", "10.0.0.1:1", proxies, map[string]string{"X-Forwarded-For": "10.2.2.2"}, "10.0.0.1"},
		{"invalid", "not-an-ip", nil, nil, "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var got string

			h := api.NewMiddleware(nil, "").WithTrustedProxies(tt.trusted).
				WithIP(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
					got = entity.IPFromCtx(r.Context())
				}))

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote

			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}

			h.ServeHTTP(httptest.NewRecorder(), req)
			require.Equal(t, tt.want, got)
		})
	}
}
