package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	httpSwagger "github.com/swaggo/http-swagger"

	// swagger docs
	_ "github.com/samandr77/jacaranda/docs"
)

func NewRouter(h *Handler, mw *Middleware) http.Handler {
	router := http.NewServeMux()

	router.HandleFunc("GET /api/health", h.Health)
	router.Handle("GET /metrics", promhttp.Handler())
	router.HandleFunc("/api/swagger/", httpSwagger.WrapHandler)

	router.HandleFunc("POST /api/auth/register/", h.Register)
	router.HandleFunc("POST /api/auth/login/", h.Login)
	router.HandleFunc("POST /api/auth/verify-otp/", h.VerifyOTP)
	router.HandleFunc("POST /api/auth/resend-otp/", h.ResendOTP)
	router.HandleFunc("GET /api/auth/whoami/", h.WhoAmI)

	router.Handle("POST /api/auth/logout/", use(http.HandlerFunc(h.Logout), mw.RequireAuth))
	router.Handle("POST /api/auth/toggle-anonymous/", use(http.HandlerFunc(h.ToggleAnonymous), mw.RequireAuth))
	router.Handle("POST /api/users/{id}/ban/", use(http.HandlerFunc(h.Ban), mw.RequireAuth))
	router.Handle("POST /api/users/{id}/unban/", use(http.HandlerFunc(h.Unban), mw.RequireAuth))

	handler := use(router, mw.Recover, mw.Cors, mw.WithIP, mw.Log)

	return handler
}

func use(handler http.Handler, mws ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		handler = mws[i](handler)
	}

	return handler
}
