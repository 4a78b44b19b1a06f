package http

import (
	"net/http"

	"pagecast/internal/auth"
	"pagecast/internal/config"
	"pagecast/internal/contacts"
	"pagecast/internal/http/handler"
	mw "pagecast/internal/http/middleware"
	"pagecast/internal/jobs"
	"pagecast/internal/logger"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// Deps are the services the routes are served from.
type Deps struct {
	JWT      *auth.JWT
	Users    *auth.Users
	Contacts *contacts.Directory
	Jobs     *jobs.Service
	Log      *logger.Logger
}

func NewRouter(cfg config.Config, d Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(mw.RequestLogger(d.Log))
	r.Use(chimw.Recoverer)

	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(mw.CORS(cfg.CORSAllowedOrigins, cfg.CORSAllowCredentials))
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	ah := &handler.AuthHandler{Users: d.Users, JWT: d.JWT}
	r.Post("/auth/register", ah.Register)
	r.Post("/auth/login", ah.Login)

	me := &handler.MeHandler{Users: d.Users}
	r.Route("/me", func(r chi.Router) {
		r.Use(auth.RequireAuth(d.JWT))

		r.Get("/", me.Me)
		r.Put("/provider-token", me.SetProviderToken)
	})

	ch := &handler.ContactHandler{Dir: d.Contacts}
	r.With(auth.RequireAuth(d.JWT)).Post("/contacts", ch.Import)

	bh := &handler.BroadcastHandler{Svc: d.Jobs}
	r.Route("/broadcasts", func(r chi.Router) {
		r.Use(auth.RequireAuth(d.JWT))

		r.Post("/", bh.Create)
		r.Post("/scheduled", bh.CreateScheduled)
		r.Get("/", bh.List)

		r.Get("/{id}", bh.Get)
		r.Post("/{id}/advance", bh.Advance)
		r.Post("/{id}/cancel", bh.Cancel)
		r.Post("/{id}/pause", bh.Pause)
		r.Post("/{id}/resume", bh.Resume)
	})

	sh := &handler.SweepHandler{Svc: d.Jobs, Secret: cfg.Sweep.Secret}
	r.Post("/internal/sweep", sh.Sweep)

	return r
}
