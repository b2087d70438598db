package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"grievdesk.org/internal/grievance"
	"grievdesk.org/internal/obs"
)

const serviceName = "grievdesk"

// Pinger is anything that can confirm its backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadyProbe — простая проверка готовности (ping хранилища).
type ReadyProbe struct {
	Store Pinger
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.Store == nil {
		return nil
	}
	return rp.Store.Ping(ctx)
}

type readinessChecker interface {
	Check(ctx context.Context) error
}

// Options tune the HTTP layer.
type Options struct {
	// DevTokens exposes POST /v1/auth/token. Never enable in production.
	DevTokens  bool
	RatePerSec int
	RateBurst  int
	CORSOrigin string
}

// API — HTTP слой.
type API struct {
	mux        *http.ServeMux
	svc        *grievance.Service
	readyProbe readinessChecker
	version    string

	devTokens  bool
	ratePerSec int
	rateBurst  int
	corsOrigin string
}

func New(svc *grievance.Service, rp readinessChecker, version string, opts Options) *API {
	if rp == nil {
		rp = ReadyProbe{}
	}
	a := &API{
		mux:        http.NewServeMux(),
		svc:        svc,
		readyProbe: rp,
		version:    version,
		devTokens:  opts.DevTokens,
		ratePerSec: opts.RatePerSec,
		rateBurst:  opts.RateBurst,
		corsOrigin: opts.CORSOrigin,
	}
	if a.ratePerSec <= 0 {
		a.ratePerSec = 20
	}
	if a.rateBurst <= 0 {
		a.rateBurst = 40
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	if a.devTokens {
		a.mux.HandleFunc("/v1/auth/token", a.handleAuthToken)
	}

	a.mux.HandleFunc("/v1/grievances", a.handleGrievancesCollection)
	a.mux.HandleFunc("/v1/grievances/", a.handleGrievanceResource)

	admin := RequireRole("admin")
	a.mux.Handle("/v1/admin/grievances/", admin(http.HandlerFunc(a.handleAdminGrievance)))
	a.mux.Handle("/v1/admin/escalations", admin(http.HandlerFunc(a.handleEscalations)))
	a.mux.Handle("/v1/admin/escalations/manual/", admin(http.HandlerFunc(a.handleManualEscalation)))
	a.mux.Handle("/v1/admin/audit", admin(http.HandlerFunc(a.handleRecentAudit)))

	// корень — 404
	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})

	return a
}

// Handler возвращает http.Handler для сервера со всеми middleware.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withAuth(h)
	h = MaxBodyBytes(h, 1<<20)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = CORS(h, a.corsOrigin)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	// метрики снаружи, чтобы учитывать 401/429
	return obs.Instrument(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	}
	if a.svc != nil {
		windows := make(map[string]string)
		for pr, d := range a.svc.Evaluator().Policy().Windows() {
			windows[string(pr)] = d.String()
		}
		body["sla_windows"] = windows
	}
	writeJSON(w, http.StatusOK, body)
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
