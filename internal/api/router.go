package api

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/toursync/toursync/internal/audit"
	"github.com/toursync/toursync/internal/auth"
	"github.com/toursync/toursync/internal/idempotency"
	"github.com/toursync/toursync/internal/middleware"
)

// ServiceName identifies the API in traces and the root response.
const ServiceName = "toursync-api"

// NotificationHub is the full hub surface the router wires. *notify.Hub implements it.
type NotificationHub interface {
	Subscriber
	Publisher
	SubscriberCounter
}

// RouterConfig holds everything NewRouter wires together. Nil optional
// fields disable the corresponding feature.
type RouterConfig struct {
	Logger *slog.Logger
	Tokens middleware.TokenValidator

	Attendance AttendanceService
	Incidents  IncidentService
	Hub        NotificationHub
	AuditLog   audit.Repository

	RateLimits  middleware.RateLimitStore
	Idempotency idempotency.Repository

	Metrics  *middleware.Metrics
	Gatherer prometheus.Gatherer
	Checks   ReadinessChecker

	Notifications NotificationConfig
	CORS          middleware.CORSConfig
	Tracing       bool
}

// NewRouter builds the HTTP handler with every route and the outer
// middleware chain: RequestID -> Tracing -> Logging -> HTTPMetrics -> CORS
// -> global rate limit.
func NewRouter(cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Notifications.Logger == nil {
		cfg.Notifications.Logger = logger
	}

	authn := middleware.RequireAuth(cfg.Tokens)
	streamAuthn := middleware.RequireAuth(cfg.Tokens, middleware.AllowQueryToken())
	leaders := middleware.RequireRole(auth.RoleLeader, auth.RoleAdmin)
	admins := middleware.RequireRole(auth.RoleAdmin)

	limit := func(name string, rc middleware.RateLimitConfig) func(http.Handler) http.Handler {
		if cfg.RateLimits == nil {
			return passthrough
		}
		var opts []middleware.RateLimitOption
		if cfg.Metrics != nil {
			opts = append(opts, middleware.WithRateLimitMetrics(cfg.Metrics, name))
		}
		return middleware.RateLimiter(cfg.RateLimits, rc, middleware.UserKeyFunc(), opts...)
	}
	idem := passthrough
	if cfg.Idempotency != nil {
		idem = middleware.Idempotency(cfg.Idempotency)
	}

	mux := http.NewServeMux()

	health := NewHealthHandlers(HealthHandlersConfig{Checks: cfg.Checks, Hub: cfg.Hub})
	mux.HandleFunc("GET /health", health.Health)
	mux.HandleFunc("GET /ready", health.Ready)
	if cfg.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	if cfg.Hub != nil {
		notifications := NewNotificationHandlers(cfg.Hub, cfg.Notifications)
		mux.Handle("GET /api/notifications/stream", streamAuthn(http.HandlerFunc(notifications.Stream)))
		mux.Handle("GET /api/notifications/ws", streamAuthn(http.HandlerFunc(notifications.WebSocket)))

		announcements := NewAnnouncementHandlers(cfg.Hub, cfg.AuditLog)
		mux.Handle("POST /api/announcements", authn(leaders(http.HandlerFunc(announcements.Announce))))
	}

	if cfg.Attendance != nil {
		attendance := NewAttendanceHandlers(cfg.Attendance, cfg.AuditLog)
		mux.Handle("POST /api/attendance/checkin",
			authn(limit(middleware.RateLimitRouteCheckIn, middleware.DefaultCheckInLimit())(http.HandlerFunc(attendance.CheckIn))))
		mux.Handle("GET /api/attendance", authn(http.HandlerFunc(attendance.List)))
		mux.Handle("GET /api/tours/{tour_id}/checkpoints", authn(http.HandlerFunc(attendance.ListCheckpoints)))
		mux.Handle("POST /api/tours/{tour_id}/checkpoints", authn(http.HandlerFunc(attendance.CreateCheckpoint)))
	}

	if cfg.Incidents != nil {
		incidents := NewIncidentHandlers(cfg.Incidents, cfg.AuditLog)
		mux.Handle("POST /api/incidents/sos",
			authn(limit(middleware.RateLimitRouteSOS, middleware.DefaultSOSLimit())(idem(http.HandlerFunc(incidents.SOS)))))
		mux.Handle("POST /api/incidents", authn(idem(http.HandlerFunc(incidents.Report))))
		mux.Handle("GET /api/incidents", authn(http.HandlerFunc(incidents.List)))
	}

	if cfg.AuditLog != nil {
		audits := NewAuditHandlers(cfg.AuditLog)
		mux.Handle("GET /api/audit/export", authn(admins(http.HandlerFunc(audits.Export))))
	}

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			WriteError(w, r.Context(), http.StatusNotFound, ErrCodeNotFound, "The requested resource was not found")
			return
		}
		WriteJSON(w, r.Context(), http.StatusOK, map[string]string{"service": ServiceName})
	})

	var handler http.Handler = mux
	if cfg.RateLimits != nil {
		var opts []middleware.RateLimitOption
		if cfg.Metrics != nil {
			opts = append(opts, middleware.WithRateLimitMetrics(cfg.Metrics, middleware.RateLimitRouteGlobal))
		}
		handler = middleware.RateLimiter(cfg.RateLimits, middleware.DefaultGlobalLimit(), middleware.IPKeyFunc(), opts...)(handler)
	}
	if len(cfg.CORS.AllowedOrigins) > 0 {
		handler = middleware.CORS(cfg.CORS)(handler)
	}
	if cfg.Metrics != nil {
		handler = middleware.HTTPMetrics(cfg.Metrics)(handler)
	}
	handler = middleware.Logging(logger)(handler)
	if cfg.Tracing {
		handler = middleware.Tracing(ServiceName)(handler)
	}
	return middleware.RequestID(handler)
}

func passthrough(next http.Handler) http.Handler { return next }
