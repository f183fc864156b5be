package http

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"

	"loanledger/internal/loans"
	applog "loanledger/internal/log"
	"loanledger/internal/middleware/ratelimit"
	"loanledger/internal/middleware/security"
	"loanledger/internal/middleware/trace"
)

// uuidPattern constrains route variables so fixed segments such as
// /payments/overdue never match an id route.
const uuidPattern = "[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}"

// ReadyCheck reports whether a dependency can serve requests.
type ReadyCheck func(ctx context.Context) error

// Options tunes the server. Zero values select defaults.
type Options struct {
	Logger *applog.Logger
	// WritesPerMinute limits non-GET requests per client.
	WritesPerMinute int
	// BlockSuspicious answers detected scans with 400 instead of only logging them.
	BlockSuspicious bool
	// ReadyChecks are run by /readyz, keyed by dependency name.
	ReadyChecks map[string]ReadyCheck
}

// Server is the JSON API over the loan service.
type Server struct {
	http.Server
	service    *loans.Service
	validate   *validator.Validate
	logger     *applog.Logger
	structured *applog.StructuredLogger
	limiter    *ratelimit.Limiter
	detector   *security.Detector
	tracer     *trace.Middleware
	ready      map[string]ReadyCheck
	started    time.Time

	shutdownOnce sync.Once
}

// NewServer configures routes and middleware, returning a ready-to-run server.
func NewServer(addr string, service *loans.Service, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = applog.New(applog.DefaultConfig())
	}
	logger = logger.WithComponent(applog.ComponentHTTP)

	detector := security.NewDetector()
	s := &Server{
		Server: http.Server{
			Addr:              addr,
			ReadTimeout:       10 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
			MaxHeaderBytes:    1 << 16,
		},
		service:    service,
		validate:   loans.NewValidator(),
		logger:     logger,
		structured: applog.NewStructuredLogger(logger),
		limiter:    ratelimit.NewLimiter(ratelimit.Config{RequestsPerWindow: opts.WritesPerMinute, Window: time.Minute}),
		detector:   detector,
		tracer:     trace.NewMiddleware(logger, detector.ExtractClientIP),
		ready:      opts.ReadyChecks,
		started:    time.Now(),
	}

	var h http.Handler = s.routes()
	h = s.limiter.Middleware(detector.ExtractClientIP, ratelimit.WritesOnly, s.handleRateLimited)(h)
	h = detector.Middleware(opts.BlockSuspicious)(h)
	h = security.NewHeadersMiddleware(security.DefaultHeadersConfig()).Middleware(h)
	h = s.tracer.Middleware(h)
	h = applog.Middleware(logger)(h)
	s.Handler = h
	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		NotFoundError("no such route").Write(w)
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		MethodNotAllowedError().Write(w)
	})

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/readyz", s.handleReady).Methods(http.MethodGet)
	r.HandleFunc("/emi", s.handleCalculateEMI).Methods(http.MethodGet)

	r.HandleFunc("/loans", s.authenticated(s.handleListLoans)).Methods(http.MethodGet)
	r.HandleFunc("/loans", s.authenticated(s.handleCreateLoan)).Methods(http.MethodPost)
	r.HandleFunc("/loans/recalculate-terms", s.authenticated(s.handleRecalculateTerms)).Methods(http.MethodPost)

	loan := r.PathPrefix("/loans/{loanID:" + uuidPattern + "}").Subrouter()
	loan.Use(mux.MiddlewareFunc(applog.ComponentMiddleware(applog.ComponentLoans)))
	loan.HandleFunc("", s.authenticated(s.handleGetLoan)).Methods(http.MethodGet)
	loan.HandleFunc("/status", s.authenticated(s.handleUpdateLoanStatus)).Methods(http.MethodPatch)
	loan.HandleFunc("/payments", s.authenticated(s.handleListPayments)).Methods(http.MethodGet)
	loan.HandleFunc("/payments", s.authenticated(s.handleMakePayment)).Methods(http.MethodPost)
	loan.HandleFunc("/schedule", s.authenticated(s.handleProjectSchedule)).Methods(http.MethodGet)
	loan.HandleFunc("/schedule", s.authenticated(s.handleGenerateSchedule)).Methods(http.MethodPost)
	loan.HandleFunc("/prepayment-scenario", s.authenticated(s.handlePrepaymentScenario)).Methods(http.MethodGet)

	r.HandleFunc("/payments/overdue", s.authenticated(s.handleOverduePayments)).Methods(http.MethodGet)
	r.HandleFunc("/payments/{paymentID:"+uuidPattern+"}", s.authenticated(s.handleGetPayment)).Methods(http.MethodGet)
	r.HandleFunc("/payments/{paymentID:"+uuidPattern+"}/cancel", s.authenticated(s.handleCancelPayment)).Methods(http.MethodPost)

	return r
}

// userHandler is a handler that runs on behalf of an identified user.
type userHandler func(w http.ResponseWriter, r *http.Request, userID string)

func (s *Server) authenticated(next userHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid, err := userID(r)
		if err == errMissingUser {
			UnauthorizedError(err.Error()).Write(w)
			return
		}
		if err != nil {
			FromError(r, err).Write(w)
			return
		}
		ctx := applog.WithLogger(r.Context(), applog.FromContext(r.Context()).With(applog.FieldUserID, uid))
		next(w, r.WithContext(ctx), uid)
	}
}

func (s *Server) handleRateLimited(w http.ResponseWriter, r *http.Request) {
	s.logger.WithComponent(applog.ComponentRateLimit).WarnContext(r.Context(), "Rate limit exceeded",
		applog.FieldClientIP, s.detector.ExtractClientIP(r),
		applog.FieldMethod, r.Method,
		applog.FieldPath, r.URL.Path)
	ErrorResponse(http.StatusTooManyRequests, "rate_limited", "rate limit exceeded, try again later").Write(w)
}

// Shutdown stops the rate limiter and gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		s.limiter.Stop()
		shutdownErr = s.Server.Shutdown(ctx)
	})
	return shutdownErr
}
