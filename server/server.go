// Package server exposes the payment pipeline over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/RaghavSood/giftpay/balances"
	"github.com/RaghavSood/giftpay/logger"
	"github.com/RaghavSood/giftpay/payments"
)

type Processor interface {
	ProcessPayment(ctx context.Context, txHash string, itemID int64, userAddress string) (*payments.Result, error)
}

// Records is the read side of the job store.
type Records interface {
	Stats(ctx context.Context) (payments.Stats, error)
	Lookup(ctx context.Context, txHash string) (*payments.Record, error)
}

// BalanceFunc reports the admin wallet balances shown on /api/status.
type BalanceFunc func(ctx context.Context) ([]balances.AddressBalance, error)

type Server struct {
	processor Processor
	records   Records
	balances  BalanceFunc
	gatherer  prometheus.Gatherer
	log       *zap.Logger
	port      int
	validate  *validator.Validate
}

func New(processor Processor, records Records, bal BalanceFunc, gatherer prometheus.Gatherer, port int, log *zap.Logger) *Server {
	log = logger.OrNop(log)
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		processor: processor,
		records:   records,
		balances:  bal,
		gatherer:  gatherer,
		log:       log,
		port:      port,
		validate:  validator.New(),
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	r.Route("/api", func(r chi.Router) {
		r.Post("/payments", s.handleProcessPayment)
		r.Get("/payments/{txHash}", s.handleGetPayment)
		r.Get("/status", s.handleStatus)
	})
	return r
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("HTTP server listening", zap.String("addr", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

type paymentRequest struct {
	TxHash      string `json:"txHash" validate:"required"`
	ItemID      int64  `json:"itemId" validate:"required,gt=0"`
	UserAddress string `json:"userAddress" validate:"omitempty,eth_addr"`
}

func (s *Server) handleProcessPayment(w http.ResponseWriter, r *http.Request) {
	var req paymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return
	}

	res, err := s.processor.ProcessPayment(r.Context(), req.TxHash, req.ItemID, req.UserAddress)
	writeJSONStatus(w, statusCode(res, err), res)
}

func statusCode(res *payments.Result, err error) int {
	switch {
	case err == nil && res.Status == payments.StatusInProgress:
		return http.StatusAccepted
	case err == nil:
		return http.StatusOK
	case payments.IsInputError(err):
		return http.StatusBadRequest
	default:
		return http.StatusBadGateway
	}
}

func (s *Server) handleGetPayment(w http.ResponseWriter, r *http.Request) {
	txHash := strings.ToLower(chi.URLParam(r, "txHash"))

	rec, err := s.records.Lookup(r.Context(), txHash)
	if errors.Is(err, payments.ErrRecordNotFound) {
		writeError(w, http.StatusNotFound, "payment not found")
		return
	}
	if err != nil {
		s.log.Error("looking up payment", zap.String("tx_hash", txHash), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeJSON(w, rec)
}

type statusResponse struct {
	payments.Stats
	Balances     []balances.AddressBalance `json:"balances,omitempty"`
	BalanceError string                    `json:"balanceError,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	stats, err := s.records.Stats(r.Context())
	if err != nil {
		s.log.Error("reading stats", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "stats unavailable")
		return
	}

	resp := statusResponse{Stats: stats}
	if s.balances != nil {
		bals, err := s.balances(r.Context())
		if err != nil {
			resp.BalanceError = err.Error()
		} else {
			resp.Balances = bals
		}
	}
	writeJSON(w, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Info("http request",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
	}
	return strings.Join(msgs, "; ")
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	writeJSONStatus(w, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSONStatus(w, code, map[string]string{"error": msg})
}
