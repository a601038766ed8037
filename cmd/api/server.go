package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/mcclellann/storecredit/pkg/ledger"
	"github.com/mcclellann/storecredit/pkg/logger"
	"github.com/mcclellann/storecredit/pkg/models"
	"github.com/mcclellann/storecredit/pkg/store"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// UserIDHeader carries the acting user; payments are attributed to it.
const UserIDHeader = "X-User-ID"

// Server holds the ledger instance.
type Server struct {
	ledger   *ledger.Ledger
	storage  store.Storage // Keep a reference to the storage to close it
	logger   *zap.Logger
	validate *validator.Validate
}

func NewServer(s store.Storage, log *zap.Logger, opts ...ledger.Option) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	opts = append([]ledger.Option{ledger.WithLogger(log.Named("ledger"))}, opts...)
	return &Server{
		ledger:   ledger.NewLedger(s, opts...),
		storage:  s,
		logger:   log,
		validate: validator.New(),
	}
}

func (s *Server) routes() *mux.Router {
	router := mux.NewRouter()
	router.Use(s.requestLogger)

	router.HandleFunc("/sales", s.createSaleHandler).Methods("POST")
	router.HandleFunc("/credits", s.listCreditsHandler).Methods("GET")
	router.HandleFunc("/credits/{id}", s.getCreditHandler).Methods("GET")
	router.HandleFunc("/credits/{id}/installments", s.listInstallmentsHandler).Methods("GET")
	router.HandleFunc("/credits/{id}/next", s.nextInstallmentHandler).Methods("GET")
	router.HandleFunc("/credits/{id}/schedule", s.generateScheduleHandler).Methods("POST")
	router.HandleFunc("/credits/{id}/payments", s.payInstallmentHandler).Methods("POST")
	router.HandleFunc("/audit", s.auditHandler).Methods("GET")
	router.HandleFunc("/reports/delinquent", s.delinquentHandler).Methods("GET")
	return router
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// requestLogger tags the request context with a request ID and the acting
// user, then logs the outcome.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx, log := logger.WithRequestID(r.Context(), s.logger, uuid.NewString())
		if userID := strings.TrimSpace(r.Header.Get(UserIDHeader)); userID != "" {
			ctx, log = logger.WithUserID(ctx, log, userID)
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		log.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func statusForKind(kind models.ErrorKind) int {
	switch kind {
	case models.KindValidation:
		return http.StatusBadRequest
	case models.KindNotFound:
		return http.StatusNotFound
	case models.KindConflict, models.KindConcurrentModification:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeError maps a ledger error to a status code. Storage details are
// logged, not returned.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := models.KindOf(err)
	status := statusForKind(kind)

	resp := errorResponse{Code: string(kind), Message: err.Error()}
	var de *models.DomainError
	if errors.As(err, &de) {
		resp.Code = de.Code
	}
	if status == http.StatusInternalServerError {
		logger.FromContext(r.Context()).Error("request failed", zap.Error(err))
		resp = errorResponse{Code: models.ErrStorage.Code, Message: models.ErrStorage.Message}
	}
	writeJSON(w, status, resp)
}

func writeBadRequest(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Code: "BAD_REQUEST", Message: message})
}

func creditIDFromPath(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		writeBadRequest(w, "Invalid credit ID")
		return uuid.Nil, false
	}
	return id, true
}

type createSaleRequest struct {
	Code       string `json:"code" validate:"omitempty,max=32"`
	ClientKey  string `json:"client_key" validate:"required,max=64"`
	Type       string `json:"type" validate:"required,oneof=cash credit"`
	Subtotal   string `json:"subtotal" validate:"required,numeric"`
	TermMonths int    `json:"term_months" validate:"gte=0,lte=360"`
}

// validateRequest turns validator failures into one readable message.
func (s *Server) validateRequest(v any) error {
	err := s.validate.Struct(v)
	if err == nil {
		return nil
	}
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return err
	}
	messages := make([]string, 0, len(validationErrors))
	for _, e := range validationErrors {
		switch e.Tag() {
		case "required":
			messages = append(messages, fmt.Sprintf("field %s is required", e.Field()))
		case "oneof":
			messages = append(messages, fmt.Sprintf("field %s must be one of: %s", e.Field(), e.Param()))
		case "numeric":
			messages = append(messages, fmt.Sprintf("field %s must be a number", e.Field()))
		default:
			messages = append(messages, fmt.Sprintf("field %s failed %s=%s", e.Field(), e.Tag(), e.Param()))
		}
	}
	return errors.New(strings.Join(messages, "; "))
}

func (s *Server) createSaleHandler(w http.ResponseWriter, r *http.Request) {
	var req createSaleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	if err := s.validateRequest(req); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	subtotal, err := decimal.NewFromString(req.Subtotal)
	if err != nil {
		writeBadRequest(w, "field Subtotal must be a number")
		return
	}

	result, err := s.ledger.CreateSale(r.Context(), ledger.SaleRequest{
		Code:       req.Code,
		ClientKey:  req.ClientKey,
		Type:       models.SaleType(req.Type),
		Subtotal:   subtotal,
		TermMonths: req.TermMonths,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (s *Server) listCreditsHandler(w http.ResponseWriter, r *http.Request) {
	var credits []*models.Credit
	var err error
	if r.URL.Query().Get("active") == "true" {
		credits, err = s.ledger.ListActiveCredits(r.Context())
	} else {
		credits, err = s.ledger.GetAllCredits(r.Context())
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if credits == nil {
		credits = []*models.Credit{}
	}
	writeJSON(w, http.StatusOK, credits)
}

func (s *Server) getCreditHandler(w http.ResponseWriter, r *http.Request) {
	creditID, ok := creditIDFromPath(w, r)
	if !ok {
		return
	}
	summary, err := s.ledger.GetCreditSummary(r.Context(), creditID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) listInstallmentsHandler(w http.ResponseWriter, r *http.Request) {
	creditID, ok := creditIDFromPath(w, r)
	if !ok {
		return
	}
	installments, err := s.ledger.GetInstallments(r.Context(), creditID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if installments == nil {
		installments = []*models.Installment{}
	}
	writeJSON(w, http.StatusOK, installments)
}

func (s *Server) nextInstallmentHandler(w http.ResponseWriter, r *http.Request) {
	creditID, ok := creditIDFromPath(w, r)
	if !ok {
		return
	}
	inst, err := s.ledger.GetNextDueInstallment(r.Context(), creditID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if inst == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (s *Server) generateScheduleHandler(w http.ResponseWriter, r *http.Request) {
	creditID, ok := creditIDFromPath(w, r)
	if !ok {
		return
	}
	count, err := s.ledger.GenerateSchedule(r.Context(), creditID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"installments": count})
}

func (s *Server) payInstallmentHandler(w http.ResponseWriter, r *http.Request) {
	creditID, ok := creditIDFromPath(w, r)
	if !ok {
		return
	}
	receipt, err := s.ledger.PayNextInstallment(r.Context(), creditID)
	if errors.Is(err, models.ErrAlreadyCompleted) {
		// Nothing left to pay is not a failure for the till.
		writeJSON(w, http.StatusOK, map[string]bool{"completed": true})
		return
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, receipt)
}

func (s *Server) auditHandler(w http.ResponseWriter, r *http.Request) {
	anomalies, err := s.ledger.Audit(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, anomalies)
}

func (s *Server) delinquentHandler(w http.ResponseWriter, r *http.Request) {
	asOf := time.Now()
	if v := r.URL.Query().Get("as_of"); v != "" {
		parsed, err := time.Parse(time.DateOnly, v)
		if err != nil {
			writeBadRequest(w, "as_of must be YYYY-MM-DD")
			return
		}
		asOf = parsed
	}
	report, err := s.ledger.ListDelinquent(r.Context(), asOf)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// runAudit is the scheduled job. It only reports; fixing a sale status is an
// operator decision.
func (s *Server) runAudit(ctx context.Context) {
	anomalies, err := s.ledger.Audit(ctx)
	if err != nil {
		s.logger.Error("scheduled audit failed", zap.Error(err))
		return
	}
	if len(anomalies) > 0 {
		s.logger.Warn("scheduled audit found inconsistent credits", zap.Int("anomalies", len(anomalies)))
	}
}
