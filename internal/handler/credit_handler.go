package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"lending-api/internal/models"
	"lending-api/internal/service"
	"lending-api/internal/util"
)

type CreditService interface {
	FetchAndDerive(ctx context.Context, req *service.CreditReportRequest) (*models.CreditProfile, error)
	GetProfile(ctx context.Context, userID string) (*models.CreditProfile, error)
}

// CreditHandler handles HTTP requests for credit reports and profiles
type CreditHandler struct {
	responder
	creditService CreditService
}

func NewCreditHandler(creditService CreditService, logger *zap.Logger) *CreditHandler {
	return &CreditHandler{
		responder:     newResponder(logger),
		creditService: creditService,
	}
}

type creditReportData struct {
	UserID           string               `json:"userId"`
	DerivationStatus string               `json:"derivationStatus"`
	ReportDate       *time.Time           `json:"reportDate,omitempty"`
	Metrics          models.CreditMetrics `json:"metrics"`
}

// RegisterRoutes registers the credit routes
func (h *CreditHandler) RegisterRoutes(router chi.Router) {
	router.Route("/credit", func(r chi.Router) {
		r.Post("/report", h.FetchReport)
		r.Get("/profile/{userID}", h.GetProfile)
	})
}

// FetchReport pulls a bureau report and returns the derived metrics.
func (h *CreditHandler) FetchReport(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	var req service.CreditReportRequest
	if err := h.decode(r, &req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}
	if util.ContainsSuspicious(req.FirstName) || util.ContainsSuspicious(req.LastName) {
		h.respondWithError(w, http.StatusBadRequest, service.ErrValidation, "Invalid name")
		return
	}

	profile, err := h.creditService.FetchAndDerive(r.Context(), &req)
	if err != nil {
		h.respondWithError(w, getStatusCode(err), err, "Failed to fetch credit report")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(creditReportData{
		UserID:           profile.UserID,
		DerivationStatus: profile.DerivationStatus,
		ReportDate:       profile.ReportDate,
		Metrics:          profile.Metrics,
	}, "Credit report processed"))
	h.logger.Info("Credit report processed via HTTP",
		util.String("user_id", profile.UserID),
		util.String("derivation_status", profile.DerivationStatus),
		util.Duration("duration", time.Since(startTime)),
	)
}

// GetProfile returns the stored profile for a user.
func (h *CreditHandler) GetProfile(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	profile, err := h.creditService.GetProfile(r.Context(), userID)
	if err != nil {
		h.respondWithError(w, getStatusCode(err), err, "Failed to get credit profile")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(profile, "Credit profile retrieved successfully"))
}
