package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	apperrors "github.com/reward-settler/internal/errors"
	"github.com/reward-settler/internal/models"
)

// TokenData describes a registered notification token without the secret itself
type TokenData struct {
	FID         int64     `json:"fid"`
	DeliveryURL string    `json:"deliveryUrl"`
	AddedAt     time.Time `json:"addedAt"`
}

// NotificationStatusResponse answers GET /api/notification-status/{address}
type NotificationStatusResponse struct {
	Success               bool       `json:"success"`
	HasNotificationTokens bool       `json:"hasNotificationTokens"`
	Message               string     `json:"message"`
	TokenData             *TokenData `json:"tokenData,omitempty"`
}

// NotificationUser is one entry of GET /api/notification-users
type NotificationUser struct {
	UserAddress string `json:"userAddress"`
	FID         int64  `json:"fid"`
}

// NotificationUsersResponse answers GET /api/notification-users
type NotificationUsersResponse struct {
	Success    bool               `json:"success"`
	Message    string             `json:"message"`
	TotalUsers int                `json:"totalUsers"`
	Users      []NotificationUser `json:"users"`
}

// TestNotificationRequest is the body of POST /api/test-notification
type TestNotificationRequest struct {
	UserAddress string `json:"userAddress"`
	Title       string `json:"title"`
	Message     string `json:"message"`
	TargetURL   string `json:"targetUrl"`
}

// TestNotificationResponse answers POST /api/test-notification
type TestNotificationResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// RemoveUnverifiedResponse answers POST /api/remove-unverified-users
type RemoveUnverifiedResponse struct {
	Success      bool        `json:"success"`
	Message      string      `json:"message"`
	TotalUsers   int         `json:"totalUsers"`
	RemovedCount int         `json:"removedCount"`
	ErrorCount   int         `json:"errorCount"`
	Results      interface{} `json:"results"`
}

func (s *Server) requireNotifications(w http.ResponseWriter, r *http.Request) bool {
	if s.notifications == nil {
		respondAppError(w, r, apperrors.NewServiceUnavailableError("notifications"))
		return false
	}
	return true
}

// handleNotificationStatus reports whether an address can receive notifications
func (s *Server) handleNotificationStatus(w http.ResponseWriter, r *http.Request) {
	if !s.requireNotifications(w, r) {
		return
	}

	address := models.NormalizeAddress(mux.Vars(r)["address"])
	if !models.IsValidAddress(address) {
		respondAppError(w, r, apperrors.NewInvalidAddressError(mux.Vars(r)["address"]))
		return
	}

	tok, found, err := s.notifications.Status(r.Context(), address)
	if err != nil {
		respondAppError(w, r, err)
		return
	}

	if !found {
		respondJSON(w, http.StatusOK, NotificationStatusResponse{
			Success: true,
			Message: "No notification tokens found for this address",
		})
		return
	}

	respondJSON(w, http.StatusOK, NotificationStatusResponse{
		Success:               true,
		HasNotificationTokens: true,
		Message:               "Notification tokens found",
		TokenData: &TokenData{
			FID:         tok.FID,
			DeliveryURL: tok.DeliveryURL,
			AddedAt:     tok.AddedAt,
		},
	})
}

// handleNotificationUsers lists every address with a registered token
func (s *Server) handleNotificationUsers(w http.ResponseWriter, r *http.Request) {
	if !s.requireNotifications(w, r) {
		return
	}

	tokens, err := s.notifications.Users(r.Context())
	if err != nil {
		respondAppError(w, r, err)
		return
	}

	users := make([]NotificationUser, 0, len(tokens))
	for _, t := range tokens {
		users = append(users, NotificationUser{UserAddress: t.WalletAddress, FID: t.FID})
	}
	respondJSON(w, http.StatusOK, NotificationUsersResponse{
		Success:    true,
		Message:    fmt.Sprintf("Found %d users with notification tokens", len(users)),
		TotalUsers: len(users),
		Users:      users,
	})
}

// handleTestNotification sends an ad-hoc notification to one address
func (s *Server) handleTestNotification(w http.ResponseWriter, r *http.Request) {
	if !s.requireNotifications(w, r) {
		return
	}

	var req TestNotificationRequest
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}

	address := models.NormalizeAddress(req.UserAddress)
	if !models.IsValidAddress(address) {
		respondAppError(w, r, apperrors.NewInvalidAddressError(req.UserAddress))
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		respondAppError(w, r, apperrors.NewInvalidParameterError("message", "must not be empty"))
		return
	}
	if req.Title == "" {
		req.Title = "Test notification"
	}

	delivered, err := s.notifications.Notify(r.Context(), address, req.Title, req.Message, req.TargetURL)
	if err != nil {
		catErr := apperrors.Categorize(err)
		status := catErr.StatusCode
		if status < http.StatusInternalServerError {
			status = http.StatusBadGateway
		}
		respondJSON(w, status, TestNotificationResponse{Success: false, Error: catErr.Message})
		return
	}
	if !delivered {
		respondJSON(w, http.StatusNotFound, TestNotificationResponse{
			Success: false,
			Error:   "No notification token registered for this address",
		})
		return
	}

	respondJSON(w, http.StatusOK, TestNotificationResponse{Success: true, Message: "Notification sent"})
}

// handleRemoveUnverified drops tokens whose address is no longer verified.
// Per-address outcomes are itemized; lookup failures do not fail the request.
func (s *Server) handleRemoveUnverified(w http.ResponseWriter, r *http.Request) {
	if !s.requireNotifications(w, r) {
		return
	}

	report, err := s.notifications.RemoveUnverified(r.Context())
	if err != nil {
		respondAppError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, RemoveUnverifiedResponse{
		Success: true,
		Message: fmt.Sprintf("Checked %d users, removed %d unverified, %d errors",
			report.TotalUsers, report.RemovedCount, report.ErrorCount),
		TotalUsers:   report.TotalUsers,
		RemovedCount: report.RemovedCount,
		ErrorCount:   report.ErrorCount,
		Results:      report.Results,
	})
}
