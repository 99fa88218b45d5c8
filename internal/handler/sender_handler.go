// internal/handler/sender_handler.go
package handler

import (
	"encoding/json"
	"net/http"
	"net/mail"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/unclebandit/mail-scheduler/internal/model"
	"github.com/unclebandit/mail-scheduler/internal/repository"
)

// SenderHandler manages the SMTP identities jobs are sent from
type SenderHandler struct {
	Repo repository.SenderRepositoryInterface
	Log  zerolog.Logger
}

func (h *SenderHandler) Register(r chi.Router) {
	r.Get("/senders", h.ListSenders)
	r.Post("/senders", h.CreateSender)
}

// CreateSender handles creating a new sender
func (h *SenderHandler) CreateSender(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Name        string `json:"name"`
		Email       string `json:"email"`
		SMTPHost    string `json:"smtpHost"`
		SMTPPort    int    `json:"smtpPort"`
		SMTPUser    string `json:"smtpUser"`
		SMTPPass    string `json:"smtpPass"`
		HourlyLimit *int   `json:"hourlyLimit,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body: " + err.Error()})
		return
	}

	if msg := validateSender(payload.Name, payload.Email, payload.SMTPHost, payload.SMTPPort, payload.HourlyLimit); msg != "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": msg})
		return
	}

	sender := &model.Sender{
		ID:          uuid.NewString(),
		Name:        strings.TrimSpace(payload.Name),
		Email:       strings.ToLower(strings.TrimSpace(payload.Email)),
		SMTPHost:    strings.TrimSpace(payload.SMTPHost),
		SMTPPort:    payload.SMTPPort,
		SMTPUser:    payload.SMTPUser,
		SMTPPass:    payload.SMTPPass,
		HourlyLimit: payload.HourlyLimit,
	}
	if err := h.Repo.Create(r.Context(), sender); err != nil {
		h.Log.Error().Err(err).Msg("failed to create sender")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to create sender"})
		return
	}

	writeJSON(w, http.StatusCreated, sender)
}

// ListSenders returns every sender, newest first
func (h *SenderHandler) ListSenders(w http.ResponseWriter, r *http.Request) {
	senders, err := h.Repo.List(r.Context())
	if err != nil {
		h.Log.Error().Err(err).Msg("failed to list senders")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to list senders"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": senders})
}

func validateSender(name, email, host string, port int, hourlyLimit *int) string {
	switch {
	case strings.TrimSpace(name) == "":
		return "name is required"
	case strings.TrimSpace(host) == "":
		return "smtpHost is required"
	case port < 1 || port > 65535:
		return "smtpPort must be between 1 and 65535"
	case hourlyLimit != nil && *hourlyLimit < 1:
		return "hourlyLimit must be at least 1"
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return "email must be a valid address"
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
