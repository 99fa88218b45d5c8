package controller

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/unclebandit/mail-scheduler/internal/model"
	"github.com/unclebandit/mail-scheduler/internal/service"
)

type EmailController struct {
	Scheduler *service.Scheduler
	Log       zerolog.Logger
}

// Register mounts the email routes on r.
func (c *EmailController) Register(r chi.Router) {
	r.Route("/emails", func(r chi.Router) {
		r.Post("/schedule", c.Schedule)
		r.Post("/bulk-schedule", c.BulkSchedule)
		r.Get("/scheduled", c.ListScheduled)
		r.Get("/sent", c.ListSent)
		r.Get("/{id}", c.Get)
		r.Delete("/{id}", c.Cancel)
	})
}

func (c *EmailController) Schedule(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SenderID    string    `json:"senderId"`
		To          string    `json:"to"`
		Subject     string    `json:"subject"`
		Body        string    `json:"body"`
		SendAt      time.Time `json:"sendAt"`
		HourlyLimit *int      `json:"hourlyLimit"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}

	job, err := c.Scheduler.ScheduleOne(r.Context(), service.ScheduleRequest{
		SenderID:    body.SenderID,
		To:          body.To,
		Subject:     body.Subject,
		Body:        body.Body,
		SendAt:      body.SendAt,
		HourlyLimit: body.HourlyLimit,
	})
	if err != nil {
		writeError(w, c.Log, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (c *EmailController) BulkSchedule(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SenderID       string    `json:"senderId"`
		Subject        string    `json:"subject"`
		Body           string    `json:"body"`
		StartAt        time.Time `json:"startAt"`
		DelayBetweenMs int64     `json:"delayBetweenMs"`
		HourlyLimit    *int      `json:"hourlyLimit"`
		Leads          []string  `json:"leads"`
		LeadsText      string    `json:"leadsText"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}

	recipients := append([]string{}, body.Leads...)
	if body.LeadsText != "" {
		recipients = append(recipients, service.ExtractRecipients(body.LeadsText)...)
	}

	jobs, err := c.Scheduler.ScheduleMany(r.Context(), service.BulkRequest{
		SenderID:    body.SenderID,
		Subject:     body.Subject,
		Body:        body.Body,
		StartAt:     body.StartAt,
		Spacing:     time.Duration(body.DelayBetweenMs) * time.Millisecond,
		HourlyLimit: body.HourlyLimit,
		Recipients:  recipients,
	})
	if err != nil && len(jobs) == 0 {
		writeError(w, c.Log, err)
		return
	}

	resp := map[string]any{
		"scheduled": len(jobs),
		"jobs":      jobs,
	}
	if err != nil {
		// some items failed after earlier ones were stored
		c.Log.Warn().Err(err).Int("scheduled", len(jobs)).Msg("bulk schedule partially failed")
		resp["error"] = err.Error()
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (c *EmailController) ListScheduled(w http.ResponseWriter, r *http.Request) {
	jobs, err := c.Scheduler.ListScheduled(r.Context(), limitParam(r))
	if err != nil {
		writeError(w, c.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": jobs})
}

func (c *EmailController) ListSent(w http.ResponseWriter, r *http.Request) {
	jobs, err := c.Scheduler.ListFinished(r.Context(), limitParam(r))
	if err != nil {
		writeError(w, c.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": jobs})
}

func (c *EmailController) Get(w http.ResponseWriter, r *http.Request) {
	job, err := c.Scheduler.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, c.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (c *EmailController) Cancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := c.Scheduler.Cancel(r.Context(), id); err != nil {
		writeError(w, c.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(model.StatusCancelled)})
}

func limitParam(r *http.Request) int {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	return limit
}

