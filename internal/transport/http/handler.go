package httptransport

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"generation-job-service/internal/entity"
	"generation-job-service/internal/provider"
	"generation-job-service/internal/service"
)

const webhookTokenHeader = "X-Webhook-Token"

type Handler struct {
	jobSvc       *service.JobService
	webhookToken string
	now          func() time.Time
}

// NewHandler wires the job service. An empty webhookToken disables the callback token check.
func NewHandler(jobSvc *service.JobService, webhookToken string) *Handler {
	return &Handler{jobSvc: jobSvc, webhookToken: webhookToken, now: time.Now}
}

type submitJobDTO struct {
	RequestID string                 `json:"requestId"`
	UserID    string                 `json:"userId"`
	Category  entity.Category        `json:"category"`
	Input     entity.InputDescriptor `json:"input"`
}

type submitJobResp struct {
	JobID         string           `json:"jobId"`
	Status        entity.JobStatus `json:"status"`
	EstimatedTime int              `json:"estimatedTime"` // seconds
}

type statusResp struct {
	JobID     string           `json:"jobId"`
	RequestID string           `json:"requestId"`
	Status    entity.JobStatus `json:"status"`
	Progress  entity.Progress  `json:"progress"`
	Output    *string          `json:"output,omitempty"`
	Error     *string          `json:"error,omitempty"`
	UpdatedAt string           `json:"updatedAt"`
}

type creditDTO struct {
	DebitID string `json:"debitId"`
	Reason  string `json:"reason,omitempty"`
}

type creditResp struct {
	Outcome entity.CreditOutcome `json:"outcome"`
}

type usageResp struct {
	UserID      string          `json:"userId"`
	Category    entity.Category `json:"category"`
	Used        int             `json:"used"`
	Limit       int             `json:"limit"`
	PeriodStart string          `json:"periodStart"`
}

func (h *Handler) toStatus(j *entity.Job) statusResp {
	return statusResp{
		JobID:     j.ID,
		RequestID: j.RequestID,
		Status:    j.Status,
		Progress:  j.Progress(h.now()),
		Output:    j.Output,
		Error:     j.Error,
		UpdatedAt: j.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

// SubmitJob godoc
// @Summary Submit a generation job
// @Description Debits the user's usage counter and starts the job on the compute provider.
// @Description Retrying with the same requestId returns the already accepted job and is not charged again.
// @Tags jobs
// @Accept json
// @Produce json
// @Param request body submitJobDTO true "job payload (requestId: client-generated uuid)"
// @Success 202 {object} submitJobResp
// @Failure 400 {object} apiError
// @Failure 429 {object} apiError
// @Failure 502 {object} apiError
// @Router /jobs [post]
func (h *Handler) SubmitJob(w http.ResponseWriter, r *http.Request) {
	var dto submitJobDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		writeErr(w, http.StatusBadRequest, entity.CodeInvalidInput, "invalid json")
		return
	}

	res, err := h.jobSvc.Submit(r.Context(), service.SubmitRequest{
		RequestID: dto.RequestID,
		UserID:    dto.UserID,
		Category:  dto.Category,
		Input:     dto.Input,
	})
	if err != nil {
		writeServiceErr(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, submitJobResp{
		JobID:         res.Job.ID,
		Status:        res.Job.Status,
		EstimatedTime: int(res.EstimatedTime / time.Second),
	})
}

// GetStatus godoc
// @Summary Get job status
// @Description Returns the stored job record, re-querying the provider first when the record is stale.
// @Tags jobs
// @Produce json
// @Param jobId path string true "provider job id"
// @Success 200 {object} statusResp
// @Failure 404 {object} apiError
// @Router /status/{jobId} [get]
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	j, err := h.jobSvc.Status(r.Context(), chi.URLParam(r, "jobId"))
	if err != nil {
		writeServiceErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.toStatus(j))
}

// GetStatusByRequest godoc
// @Summary Get job status by request id
// @Description Lets a client that crashed before learning its job id find the job it submitted.
// @Tags jobs
// @Produce json
// @Param requestId path string true "client request id (uuid)"
// @Success 200 {object} statusResp
// @Failure 404 {object} apiError
// @Router /status/request/{requestId} [get]
func (h *Handler) GetStatusByRequest(w http.ResponseWriter, r *http.Request) {
	j, err := h.jobSvc.StatusByRequest(r.Context(), chi.URLParam(r, "requestId"))
	if err != nil {
		writeServiceErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.toStatus(j))
}

// CancelJob godoc
// @Summary Cancel a job
// @Tags jobs
// @Produce json
// @Param jobId path string true "provider job id"
// @Success 202 {object} statusResp
// @Failure 404 {object} apiError
// @Router /jobs/{jobId}/cancel [post]
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	j, err := h.jobSvc.Cancel(r.Context(), chi.URLParam(r, "jobId"))
	if err != nil {
		writeServiceErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, h.toStatus(j))
}

// ProviderWebhook godoc
// @Summary Provider completion callback
// @Tags webhooks
// @Accept json
// @Param X-Webhook-Token header string false "shared callback token"
// @Success 204
// @Failure 400 {object} apiError
// @Failure 401 {object} apiError
// @Router /webhooks/provider [post]
func (h *Handler) ProviderWebhook(w http.ResponseWriter, r *http.Request) {
	if h.webhookToken != "" {
		token := r.Header.Get(webhookTokenHeader)
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(h.webhookToken)) != 1 {
			writeErr(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid webhook token")
			return
		}
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeErr(w, http.StatusBadRequest, entity.CodeInvalidInput, "unreadable body")
		return
	}
	pred, err := provider.Parse(raw)
	if err != nil {
		log.Printf("[webhook] parse error=%v", err)
		writeErr(w, http.StatusBadRequest, entity.CodeInvalidInput, err.Error())
		return
	}

	if _, err := h.jobSvc.HandleWebhook(r.Context(), pred); err != nil {
		// unknown ids are acknowledged so the provider stops retrying
		if errors.Is(err, entity.ErrNotFound) {
			log.Printf("[webhook] job_id=%s unknown job, ignored", pred.ID)
			w.WriteHeader(http.StatusNoContent)
			return
		}
		writeServiceErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CreditBack godoc
// @Summary Credit back a usage debit
// @Description Idempotent. Outcomes: credited, already_credited, job_succeeded, unknown_debit.
// @Description A debit sent with reason "expired" is credited even if its job later succeeded.
// @Tags usage
// @Accept json
// @Produce json
// @Param request body creditDTO true "debit to credit back (debitId = job requestId)"
// @Success 200 {object} creditResp
// @Failure 400 {object} apiError
// @Failure 500 {object} apiError
// @Router /usage/credit [post]
func (h *Handler) CreditBack(w http.ResponseWriter, r *http.Request) {
	var dto creditDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		writeErr(w, http.StatusBadRequest, entity.CodeInvalidInput, "invalid json")
		return
	}

	outcome, err := h.jobSvc.CreditBack(r.Context(), dto.DebitID, dto.Reason)
	if err != nil {
		writeServiceErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, creditResp{Outcome: outcome})
}

// GetUsage godoc
// @Summary Get usage counter
// @Tags usage
// @Produce json
// @Param userId path string true "user id"
// @Param category path string true "photo_edit or video_generation"
// @Success 200 {object} usageResp
// @Failure 400 {object} apiError
// @Router /usage/{userId}/{category} [get]
func (h *Handler) GetUsage(w http.ResponseWriter, r *http.Request) {
	c, err := h.jobSvc.Usage(r.Context(), chi.URLParam(r, "userId"), entity.Category(chi.URLParam(r, "category")))
	if err != nil {
		writeServiceErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, usageResp{
		UserID:      c.UserID,
		Category:    c.Category,
		Used:        c.Used,
		Limit:       c.Limit,
		PeriodStart: c.PeriodStart.UTC().Format(time.RFC3339),
	})
}
