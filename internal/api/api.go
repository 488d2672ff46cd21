// Package api exposes the engine over HTTP as JSON endpoints. Authentication
// happens upstream; the learner arrives in the X-Learner-ID header.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/p-n-ai/pai-lms/internal/catalog"
	"github.com/p-n-ai/pai-lms/internal/certificate"
	"github.com/p-n-ai/pai-lms/internal/course"
	"github.com/p-n-ai/pai-lms/internal/engine"
	"github.com/p-n-ai/pai-lms/internal/leaderboard"
	"github.com/p-n-ai/pai-lms/internal/progress"
	"github.com/p-n-ai/pai-lms/internal/quiz"
)

// LearnerHeader carries the authenticated learner ID.
const LearnerHeader = "X-Learner-ID"

const maxBodyBytes = 1 << 20

// Service is the set of engine operations served over HTTP.
type Service interface {
	RecordProgress(ctx context.Context, learnerID, contentItemID string, completed bool, timeSpentDelta int64) (engine.ProgressResult, error)
	SubmitQuizAttempt(ctx context.Context, learnerID, quizID string, answers map[string]any) (engine.QuizResult, error)
	GetCourseProgress(ctx context.Context, learnerID, courseID string) (engine.CourseProgress, error)
	Enroll(ctx context.Context, learnerID, courseID string) (course.Enrollment, error)
	Enrollments(ctx context.Context, learnerID string) ([]course.Enrollment, error)
	GetLeaderboard(ctx context.Context, limit int) ([]leaderboard.Entry, error)
	GetRank(ctx context.Context, learnerID string) (leaderboard.Entry, error)
	ExportLeaderboard(ctx context.Context, w io.Writer) error
	Certificates(ctx context.Context, learnerID string) ([]certificate.Certificate, error)
	VerifyCertificate(ctx context.Context, number, code string) (certificate.Certificate, bool, error)
}

// Check reports whether a dependency is ready.
type Check func(ctx context.Context) error

// Config holds dependencies for the HTTP handler.
type Config struct {
	Service Service
	// Events serves the live event stream; nil disables the endpoint.
	Events http.Handler
	// Artifacts serves rendered certificates under /certificates/; nil disables it.
	Artifacts http.Handler
	Checks    map[string]Check
}

type handler struct {
	svc    Service
	checks map[string]Check
}

// NewHandler returns the HTTP router.
func NewHandler(cfg Config) http.Handler {
	h := &handler{svc: cfg.Service, checks: cfg.Checks}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", handleHealthz)
	mux.HandleFunc("GET /readyz", h.handleReadyz)

	mux.HandleFunc("POST /v1/progress", h.learner(h.recordProgress))
	mux.HandleFunc("POST /v1/quizzes/{quizID}/attempts", h.learner(h.submitAttempt))
	mux.HandleFunc("GET /v1/courses/{courseID}/progress", h.learner(h.courseProgress))
	mux.HandleFunc("POST /v1/courses/{courseID}/enroll", h.learner(h.enroll))
	mux.HandleFunc("GET /v1/enrollments", h.learner(h.enrollments))
	mux.HandleFunc("GET /v1/leaderboard", h.leaderboard)
	mux.HandleFunc("GET /v1/leaderboard/me", h.learner(h.rank))
	mux.HandleFunc("GET /v1/leaderboard/export.xlsx", h.exportLeaderboard)
	mux.HandleFunc("GET /v1/certificates", h.learner(h.certificates))
	mux.HandleFunc("GET /v1/certificates/{number}/verify", h.verifyCertificate)

	if cfg.Events != nil {
		mux.Handle("GET /v1/events/ws", cfg.Events)
	}
	if cfg.Artifacts != nil {
		mux.Handle("GET /certificates/", http.StripPrefix("/certificates/", cfg.Artifacts))
	}
	return mux
}

type learnerHandler func(w http.ResponseWriter, r *http.Request, learnerID string)

func (h *handler) learner(next learnerHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(LearnerHeader)
		if id == "" {
			writeError(w, http.StatusUnauthorized, "missing "+LearnerHeader+" header")
			return
		}
		next(w, r, id)
	}
}

func handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) handleReadyz(w http.ResponseWriter, r *http.Request) {
	failed := map[string]string{}
	for name, check := range h.checks {
		if err := check(r.Context()); err != nil {
			slog.Warn("readiness check failed", "check", name, "error", err)
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "failed": failed})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type progressRequest struct {
	ContentItemID    string `json:"content_item_id"`
	Completed        bool   `json:"is_completed"`
	TimeSpentMinutes int64  `json:"time_spent_minutes"`
}

func (h *handler) recordProgress(w http.ResponseWriter, r *http.Request, learnerID string) {
	var req progressRequest
	if !decode(w, r, &req) {
		return
	}
	if req.ContentItemID == "" {
		writeError(w, http.StatusBadRequest, "content_item_id is required")
		return
	}
	res, err := h.svc.RecordProgress(r.Context(), learnerID, req.ContentItemID, req.Completed, req.TimeSpentMinutes)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type attemptRequest struct {
	Answers map[string]any `json:"answers"`
}

func (h *handler) submitAttempt(w http.ResponseWriter, r *http.Request, learnerID string) {
	var req attemptRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.svc.SubmitQuizAttempt(r.Context(), learnerID, r.PathValue("quizID"), req.Answers)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (h *handler) courseProgress(w http.ResponseWriter, r *http.Request, learnerID string) {
	res, err := h.svc.GetCourseProgress(r.Context(), learnerID, r.PathValue("courseID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *handler) enroll(w http.ResponseWriter, r *http.Request, learnerID string) {
	res, err := h.svc.Enroll(r.Context(), learnerID, r.PathValue("courseID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *handler) enrollments(w http.ResponseWriter, r *http.Request, learnerID string) {
	res, err := h.svc.Enrollments(r.Context(), learnerID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"enrollments": res})
}

func (h *handler) leaderboard(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
		limit = n
	}
	entries, err := h.svc.GetLeaderboard(r.Context(), limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (h *handler) rank(w http.ResponseWriter, r *http.Request, learnerID string) {
	entry, err := h.svc.GetRank(r.Context(), learnerID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (h *handler) exportLeaderboard(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="leaderboard.xlsx"`)
	if err := h.svc.ExportLeaderboard(r.Context(), w); err != nil {
		// Headers may already be sent; nothing useful can reach the client.
		slog.Error("leaderboard export failed", "error", err)
	}
}

func (h *handler) certificates(w http.ResponseWriter, r *http.Request, learnerID string) {
	certs, err := h.svc.Certificates(r.Context(), learnerID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"certificates": certs})
}

type verifyResponse struct {
	Valid       bool                     `json:"valid"`
	Certificate *certificate.Certificate `json:"certificate,omitempty"`
}

func (h *handler) verifyCertificate(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	if code == "" {
		writeError(w, http.StatusBadRequest, "code is required")
		return
	}
	c, ok, err := h.svc.VerifyCertificate(r.Context(), r.PathValue("number"), code)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusOK, verifyResponse{Valid: false})
		return
	}
	c.VerificationCode = ""
	writeJSON(w, http.StatusOK, verifyResponse{Valid: true, Certificate: &c})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, catalog.ErrNotFound),
		errors.Is(err, progress.ErrContentNotFound),
		errors.Is(err, progress.ErrNotFound),
		errors.Is(err, quiz.ErrNotFound),
		errors.Is(err, course.ErrNotFound),
		errors.Is(err, certificate.ErrNotFound),
		errors.Is(err, leaderboard.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, progress.ErrInvalidDelta),
		errors.Is(err, quiz.ErrInvalidQuiz),
		errors.Is(err, quiz.ErrUnknownQuestionType):
		return http.StatusBadRequest
	case errors.Is(err, quiz.ErrAttemptsExhausted):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeServiceError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "error", err)
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("write response failed", "error", err)
	}
}
