package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/charlie0129/timelog-core/internal/apperr"
	"github.com/charlie0129/timelog-core/internal/approval"
	"github.com/charlie0129/timelog-core/internal/compat"
	"github.com/charlie0129/timelog-core/internal/database"
	"github.com/charlie0129/timelog-core/internal/events"
	"github.com/charlie0129/timelog-core/internal/models"
	"github.com/charlie0129/timelog-core/internal/timelog"
	"github.com/charlie0129/timelog-core/internal/timer"
	"github.com/charlie0129/timelog-core/internal/usage"
)

// Services are the components the API fronts.
type Services struct {
	DB       *database.DB
	Bridge   *compat.Bridge
	Store    *timelog.Store
	Usage    *usage.Aggregator
	Timers   *timer.Manager
	Approval *approval.Workflow
	Hub      *events.Hub
}

type Handler struct {
	Services
}

func NewHandler(s Services) *Handler {
	return &Handler{Services: s}
}

func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	// Timers
	mux.HandleFunc("POST /api/v1/timers/{taskID}/start", h.startTimer)
	mux.HandleFunc("POST /api/v1/timers/{taskID}/stop", h.stopTimer)
	mux.HandleFunc("POST /api/v1/timers/{taskID}/reset", h.resetTimer)
	mux.HandleFunc("GET /api/v1/timers", h.listTimers)

	// Time logs
	mux.HandleFunc("GET /api/v1/logs", h.listLogs)
	mux.HandleFunc("POST /api/v1/logs", h.createLog)
	mux.HandleFunc("GET /api/v1/logs/selectable", h.selectableLogs)
	mux.HandleFunc("POST /api/v1/logs/bulk-approve", h.bulkApprove)
	mux.HandleFunc("POST /api/v1/logs/bulk-reject", h.bulkReject)
	mux.HandleFunc("GET /api/v1/logs/{id}", h.getLog)
	mux.HandleFunc("PATCH /api/v1/logs/{id}", h.updateLog)
	mux.HandleFunc("DELETE /api/v1/logs/{id}", h.deleteLog)
	mux.HandleFunc("POST /api/v1/logs/{id}/approve", h.approveLog)
	mux.HandleFunc("POST /api/v1/logs/{id}/reject", h.rejectLog)

	// Daily usage
	mux.HandleFunc("GET /api/v1/usage/{userID}", h.getUsage)
	mux.HandleFunc("POST /api/v1/usage/{userID}/ensure", h.ensureUsage)
	mux.HandleFunc("GET /api/v1/usage/{userID}/live", h.liveUsage)

	// Cross-tab events
	if h.Hub != nil {
		mux.HandleFunc("GET /api/v1/events", h.Hub.ServeWS)
	}

	// Health check
	mux.HandleFunc("GET /health", h.healthCheck)
}

// --- Response helpers ---

type APIResponse struct {
	Data  interface{} `json:"data"`
	Error string      `json:"error,omitempty"`
	Code  string      `json:"code,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeData(w http.ResponseWriter, status int, data interface{}) {
	writeJSON(w, status, APIResponse{Data: data})
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "error", err)
	}
	code := apperr.CodeOf(err)
	writeJSON(w, status, APIResponse{Error: err.Error(), Code: string(code)})
}

func statusFor(err error) int {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return http.StatusServiceUnavailable
	}
	switch apperr.CodeOf(err) {
	case apperr.CodeValidation:
		return http.StatusBadRequest
	case apperr.CodeInsufficientPrivilege:
		return http.StatusForbidden
	case apperr.CodeNotFound, apperr.CodeMissingActiveLog, apperr.CodeNoActiveTimer:
		return http.StatusNotFound
	case apperr.CodeConflict, apperr.CodeAlreadyClosed:
		return http.StatusConflict
	case apperr.CodeDailyCapExceeded, apperr.CodeMissingJustification, apperr.CodeMissingStartTime:
		return http.StatusUnprocessableEntity
	case apperr.CodeStorageUnavailable, apperr.CodeSchemaUnsupported:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// decode reads an optional JSON body into v.
func decode(r *http.Request, v interface{}) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return apperr.Wrap(apperr.CodeValidation, "invalid request body", err)
}

// actorFrom reads the identity set by the auth layer in front of the API.
func actorFrom(r *http.Request) (models.Actor, error) {
	a := models.Actor{
		UserID: strings.TrimSpace(r.Header.Get("X-User-ID")),
		Name:   strings.TrimSpace(r.Header.Get("X-User-Name")),
		Role:   strings.TrimSpace(r.Header.Get("X-User-Role")),
	}
	if a.UserID == "" {
		return a, apperr.New(apperr.CodeValidation, "missing X-User-ID header")
	}
	return a, nil
}

func (h *Handler) today() string {
	return time.Now().In(h.Store.Location()).Format(models.DateLayout)
}

func (h *Handler) dateParam(r *http.Request) (string, error) {
	date := r.URL.Query().Get("date")
	if date == "" {
		return h.today(), nil
	}
	if _, err := time.Parse(models.DateLayout, date); err != nil {
		return "", apperr.New(apperr.CodeValidation, "invalid date format, use YYYY-MM-DD")
	}
	return date, nil
}

// canModify allows the log's owner and approver roles.
func (h *Handler) canModify(ctx context.Context, actor models.Actor, l *models.TimeLog) error {
	if l.UserID == actor.UserID {
		return nil
	}
	return h.requireApprover(ctx, actor)
}

func (h *Handler) requireApprover(ctx context.Context, actor models.Actor) error {
	role, err := h.DB.UserRole(ctx, actor.UserID)
	if err != nil {
		return err
	}
	if !h.DB.IsApproverRole(role) {
		return apperr.Newf(apperr.CodeInsufficientPrivilege, "user %s is not an approver", actor.UserID)
	}
	return nil
}

// --- Timers ---

// startTimer starts or resumes the caller's timer on a task
// POST /api/v1/timers/{taskID}/start
func (h *Handler) startTimer(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		writeError(w, err)
		return
	}
	res, err := h.Timers.Start(r.Context(), r.PathValue("taskID"), actor.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusCreated
	if res.AlreadyRunning {
		status = http.StatusOK
	}
	writeData(w, status, res)
}

// stopTimer finalizes the caller's timer on a task
// POST /api/v1/timers/{taskID}/stop {"discard": false, "allow_create": true}
func (h *Handler) stopTimer(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var opts timer.StopOptions
	if err := decode(r, &opts); err != nil {
		writeError(w, err)
		return
	}
	opts.UserID = actor.UserID

	res, err := h.Timers.Stop(r.Context(), r.PathValue("taskID"), opts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, res)
}

// resetTimer stops the caller's timer and discards the log
// POST /api/v1/timers/{taskID}/reset
func (h *Handler) resetTimer(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		writeError(w, err)
		return
	}
	res, err := h.Timers.Reset(r.Context(), r.PathValue("taskID"), actor.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, res)
}

// listTimers returns running timers, the caller's unless user_id is given
// GET /api/v1/timers?user_id=u1
func (h *Handler) listTimers(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		actor, err := actorFrom(r)
		if err != nil {
			writeError(w, err)
			return
		}
		userID = actor.UserID
	}
	views, err := h.Timers.Running(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, views)
}

// --- Time logs ---

// logFilter builds a filter from query parameters
// ?user_id=&task_id=&project_id=&status=&open=true&from=2024-01-01&to=2024-01-31&limit=100
func (h *Handler) logFilter(r *http.Request) (timelog.Filter, error) {
	q := r.URL.Query()
	f := timelog.Filter{
		UserID:    q.Get("user_id"),
		TaskID:    q.Get("task_id"),
		ProjectID: q.Get("project_id"),
		Status:    models.ApprovalStatus(q.Get("status")),
	}
	if f.Status != "" && !f.Status.Valid() {
		return f, apperr.Newf(apperr.CodeValidation, "invalid status %q", f.Status)
	}
	switch q.Get("open") {
	case "true":
		f.OpenOnly = true
	case "false":
		f.Closed = true
	}

	loc := h.Store.Location()
	if s := q.Get("from"); s != "" {
		from, err := time.ParseInLocation(models.DateLayout, s, loc)
		if err != nil {
			return f, apperr.New(apperr.CodeValidation, "invalid from date format")
		}
		f.From, f.DateFrom = &from, s
	}
	if s := q.Get("to"); s != "" {
		to, err := time.ParseInLocation(models.DateLayout, s, loc)
		if err != nil {
			return f, apperr.New(apperr.CodeValidation, "invalid to date format")
		}
		end := to.AddDate(0, 0, 1)
		f.To, f.DateTo = &end, s
	}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return f, apperr.New(apperr.CodeValidation, "invalid limit")
		}
		f.Limit = n
	}
	return f, nil
}

// GET /api/v1/logs
func (h *Handler) listLogs(w http.ResponseWriter, r *http.Request) {
	f, err := h.logFilter(r)
	if err != nil {
		writeError(w, err)
		return
	}
	logs, err := h.Store.List(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, logs)
}

// selectableLogs returns the logs a bulk selection may contain
// GET /api/v1/logs/selectable?user_id=u1&from=2024-01-01
func (h *Handler) selectableLogs(w http.ResponseWriter, r *http.Request) {
	f, err := h.logFilter(r)
	if err != nil {
		writeError(w, err)
		return
	}
	logs, err := h.Store.List(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, approval.Selectable(logs))
}

// createLog records a manual entry, for the caller unless user_id is set
// POST /api/v1/logs
func (h *Handler) createLog(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var in timelog.CreateInput
	if err := decode(r, &in); err != nil {
		writeError(w, err)
		return
	}
	if in.UserID == "" {
		in.UserID = actor.UserID
	}
	if in.UserID != actor.UserID {
		if err := h.requireApprover(r.Context(), actor); err != nil {
			writeError(w, err)
			return
		}
	}

	l, err := h.Store.Create(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusCreated, l)
}

// GET /api/v1/logs/{id}
func (h *Handler) getLog(w http.ResponseWriter, r *http.Request) {
	l, err := h.Store.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, l)
}

// updateLog edits a log; approval fields are reserved to approvers
// PATCH /api/v1/logs/{id}
func (h *Handler) updateLog(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var p timelog.Patch
	if err := decode(r, &p); err != nil {
		writeError(w, err)
		return
	}

	id := r.PathValue("id")
	l, err := h.Store.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if p.ApprovalStatus != nil || p.RejectionReason != nil || p.Commissioned != nil {
		err = h.requireApprover(r.Context(), actor)
	} else {
		err = h.canModify(r.Context(), actor, l)
	}
	if err != nil {
		writeError(w, err)
		return
	}

	updated, err := h.Store.Update(r.Context(), id, p)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, updated)
}

// DELETE /api/v1/logs/{id}
func (h *Handler) deleteLog(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		writeError(w, err)
		return
	}
	id := r.PathValue("id")
	l, err := h.Store.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.canModify(r.Context(), actor, l); err != nil {
		writeError(w, err)
		return
	}

	deleted, err := h.Store.Delete(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if !deleted {
		writeError(w, apperr.Newf(apperr.CodeNotFound, "time log %s", id))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"deleted": true})
}

// --- Approval ---

// POST /api/v1/logs/{id}/approve {"commissioned": true}
func (h *Handler) approveLog(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req approval.ApproveRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	req.Actor = actor

	l, err := h.Approval.Approve(r.Context(), r.PathValue("id"), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, l)
}

// POST /api/v1/logs/{id}/reject {"reason": "duplicate"}
func (h *Handler) rejectLog(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req approval.RejectRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	req.Actor = actor

	l, err := h.Approval.Reject(r.Context(), r.PathValue("id"), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, l)
}

type bulkResponse struct {
	approval.BulkResult
	FirstFailure     string `json:"first_failure,omitempty"`
	FirstFailureCode string `json:"first_failure_code,omitempty"`
}

func writeBulk(w http.ResponseWriter, res approval.BulkResult) {
	out := bulkResponse{BulkResult: res}
	if res.FirstFailure != nil {
		out.FirstFailure = res.FirstFailure.Error()
		out.FirstFailureCode = string(apperr.CodeOf(res.FirstFailure))
	}
	// partial success is still reported as data
	writeData(w, http.StatusOK, out)
}

// POST /api/v1/logs/bulk-approve {"ids": ["a", "b"], "commissioned": true}
func (h *Handler) bulkApprove(w http.ResponseWriter, r *http.Request) {
	h.bulk(w, r, approval.ActionApprove)
}

// POST /api/v1/logs/bulk-reject {"ids": ["a", "b"], "reason": "duplicate"}
func (h *Handler) bulkReject(w http.ResponseWriter, r *http.Request) {
	h.bulk(w, r, approval.ActionReject)
}

func (h *Handler) bulk(w http.ResponseWriter, r *http.Request, action approval.Action) {
	actor, err := actorFrom(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req approval.BulkRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if len(req.IDs) == 0 {
		writeError(w, apperr.New(apperr.CodeValidation, "ids are required"))
		return
	}
	req.Actor = actor
	req.Action = action
	writeBulk(w, h.Approval.BulkTransition(r.Context(), req))
}

// --- Daily usage ---

// getUsage returns the cached record only; data is null on a cache miss
// GET /api/v1/usage/{userID}?date=2024-01-01
func (h *Handler) getUsage(w http.ResponseWriter, r *http.Request) {
	date, err := h.dateParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, h.Usage.UsageFor(r.PathValue("userID"), date))
}

// POST /api/v1/usage/{userID}/ensure?date=2024-01-01
func (h *Handler) ensureUsage(w http.ResponseWriter, r *http.Request) {
	date, err := h.dateParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	u, err := h.Usage.EnsureLoaded(r.Context(), r.PathValue("userID"), date)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, u)
}

// GET /api/v1/usage/{userID}/live
func (h *Handler) liveUsage(w http.ResponseWriter, r *http.Request) {
	u, err := h.Timers.LiveUsage(r.Context(), r.PathValue("userID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, u)
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	status, code := "ok", http.StatusOK
	if err := h.DB.Ping(r.Context()); err != nil {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	resp := map[string]interface{}{
		"status": status,
		"schema": h.DB.Schema(),
		"legacy": h.Bridge.Legacy(),
	}
	if h.Hub != nil {
		resp["clients"] = h.Hub.Clients()
	}
	writeJSON(w, code, resp)
}
