// Package approval moves time logs between pending, approved and rejected.
package approval

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/charlie0129/timelog-core/internal/apperr"
	"github.com/charlie0129/timelog-core/internal/compat"
	"github.com/charlie0129/timelog-core/internal/database"
	"github.com/charlie0129/timelog-core/internal/events"
	"github.com/charlie0129/timelog-core/internal/models"
	"github.com/charlie0129/timelog-core/internal/timelog"
)

// Storage is the privileged write surface the workflow degrades across.
type Storage interface {
	Call(ctx context.Context, name string, args map[string]any) error
	UpdateTimeLogFields(ctx context.Context, actorID, id string, fields map[string]any) error
	UserRole(ctx context.Context, id string) (string, error)
	IsApproverRole(role string) bool
}

// Action is a bulk transition kind.
type Action string

const (
	ActionApprove Action = "approve"
	ActionReject  Action = "reject"
)

func (a Action) Valid() bool {
	return a == ActionApprove || a == ActionReject
}

type ApproveRequest struct {
	Actor models.Actor `json:"-"`
	// Commissioned keeps the log's current value when nil.
	Commissioned *bool     `json:"commissioned,omitempty"`
	PerformedAt  time.Time `json:"performed_at"`
	ApproverName string    `json:"approver_name,omitempty"`
}

type RejectRequest struct {
	Actor        models.Actor `json:"-"`
	Reason       string       `json:"reason"`
	PerformedAt  time.Time    `json:"performed_at"`
	ApproverName string       `json:"approver_name,omitempty"`
}

type BulkRequest struct {
	Actor        models.Actor `json:"-"`
	Action       Action       `json:"action"`
	IDs          []string     `json:"ids"`
	Reason       string       `json:"reason,omitempty"`
	Commissioned *bool        `json:"commissioned,omitempty"`
	PerformedAt  time.Time    `json:"performed_at"`
}

// BulkResult reports partial progress. Successes before FirstFailure stay
// committed.
type BulkResult struct {
	Succeeded    []string `json:"succeeded"`
	Skipped      []string `json:"skipped"`
	FailedID     string   `json:"failed_id,omitempty"`
	FirstFailure error    `json:"-"`
}

type Workflow struct {
	store    *timelog.Store
	storage  Storage
	bridge   *compat.Bridge
	notifier events.Notifier

	// approvers may use the privileged procedure; owners acting under the
	// legacy path only have the row-level update.
	approvers *compat.Ladder
	owners    *compat.Ladder

	Now func() time.Time
}

func NewWorkflow(store *timelog.Store, storage Storage, bridge *compat.Bridge, notifier events.Notifier) *Workflow {
	if notifier == nil {
		notifier = events.Discard{}
	}
	w := &Workflow{
		store:    store,
		storage:  storage,
		bridge:   bridge,
		notifier: notifier,
		Now:      time.Now,
	}

	direct := w.directStrategies()
	w.approvers = compat.NewLadder("approval", bridge, append([]compat.Strategy{
		{Name: "procedure", Apply: w.callProcedure(modernParams)},
		{Name: "procedure_legacy", Legacy: true, Apply: w.callProcedure(legacyParams)},
	}, direct...)...)
	w.owners = compat.NewLadder("owner_approval", bridge, direct...)
	return w
}

// Strategy returns the remembered approver strategy.
func (w *Workflow) Strategy() string {
	return w.approvers.Selected()
}

// Approve marks a log approved.
func (w *Workflow) Approve(ctx context.Context, id string, req ApproveRequest) (*models.TimeLog, error) {
	l, _, err := w.transition(ctx, id, ActionApprove, transitionArgs{
		actor:        req.Actor,
		commissioned: req.Commissioned,
		performedAt:  req.PerformedAt,
		approverName: req.ApproverName,
	}, false)
	return l, err
}

// Reject marks a log rejected. A non-empty reason is required.
func (w *Workflow) Reject(ctx context.Context, id string, req RejectRequest) (*models.TimeLog, error) {
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		return nil, apperr.ErrMissingJustification
	}
	l, _, err := w.transition(ctx, id, ActionReject, transitionArgs{
		actor:        req.Actor,
		reason:       reason,
		performedAt:  req.PerformedAt,
		approverName: req.ApproverName,
	}, false)
	return l, err
}

func (w *Workflow) BulkApprove(ctx context.Context, ids []string, req ApproveRequest) BulkResult {
	return w.BulkTransition(ctx, BulkRequest{
		Actor:        req.Actor,
		Action:       ActionApprove,
		IDs:          ids,
		Commissioned: req.Commissioned,
		PerformedAt:  req.PerformedAt,
	})
}

func (w *Workflow) BulkReject(ctx context.Context, ids []string, req RejectRequest) BulkResult {
	return w.BulkTransition(ctx, BulkRequest{
		Actor:       req.Actor,
		Action:      ActionReject,
		IDs:         ids,
		Reason:      req.Reason,
		PerformedAt: req.PerformedAt,
	})
}

// BulkTransition applies one action to every listed log that is not already
// approved, stopping at the first failure.
func (w *Workflow) BulkTransition(ctx context.Context, req BulkRequest) BulkResult {
	res := BulkResult{Succeeded: []string{}, Skipped: []string{}}
	if !req.Action.Valid() {
		res.FirstFailure = apperr.Newf(apperr.CodeValidation, "unknown bulk action %q", req.Action)
		return res
	}
	reason := strings.TrimSpace(req.Reason)
	if req.Action == ActionReject && reason == "" {
		res.FirstFailure = apperr.ErrMissingJustification
		return res
	}

	args := transitionArgs{
		actor:        req.Actor,
		commissioned: req.Commissioned,
		reason:       reason,
		performedAt:  req.PerformedAt,
	}
	for _, id := range req.IDs {
		_, skipped, err := w.transition(ctx, id, req.Action, args, true)
		if err != nil {
			res.FailedID = id
			res.FirstFailure = err
			slog.Warn("bulk transition stopped", "action", req.Action, "log_id", id,
				"succeeded", len(res.Succeeded), "error", err)
			break
		}
		if skipped {
			res.Skipped = append(res.Skipped, id)
			continue
		}
		res.Succeeded = append(res.Succeeded, id)
	}
	slog.Info("bulk transition finished", "action", req.Action, "requested", len(req.IDs),
		"succeeded", len(res.Succeeded), "skipped", len(res.Skipped))
	return res
}

// Selectable returns the logs a bulk selection may include.
func Selectable(logs []models.TimeLog) []models.TimeLog {
	out := make([]models.TimeLog, 0, len(logs))
	for _, l := range logs {
		if l.ApprovalStatus != models.StatusApproved {
			out = append(out, l)
		}
	}
	return out
}

type transitionArgs struct {
	actor        models.Actor
	commissioned *bool
	reason       string
	performedAt  time.Time
	approverName string
}

func (w *Workflow) transition(ctx context.Context, id string, action Action, a transitionArgs, skipApproved bool) (*models.TimeLog, bool, error) {
	if a.actor.UserID == "" {
		return nil, false, apperr.New(apperr.CodeValidation, "actor is required")
	}

	unlock := w.store.Lock(id)
	defer unlock()

	l, err := w.store.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if skipApproved && l.ApprovalStatus == models.StatusApproved {
		return l, true, nil
	}

	ladder, err := w.ladderFor(ctx, a.actor, l)
	if err != nil {
		return nil, false, err
	}

	payload := w.payload(l, action, a)
	strategy, err := ladder.Run(ctx, payload)
	if err != nil {
		return nil, false, err
	}

	out, err := w.store.Refresh(ctx, id)
	if err != nil {
		return nil, false, err
	}
	slog.Info("time log transitioned", "log_id", id, "status", out.ApprovalStatus,
		"actor_id", a.actor.UserID, "strategy", strategy)

	eventType := events.EventLogApproved
	if action == ActionReject {
		eventType = events.EventLogRejected
	}
	w.notifier.Publish(eventType, map[string]any{
		"log_id":           out.ID,
		"task_id":          out.TaskID,
		"user_id":          out.UserID,
		"approval_status":  out.ApprovalStatus,
		"commissioned":     out.Commissioned,
		"rejection_reason": out.RejectionReason,
		"approver_id":      out.ApproverID,
	})
	return out, false, nil
}

// ladderFor gates the actor: approver roles get the full ladder, a log's
// own owner only the row-level path and only in legacy mode.
func (w *Workflow) ladderFor(ctx context.Context, actor models.Actor, l *models.TimeLog) (*compat.Ladder, error) {
	role, err := w.storage.UserRole(ctx, actor.UserID)
	if err != nil {
		return nil, err
	}
	if w.storage.IsApproverRole(role) {
		return w.approvers, nil
	}
	if l.UserID == actor.UserID && w.bridge.Legacy() {
		return w.owners, nil
	}
	return nil, apperr.Newf(apperr.CodeInsufficientPrivilege, "user %s may not approve time log %s", actor.UserID, l.ID)
}

func (w *Workflow) payload(l *models.TimeLog, action Action, a transitionArgs) compat.Payload {
	performedAt := a.performedAt
	if performedAt.IsZero() {
		performedAt = w.Now()
	}
	name := a.approverName
	if name == "" {
		name = a.actor.Name
	}

	p := compat.Payload{
		"log_id":           l.ID,
		"actor_id":         a.actor.UserID,
		"performed_at":     performedAt,
		"approver_name":    name,
		"rejection_reason": nil,
	}
	switch action {
	case ActionApprove:
		commissioned := l.Commissioned
		if a.commissioned != nil {
			commissioned = *a.commissioned
		}
		p["status"] = string(models.StatusApproved)
		p["commissioned"] = commissioned
	case ActionReject:
		p["status"] = string(models.StatusRejected)
		p["commissioned"] = false
		p["rejection_reason"] = a.reason
	}
	return p
}

var (
	modernParams = []string{"log_id", "status", "commissioned", "performed_at", "approver_name", "rejection_reason", "actor_id"}
	legacyParams = []string{"log_id", "status", "performed_at", "rejection_reason", "actor_id"}
)

func (w *Workflow) callProcedure(params []string) compat.WriteFunc {
	return func(ctx context.Context, p compat.Payload) error {
		args := make(map[string]any, len(params))
		for _, k := range params {
			args[k] = p[k]
		}
		return w.storage.Call(ctx, database.ProcSetApproval, args)
	}
}

// directStrategies update the row with progressively smaller column sets.
func (w *Workflow) directStrategies() []compat.Strategy {
	full := []string{"approval_status", "approver_id", "approved_at_date", "approved_at_time", "approver_name", "rejection_reason", "commissioned"}
	return []compat.Strategy{
		{Name: "update_full", Apply: w.updateFields(full)},
		{Name: "update_without_approver_details", Legacy: true, Apply: w.updateFields(without(full, "approved_at_time", "approver_name"))},
		{Name: "update_without_commissioned", Legacy: true, Apply: w.updateFields(without(full, "approved_at_time", "approver_name", "commissioned"))},
		{Name: "update_status_only", Legacy: true, Apply: w.updateFields([]string{"approval_status", "rejection_reason"})},
	}
}

func (w *Workflow) updateFields(columns []string) compat.WriteFunc {
	return func(ctx context.Context, p compat.Payload) error {
		performedAt, _ := p["performed_at"].(time.Time)
		all := map[string]any{
			"approval_status":  p["status"],
			"approver_id":      p["actor_id"],
			"approved_at_date": performedAt.Format(models.DateLayout),
			"approved_at_time": performedAt.Format("15:04:05"),
			"approver_name":    p["approver_name"],
			"rejection_reason": p["rejection_reason"],
			"commissioned":     p["commissioned"],
		}
		fields := map[string]any{"updated_at": w.Now()}
		for _, c := range columns {
			fields[c] = all[c]
		}
		actorID, _ := p["actor_id"].(string)
		logID, _ := p["log_id"].(string)
		return w.storage.UpdateTimeLogFields(ctx, actorID, logID, fields)
	}
}

func without(columns []string, drop ...string) []string {
	skip := make(map[string]bool, len(drop))
	for _, d := range drop {
		skip[d] = true
	}
	out := make([]string, 0, len(columns))
	for _, c := range columns {
		if !skip[c] {
			out = append(out, c)
		}
	}
	return out
}
