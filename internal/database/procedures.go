package database

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charlie0129/timelog-core/internal/apperr"
	"github.com/charlie0129/timelog-core/internal/models"
)

// ProcSetApproval is the privileged approval procedure.
const ProcSetApproval = "set_time_log_approval"

// procedure is a named server-side routine with a fixed parameter set.
type procedure struct {
	params []string
	fn     func(ctx context.Context, db *DB, args map[string]any) error
}

func proceduresFor(schema Schema) map[string]procedure {
	if schema == SchemaLegacy {
		return map[string]procedure{
			ProcSetApproval: {
				params: []string{"log_id", "status", "performed_at", "rejection_reason", "actor_id"},
				fn:     setApprovalLegacy,
			},
		}
	}
	return map[string]procedure{
		ProcSetApproval: {
			params: []string{"log_id", "status", "commissioned", "performed_at", "approver_name", "rejection_reason", "actor_id"},
			fn:     setApprovalModern,
		},
	}
}

// Call invokes a named procedure. The argument names must match the
// procedure's signature exactly.
func (db *DB) Call(ctx context.Context, name string, args map[string]any) error {
	db.mu.RLock()
	proc, ok := db.procedures[name]
	db.mu.RUnlock()
	if !ok {
		return apperr.Newf(apperr.CodeSchemaUnsupported, "no such function: %s", name)
	}

	if !sameParams(proc.params, args) {
		return apperr.Newf(apperr.CodeSchemaUnsupported,
			"no function %s(%s)", name, strings.Join(sortedKeys(args), ", "))
	}
	return proc.fn(ctx, db, args)
}

func sameParams(params []string, args map[string]any) bool {
	if len(params) != len(args) {
		return false
	}
	for _, p := range params {
		if _, ok := args[p]; !ok {
			return false
		}
	}
	return true
}

func setApprovalModern(ctx context.Context, db *DB, args map[string]any) error {
	fields, logID, err := approvalFields(ctx, db, args)
	if err != nil {
		return err
	}
	performedAt, _ := args["performed_at"].(time.Time)
	fields["approved_at_time"] = performedAt.Format("15:04:05")
	fields["approver_name"] = args["approver_name"]

	commissioned, _ := args["commissioned"].(bool)
	if fields["approval_status"] != string(models.StatusApproved) {
		commissioned = false
	}
	fields["commissioned"] = commissioned
	return db.UpdateTimeLog(ctx, logID, fields)
}

func setApprovalLegacy(ctx context.Context, db *DB, args map[string]any) error {
	fields, logID, err := approvalFields(ctx, db, args)
	if err != nil {
		return err
	}
	return db.UpdateTimeLog(ctx, logID, fields)
}

// approvalFields validates the common arguments and builds the shared
// column set.
func approvalFields(ctx context.Context, db *DB, args map[string]any) (map[string]any, string, error) {
	logID, _ := args["log_id"].(string)
	actorID, _ := args["actor_id"].(string)
	status := models.ApprovalStatus(fmt.Sprint(args["status"]))
	performedAt, ok := args["performed_at"].(time.Time)
	if logID == "" || actorID == "" || !ok {
		return nil, "", apperr.New(apperr.CodeValidation, "log_id, actor_id and performed_at are required")
	}
	if status != models.StatusApproved && status != models.StatusRejected {
		return nil, "", apperr.Newf(apperr.CodeValidation, "invalid approval status %q", status)
	}

	role, err := db.UserRole(ctx, actorID)
	if err != nil {
		return nil, "", err
	}
	if !db.IsApproverRole(role) {
		return nil, "", apperr.Newf(apperr.CodeInsufficientPrivilege, "user %s may not approve time logs", actorID)
	}

	fields := map[string]any{
		"approval_status":  string(status),
		"approver_id":      actorID,
		"approved_at_date": performedAt.Format(models.DateLayout),
		"rejection_reason": nil,
		"updated_at":       time.Now(),
	}
	if status == models.StatusRejected {
		fields["rejection_reason"] = args["rejection_reason"]
	}
	return fields, logID, nil
}

// ProcedureParams lists the parameter names of a procedure, sorted.
func (db *DB) ProcedureParams(name string) []string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	proc, ok := db.procedures[name]
	if !ok {
		return nil
	}
	params := append([]string(nil), proc.params...)
	sort.Strings(params)
	return params
}
