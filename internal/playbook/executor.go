package playbook

import (
	"context"
	"fmt"
	"time"

	"github.com/sentinelops/responder/internal/entity"
	"github.com/sentinelops/responder/internal/notifier"
	"github.com/sentinelops/responder/pkg/models"
)

// Built-in action kinds.
const (
	KindNotify         = "notify"
	KindUpdateStatus   = "update_case_status"
	KindSetPriority    = "set_case_priority"
	KindReassign       = "reassign_case"
	KindIsolateHost    = "isolate_host"
	KindBlockIndicator = "block_indicator"
	KindCollectForensics = "collect_forensics"
	KindNoop           = "noop"
)

// RegisterBuiltins wires the standard action kinds onto a runner. The
// containment kinds simulate their remediation with a short delay; real
// connectors register their own executors over these.
func RegisterBuiltins(r *Runner, gateway notifier.Gateway, store entity.Store) {
	r.RegisterExecutor(KindNotify, func(ctx context.Context, ac ActionContext) (map[string]any, error) {
		recipients := stringSlice(ac.Params["recipients"])
		if len(recipients) == 0 {
			return nil, fmt.Errorf("notify action %s has no recipients", ac.Action.ID)
		}
		template, _ := ac.Params["template"].(string)
		if template == "" {
			template = "generic"
		}
		vars := map[string]any{
			"case_id":     ac.CaseID,
			"playbook_id": ac.PlaybookID,
			"action":      ac.Action.Name,
		}
		if msg, ok := ac.Params["message"].(string); ok {
			vars["message"] = msg
		}
		id, err := gateway.Send(ctx, template, recipients, vars, map[string]string{
			"execution_id": ac.ExecutionID,
		})
		if err != nil {
			return nil, err
		}
		return map[string]any{"notification_id": id}, nil
	})

	r.RegisterExecutor(KindUpdateStatus, func(ctx context.Context, ac ActionContext) (map[string]any, error) {
		status, _ := ac.Params["status"].(string)
		if status == "" {
			return nil, fmt.Errorf("update_case_status action %s missing status parameter", ac.Action.ID)
		}
		if err := store.UpdateStatus(ctx, ac.CaseID, models.CaseStatus(status)); err != nil {
			return nil, err
		}
		return map[string]any{"case_id": ac.CaseID, "status": status}, nil
	})

	r.RegisterExecutor(KindSetPriority, func(ctx context.Context, ac ActionContext) (map[string]any, error) {
		raw, _ := ac.Params["priority"].(string)
		priority := models.Priority(raw)
		if !priority.Valid() {
			return nil, fmt.Errorf("set_case_priority action %s has invalid priority %q", ac.Action.ID, raw)
		}
		if err := store.UpdatePriority(ctx, ac.CaseID, priority); err != nil {
			return nil, err
		}
		return map[string]any{"case_id": ac.CaseID, "priority": raw}, nil
	})

	r.RegisterExecutor(KindReassign, func(ctx context.Context, ac ActionContext) (map[string]any, error) {
		assignee, _ := ac.Params["assignee"].(string)
		if assignee == "" {
			return nil, fmt.Errorf("reassign_case action %s missing assignee parameter", ac.Action.ID)
		}
		if err := store.UpdateAssignee(ctx, ac.CaseID, assignee); err != nil {
			return nil, err
		}
		return map[string]any{"case_id": ac.CaseID, "assignee": assignee}, nil
	})

	r.RegisterExecutor(KindIsolateHost, simulated("host", "isolated"))
	r.RegisterExecutor(KindBlockIndicator, simulated("indicator", "blocked"))
	r.RegisterExecutor(KindCollectForensics, simulated("host", "collected"))

	r.RegisterExecutor(KindNoop, func(_ context.Context, ac ActionContext) (map[string]any, error) {
		return map[string]any{"action": ac.Action.ID}, nil
	})
}

// simulated returns an executor that stands in for an external remediation
// connector: it validates its target parameter, waits a beat, and reports
// the outcome.
func simulated(targetParam, outcome string) ActionFunc {
	return func(ctx context.Context, ac ActionContext) (map[string]any, error) {
		target, _ := ac.Params[targetParam].(string)
		if target == "" {
			return nil, fmt.Errorf("action %s missing %s parameter", ac.Action.ID, targetParam)
		}
		select {
		case <-time.After(50 * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return map[string]any{targetParam: target, "result": outcome}, nil
	}
}

func stringSlice(v any) []string {
	switch s := v.(type) {
	case []string:
		return s
	case []any:
		out := make([]string, 0, len(s))
		for _, e := range s {
			if str, ok := e.(string); ok {
				out = append(out, str)
			}
		}
		return out
	case string:
		if s == "" {
			return nil
		}
		return []string{s}
	}
	return nil
}
