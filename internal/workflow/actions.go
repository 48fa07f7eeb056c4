package workflow

import (
	"context"
	"fmt"

	"github.com/sentinelops/responder/pkg/models"
)

// runStateActions executes a state's actions for one phase. Failures are
// logged and counted in the audit trail; they never block the transition
// that triggered them.
func (e *Engine) runStateActions(ctx context.Context, inst *Instance, state *State, phase ActionPhase) {
	for _, action := range state.Actions {
		if action.RunOn != phase && action.RunOn != OnBoth {
			continue
		}
		if err := e.runStateAction(ctx, inst, action); err != nil {
			e.log.Error("state action failed",
				"instance_id", inst.ID,
				"state", state.ID,
				"action_id", action.ID,
				"kind", action.Kind,
				"error", err,
			)
			e.sink.Log(ctx, inst.StartedBy, "workflow.action.failed", map[string]any{
				"state":     state.ID,
				"action_id": action.ID,
				"kind":      string(action.Kind),
				"error":     err.Error(),
			}, inst.ID)
		}
	}
}

func (e *Engine) runStateAction(ctx context.Context, inst *Instance, action StateAction) error {
	switch action.Kind {
	case ActionNotification:
		recipients := toStrings(action.Parameters["recipients"])
		if len(recipients) == 0 {
			return fmt.Errorf("notification action %s has no recipients", action.ID)
		}
		template, _ := action.Parameters["template"].(string)
		if template == "" {
			template = "workflow_notice"
		}
		vars := map[string]any{
			"workflow_id": inst.WorkflowID,
			"entity_id":   inst.EntityID,
			"state":       inst.CurrentState,
		}
		if msg, ok := action.Parameters["message"].(string); ok {
			vars["message"] = msg
		}
		_, err := e.gateway.Send(ctx, template, recipients, vars, map[string]string{
			"instance_id": inst.ID,
		})
		return err

	case ActionAssignment:
		assignee, _ := action.Parameters["assignee"].(string)
		if assignee == "" {
			return fmt.Errorf("assignment action %s missing assignee", action.ID)
		}
		return e.store.UpdateAssignee(ctx, inst.EntityID, assignee)

	case ActionStatusUpdate:
		status, _ := action.Parameters["status"].(string)
		if status == "" {
			return fmt.Errorf("status_update action %s missing status", action.ID)
		}
		return e.store.UpdateStatus(ctx, inst.EntityID, models.CaseStatus(status))

	case ActionScript:
		// Scripts run through an external sandbox in deployment; here we
		// record the invocation.
		name, _ := action.Parameters["script"].(string)
		e.log.Info("script action invoked",
			"instance_id", inst.ID,
			"action_id", action.ID,
			"script", name,
		)
		return nil

	case ActionCustom:
		name, _ := action.Parameters["handler"].(string)
		e.hmu.RLock()
		fn, ok := e.handlers[name]
		e.hmu.RUnlock()
		if !ok {
			return fmt.Errorf("custom action %s references unknown handler %q", action.ID, name)
		}
		return fn(ctx, inst, action)

	default:
		return fmt.Errorf("unknown state action kind %q", action.Kind)
	}
}

func toStrings(v any) []string {
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
