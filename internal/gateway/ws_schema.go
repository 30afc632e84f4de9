package gateway

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

type wsSchemaRegistry struct {
	once     sync.Once
	initErr  error
	envelope *jsonschema.Schema
	kinds    map[string]*jsonschema.Schema
}

var wsSchemas wsSchemaRegistry

func initWSSchemas() error {
	wsSchemas.once.Do(func() {
		env, err := jsonschema.CompileString("ws_envelope", wsEnvelopeSchema)
		if err != nil {
			wsSchemas.initErr = err
			return
		}
		wsSchemas.envelope = env

		kinds := map[string]string{
			KindChatSend:             wsChatSendSchema,
			KindChatCancel:           wsEmptySchema,
			KindChatRouteConfirm:     wsChatRouteConfirmSchema,
			KindToolApprovalResponse: wsToolApprovalResponseSchema,
			KindPreflightApproval:    wsPreflightApprovalSchema,
			KindContextInspect:       wsContextInspectSchema,
			KindUsageQuery:           wsUsageQuerySchema,
			KindSessionList:          wsSessionListSchema,
			KindWorkflowTrigger:      wsWorkflowTriggerSchema,
			KindWorkflowApproval:     wsWorkflowApprovalSchema,
			KindWorkflowStatus:       wsWorkflowStatusSchema,
			KindScheduleCreate:       wsScheduleWriteSchema,
			KindScheduleUpdate:       wsScheduleWriteSchema,
			KindScheduleDelete:       wsScheduleDeleteSchema,
			KindScheduleList:         wsEmptySchema,
			KindHeartbeatConfigure:   wsHeartbeatConfigureSchema,
		}

		wsSchemas.kinds = make(map[string]*jsonschema.Schema, len(kinds))
		for kind, schema := range kinds {
			compiled, err := jsonschema.CompileString("ws_kind_"+kind, schema)
			if err != nil {
				wsSchemas.initErr = fmt.Errorf("schema %s: %w", kind, err)
				return
			}
			wsSchemas.kinds[kind] = compiled
		}
	})
	return wsSchemas.initErr
}

// validateInbound checks raw against the envelope schema, then against the
// schema of kind.
func validateInbound(raw []byte, kind string) error {
	if err := initWSSchemas(); err != nil {
		return err
	}

	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return err
	}
	if err := wsSchemas.envelope.Validate(payload); err != nil {
		return err
	}
	schema := wsSchemas.kinds[kind]
	if schema == nil {
		return fmt.Errorf("unknown message type %q", kind)
	}
	return schema.Validate(payload)
}

// supportedKinds lists inbound kinds with a schema.
func supportedKinds() []string {
	if err := initWSSchemas(); err != nil {
		return nil
	}
	out := make([]string, 0, len(wsSchemas.kinds))
	for kind := range wsSchemas.kinds {
		out = append(out, kind)
	}
	return out
}

const wsEnvelopeSchema = `{
  "type": "object",
  "required": ["type", "id"],
  "properties": {
    "type": { "type": "string", "minLength": 1 },
    "id": { "type": "string", "minLength": 1, "maxLength": 128 }
  },
  "additionalProperties": true
}`

const wsEmptySchema = `{
  "type": "object",
  "additionalProperties": true
}`

const wsChatSendSchema = `{
  "type": "object",
  "required": ["content"],
  "properties": {
    "content": { "type": "string", "minLength": 1 },
    "session_id": { "type": "string" },
    "session_key": { "type": "string" },
    "model": { "type": "string", "pattern": "^[a-z0-9_-]+:.+$" },
    "thread_id": { "type": "string" }
  },
  "additionalProperties": true
}`

const wsChatRouteConfirmSchema = `{
  "type": "object",
  "required": ["request_id"],
  "properties": {
    "request_id": { "type": "string", "minLength": 1 },
    "model": { "type": "string", "pattern": "^[a-z0-9_-]+:.+$" }
  },
  "additionalProperties": true
}`

const wsToolApprovalResponseSchema = `{
  "type": "object",
  "required": ["tool_call_id", "approved"],
  "properties": {
    "tool_call_id": { "type": "string", "minLength": 1 },
    "approved": { "type": "boolean" }
  },
  "additionalProperties": true
}`

const wsPreflightApprovalSchema = `{
  "type": "object",
  "required": ["request_id", "approved"],
  "properties": {
    "request_id": { "type": "string", "minLength": 1 },
    "approved": { "type": "boolean" }
  },
  "additionalProperties": true
}`

const wsContextInspectSchema = `{
  "type": "object",
  "properties": {
    "session_id": { "type": "string" },
    "content": { "type": "string" },
    "model": { "type": "string" }
  },
  "additionalProperties": true
}`

const wsUsageQuerySchema = `{
  "type": "object",
  "properties": {
    "session_id": { "type": "string" },
    "all": { "type": "boolean" }
  },
  "additionalProperties": true
}`

const wsSessionListSchema = `{
  "type": "object",
  "properties": {
    "limit": { "type": "integer", "minimum": 1, "maximum": 500 },
    "offset": { "type": "integer", "minimum": 0 }
  },
  "additionalProperties": true
}`

const wsWorkflowTriggerSchema = `{
  "type": "object",
  "required": ["workflow_id"],
  "properties": {
    "workflow_id": { "type": "string", "minLength": 1 },
    "trigger": { "enum": ["manual", "cron", "heartbeat"] }
  },
  "additionalProperties": true
}`

const wsWorkflowApprovalSchema = `{
  "type": "object",
  "required": ["execution_id", "approved"],
  "properties": {
    "execution_id": { "type": "string", "minLength": 1 },
    "approved": { "type": "boolean" }
  },
  "additionalProperties": true
}`

const wsWorkflowStatusSchema = `{
  "type": "object",
  "properties": {
    "execution_id": { "type": "string" },
    "status": { "enum": ["", "running", "paused", "completed", "failed"] },
    "limit": { "type": "integer", "minimum": 1, "maximum": 500 }
  },
  "additionalProperties": true
}`

const wsActiveHoursSchema = `{
  "type": "object",
  "required": ["start", "end"],
  "properties": {
    "start": { "type": "string", "pattern": "^[0-9]{2}:[0-9]{2}$" },
    "end": { "type": "string", "pattern": "^[0-9]{2}:[0-9]{2}$" },
    "days": {
      "type": "array",
      "items": { "type": "integer", "minimum": 0, "maximum": 6 }
    }
  },
  "additionalProperties": false
}`

const wsScheduleWriteSchema = `{
  "type": "object",
  "required": ["schedule"],
  "properties": {
    "schedule": {
      "type": "object",
      "required": ["id", "kind", "cron"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "name": { "type": "string" },
        "kind": { "enum": ["workflow", "heartbeat"] },
        "cron": { "type": "string", "minLength": 1 },
        "timezone": { "type": "string" },
        "max_runs": { "type": "integer", "minimum": 0 },
        "active_hours": ` + wsActiveHoursSchema + `,
        "workflow_id": { "type": "string" },
        "checklist": { "type": "string" },
        "enabled": { "type": "boolean" }
      },
      "additionalProperties": true
    }
  },
  "additionalProperties": true
}`

const wsScheduleDeleteSchema = `{
  "type": "object",
  "required": ["schedule_id"],
  "properties": {
    "schedule_id": { "type": "string", "minLength": 1 }
  },
  "additionalProperties": true
}`

const wsHeartbeatConfigureSchema = `{
  "type": "object",
  "required": ["name", "cron"],
  "properties": {
    "name": { "type": "string", "minLength": 1 },
    "cron": { "type": "string", "minLength": 1 },
    "timezone": { "type": "string" },
    "checklist": { "type": "string" },
    "active_hours": ` + wsActiveHoursSchema + `,
    "enabled": { "type": "boolean" },
    "run_now": { "type": "boolean" }
  },
  "additionalProperties": true
}`
