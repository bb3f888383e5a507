// Package action drafts and validates write-sensitive chat actions.
//
// A draft is validated in its JSON object form so that drafts read back
// from the KV are checked the same way as freshly built ones.
package action

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/agentoven/agentoven/query-gateway/internal/understanding"
	"github.com/agentoven/agentoven/query-gateway/pkg/models"
)

// ArgValidator checks one argument value.
type ArgValidator func(v interface{}) bool

// Schema describes one action type.
type Schema struct {
	RiskLevel            models.RiskLevel
	RequiresConfirmation bool
	RequiredArgs         map[string]ArgValidator
	// argOrder fixes the validation order of RequiredArgs.
	argOrder         []string
	CompensationHint string
}

var schemas = map[string]Schema{
	string(models.IntentOrderCancel): {
		RiskLevel:            models.RiskWriteSensitive,
		RequiresConfirmation: true,
		RequiredArgs:         map[string]ArgValidator{"order_id": positiveInt},
		argOrder:             []string{"order_id"},
		CompensationHint:     "re-place the order if cancelled by mistake",
	},
	string(models.IntentRefundCreate): {
		RiskLevel:            models.RiskWriteSensitive,
		RequiresConfirmation: true,
		RequiredArgs:         map[string]ArgValidator{"order_no": nonEmptyString},
		argOrder:             []string{"order_no"},
		CompensationHint:     "withdraw the refund request before it is processed",
	},
}

// Lookup returns the schema for actionType.
func Lookup(actionType string) (Schema, bool) {
	s, ok := schemas[actionType]
	return s, ok
}

// Identity is who is asking and in which request.
type Identity struct {
	UserID         string
	TenantID       string
	ConversationID string
	TraceID        string
	RequestID      string
}

// IdempotencyKey is chat:<action_lower>:<conversation_id>:<request_id>.
func IdempotencyKey(actionType, conversationID, requestID string) string {
	return fmt.Sprintf("chat:%s:%s:%s", strings.ToLower(actionType), conversationID, requestID)
}

// Build drafts actionType with args. The draft expires ttl after now.
func Build(actionType string, args map[string]interface{}, id Identity, ttl time.Duration, now time.Time) (*models.ActionDraft, error) {
	s, ok := schemas[actionType]
	if !ok {
		return nil, fmt.Errorf("action: unknown action type %q", actionType)
	}
	if args == nil {
		args = map[string]interface{}{}
	}
	return &models.ActionDraft{
		ActionType:           actionType,
		Args:                 args,
		RiskLevel:            s.RiskLevel,
		RequiresConfirmation: s.RequiresConfirmation,
		IdempotencyKey:       IdempotencyKey(actionType, id.ConversationID, id.RequestID),
		ExpiresAt:            now.Add(ttl).Unix(),
		CompensationHint:     s.CompensationHint,
		AuditFields: models.AuditFields{
			ActorUserID:    id.UserID,
			TenantID:       id.TenantID,
			ConversationID: id.ConversationID,
			TraceID:        id.TraceID,
			RequestID:      id.RequestID,
		},
	}, nil
}

// ArgsFor maps understanding slots onto the arguments of actionType.
func ArgsFor(actionType string, slots map[string]string) map[string]interface{} {
	ref := strings.TrimSpace(slots[understanding.SlotOrderRef])
	switch actionType {
	case string(models.IntentOrderCancel):
		if n, err := strconv.ParseInt(ref, 10, 64); err == nil {
			return map[string]interface{}{"order_id": n}
		}
		return map[string]interface{}{"order_id": ref}
	case string(models.IntentRefundCreate):
		return map[string]interface{}{"order_no": ref}
	}
	return map[string]interface{}{}
}

// Verdict is the result of Validate.
type Verdict struct {
	OK         bool   `json:"ok"`
	ReasonCode string `json:"reason_code"`
	Message    string `json:"message"`
}

func bad(code, format string, args ...interface{}) Verdict {
	return Verdict{ReasonCode: code, Message: fmt.Sprintf(format, args...)}
}

// Validate checks a typed draft by way of its JSON object form.
func Validate(d *models.ActionDraft) Verdict {
	if d == nil {
		return bad(models.ActionBadSchema, "draft is missing")
	}
	data, err := json.Marshal(d)
	if err != nil {
		return bad(models.ActionBadSchema, "draft is not encodable: %v", err)
	}
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return bad(models.ActionBadSchema, "draft is not an object: %v", err)
	}
	return ValidateRaw(raw)
}

// ValidateRaw checks a decoded draft object. Checks run in a fixed order
// and the first failure is returned.
func ValidateRaw(raw map[string]interface{}) Verdict {
	actionType, _ := raw["action_type"].(string)
	s, ok := schemas[actionType]
	if !ok {
		return bad(models.ActionUnknownType, "unknown action_type %q", actionType)
	}

	args, ok := raw["args"].(map[string]interface{})
	if !ok {
		return bad(models.ActionBadSchema, "args must be an object")
	}
	for _, name := range s.argOrder {
		v, present := args[name]
		if !present {
			return bad(models.ActionBadSchema, "missing required arg %s", name)
		}
		if !s.RequiredArgs[name](v) {
			return bad(models.ActionBadSchema, "invalid value for arg %s", name)
		}
	}

	if risk, _ := raw["risk_level"].(string); risk != string(s.RiskLevel) {
		return bad(models.ActionBadSchema, "risk_level must be %s", s.RiskLevel)
	}
	if confirm, ok := raw["requires_confirmation"].(bool); !ok || confirm != s.RequiresConfirmation {
		return bad(models.ActionBadSchema, "requires_confirmation must be %t", s.RequiresConfirmation)
	}

	if s.RiskLevel == models.RiskWriteSensitive {
		if key, _ := raw["idempotency_key"].(string); strings.TrimSpace(key) == "" {
			return bad(models.ActionIdempotencyRequired, "write-sensitive action needs an idempotency_key")
		}
	}

	if exp, ok := raw["expires_at"].(float64); !ok || exp <= 0 {
		return bad(models.ActionBadSchema, "expires_at must be a positive timestamp")
	}
	if v, present := raw["dry_run"]; present {
		if _, ok := v.(bool); !ok {
			return bad(models.ActionBadSchema, "dry_run must be a boolean")
		}
	}
	if v, present := raw["compensation_hint"]; present {
		if _, ok := v.(string); !ok {
			return bad(models.ActionBadSchema, "compensation_hint must be a string")
		}
	}

	audit, ok := raw["audit_fields"].(map[string]interface{})
	if !ok {
		return bad(models.ActionBadSchema, "audit_fields must be an object")
	}
	for _, field := range auditFieldNames {
		if v, _ := audit[field].(string); strings.TrimSpace(v) == "" {
			return bad(models.ActionBadSchema, "audit_fields.%s must be a non-empty string", field)
		}
	}

	return Verdict{OK: true, ReasonCode: models.ActionOK, Message: "ok"}
}

var auditFieldNames = []string{"actor_user_id", "tenant_id", "conversation_id", "trace_id", "request_id"}

// Expired reports whether d is past its expires_at.
func Expired(d *models.ActionDraft, now time.Time) bool {
	return d.ExpiresAt <= now.Unix()
}

func positiveInt(v interface{}) bool {
	switch n := v.(type) {
	case int:
		return n > 0
	case int64:
		return n > 0
	case float64:
		return n > 0 && n == math.Trunc(n) && n <= math.MaxInt64
	case json.Number:
		i, err := n.Int64()
		return err == nil && i > 0
	}
	return false
}

func nonEmptyString(v interface{}) bool {
	s, ok := v.(string)
	return ok && strings.TrimSpace(s) != ""
}
