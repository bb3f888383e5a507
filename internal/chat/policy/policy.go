// Package policy decides how a chat turn is routed before any engine runs.
package policy

import (
	"strings"

	"github.com/agentoven/agentoven/query-gateway/internal/understanding"
	"github.com/agentoven/agentoven/query-gateway/pkg/models"
)

// Reason codes with a fixed value.
const (
	ReasonEmpty          = "ROUTE:INPUT:EMPTY"
	ReasonPendingAction  = "ROUTE:CONFIRM:PENDING_ACTION"
	ReasonPendingExpired = "ROUTE:ASK:PENDING_EXPIRED"
	ReasonNeedLogin      = "NEED_AUTH:USER_LOGIN"
	ReasonDefault        = "ROUTE:ANSWER:DEFAULT"
)

// requiredSlots lists the slots a write-sensitive intent cannot proceed without.
var requiredSlots = map[models.Intent][]string{
	models.IntentOrderCancel:  {understanding.SlotOrderRef},
	models.IntentRefundCreate: {understanding.SlotOrderRef},
}

var deterministicIntents = map[models.Intent]bool{
	models.IntentRefundPolicy:   true,
	models.IntentShippingPolicy: true,
}

// Decide routes one turn. The first matching rule wins. Decide is pure.
func Decide(in models.PolicyInput) models.PolicyDecision {
	u := in.Understanding
	if u == nil || strings.TrimSpace(u.QueryText) == "" {
		return models.PolicyDecision{Route: models.RouteInput, ReasonCode: ReasonEmpty}
	}

	if in.HasPendingAction {
		if in.PendingState == models.PendingExpired {
			return models.PolicyDecision{Route: models.RouteAsk, ReasonCode: ReasonPendingExpired}
		}
		return models.PolicyDecision{Route: models.RouteConfirm, ReasonCode: ReasonPendingAction}
	}

	switch {
	case u.Intent.WriteSensitive():
		if !in.HasUser {
			return models.PolicyDecision{Route: models.RouteAsk, ReasonCode: ReasonNeedLogin}
		}
		for _, slot := range requiredSlots[u.Intent] {
			if strings.TrimSpace(u.Slots[slot]) == "" {
				return models.PolicyDecision{Route: models.RouteAsk, ReasonCode: "NEED_SLOT:" + strings.ToUpper(slot)}
			}
		}
		return models.PolicyDecision{Route: models.RouteConfirm, ReasonCode: "ROUTE:CONFIRM:" + string(u.Intent)}

	case u.Intent == models.IntentOrderLookup || u.Intent == models.IntentOrderStatus:
		if !in.HasUser {
			return models.PolicyDecision{Route: models.RouteAsk, ReasonCode: ReasonNeedLogin}
		}

	case deterministicIntents[u.Intent]:
		return models.PolicyDecision{Route: models.RouteAnswer, ReasonCode: "ROUTE:ANSWER:POLICY:" + string(u.Intent)}
	}

	if in.IsReferenceQuery && !in.HasSelectionState {
		domain := understanding.ReferenceDomain(u.Intent)
		return models.PolicyDecision{Route: models.RouteOptions, ReasonCode: "ROUTE:OPTIONS:DISAMBIGUATE:" + domain}
	}
	return models.PolicyDecision{Route: models.RouteAnswer, ReasonCode: ReasonDefault}
}
