package understanding

import (
	"regexp"
	"strings"

	"github.com/agentoven/agentoven/query-gateway/pkg/models"
)

// SlotOrderRef is the user-facing order reference slot.
const SlotOrderRef = "order_ref"

type intentRule struct {
	intent  models.Intent
	pattern *regexp.Regexp
}

// Checked in order; write-sensitive intents come first so that
// "환불 신청" is not mistaken for a refund policy question.
var intentRules = []intentRule{
	{models.IntentOrderCancel, regexp.MustCompile(`(?i)(주문\s*취소|취소\s*해\s*줘|cancel\s+(my\s+)?order|order\s+cancel)`)},
	{models.IntentRefundCreate, regexp.MustCompile(`(?i)(환불\s*(신청|요청|해\s*줘|할래|하고\s*싶)|(request|want)\s+(a\s+)?refund|refund\s+(my|this|that|order))`)},
	{models.IntentRefundPolicy, regexp.MustCompile(`(?i)(환불\s*(정책|규정|기간|가능|조건)|반품\s*(정책|규정)|refund\s+(policy|rules|period)|return\s+policy)`)},
	{models.IntentShippingPolicy, regexp.MustCompile(`(?i)(배송\s*(비|정책|기간|안내)|shipping\s+(policy|fee|cost))`)},
	{models.IntentOrderStatus, regexp.MustCompile(`(?i)(배송\s*(조회|상태|현황)|언제\s*(와|도착)|where\s+is\s+my\s+order|order\s+status|shipping\s+status|track(ing)?)`)},
	{models.IntentOrderLookup, regexp.MustCompile(`(?i)(주문\s*(내역|조회|확인|목록)|(my|recent)\s+orders|order\s+history|look\s*up\s+(my\s+)?order)`)},
}

var (
	orderRefLabeled = regexp.MustCompile(`(?i)(?:주문\s*번호|order\s*(?:no\.?|number|#|id))\s*[:#]?\s*([A-Za-z0-9][A-Za-z0-9-]{3,})`)
	orderRefBare    = regexp.MustCompile(`\b(\d{4,})\b`)

	// Pronoun-like references to something shown in an earlier turn.
	referenceTerms = []string{"그거", "그것", "이거", "저거", "그 주문", "그 책", "that one", "this one", "the previous", "the last one"}
)

// Classify returns the intent of a chat message and any slots found in it.
func Classify(text string) (models.Intent, map[string]string) {
	slots := map[string]string{}
	if ref := extractOrderRef(text); ref != "" {
		slots[SlotOrderRef] = ref
	}
	for _, r := range intentRules {
		if r.pattern.MatchString(text) {
			return r.intent, slots
		}
	}
	return models.IntentNone, slots
}

func extractOrderRef(text string) string {
	if m := orderRefLabeled.FindStringSubmatch(text); m != nil {
		return strings.Trim(m[1], "-")
	}
	if m := orderRefBare.FindStringSubmatch(text); m != nil {
		return m[1]
	}
	return ""
}

// Understand builds the chat understanding for one message.
func Understand(text string) *models.Understanding {
	intent, slots := Classify(text)
	return &models.Understanding{
		QueryText:       text,
		Intent:          intent,
		Slots:           slots,
		Entities:        map[string][]string{},
		ResidualText:    text,
		PreferredFields: []string{"title", "author"},
		Filters:         map[string]string{},
	}
}

// IsReference reports whether text points back at an earlier turn.
func IsReference(text string) bool {
	lower := strings.ToLower(text)
	for _, term := range referenceTerms {
		if strings.Contains(lower, term) {
			return true
		}
	}
	for _, tok := range strings.Fields(text) {
		if tok == "그" {
			return true
		}
	}
	return false
}

// ReferenceDomain names what a reference most likely points at.
func ReferenceDomain(intent models.Intent) string {
	switch intent {
	case models.IntentOrderCancel, models.IntentOrderLookup, models.IntentOrderStatus:
		return "ORDER"
	case models.IntentRefundCreate, models.IntentRefundPolicy:
		return "REFUND"
	default:
		return "BOOK"
	}
}

// Answer is a reply to a confirmation prompt.
type Answer int

const (
	AnswerUnclear Answer = iota
	AnswerYes
	AnswerNo
)

var (
	confirmYes = regexp.MustCompile(`(?i)^\s*(네|예|응|확인|좋아요?|진행(해\s*(줘|주세요))?|yes|yep|ok(ay)?|confirm)\s*[.!]?\s*$`)
	confirmNo  = regexp.MustCompile(`(?i)^\s*(아니(요|오)?|아뇨|안\s*할래|그만|됐어요?|no|nope|abort)\s*[.!]?\s*$`)
)

// Confirmation classifies a reply to "shall I go ahead?".
func Confirmation(text string) Answer {
	switch {
	case confirmYes.MatchString(text):
		return AnswerYes
	case confirmNo.MatchString(text):
		return AnswerNo
	}
	return AnswerUnclear
}
