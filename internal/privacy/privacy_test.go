package privacy_test

import (
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/agentoven/agentoven/query-gateway/internal/privacy"
)

func TestRedact(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"email", "mail me at jane.doe@example.com please", "mail me at [REDACTED:EMAIL] please"},
		{"card", "card 4111-1111-1111-1111 declined", "card [REDACTED:PAYMENT_ID] declined"},
		{"mobile", "연락처 010-1234-5678 입니다", "연락처 [REDACTED:PHONE] 입니다"},
		{"intl mobile", "call +82 10-1234-5678", "call [REDACTED:PHONE]"},
		{"address", "배송지는 서울특별시 강남구 테헤란로 123 입니다", "배송지는 [REDACTED:ADDRESS] 입니다"},
		{"order number untouched", "주문 12345 취소해줘", "주문 12345 취소해줘"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := privacy.Redact(tt.in); got != tt.want {
				t.Errorf("Redact(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestSanitizer_HashSummary(t *testing.T) {
	s := privacy.New(privacy.ModeHashSummary)
	payload := s.Payload(map[string]interface{}{
		"message_text": "refund to jane@example.com",
		"route":        "ASK",
		"nested":       map[string]interface{}{"content": "hello"},
		"count":        3,
	})

	summary := regexp.MustCompile(`^\[HASH:[0-9a-f]{12}\] `)
	msg := payload["message_text"].(string)
	assert.Regexp(t, summary, msg)
	assert.Contains(t, msg, "[REDACTED:EMAIL]")
	assert.NotContains(t, msg, "jane@example.com")

	assert.Equal(t, "ASK", payload["route"])
	assert.Equal(t, 3, payload["count"])
	assert.Regexp(t, summary, payload["nested"].(map[string]interface{})["content"])

	// Same input, same hash.
	assert.Equal(t, privacy.Summary("hello"), privacy.Summary("hello"))
}

func TestSanitizer_MaskedRawKeepsText(t *testing.T) {
	s := privacy.New(privacy.ParseMode("bogus"))
	assert.Equal(t, privacy.ModeMaskedRaw, s.Mode())

	got := s.Field("message_text", "내 번호는 010-9876-5432")
	assert.Equal(t, "내 번호는 [REDACTED:PHONE]", got)
	assert.False(t, strings.HasPrefix(got, "[HASH:"))
}
