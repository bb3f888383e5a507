package understanding_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentoven/agentoven/query-gateway/internal/analyzer"
	"github.com/agentoven/agentoven/query-gateway/internal/understanding"
	"github.com/agentoven/agentoven/query-gateway/pkg/models"
)

func TestFielded_PredicatesAndResidual(t *testing.T) {
	an, err := analyzer.New().Analyze(`author:"J.K. Rowling" year:2001 마법사의 돌 lang:ko`, "ko-KR")
	require.NoError(t, err)

	u := understanding.Fielded(an)
	want := map[string][]string{"author": {"J.K. Rowling"}}
	if diff := cmp.Diff(want, u.Entities); diff != "" {
		t.Errorf("Entities mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, map[string]string{"year": "2001", "lang": "ko"}, u.Filters)
	assert.Equal(t, "마법사의 돌", u.ResidualText)
	assert.Equal(t, []string{"author"}, u.PreferredFields)
	assert.Equal(t, models.IntentNone, u.Intent)
}

func TestFielded_ISBNPrefersISBNField(t *testing.T) {
	an, err := analyzer.New().Analyze("9780306406157", "en")
	require.NoError(t, err)

	u := understanding.Fielded(an)
	assert.Equal(t, []string{"9780306406157"}, u.Entities["isbn"])
	assert.Equal(t, []string{"isbn"}, u.PreferredFields)
}

func TestFielded_DefaultPreferredFields(t *testing.T) {
	an, err := analyzer.New().Analyze("토지 박경리", "ko-KR")
	require.NoError(t, err)

	u := understanding.Fielded(an)
	assert.Equal(t, []string{"title", "author"}, u.PreferredFields)
	assert.Equal(t, "토지 박경리", u.ResidualText)
	assert.Empty(t, u.Entities)
}

func TestClassify(t *testing.T) {
	cases := []struct {
		text   string
		intent models.Intent
		ref    string
	}{
		{"주문 취소 해줘 주문번호 12345", models.IntentOrderCancel, "12345"},
		{"cancel my order 98765", models.IntentOrderCancel, "98765"},
		{"환불 신청할게요", models.IntentRefundCreate, ""},
		{"I want a refund for order no ORD-2024-77", models.IntentRefundCreate, "ORD-2024-77"},
		{"환불 정책이 어떻게 되나요", models.IntentRefundPolicy, ""},
		{"배송비 얼마에요", models.IntentShippingPolicy, ""},
		{"배송 조회 부탁", models.IntentOrderStatus, ""},
		{"주문 내역 보여줘", models.IntentOrderLookup, ""},
		{"해리포터 추천해줘", models.IntentNone, ""},
	}
	for _, c := range cases {
		intent, slots := understanding.Classify(c.text)
		assert.Equal(t, c.intent, intent, c.text)
		assert.Equal(t, c.ref, slots[understanding.SlotOrderRef], c.text)
	}
}

func TestIsReference(t *testing.T) {
	assert.True(t, understanding.IsReference("그거 취소해줘"))
	assert.True(t, understanding.IsReference("그 주문 어떻게 됐어"))
	assert.True(t, understanding.IsReference("cancel that one"))
	assert.False(t, understanding.IsReference("그리고 추천해줘"))
	assert.False(t, understanding.IsReference("토지 1권"))
}

func TestReferenceDomain(t *testing.T) {
	assert.Equal(t, "ORDER", understanding.ReferenceDomain(models.IntentOrderCancel))
	assert.Equal(t, "REFUND", understanding.ReferenceDomain(models.IntentRefundCreate))
	assert.Equal(t, "BOOK", understanding.ReferenceDomain(models.IntentNone))
}

func TestConfirmation(t *testing.T) {
	tests := map[string]understanding.Answer{
		"네":          understanding.AnswerYes,
		"확인":         understanding.AnswerYes,
		"진행해 주세요.":   understanding.AnswerYes,
		"Yes!":       understanding.AnswerYes,
		"아니요":        understanding.AnswerNo,
		"no":         understanding.AnswerNo,
		"네 그런데 배송은?": understanding.AnswerUnclear,
		"주문 취소":      understanding.AnswerUnclear,
	}
	for text, want := range tests {
		if got := understanding.Confirmation(text); got != want {
			t.Errorf("Confirmation(%q) = %d, want %d", text, got, want)
		}
	}
}
