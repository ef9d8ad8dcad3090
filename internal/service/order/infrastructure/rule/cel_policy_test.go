package rule

import (
	"context"
	"testing"

	"orderflow/internal/service/order/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCELPolicy(t *testing.T) {
	order := &domain.Order{ID: "o-1", UserID: "vip-42", Total: 120.5, Status: domain.StatusPending}

	cases := []struct {
		expr string
		want bool
	}{
		{"", true},
		{"true", true},
		{"order.total < 100.0", false},
		{"order.total >= 100.0 && order.status == 'pending'", true},
		{"order.user_id.startsWith('vip-')", true},
		{"order.order_id == 'o-2'", false},
	}
	for _, tc := range cases {
		t.Run(tc.expr, func(t *testing.T) {
			p, err := NewCELPolicy(tc.expr)
			require.NoError(t, err)
			got, err := p.ShouldAutoConfirm(context.Background(), order)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestCELPolicyRejectsBadRules(t *testing.T) {
	_, err := NewCELPolicy("order.total +")
	assert.Error(t, err, "syntax error")

	_, err = NewCELPolicy("'not a bool'")
	assert.Error(t, err, "non-bool result")
}

func TestCELPolicyEvaluationError(t *testing.T) {
	p, err := NewCELPolicy("order.missing == 1")
	require.NoError(t, err)
	_, err = p.ShouldAutoConfirm(context.Background(), &domain.Order{ID: "o-1"})
	assert.Error(t, err)
}
