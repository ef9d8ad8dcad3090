// Package rule 提供基于 CEL 表达式的自动确认策略。
package rule

import (
	"context"
	"fmt"
	"strings"

	"orderflow/internal/service/order/domain"

	"github.com/google/cel-go/cel"
)

// DefaultAutoConfirmRule 对所有订单自动确认。
const DefaultAutoConfirmRule = "true"

// CELPolicy 是 port.AutoConfirmPolicy 的 CEL 实现。
// 表达式可以访问 order.order_id、order.user_id、order.total 和 order.status，
// 例如 `order.total < 500.0`。
type CELPolicy struct {
	expr string
	prg  cel.Program
}

// NewCELPolicy 在启动时编译表达式，结果类型必须是 bool。
func NewCELPolicy(expr string) (*CELPolicy, error) {
	if strings.TrimSpace(expr) == "" {
		expr = DefaultAutoConfirmRule
	}
	env, err := cel.NewEnv(
		cel.Variable("order", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile auto-confirm rule %q: %w", expr, issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("auto-confirm rule %q must evaluate to bool, got %s", expr, ast.OutputType())
	}
	prg, err := env.Program(ast, cel.CostLimit(10000))
	if err != nil {
		return nil, fmt.Errorf("program auto-confirm rule: %w", err)
	}
	return &CELPolicy{expr: expr, prg: prg}, nil
}

func (p *CELPolicy) ShouldAutoConfirm(ctx context.Context, order *domain.Order) (bool, error) {
	out, _, err := p.prg.ContextEval(ctx, map[string]any{
		"order": map[string]any{
			"order_id": order.ID,
			"user_id":  order.UserID,
			"total":    order.Total,
			"status":   string(order.Status),
		},
	})
	if err != nil {
		return false, fmt.Errorf("evaluate auto-confirm rule %q: %w", p.expr, err)
	}
	allowed, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("auto-confirm rule %q returned %T", p.expr, out.Value())
	}
	return allowed, nil
}

func (p *CELPolicy) String() string { return p.expr }
