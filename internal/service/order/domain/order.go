// internal/service/order/domain/order.go
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// TotalEpsilon 是申报总价与计算总价之间允许的误差。
var TotalEpsilon = decimal.RequireFromString("0.005")

// Item 是订单中的一行商品。
type Item struct {
	Name     string
	Price    float64
	Quantity int
}

// Subtotal 返回 price × quantity。
func (i Item) Subtotal() decimal.Decimal {
	return decimal.NewFromFloat(i.Price).Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// Order 是订单聚合的根实体
type Order struct {
	ID     string
	UserID string
	Items  []Item
	Total  float64
	Status Status

	// Seq 是最近一次变更的逻辑时间戳，创建时为 1，严格递增。
	Seq uint64

	// TerminalSeq 是订单进入终态的那次变更的逻辑时间戳，非终态时为 0。
	// 乱序到达的终态事件以它比较先后，最早的终态胜出。
	TerminalSeq uint64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Reconciliation 是总价校验的结果。
type Reconciliation struct {
	Declared float64
	Computed float64
	Mismatch bool
}

// ComputeTotal 按两位小数汇总所有商品小计。
func ComputeTotal(items []Item) decimal.Decimal {
	sum := decimal.Zero
	for _, it := range items {
		sum = sum.Add(it.Subtotal())
	}
	return sum.Round(2)
}

// ReconcileTotal 比较申报总价与计算总价。不一致时以计算值为准。
func ReconcileTotal(declared float64, items []Item) Reconciliation {
	computed := ComputeTotal(items)
	diff := computed.Sub(decimal.NewFromFloat(declared)).Abs()
	c, _ := computed.Float64()
	return Reconciliation{
		Declared: declared,
		Computed: c,
		Mismatch: diff.GreaterThan(TotalEpsilon),
	}
}

// NewOrder 校验输入并创建一个待插入的 pending 订单，ID 由存储层分配。
func NewOrder(userID string, items []Item, declaredTotal float64, now time.Time) (*Order, Reconciliation, error) {
	if userID == "" {
		return nil, Reconciliation{}, &ValidationError{Field: "user_id", Reason: "is required"}
	}
	if len(items) == 0 {
		return nil, Reconciliation{}, &ValidationError{Field: "items", Reason: "must not be empty"}
	}
	for i, it := range items {
		if it.Quantity < 1 {
			return nil, Reconciliation{}, &ValidationError{Field: itemField(i, "quantity"), Reason: "must be at least 1"}
		}
		if it.Price < 0 {
			return nil, Reconciliation{}, &ValidationError{Field: itemField(i, "price"), Reason: "must not be negative"}
		}
	}

	rec := ReconcileTotal(declaredTotal, items)
	return &Order{
		UserID:    userID,
		Items:     append([]Item(nil), items...),
		Total:     rec.Computed,
		Status:    StatusPending,
		Seq:       1,
		CreatedAt: now,
		UpdatedAt: now,
	}, rec, nil
}

// StatusChange 描述一次带条件的状态变更：只有当前状态和 Seq 与 From/FromSeq 一致时才生效。
type StatusChange struct {
	From        Status
	FromSeq     uint64
	To          Status
	ToSeq       uint64
	TerminalSeq uint64
	At          time.Time
}

// PlanTransition 计算把订单推进到 target 所需的变更。
// seq 为 0 表示同步调用，否则是事件携带的逻辑时间戳。
// stale 为 true 表示按逻辑时间戳排序后该事件不会改变结果，调用方应当忽略它。
//
// 终态之间按 TerminalSeq 裁决：逻辑上更早的终态事件即使晚到，也会替换当前终态，
// 与按 seq 顺序依次应用的结果一致。
func (o *Order) PlanTransition(target Status, seq uint64, now time.Time) (change StatusChange, stale bool, err error) {
	reachable := o.Status.CanTransitionTo(target)
	if seq > 0 && o.Status.IsTerminal() && target.IsTerminal() && seq < o.TerminalSeq {
		return o.plan(target, seq, now), false, nil
	}
	if seq > 0 && seq <= o.Seq && !reachable {
		return StatusChange{}, true, nil
	}
	if !reachable {
		return StatusChange{}, false, &InvalidTransitionError{OrderID: o.ID, From: o.Status, To: target}
	}
	return o.plan(target, seq, now), false, nil
}

func (o *Order) plan(target Status, seq uint64, now time.Time) StatusChange {
	next := o.Seq + 1
	if seq > next {
		next = seq
	}
	c := StatusChange{
		From:    o.Status,
		FromSeq: o.Seq,
		To:      target,
		ToSeq:   next,
		At:      now,
	}
	if target.IsTerminal() {
		c.TerminalSeq = next
		if seq > 0 {
			c.TerminalSeq = seq
		}
	}
	return c
}

// Apply 把变更应用到内存中的订单。
func (o *Order) Apply(c StatusChange) {
	o.Status = c.To
	o.Seq = c.ToSeq
	o.TerminalSeq = c.TerminalSeq
	o.UpdatedAt = c.At
}
