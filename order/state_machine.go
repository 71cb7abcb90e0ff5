package order

import "fmt"

// StateTransition 状态转换
type StateTransition struct {
	From Status
	To   Status
}

// StateMachine 订单状态机：CREATED -> PLACED -> FILLED | CANCELED
type StateMachine struct {
	transitions map[StateTransition]bool
}

// NewStateMachine 创建新的状态机
func NewStateMachine() *StateMachine {
	sm := &StateMachine{
		transitions: make(map[StateTransition]bool),
	}
	legalTransitions := []StateTransition{
		{StatusCreated, StatusPlaced},
		{StatusPlaced, StatusFilled},
		{StatusPlaced, StatusCanceled},
		// 终态不能转换（FILLED, CANCELED）
	}
	for _, t := range legalTransitions {
		sm.transitions[t] = true
	}
	return sm
}

// 状态表只读，所有订单共用
var lifecycle = NewStateMachine()

// ValidateTransition 验证状态转换是否合法；相同状态也按非法处理，避免重复触发。
func (sm *StateMachine) ValidateTransition(from, to Status) error {
	if !sm.transitions[StateTransition{From: from, To: to}] {
		return fmt.Errorf("%w: %s -> %s (allowed %v)", ErrInvalidState, from, to, sm.AllowedTransitions(from))
	}
	return nil
}

// AllowedTransitions 返回当前状态所有合法的目标状态
func (sm *StateMachine) AllowedTransitions(current Status) []Status {
	allowed := make([]Status, 0)
	for transition := range sm.transitions {
		if transition.From == current {
			allowed = append(allowed, transition.To)
		}
	}
	return allowed
}

// IsFinalState 判断是否是终态
func (sm *StateMachine) IsFinalState(status Status) bool {
	return status == StatusFilled || status == StatusCanceled
}

// CanCancel 判断当前状态下是否可以撤单
func (sm *StateMachine) CanCancel(status Status) bool {
	return status == StatusPlaced
}
