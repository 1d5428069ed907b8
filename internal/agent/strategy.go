package agent

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Stage 是周期状态机的阶段，也是实时进度的标签。
type Stage string

const (
	StageStarted        Stage = "started"
	StageFetchingData   Stage = "fetching_data"
	StageAnalyzing      Stage = "analyzing"
	StageNoSignals      Stage = "completed_no_signals"
	StageHasSignals     Stage = "has_signals"
	StageGuardrailCheck Stage = "guardrail_check"
	StageExecuting      Stage = "executing"
	StageLogged         Stage = "logged"
	StageCompleted      Stage = "completed"
	StageFailed         Stage = "error"
)

// Data 对编排器不透明，策略只会收到自己 FetchData 产出的值。
type Data any

// Analysis 是分析阶段的输出。
type Analysis struct {
	Signals []Signal `json:"signals"`
	Summary string   `json:"summary"`
}

// Strategy 定义一种智能体类型的行为，新类型无需修改编排器即可接入。
type Strategy interface {
	Type() Type
	ProgressSteps() []Stage
	FetchData(ctx context.Context, cfg Config, cycle *Cycle) (Data, error)
	Analyze(ctx context.Context, data Data, cfg Config, cycle *Cycle) (Analysis, error)
	CheckGuardrails(signal Signal, cfg Config, cycle *Cycle) GuardrailCheck
	ExecuteSignal(ctx context.Context, signal Signal, wallet WalletContext, cfg Config) ExecutionResult
}

// DefaultProgressSteps 是两种内置策略共享的阶段顺序。
func DefaultProgressSteps() []Stage {
	return []Stage{
		StageStarted,
		StageFetchingData,
		StageAnalyzing,
		StageGuardrailCheck,
		StageExecuting,
		StageCompleted,
	}
}

// Registry 在启动阶段登记策略实现。
type Registry struct {
	mu         sync.RWMutex
	strategies map[Type]Strategy
}

// NewRegistry 创建注册表并登记给定策略，重复类型会 panic。
func NewRegistry(strategies ...Strategy) *Registry {
	r := &Registry{strategies: make(map[Type]Strategy, len(strategies))}
	for _, s := range strategies {
		if err := r.Register(s); err != nil {
			panic(err)
		}
	}
	return r
}

// Register 登记策略，同一类型只能登记一次。
func (r *Registry) Register(s Strategy) error {
	if s == nil {
		return fmt.Errorf("策略不能为空")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.strategies[s.Type()]; exists {
		return fmt.Errorf("策略类型 %s 已登记", s.Type())
	}
	r.strategies[s.Type()] = s
	return nil
}

// Lookup 按类型查找策略。
func (r *Registry) Lookup(t Type) (Strategy, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.strategies[t]
	return s, ok
}

// Types 返回已登记的策略类型，按字母排序。
func (r *Registry) Types() []Type {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]Type, 0, len(r.strategies))
	for t := range r.strategies {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}
