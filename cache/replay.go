package cache

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// ActionExecutor 把单个动作落到真实页面上。由 browser 层实现。
type ActionExecutor interface {
	ExecuteAction(ctx context.Context, action AgentAction) (string, error)
}

// ReplayFailure 重放中断点：第几个动作、为什么。
type ReplayFailure struct {
	Index  int    `json:"index"`
	Reason string `json:"reason"`
}

func (f *ReplayFailure) Error() string {
	return fmt.Sprintf("replay failed at action %d: %s", f.Index, f.Reason)
}

// ReplayOutcome 一次重放的结果。Failed 为 nil 表示整段成功。
type ReplayOutcome struct {
	Outputs  []string       `json:"outputs,omitempty"`
	Failed   *ReplayFailure `json:"failed,omitempty"`
	Duration time.Duration  `json:"duration"`
}

func (o *ReplayOutcome) Success() bool { return o.Failed == nil }

// DefaultActionDelay 相邻动作之间的最小间隔，给页面留响应时间。
const DefaultActionDelay = 500 * time.Millisecond

// Replayer 按序重放缓存的动作序列。语义是全或无：
// 任何一步失败立即停止，后续动作不再执行，由调用方回退到完整推理。
type Replayer struct {
	executor ActionExecutor
	delay    time.Duration
	logger   *zap.Logger
}

func NewReplayer(executor ActionExecutor, delay time.Duration, logger *zap.Logger) *Replayer {
	if delay <= 0 {
		delay = DefaultActionDelay
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Replayer{
		executor: executor,
		delay:    delay,
		logger:   logger.With(zap.String("component", "action_replayer")),
	}
}

// Replay 依次执行 actions。动作先过 Validate 再执行，
// 相邻动作间至少间隔 delay。ctx 取消会在下一个动作前生效。
func (r *Replayer) Replay(ctx context.Context, actions []AgentAction) *ReplayOutcome {
	start := time.Now()
	outcome := &ReplayOutcome{}

	for i, action := range actions {
		if i > 0 {
			select {
			case <-time.After(r.delay):
			case <-ctx.Done():
				outcome.Failed = &ReplayFailure{Index: i, Reason: ctx.Err().Error()}
				outcome.Duration = time.Since(start)
				return outcome
			}
		}

		if err := action.Validate(); err != nil {
			r.logger.Warn("invalid cached action, aborting replay",
				zap.Int("index", i),
				zap.String("type", string(action.Type)),
				zap.Error(err))
			outcome.Failed = &ReplayFailure{Index: i, Reason: err.Error()}
			outcome.Duration = time.Since(start)
			return outcome
		}

		output, err := r.executor.ExecuteAction(ctx, action)
		if err != nil {
			r.logger.Warn("action replay failed",
				zap.Int("index", i),
				zap.String("type", string(action.Type)),
				zap.Error(err))
			outcome.Failed = &ReplayFailure{Index: i, Reason: err.Error()}
			outcome.Duration = time.Since(start)
			return outcome
		}
		if output != "" {
			outcome.Outputs = append(outcome.Outputs, output)
		}

		r.logger.Debug("action replayed",
			zap.Int("index", i),
			zap.String("type", string(action.Type)))
	}

	outcome.Duration = time.Since(start)
	r.logger.Info("cached action sequence replayed",
		zap.Int("actions", len(actions)),
		zap.Duration("duration", outcome.Duration))
	return outcome
}
