package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// scriptedExecutor 逐动作记录执行，并在指定下标返回错误。
type scriptedExecutor struct {
	executed []AgentAction
	failAt   int
	failErr  error
	output   string
}

func (e *scriptedExecutor) ExecuteAction(_ context.Context, action AgentAction) (string, error) {
	if e.failErr != nil && len(e.executed) == e.failAt {
		return "", e.failErr
	}
	e.executed = append(e.executed, action)
	return e.output, nil
}

func TestReplayer_Success(t *testing.T) {
	exec := &scriptedExecutor{output: "ok"}
	r := NewReplayer(exec, time.Millisecond, zap.NewNop())

	actions := []AgentAction{
		{Type: ActionClick, X: 10, Y: 20},
		{Type: ActionInput, Text: "gophers"},
		{Type: ActionKeyPress, Key: "Enter"},
	}
	outcome := r.Replay(context.Background(), actions)

	assert.True(t, outcome.Success())
	assert.Nil(t, outcome.Failed)
	assert.Len(t, exec.executed, 3, "所有动作都应按序执行")
	assert.Equal(t, []string{"ok", "ok", "ok"}, outcome.Outputs)
	assert.Greater(t, outcome.Duration, time.Duration(0))
}

func TestReplayer_StopsAtFirstFailure(t *testing.T) {
	exec := &scriptedExecutor{failAt: 1, failErr: errors.New("element gone")}
	r := NewReplayer(exec, time.Millisecond, zap.NewNop())

	actions := []AgentAction{
		{Type: ActionClick, X: 1, Y: 2},
		{Type: ActionClick, X: 3, Y: 4},
		{Type: ActionInput, Text: "never typed"},
	}
	outcome := r.Replay(context.Background(), actions)

	require.NotNil(t, outcome.Failed)
	assert.Equal(t, 1, outcome.Failed.Index, "失败点应指向出错的动作")
	assert.Contains(t, outcome.Failed.Reason, "element gone")
	assert.Len(t, exec.executed, 1, "失败之后的动作不得执行")
	assert.EqualError(t, outcome.Failed, "replay failed at action 1: element gone")
}

func TestReplayer_InvalidActionAborts(t *testing.T) {
	exec := &scriptedExecutor{}
	r := NewReplayer(exec, time.Millisecond, zap.NewNop())

	// 第二个动作缺少必填字段，校验阶段就该拦下
	actions := []AgentAction{
		{Type: ActionClick, X: 1, Y: 2},
		{Type: ActionKeyPress},
	}
	outcome := r.Replay(context.Background(), actions)

	require.NotNil(t, outcome.Failed)
	assert.Equal(t, 1, outcome.Failed.Index)
	assert.Len(t, exec.executed, 1, "非法动作不应被交给执行器")
}

func TestReplayer_ContextCancel(t *testing.T) {
	exec := &scriptedExecutor{}
	r := NewReplayer(exec, time.Hour, zap.NewNop()) // 间隔拉长，逼出取消分支

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	actions := []AgentAction{
		{Type: ActionClick, X: 1, Y: 2},
		{Type: ActionClick, X: 3, Y: 4},
	}
	outcome := r.Replay(ctx, actions)

	require.NotNil(t, outcome.Failed)
	assert.Equal(t, 1, outcome.Failed.Index, "取消应在动作间隔处生效")
	assert.Len(t, exec.executed, 1)
}

func TestReplayer_EmptySequence(t *testing.T) {
	r := NewReplayer(&scriptedExecutor{}, 0, zap.NewNop())
	outcome := r.Replay(context.Background(), nil)
	assert.True(t, outcome.Success())
	assert.Empty(t, outcome.Outputs)
}

func TestReplayer_DefaultDelay(t *testing.T) {
	r := NewReplayer(&scriptedExecutor{}, 0, nil)
	assert.Equal(t, DefaultActionDelay, r.delay, "非法间隔应回退到默认值")
}
