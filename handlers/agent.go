package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/srszzw/stagehand-glm/browser"
	"github.com/srszzw/stagehand-glm/cache"
	"github.com/srszzw/stagehand-glm/llm"
	"github.com/srszzw/stagehand-glm/schema"
)

const agentSystemPrompt = `You are a browser automation planner. Given a page snapshot and a task,
produce the exact sequence of low-level actions that accomplishes it. Respond with a JSON object:
{"actions": [{"type": "click", "x": 0, "y": 0}, {"type": "type", "text": "..."},
{"type": "scroll", "delta_x": 0, "delta_y": 0}, {"type": "wait", "duration_ms": 1000},
{"type": "keypress", "key": "Enter"}]}
Allowed types: click, type, scroll, wait, keypress, drag, move, screenshot, function_call.
Respond with JSON only.`

// AgentResult 一次 agent 任务的结果。
type AgentResult struct {
	Instruction string        `json:"instruction"`
	Success     bool          `json:"success"`
	FromCache   bool          `json:"from_cache"`
	Actions     int           `json:"actions"`
	Outputs     []string      `json:"outputs,omitempty"`
	Message     string        `json:"message,omitempty"`
	Duration    time.Duration `json:"duration"`
}

// AgentExecutor 执行多步 agent 任务。整段动作序列连同页面指纹进缓存；
// 命中且指纹兼容时直接重放，重放中途失败则整体作废、回退到重新规划。
type AgentExecutor struct {
	client      llm.Client
	coordinator *cache.Coordinator
	replayer    *cache.Replayer
	tokenizer   *llm.Tokenizer
	logger      *zap.Logger
}

func NewAgentExecutor(client llm.Client, coordinator *cache.Coordinator, replayer *cache.Replayer, logger *zap.Logger) *AgentExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AgentExecutor{
		client:      client,
		coordinator: coordinator,
		replayer:    replayer,
		tokenizer:   llm.NewTokenizer(),
		logger:      logger.With(zap.String("component", "agent_executor")),
	}
}

// Execute 执行任务。缓存命中走重放，miss 或重放失败走完整规划。
func (e *AgentExecutor) Execute(ctx context.Context, page browser.Page, instruction string) (*AgentResult, error) {
	start := time.Now()

	pageCtx, err := page.Context(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read page context: %w", err)
	}

	fp := e.captureFingerprint(ctx, page)

	if e.coordinator != nil {
		entry, err := e.coordinator.LookupActions(ctx, instruction, pageCtx.URL, pageCtx.Title, fp)
		if err == nil {
			outcome := e.replayer.Replay(ctx, entry.Actions)
			if outcome.Success() {
				e.logger.Info("agent task served from cache",
					zap.String("instruction", instruction),
					zap.Int("actions", len(entry.Actions)))
				return &AgentResult{
					Instruction: instruction,
					Success:     true,
					FromCache:   true,
					Actions:     len(entry.Actions),
					Outputs:     outcome.Outputs,
					Duration:    time.Since(start),
				}, nil
			}
			// 重放失败：序列对当前页面已不成立，当场作废再回退到重新规划，
			// 否则规划也失败时坏序列会留在缓存里反复执行失败前缀
			e.logger.Warn("cached replay failed, discarding entry and falling back to planning",
				zap.String("instruction", instruction),
				zap.Int("failed_at", outcome.Failed.Index),
				zap.String("reason", outcome.Failed.Reason))
			e.coordinator.DiscardActions(ctx, instruction, pageCtx.URL, pageCtx.Title)
		} else if !cache.IsCacheMiss(err) {
			e.logger.Warn("agent cache lookup failed", zap.Error(err))
		}
	}

	actions, err := e.plan(ctx, page, pageCtx, instruction)
	if err != nil {
		return nil, err
	}

	outcome := e.replayer.Replay(ctx, actions)
	result := &AgentResult{
		Instruction: instruction,
		Success:     outcome.Success(),
		Actions:     len(actions),
		Outputs:     outcome.Outputs,
		Duration:    time.Since(start),
	}
	if outcome.Failed != nil {
		result.Message = outcome.Failed.Error()
		return result, outcome.Failed
	}

	if e.coordinator != nil {
		e.coordinator.StoreActions(ctx, instruction, pageCtx, actions, fp, 0)
	}
	return result, nil
}

// captureFingerprint 失败时返回 nil。带指纹的缓存条目此时按 miss 处理，
// 宁可重新规划也不在状态未知的页面上重放。
func (e *AgentExecutor) captureFingerprint(ctx context.Context, page browser.Page) *cache.Fingerprint {
	shot, err := page.Screenshot(ctx)
	if err != nil {
		e.logger.Debug("failed to capture screenshot for fingerprint", zap.Error(err))
		return nil
	}
	fp, err := cache.CaptureFingerprint(shot)
	if err != nil {
		e.logger.Debug("failed to fingerprint screenshot", zap.Error(err))
		return nil
	}
	return fp
}

func (e *AgentExecutor) plan(ctx context.Context, page browser.Page, pageCtx schema.PageContext, instruction string) ([]cache.AgentAction, error) {
	snapshot, err := page.AccessibilityTree(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot page: %w", err)
	}
	snapshot = e.tokenizer.Truncate(snapshot, maxSnapshotTokens)

	prompt := fmt.Sprintf("Page URL: %s\nPage title: %s\nViewport: %dx%d\n\nPage snapshot:\n%s\n\nTask: %s",
		pageCtx.URL, pageCtx.Title, pageCtx.ViewportWidth, pageCtx.ViewportHeight, snapshot, instruction)

	resp, err := e.client.Completion(ctx, &llm.ChatRequest{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: agentSystemPrompt},
			{Role: llm.RoleUser, Content: prompt},
		},
		Temperature: 0.1,
		JSONMode:    true,
	})
	if err != nil {
		return nil, fmt.Errorf("agent planning failed: %w", err)
	}

	var wrapper struct {
		Actions []json.RawMessage `json:"actions"`
	}
	if err := json.Unmarshal([]byte(resp.JSONText()), &wrapper); err != nil {
		return nil, fmt.Errorf("failed to parse action plan: %w", err)
	}

	actions, skipped := cache.ParseActions(wrapper.Actions)
	if skipped > 0 {
		e.logger.Warn("plan contained unrecognized actions", zap.Int("skipped", skipped))
	}
	if len(actions) == 0 {
		return nil, fmt.Errorf("empty action plan")
	}

	e.logger.Info("agent plan ready",
		zap.String("instruction", instruction),
		zap.Int("actions", len(actions)),
		zap.Int("tokens", resp.Usage.TotalTokens))
	return actions, nil
}
