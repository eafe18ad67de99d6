package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/srszzw/stagehand-glm/browser"
	"github.com/srszzw/stagehand-glm/cache"
	"github.com/srszzw/stagehand-glm/llm"
	"github.com/srszzw/stagehand-glm/schema"
)

// observeSystemPrompt 引导模型只输出结构化 JSON。
const observeSystemPrompt = `You are a web automation assistant. Given a page snapshot and an instruction,
identify the elements the instruction refers to. Respond with a JSON object:
{"elements": [{"selector": "<xpath>", "description": "<what it is>", "method": "<click|fill|...>", "arguments": []}]}
Selectors must be XPath expressions prefixed with "xpath=". Respond with JSON only.`

// maxSnapshotTokens 页面快照进 prompt 前的预算上限。
const maxSnapshotTokens = 6000

// ObserveHandler 把「找到页面上的 X」翻译成结构化选择器结果。
// 推理结果进缓存，命中时完全绕开 LLM。
type ObserveHandler struct {
	client      llm.Client
	coordinator *cache.Coordinator
	tokenizer   *llm.Tokenizer
	logger      *zap.Logger
}

func NewObserveHandler(client llm.Client, coordinator *cache.Coordinator, logger *zap.Logger) *ObserveHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ObserveHandler{
		client:      client,
		coordinator: coordinator,
		tokenizer:   llm.NewTokenizer(),
		logger:      logger.With(zap.String("component", "observe_handler")),
	}
}

// Observe 执行一次观察。opts.FromCache 为 true 时先查缓存，
// 命中且选择器仍有效则直接返回，否则回源 LLM 并写回缓存。
func (h *ObserveHandler) Observe(ctx context.Context, page browser.Page, opts schema.ObserveOptions) ([]schema.ObserveResult, error) {
	if opts.Instruction == "" {
		opts.Instruction = "Find elements that can be used for any future actions in the page."
	}

	pageCtx, err := page.Context(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read page context: %w", err)
	}

	if opts.FromCache && h.coordinator != nil {
		cached, err := h.coordinator.Lookup(ctx, opts.Instruction, pageCtx.URL, pageCtx.Title, page)
		if err == nil {
			h.logger.Debug("observe served from cache", zap.String("instruction", opts.Instruction))
			return []schema.ObserveResult{*cached}, nil
		}
		if !cache.IsCacheMiss(err) {
			h.logger.Warn("cache lookup failed, falling through to inference", zap.Error(err))
		}
	}

	results, err := h.infer(ctx, page, pageCtx, opts.Instruction)
	if err != nil {
		return nil, err
	}

	if opts.FromCache && h.coordinator != nil && len(results) > 0 {
		h.coordinator.Store(ctx, opts.Instruction, pageCtx.URL, pageCtx.Title, results[0])
	}
	return results, nil
}

func (h *ObserveHandler) infer(ctx context.Context, page browser.Page, pageCtx schema.PageContext, instruction string) ([]schema.ObserveResult, error) {
	snapshot, err := page.AccessibilityTree(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot page: %w", err)
	}
	snapshot = h.tokenizer.Truncate(snapshot, maxSnapshotTokens)

	prompt := fmt.Sprintf("Page URL: %s\nPage title: %s\n\nPage snapshot:\n%s\n\nInstruction: %s",
		pageCtx.URL, pageCtx.Title, snapshot, instruction)

	resp, err := h.client.Completion(ctx, &llm.ChatRequest{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: observeSystemPrompt},
			{Role: llm.RoleUser, Content: prompt},
		},
		Temperature: 0.1,
		JSONMode:    true,
	})
	if err != nil {
		return nil, fmt.Errorf("observe inference failed: %w", err)
	}

	results, err := parseObserveResponse(resp.JSONText())
	if err != nil {
		return nil, err
	}

	h.logger.Info("observe inference complete",
		zap.String("instruction", instruction),
		zap.Int("elements", len(results)),
		zap.Int("tokens", resp.Usage.TotalTokens))
	return results, nil
}

// parseObserveResponse 解析模型输出。既接受 {"elements":[...]} 包装，
// 也接受裸数组，模型两种都可能给。
func parseObserveResponse(text string) ([]schema.ObserveResult, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("empty observe response")
	}

	var wrapper struct {
		Elements []schema.ObserveResult `json:"elements"`
	}
	if err := json.Unmarshal([]byte(text), &wrapper); err == nil && wrapper.Elements != nil {
		return wrapper.Elements, nil
	}

	var list []schema.ObserveResult
	if err := json.Unmarshal([]byte(text), &list); err == nil {
		return list, nil
	}

	return nil, fmt.Errorf("failed to parse observe response: %s", truncateForLog(text))
}

func truncateForLog(s string) string {
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}
