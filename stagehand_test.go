package stagehand

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srszzw/stagehand-glm/cache"
	"github.com/srszzw/stagehand-glm/config"
	"github.com/srszzw/stagehand-glm/llm"
	"github.com/srszzw/stagehand-glm/schema"
)

// stubPage 实现 browser.Page 与 cache.ActionExecutor，供组装测试注入。
type stubPage struct {
	navigated []string
	executed  int
}

func (p *stubPage) Navigate(_ context.Context, url string) error {
	p.navigated = append(p.navigated, url)
	return nil
}

func (p *stubPage) Context(context.Context) (schema.PageContext, error) {
	return schema.PageContext{URL: "https://example.com", Title: "Example"}, nil
}

func (p *stubPage) Screenshot(context.Context) ([]byte, error) {
	return nil, errors.New("headless stub")
}

func (p *stubPage) ResolveSelector(context.Context, string) (bool, error) { return true, nil }

func (p *stubPage) ClickSelector(context.Context, string) error { return nil }

func (p *stubPage) TypeSelector(context.Context, string, string) error { return nil }

func (p *stubPage) AccessibilityTree(context.Context) (string, error) {
	return "button \"Login\"", nil
}

func (p *stubPage) Close() error { return nil }

func (p *stubPage) ExecuteAction(context.Context, cache.AgentAction) (string, error) {
	p.executed++
	return "", nil
}

type stubClient struct {
	calls    atomic.Int32
	response string
}

func (c *stubClient) Completion(context.Context, *llm.ChatRequest) (*llm.ChatResponse, error) {
	c.calls.Add(1)
	return &llm.ChatResponse{
		Choices: []llm.ChatChoice{{Message: llm.Message{Role: llm.RoleAssistant, Content: c.response}}},
	}, nil
}

func (c *stubClient) Name() string { return "stub" }

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Cache.Backend = "memory"
	cfg.Cache.ActionDelay = time.Millisecond
	return cfg
}

func TestNew_WiresInjectedComponents(t *testing.T) {
	page := &stubPage{}
	client := &stubClient{response: `{"elements": [{"selector": "xpath=//b", "description": "login", "method": "click"}]}`}

	sh, err := New(
		WithConfig(testConfig()),
		WithPage(page),
		WithClient(client),
	)
	require.NoError(t, err)
	defer sh.Close()

	assert.NotEmpty(t, sh.SessionID())
	assert.NotNil(t, sh.Cache(), "默认配置下缓存应启用")
	assert.Same(t, page, sh.Page())

	require.NoError(t, sh.Navigate(context.Background(), "https://example.com"))
	assert.Equal(t, []string{"https://example.com"}, page.navigated)
}

func TestNew_ObserveThroughFacade(t *testing.T) {
	client := &stubClient{response: `{"elements": [{"selector": "xpath=//b", "description": "login", "method": "click"}]}`}
	sh, err := New(WithConfig(testConfig()), WithPage(&stubPage{}), WithClient(client))
	require.NoError(t, err)
	defer sh.Close()

	opts := schema.ObserveOptions{Instruction: "find the login button", FromCache: true}
	results, err := sh.Observe(context.Background(), opts)
	require.NoError(t, err)
	require.Len(t, results, 1)

	// 第二次走缓存
	_, err = sh.Observe(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, int32(1), client.calls.Load())
}

func TestNew_CacheDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.Cache.Enabled = false

	sh, err := New(WithConfig(cfg), WithPage(&stubPage{}), WithClient(&stubClient{response: "{}"}))
	require.NoError(t, err)
	defer sh.Close()

	assert.Nil(t, sh.Cache(), "禁用缓存时不应创建协调器")
}

func TestNew_InvalidConfigRejected(t *testing.T) {
	cfg := testConfig()
	cfg.Cache.Backend = "etcd"

	_, err := New(WithConfig(cfg), WithPage(&stubPage{}), WithClient(&stubClient{}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config")
}

func TestNew_AgentReplayThroughFacade(t *testing.T) {
	page := &stubPage{}
	client := &stubClient{response: `{"actions": [{"type": "click", "x": 1, "y": 2}, {"type": "keypress", "key": "Enter"}]}`}

	sh, err := New(WithConfig(testConfig()), WithPage(page), WithClient(client))
	require.NoError(t, err)
	defer sh.Close()

	result, err := sh.Agent(context.Background(), "press enter on the page")
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 2, page.executed)

	// 同任务第二次执行应重放缓存序列，不再规划
	result, err = sh.Agent(context.Background(), "press enter on the page")
	require.NoError(t, err)
	assert.True(t, result.FromCache)
	assert.Equal(t, int32(1), client.calls.Load())
	assert.Equal(t, 4, page.executed)
}
