package handlers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/srszzw/stagehand-glm/schema"
)

func newTestActHandler(client *scriptedClient) *ActHandler {
	observe := NewObserveHandler(client, nil, zap.NewNop())
	return NewActHandler(observe, zap.NewNop())
}

func TestAct_Click(t *testing.T) {
	client := &scriptedClient{response: loginElementJSON}
	h := newTestActHandler(client)
	page := newFakePage()

	result, err := h.Act(context.Background(), page, schema.ActOptions{Action: "click the login button"})
	require.NoError(t, err)
	assert.True(t, result.Success)
	require.Len(t, page.clicks, 1)
	assert.Equal(t, "//button[@id='login']", page.clicks[0], "xpath= 前缀应在实际点击前剥掉")
}

func TestAct_Fill(t *testing.T) {
	client := &scriptedClient{response: `{"elements": [{"selector": "xpath=//input[@name='q']", "description": "search box", "method": "fill", "arguments": ["gophers"]}]}`}
	h := newTestActHandler(client)
	page := newFakePage()

	result, err := h.Act(context.Background(), page, schema.ActOptions{Action: "type gophers into the search box"})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "gophers", page.typed["//input[@name='q']"])
}

func TestAct_VariableSubstitution(t *testing.T) {
	client := &scriptedClient{response: loginElementJSON}
	observe := NewObserveHandler(client, newTestCoordinator(t), zap.NewNop())
	h := NewActHandler(observe, zap.NewNop())
	page := newFakePage()

	// 两次调用占位符实参相同，替换后指令一致，应命中同一个缓存键
	opts := schema.ActOptions{
		Action:    "click the %target% button",
		Variables: map[string]string{"target": "login"},
	}
	result, err := h.Act(context.Background(), page, opts)
	require.NoError(t, err)
	assert.Equal(t, "click the login button", result.Action, "变量应在派生缓存键前替换完成")

	_, err = h.Act(context.Background(), page, opts)
	require.NoError(t, err)
	assert.Equal(t, int32(1), client.calls.Load(), "替换后同形指令应命中缓存")
}

func TestAct_EmptyAction(t *testing.T) {
	h := newTestActHandler(&scriptedClient{response: loginElementJSON})
	_, err := h.Act(context.Background(), newFakePage(), schema.ActOptions{Action: ""})
	assert.Error(t, err)
}

func TestAct_NoElementFound(t *testing.T) {
	client := &scriptedClient{response: `{"elements": []}`}
	h := newTestActHandler(client)

	result, err := h.Act(context.Background(), newFakePage(), schema.ActOptions{Action: "click the unicorn"})
	require.Error(t, err)
	require.NotNil(t, result)
	assert.False(t, result.Success)
	assert.Contains(t, result.Message, "no element found")
}

func TestAct_UnsupportedMethod(t *testing.T) {
	client := &scriptedClient{response: `{"elements": [{"selector": "xpath=//video", "description": "player", "method": "hover"}]}`}
	h := newTestActHandler(client)

	result, err := h.Act(context.Background(), newFakePage(), schema.ActOptions{Action: "hover over the video"})
	require.Error(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, err.Error(), "unsupported actuation method")
}
