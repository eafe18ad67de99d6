package cache

import (
	"encoding/json"
	"fmt"
	"time"
)

// ActionType 动作序列缓存中可回放的动作类型标签。
type ActionType string

const (
	ActionClick        ActionType = "click"
	ActionInput        ActionType = "type" // 输入文本
	ActionScroll       ActionType = "scroll"
	ActionWait         ActionType = "wait"
	ActionKeyPress     ActionType = "keypress"
	ActionDrag         ActionType = "drag"
	ActionMove         ActionType = "move"
	ActionScreenshot   ActionType = "screenshot"
	ActionFunctionCall ActionType = "function_call"
)

// knownActionTypes 合法标签集合，构造时据此校验。
var knownActionTypes = map[ActionType]bool{
	ActionClick:        true,
	ActionInput:        true,
	ActionScroll:       true,
	ActionWait:         true,
	ActionKeyPress:     true,
	ActionDrag:         true,
	ActionMove:         true,
	ActionScreenshot:   true,
	ActionFunctionCall: true,
}

// AgentAction 带标签的动作描述符。每种类型只携带自己相关的字段，
// 其余字段保持零值并通过 omitempty 省略。
type AgentAction struct {
	Type ActionType `json:"type"`

	// click / move / drag 起点坐标
	X int `json:"x,omitempty"`
	Y int `json:"y,omitempty"`

	// drag 终点坐标
	ToX int `json:"to_x,omitempty"`
	ToY int `json:"to_y,omitempty"`

	// type 输入的文本
	Text string `json:"text,omitempty"`

	// keypress 的按键名（Enter、Tab 等）
	Key string `json:"key,omitempty"`

	// scroll 的位移
	DeltaX int `json:"delta_x,omitempty"`
	DeltaY int `json:"delta_y,omitempty"`

	// wait 的时长（毫秒）
	DurationMS int64 `json:"duration_ms,omitempty"`

	// function_call 的函数名与原始参数
	Name string          `json:"name,omitempty"`
	Args json.RawMessage `json:"args,omitempty"`
}

// WaitDuration 返回 wait 动作的时长。
func (a AgentAction) WaitDuration() time.Duration {
	return time.Duration(a.DurationMS) * time.Millisecond
}

// Validate 校验动作标签与必备字段。标签未知或字段残缺返回错误，
// 由调用方按 fail closed 语义跳过该动作。
func (a AgentAction) Validate() error {
	if !knownActionTypes[a.Type] {
		return fmt.Errorf("%w: %q", ErrUnknownAction, a.Type)
	}
	switch a.Type {
	case ActionInput:
		if a.Text == "" {
			return fmt.Errorf("%w: type action requires text", ErrInvalidInput)
		}
	case ActionKeyPress:
		if a.Key == "" {
			return fmt.Errorf("%w: keypress action requires key", ErrInvalidInput)
		}
	case ActionWait:
		if a.DurationMS <= 0 {
			return fmt.Errorf("%w: wait action requires positive duration", ErrInvalidInput)
		}
	case ActionFunctionCall:
		if a.Name == "" {
			return fmt.Errorf("%w: function_call action requires name", ErrInvalidInput)
		}
	}
	return nil
}

// ParseAction 从持久化记录构造动作。先校验标签再提取字段，
// 未知标签不报类型错误而是显式返回 ErrUnknownAction（识别失败即跳过）。
func ParseAction(raw json.RawMessage) (AgentAction, error) {
	var a AgentAction
	if err := json.Unmarshal(raw, &a); err != nil {
		return AgentAction{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := a.Validate(); err != nil {
		return AgentAction{}, err
	}
	return a, nil
}

// ParseActions 批量构造动作序列，非法条目跳过并计数。
// 返回值 skipped 供调用方记录诊断日志。
func ParseActions(raws []json.RawMessage) (actions []AgentAction, skipped int) {
	actions = make([]AgentAction, 0, len(raws))
	for _, raw := range raws {
		a, err := ParseAction(raw)
		if err != nil {
			skipped++
			continue
		}
		actions = append(actions, a)
	}
	return actions, skipped
}
