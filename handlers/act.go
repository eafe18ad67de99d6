package handlers

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/srszzw/stagehand-glm/browser"
	"github.com/srszzw/stagehand-glm/schema"
)

// ActHandler 执行自然语言动作：先 observe 定位元素，再按建议的方法实施。
type ActHandler struct {
	observe *ObserveHandler
	logger  *zap.Logger
}

func NewActHandler(observe *ObserveHandler, logger *zap.Logger) *ActHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ActHandler{
		observe: observe,
		logger:  logger.With(zap.String("component", "act_handler")),
	}
}

// Act 执行一条动作指令。变量替换在缓存键派生之前完成，
// 所以带占位符的指令按替换后的形态命中缓存。
func (h *ActHandler) Act(ctx context.Context, page browser.Page, opts schema.ActOptions) (*schema.ActResult, error) {
	action := substituteVariables(opts.Action, opts.Variables)
	if action == "" {
		return nil, fmt.Errorf("empty action")
	}

	if opts.TimeoutMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(opts.TimeoutMS)*time.Millisecond)
		defer cancel()
	}

	results, err := h.observe.Observe(ctx, page, schema.ObserveOptions{
		Instruction: action,
		ModelName:   opts.ModelName,
		FromCache:   true,
	})
	if err != nil {
		return failedResult(action, err), err
	}
	if len(results) == 0 {
		err := fmt.Errorf("no element found for action: %s", action)
		return failedResult(action, err), err
	}

	target := results[0]
	if err := h.perform(ctx, page, target); err != nil {
		return failedResult(action, err), err
	}

	h.logger.Info("action performed",
		zap.String("action", action),
		zap.String("selector", target.Selector),
		zap.String("method", target.Method))

	return &schema.ActResult{
		Success: true,
		Message: fmt.Sprintf("performed %s on %s", target.Method, target.Description),
		Action:  action,
	}, nil
}

func (h *ActHandler) perform(ctx context.Context, page browser.Page, target schema.ObserveResult) error {
	selector := strings.TrimPrefix(target.Selector, "xpath=")

	switch target.Method {
	case "", "click":
		return page.ClickSelector(ctx, selector)
	case "fill", "type":
		text := ""
		if len(target.Arguments) > 0 {
			text = target.Arguments[0]
		}
		return page.TypeSelector(ctx, selector, text)
	default:
		return fmt.Errorf("unsupported actuation method: %s", target.Method)
	}
}

// substituteVariables 把 %var% 占位符替换为实参。
func substituteVariables(action string, vars map[string]string) string {
	for k, v := range vars {
		action = strings.ReplaceAll(action, "%"+k+"%", v)
	}
	return action
}

func failedResult(action string, err error) *schema.ActResult {
	return &schema.ActResult{
		Success: false,
		Message: err.Error(),
		Action:  action,
	}
}
