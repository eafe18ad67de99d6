package browser

import (
	"context"
	"time"

	"github.com/srszzw/stagehand-glm/schema"
)

// PageConfig 浏览器页面配置
type PageConfig struct {
	Headless       bool          `yaml:"headless" json:"headless"`
	ViewportWidth  int           `yaml:"viewport_width" json:"viewport_width"`
	ViewportHeight int           `yaml:"viewport_height" json:"viewport_height"`
	UserAgent      string        `yaml:"user_agent" json:"user_agent"`
	ProxyURL       string        `yaml:"proxy_url" json:"proxy_url"`
	Timeout        time.Duration `yaml:"timeout" json:"timeout"`
}

// DefaultPageConfig 返回默认配置
func DefaultPageConfig() PageConfig {
	return PageConfig{
		Headless:       true,
		ViewportWidth:  1280,
		ViewportHeight: 720,
		Timeout:        60 * time.Second,
	}
}

// Page 抽象一个受控浏览器页面。缓存与 handler 层只依赖这个接口，
// 方便测试时用假页面替换 chromedp。
type Page interface {
	// Navigate 导航到 URL 并等待加载完成
	Navigate(ctx context.Context, url string) error

	// Context 返回当前页面上下文（URL、标题、视口）
	Context(ctx context.Context) (schema.PageContext, error)

	// Screenshot 截取整页截图（PNG 字节）
	Screenshot(ctx context.Context) ([]byte, error)

	// ResolveSelector 判定选择器（XPath 或 CSS）当前是否解析到元素
	ResolveSelector(ctx context.Context, selector string) (bool, error)

	// ClickSelector 点击选择器命中的第一个元素
	ClickSelector(ctx context.Context, selector string) error

	// TypeSelector 清空并向选择器命中的元素输入文本
	TypeSelector(ctx context.Context, selector, text string) error

	// AccessibilityTree 返回简化的可访问性树文本，供 LLM 观察页面
	AccessibilityTree(ctx context.Context) (string, error)

	// Close 关闭页面与底层浏览器
	Close() error
}
