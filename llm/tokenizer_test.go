package llm

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTokenizer_TruncateNoBudget(t *testing.T) {
	tk := NewTokenizer()
	text := strings.Repeat("hello world ", 100)

	// 预算为零或负数表示不裁剪
	assert.Equal(t, text, tk.Truncate(text, 0))
	assert.Equal(t, text, tk.Truncate(text, -1))
}

func TestTokenizer_TruncateFallback(t *testing.T) {
	// 编码表不可用时按 4 字符一个 token 粗裁
	tk := &Tokenizer{encoding: "no-such-encoding"}
	text := strings.Repeat("x", 100)

	got := tk.Truncate(text, 10)
	assert.Len(t, got, 40)

	short := "short"
	assert.Equal(t, short, tk.Truncate(short, 10), "不超预算的文本应原样返回")
}
