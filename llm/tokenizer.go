package llm

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Tokenizer 统计 prompt 的 token 数，用于把页面快照裁到模型预算内。
// GLM 没有公开的本地编码表，按 cl100k_base 近似，误差对预算裁剪可接受。
type Tokenizer struct {
	encoding string
	enc      *tiktoken.Tiktoken
	once     sync.Once
	initErr  error
}

func NewTokenizer() *Tokenizer {
	return &Tokenizer{encoding: "cl100k_base"}
}

// init 懒加载编码表（首次使用可能下载数据）。
func (t *Tokenizer) init() error {
	t.once.Do(func() {
		enc, err := tiktoken.GetEncoding(t.encoding)
		if err != nil {
			t.initErr = fmt.Errorf("init tiktoken encoding %s: %w", t.encoding, err)
			return
		}
		t.enc = enc
	})
	return t.initErr
}

func (t *Tokenizer) CountTokens(text string) (int, error) {
	if err := t.init(); err != nil {
		return 0, err
	}
	return len(t.enc.Encode(text, nil, nil)), nil
}

// Truncate 把文本裁到 maxTokens 内。编码表不可用时退化为按字符粗裁。
func (t *Tokenizer) Truncate(text string, maxTokens int) string {
	if maxTokens <= 0 {
		return text
	}
	if err := t.init(); err != nil {
		// 粗略按 4 字符一个 token 估算
		limit := maxTokens * 4
		if len(text) > limit {
			return text[:limit]
		}
		return text
	}

	tokens := t.enc.Encode(text, nil, nil)
	if len(tokens) <= maxTokens {
		return text
	}
	return t.enc.Decode(tokens[:maxTokens])
}
