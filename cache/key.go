package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
)

// keyComponents 缓存键的组成三元组。
// 字段按 JSON 键名字典序声明，encoding/json 按声明顺序输出，
// 保证序列化结果与插入顺序无关。
type keyComponents struct {
	Instruction string `json:"instruction"`
	PageTitle   string `json:"page_title"`
	PageURL     string `json:"page_url"`
}

// DeriveKey 由 (指令, 页面 URL, 页面标题) 生成确定性缓存键。
//
// 指令先去除首尾空白并转小写，吸收无害的大小写/空白差异；
// 标题缺省为空串。三元组 JSON 序列化后取 SHA-256 的前 16 字节
// 十六进制编码（128 位），键定长且不向索引结构泄露指令原文。
func DeriveKey(instruction, pageURL, pageTitle string) string {
	comps := keyComponents{
		Instruction: strings.ToLower(strings.TrimSpace(instruction)),
		PageTitle:   pageTitle,
		PageURL:     pageURL,
	}

	// 纯结构体序列化不会失败
	data, _ := json.Marshal(comps)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:16])
}
