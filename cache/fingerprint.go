package cache

import (
	"bytes"
	"fmt"
	"image"
	"math/bits"

	_ "image/jpeg"
	_ "image/png"

	"github.com/corona10/goimagehash"
)

// Fingerprint 页面视觉状态的紧凑摘要，随动作序列一起入缓存。
// Hash 是截图的 64 位差分感知哈希；相近页面哈希的汉明距离小。
type Fingerprint struct {
	Kind   string `json:"kind"`
	Hash   uint64 `json:"hash"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

const fingerprintKindDHash = "dhash64"

// CaptureFingerprint 从截图字节（PNG 或 JPEG）计算感知指纹。
func CaptureFingerprint(screenshot []byte) (*Fingerprint, error) {
	if len(screenshot) == 0 {
		return nil, fmt.Errorf("%w: empty screenshot", ErrInvalidInput)
	}

	img, _, err := image.Decode(bytes.NewReader(screenshot))
	if err != nil {
		return nil, fmt.Errorf("failed to decode screenshot: %w", err)
	}

	hash, err := goimagehash.DifferenceHash(img)
	if err != nil {
		return nil, fmt.Errorf("failed to hash screenshot: %w", err)
	}

	bounds := img.Bounds()
	return &Fingerprint{
		Kind:   fingerprintKindDHash,
		Hash:   hash.GetHash(),
		Width:  bounds.Dx(),
		Height: bounds.Dy(),
	}, nil
}

// IsZero 报告指纹是否为空（条目入缓存时没采集到截图）。
func (f *Fingerprint) IsZero() bool {
	return f == nil || f.Kind == ""
}

// Distance 两指纹的汉明距离（0~64）。类型不同视为最大距离。
func (f *Fingerprint) Distance(other *Fingerprint) int {
	if f == nil || other == nil || f.Kind != other.Kind {
		return 64
	}
	return bits.OnesCount64(f.Hash ^ other.Hash)
}

// Similarity 归一化相似度，1 表示完全一致。
func (f *Fingerprint) Similarity(other *Fingerprint) float64 {
	return 1 - float64(f.Distance(other))/64
}

// CompareStrategy 判定缓存时的页面状态与当前页面是否足够接近，
// 以至于可以安全重放缓存的动作序列。
type CompareStrategy interface {
	// Compatible 返回 true 表示允许重放。
	Compatible(cached, current *Fingerprint) bool
	Name() string
}

// StrictStrategy 只容忍极小的视觉偏差（时钟、光标闪烁一类）。
type StrictStrategy struct {
	// MaxDistance 允许的最大汉明距离，零值按 2 处理。
	MaxDistance int
}

func (s StrictStrategy) Compatible(cached, current *Fingerprint) bool {
	if cached == nil || current == nil {
		return false
	}
	max := s.MaxDistance
	if max <= 0 {
		max = 2
	}
	return cached.Distance(current) <= max
}

func (s StrictStrategy) Name() string { return "strict" }

// AdaptiveStrategy 按相似度阈值放行，容忍广告位轮换等小范围变动。
type AdaptiveStrategy struct {
	// MinSimilarity 放行所需的最低相似度，零值按 0.90 处理。
	MinSimilarity float64
}

func (s AdaptiveStrategy) Compatible(cached, current *Fingerprint) bool {
	if cached == nil || current == nil {
		return false
	}
	min := s.MinSimilarity
	if min <= 0 {
		min = 0.90
	}
	return cached.Similarity(current) >= min
}

func (s AdaptiveStrategy) Name() string { return "adaptive" }

var (
	_ CompareStrategy = StrictStrategy{}
	_ CompareStrategy = AdaptiveStrategy{}
)
