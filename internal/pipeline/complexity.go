package pipeline

import (
	"strings"

	"github.com/yukin371/quill/internal/core"
)

// 复杂查询关键词（中英文）
var complexKeywords = []string{
	"analyze", "analyse", "compare", "explain", "summarize", "summarise",
	"evaluate", "relationship", "in detail", "step by step", "why",
	"分析", "比较", "总结", "解释", "评估",
}

const (
	longQuery   = 100
	longContext = 4000
)

// ClassifyComplexity gives a coarse hint for provider-side tuning. It is
// never used to gate a request.
//
// One point each for a long query, a complex keyword, more than one
// question mark and a long conversation. Zero is low, one is medium, two
// or more is high.
func ClassifyComplexity(query string, contextLength int) core.Complexity {
	q := strings.ToLower(query)
	score := 0
	if len(q) > longQuery {
		score++
	}
	for _, kw := range complexKeywords {
		if strings.Contains(q, kw) {
			score++
			break
		}
	}
	if strings.Count(q, "?")+strings.Count(q, "？") > 1 {
		score++
	}
	if contextLength > longContext {
		score++
	}

	switch {
	case score == 0:
		return core.ComplexityLow
	case score == 1:
		return core.ComplexityMedium
	default:
		return core.ComplexityHigh
	}
}
