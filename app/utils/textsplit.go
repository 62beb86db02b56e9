package utils

import (
	"strings"
)

// SplitChunks 将原始文本按段落边界切分为不超过 maxChars 的分块
// 单个超长段落按字符硬切，空白段落丢弃
func SplitChunks(text string, maxChars int) []string {
	if maxChars <= 0 {
		maxChars = 1200
	}

	var chunks []string
	var current strings.Builder

	flush := func() {
		if s := strings.TrimSpace(current.String()); s != "" {
			chunks = append(chunks, s)
		}
		current.Reset()
	}

	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}

		// 超长段落按字符硬切
		for len([]rune(para)) > maxChars {
			runes := []rune(para)
			flush()
			chunks = append(chunks, string(runes[:maxChars]))
			para = strings.TrimSpace(string(runes[maxChars:]))
		}
		if para == "" {
			continue
		}

		if current.Len() > 0 && len([]rune(current.String()))+len([]rune(para))+2 > maxChars {
			flush()
		}
		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(para)
	}
	flush()

	return chunks
}
