package arbiter

import (
	"fmt"
	"strings"
)

// systemPrompt instructs the reviewer model. The community is
// Chinese-speaking, so both the instructions and the justifications shown to
// members are in Chinese.
const systemPrompt = `你是一個內容審核專家，負責複查被自動審核系統標記的內容。
自動系統經常產生誤判，特別是對於以下情況：
1. 歌曲名稱、書名、電影名稱或遊戲名稱中包含敏感詞彙
2. 地區文化、方言或網路用語造成的誤解
3. 朋友之間明顯的玩笑或遊戲討論
4. 引用、新聞報導或教育性質的討論

請結合上下文仔細判斷內容的真實意圖。
回應格式：
- 若內容確實違規，以「VIOLATION:」開頭，並簡短說明違反了哪些規範
- 若內容為誤判，以「FALSE_POSITIVE:」開頭，並簡短說明原因`

// severeTerms short-circuit review when enough categories fired.
var severeTerms = []string{
	"強姦", "自殺", "殺人", "低能兒", "死", "去死", "操你", "幹你", "吸毒",
	"fuck you", "kill yourself", "kys", "rape", "自殘", "毒品",
	"傻逼", "垃圾", "廢物", "智障", "腦殘", "賤", "賣淫",
}

// falsePositiveHints mark an unmarked response as a false positive.
var falsePositiveHints = []string{
	"誤判", "誤報", "歌曲", "遊樂", "誤解", "文化", "遊戲", "沒有違規",
	"misidentified", "song", "game", "no violation",
}

func containsSevereTerm(content string) bool {
	lower := strings.ToLower(content)
	for _, term := range severeTerms {
		if strings.Contains(lower, term) {
			return true
		}
	}
	return false
}

func buildPrompt(content string, categories []string, context []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "請評估以下被標記的內容：\n\n原始內容: %q\n\n被標記的違規類型: %s\n", content, strings.Join(categories, ", "))
	if len(context) > 0 {
		b.WriteString("\n上下文資訊:\n")
		for _, line := range context {
			b.WriteString(line)
			b.WriteByte('\n')
		}
	}
	b.WriteString("\n這是真正的違規內容還是誤判？請以「VIOLATION:」或「FALSE_POSITIVE:」開頭給出你的決定和簡短解釋。")
	return b.String()
}
