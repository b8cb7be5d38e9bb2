package escalation

import (
	"fmt"
	"strings"
)

const defaultGuideline = "違反社群規範"

// shortGuidelines maps classifier categories to the one-line rule shown in
// notices. Both the slash and underscore spellings appear in classifier
// output.
var shortGuidelines = map[string]string{
	"harassment":             "禁止騷擾他人或發布冒犯性內容",
	"harassment/threatening": "禁止威脅或恐嚇他人",
	"hate":                   "禁止發布仇恨言論或歧視內容",
	"hate/threatening":       "禁止發布威脅性的仇恨言論",
	"self-harm":              "禁止分享自我傷害相關內容",
	"self-harm/intent":       "禁止表達自我傷害的意圖",
	"self-harm/instructions": "禁止提供自我傷害的方法或指導",
	"sexual":                 "禁止分享不適當的性相關內容",
	"sexual/minors":          "嚴禁分享涉及未成年人的性相關內容",
	"violence":               "禁止分享或鼓勵暴力內容",
	"violence/graphic":       "禁止分享圖像化的暴力內容",
	"illicit":                "禁止討論或促進非法活動",
	"illicit/violent":        "禁止討論涉及暴力的非法活動",
	"harassment_threatening": "禁止威脅或恐嚇他人",
	"hate_threatening":       "禁止發布威脅性的仇恨言論",
	"self_harm":              "禁止分享自我傷害相關內容",
	"self_harm_intent":       "禁止表達自我傷害的意圖",
	"self_harm_instructions": "禁止提供自我傷害的方法或指導",
	"sexual_minors":          "嚴禁分享涉及未成年人的性相關內容",
	"violence_graphic":       "禁止分享圖像化的暴力內容",
	"illicit_violent":        "禁止討論涉及暴力的非法活動",
	"unsafe_url":             "禁止分享釣魚、惡意軟體或詐騙連結",
}

var ordinals = []string{"", "第一次違規", "第二次違規", "第三次違規", "第四次違規"}

// Guidelines returns the rule text for each category, in order.
func Guidelines(categories []string) []string {
	out := make([]string, 0, len(categories))
	for _, c := range categories {
		if g, ok := shortGuidelines[c]; ok {
			out = append(out, g)
		} else {
			out = append(out, defaultGuideline)
		}
	}
	return out
}

// Justification is the explanation sent to a muted member.
func Justification(count int, categories []string) string {
	label := "第五次或更多違規"
	if count > 0 && count < len(ordinals) {
		label = ordinals[count]
	}

	var b strings.Builder
	fmt.Fprintf(&b, "**%s**：%s禁言\n您違反了以下社群規範：", label, FormatDuration(Ladder(count)))
	for _, g := range Guidelines(categories) {
		b.WriteString("\n- ")
		b.WriteString(g)
	}
	return b.String()
}

// auditReason is the short reason recorded with the platform timeout.
func auditReason(count int) string {
	return fmt.Sprintf("內容審核 - 第 %d 次違規", count)
}
