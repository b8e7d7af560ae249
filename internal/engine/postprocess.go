package engine

import (
	"regexp"
	"strings"
)

// richTagPattern matches inline language/emotion/event tags the combined
// model interleaves with the transcript, e.g. <|zh|>, <|NEUTRAL|>, <|Speech|>.
var richTagPattern = regexp.MustCompile(`<\|[^|>]*\|>`)

// StripRichTags removes inline rich-transcription tags and collapses the
// whitespace left behind. Engines whose runner emits plain text skip this.
func StripRichTags(text string) string {
	cleaned := richTagPattern.ReplaceAllString(text, " ")
	return strings.Join(strings.Fields(cleaned), " ")
}

// DetectTagLanguage extracts the first language tag from a raw rich
// transcript ("<|zh|>..." reports "zh"), or "" when none is present.
func DetectTagLanguage(text string) string {
	for _, match := range richTagPattern.FindAllString(text, -1) {
		tag := strings.Trim(match, "<|>")
		// Language tags are short lowercase codes; emotion/event tags are not.
		if tag != "" && len(tag) <= 5 && tag == strings.ToLower(tag) {
			return tag
		}
	}
	return ""
}
