package llms

import (
	"regexp"
	"strings"
)

var fencedJSONRe = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")
var bareJSONRe = regexp.MustCompile(`(?s)\{.*\}`)

// ExtractJSON pulls a JSON object out of a model reply. Models wrap
// JSON in markdown fences or surround it with prose; this tries the
// fenced block first, then the widest bare object, then the raw text.
func ExtractJSON(content string) string {
	if m := fencedJSONRe.FindStringSubmatch(content); m != nil {
		return m[1]
	}
	if m := bareJSONRe.FindString(content); m != "" {
		return m
	}
	return strings.TrimSpace(content)
}
