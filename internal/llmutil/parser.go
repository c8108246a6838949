// internal/llmutil/parser.go
package llmutil

import (
	"fmt"
	"regexp"
	"strings"

	json "github.com/json-iterator/go"
	"github.com/kaptinlin/jsonrepair"
)

var (
	// Regex definitions use \x60 (hex representation) for backticks because Go raw strings cannot contain backticks.

	// jsonObjectRegex extracts a JSON object if the response is wrapped in markdown.
	jsonObjectRegex = regexp.MustCompile("(?s)\x60\x60\x60(?:json)?\\s*({.*})\\s*\x60\x60\x60")

	tagRegexCache = map[string]*regexp.Regexp{}
)

func tagRegex(tag string) *regexp.Regexp {
	if re, ok := tagRegexCache[tag]; ok {
		return re
	}
	return regexp.MustCompile("(?s)<" + regexp.QuoteMeta(tag) + ">(.*?)</" + regexp.QuoteMeta(tag) + ">")
}

func init() {
	for _, tag := range []string{"thinking", "tool_call", "answer"} {
		tagRegexCache[tag] = tagRegex(tag)
	}
}

// ExtractTagged returns the trimmed content of the first <tag>...</tag> region.
// A region whose closing tag was cut off (truncated output) runs to the end of the text.
func ExtractTagged(response, tag string) (string, bool) {
	if m := tagRegex(tag).FindStringSubmatch(response); len(m) > 1 {
		return strings.TrimSpace(m[1]), true
	}
	open := "<" + tag + ">"
	if i := strings.Index(response, open); i >= 0 {
		return strings.TrimSpace(response[i+len(open):]), true
	}
	return "", false
}

// StripTagged removes every <tag>...</tag> region from the response.
func StripTagged(response string, tags ...string) string {
	for _, tag := range tags {
		response = tagRegex(tag).ReplaceAllString(response, "")
	}
	return strings.TrimSpace(response)
}

// ExtractJSONObject isolates a JSON object in free text: a markdown fence first,
// then the span between the first '{' and the last '}'.
func ExtractJSONObject(response string) (string, bool) {
	response = strings.TrimSpace(response)
	if strings.HasPrefix(response, "{") && strings.HasSuffix(response, "}") {
		return response, true
	}
	if m := jsonObjectRegex.FindStringSubmatch(response); len(m) > 1 {
		return m[1], true
	}
	fb := strings.Index(response, "{")
	lb := strings.LastIndex(response, "}")
	if fb != -1 && lb > fb {
		return response[fb : lb+1], true
	}
	return "", false
}

// ParseJSONResponse decodes the JSON object found in response into T. With
// repair set, a document that fails to decode is passed through RepairJSON and
// decoded once more; the original decode error is reported if that fails too.
func ParseJSONResponse[T any](response string, repair bool) (*T, error) {
	doc, ok := ExtractJSONObject(response)
	if !ok {
		doc = strings.TrimSpace(response)
	}

	var result T
	err := json.Unmarshal([]byte(doc), &result)
	if err != nil && repair {
		if fixed, rerr := RepairJSON(doc); rerr == nil {
			var repaired T
			if json.Unmarshal([]byte(fixed), &repaired) == nil {
				return &repaired, nil
			}
		}
	}
	if err != nil {
		return nil, fmt.Errorf("decode %T: %w", result, err)
	}
	return &result, nil
}

// RepairJSON fixes common model mistakes (trailing commas, single quotes,
// unclosed braces) and returns the repaired document.
func RepairJSON(raw string) (string, error) {
	fixed, err := jsonrepair.JSONRepair(raw)
	if err != nil {
		return "", fmt.Errorf("json repair failed: %w", err)
	}
	return fixed, nil
}

// TruncateString truncates a string to a maximum length.
func TruncateString(s string, maxLen int) string {
	if maxLen <= 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	// Simple truncation; does not account for rune boundaries but sufficient for error logging.
	return s[:maxLen] + "..."
}
