// Copyright 2024-2026 Aiku AI

// Package feishufmt extracts plain text from Feishu message content envelopes.
package feishufmt

import (
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

// mentionRe matches the placeholders Feishu inserts for @-mentions in text
// content, e.g. "@_user_1". "@_all" is the @everyone placeholder.
var mentionRe = regexp.MustCompile(`@_(?:user_\d+|all)\s?`)

// ParseText extracts the "text" field from a text message content envelope
// such as {"text":"hi"}. It reports false if the content is not valid JSON or
// carries no string text field.
func ParseText(content string) (string, bool) {
	if content == "" || !gjson.Valid(content) {
		return "", false
	}
	res := gjson.Get(content, "text")
	if res.Type != gjson.String {
		return "", false
	}
	return res.Str, true
}

// StripMentions removes mention placeholders from text and trims the result.
func StripMentions(text string) string {
	if !strings.Contains(text, "@_") {
		return text
	}
	return strings.TrimSpace(mentionRe.ReplaceAllString(text, ""))
}

// ParsePost flattens a rich-text "post" envelope into plain text, one line per
// paragraph. Only text, link and at elements contribute to the output.
func ParsePost(content string) (string, bool) {
	if content == "" || !gjson.Valid(content) {
		return "", false
	}
	root := gjson.Parse(content)
	// Posts are either {"title":..,"content":[..]} or wrapped in a locale key.
	if !root.Get("content").Exists() {
		root.ForEach(func(_, value gjson.Result) bool {
			if value.Get("content").IsArray() {
				root = value
				return false
			}
			return true
		})
	}
	paragraphs := root.Get("content")
	if !paragraphs.IsArray() {
		return "", false
	}

	var lines []string
	if title := root.Get("title").Str; title != "" {
		lines = append(lines, title)
	}
	for _, para := range paragraphs.Array() {
		var sb strings.Builder
		for _, elem := range para.Array() {
			switch elem.Get("tag").Str {
			case "text":
				sb.WriteString(elem.Get("text").Str)
			case "a":
				sb.WriteString(elem.Get("text").Str)
			case "at":
				if name := elem.Get("user_name").Str; name != "" {
					sb.WriteString("@" + name)
				}
			}
		}
		lines = append(lines, sb.String())
	}
	return strings.TrimSpace(strings.Join(lines, "\n")), true
}
