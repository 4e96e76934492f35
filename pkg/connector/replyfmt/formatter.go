// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package replyfmt converts dispatcher replies (markdown) into Feishu text
// message content.
package replyfmt

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/tidwall/sjson"
)

// DefaultChunkLimit is the maximum number of characters sent in a single text
// message.
const DefaultChunkLimit = 4000

var (
	boldRe      = regexp.MustCompile(`\*\*(.+?)\*\*`)
	strikeRe    = regexp.MustCompile(`~~(.+?)~~`)
	codeRe      = regexp.MustCompile("`([^`\n]+)`")
	codeBlockRe = regexp.MustCompile("(?s)```[\\w+-]*\\n?(.*?)```")
	linkRe      = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)
	headingRe   = regexp.MustCompile(`(?m)^#{1,6}\s+(.+)$`)
)

// Parse converts markdown to the plain text Feishu renders in text messages.
// Emphasis markers are dropped, links become "text (url)" and fenced code
// keeps its content.
func Parse(markdown string) string {
	if markdown == "" {
		return ""
	}

	var blocks []string
	text := codeBlockRe.ReplaceAllStringFunc(markdown, func(match string) string {
		parts := codeBlockRe.FindStringSubmatch(match)
		blocks = append(blocks, strings.TrimRight(parts[1], "\n"))
		return "\x00"
	})

	text = headingRe.ReplaceAllString(text, "$1")
	text = boldRe.ReplaceAllString(text, "$1")
	text = strikeRe.ReplaceAllString(text, "$1")
	text = codeRe.ReplaceAllString(text, "$1")
	text = linkRe.ReplaceAllStringFunc(text, func(match string) string {
		parts := linkRe.FindStringSubmatch(match)
		if parts[1] == parts[2] {
			return parts[2]
		}
		return parts[1] + " (" + parts[2] + ")"
	})

	for _, block := range blocks {
		text = strings.Replace(text, "\x00", block, 1)
	}
	return strings.TrimSpace(text)
}

// Content builds the {"text": ...} envelope for a text message.
func Content(text string) (string, error) {
	return sjson.Set("", "text", text)
}

// Chunk splits text into pieces of at most limit runes, preferring to break on
// paragraph boundaries, then line boundaries, then spaces. A limit <= 0 uses
// DefaultChunkLimit.
func Chunk(text string, limit int) []string {
	if limit <= 0 {
		limit = DefaultChunkLimit
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	var chunks []string
	for utf8.RuneCountInString(text) > limit {
		end := 0
		for range limit {
			_, size := utf8.DecodeRuneInString(text[end:])
			end += size
		}
		window := text[:end]
		cut := strings.LastIndex(window, "\n\n")
		if cut <= 0 {
			cut = strings.LastIndex(window, "\n")
		}
		if cut <= 0 {
			cut = strings.LastIndex(window, " ")
		}
		if cut <= 0 {
			cut = len(window)
		}
		chunks = append(chunks, strings.TrimSpace(text[:cut]))
		text = strings.TrimSpace(text[cut:])
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}
