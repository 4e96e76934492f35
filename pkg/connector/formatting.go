// Copyright 2024-2026 Aiku AI

package connector

import (
	"github.com/aiku/feishu-channel/pkg/connector/replyfmt"
)

// formatReply converts dispatcher markdown to plain text and splits it into
// chunks the platform accepts. A non-positive limit uses the default.
func formatReply(text string, limit int) []string {
	return replyfmt.Chunk(replyfmt.Parse(text), limit)
}
