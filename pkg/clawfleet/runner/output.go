// Package runner – output.go derives a job's final output from its durable
// record sequence.
package runner

import (
	"encoding/json"
	"strings"

	"github.com/jholhewres/clawfleet/pkg/clawfleet/driver"
	"github.com/jholhewres/clawfleet/pkg/clawfleet/state"
)

// ExtractFinalOutput walks the record sequence backwards and returns, in
// order of preference: the text of the last assistant message that carries
// text blocks, the content of the last tool_result, or "". Records that fail
// to parse are skipped.
func ExtractFinalOutput(records []state.OutputRecord) string {
	var lastToolResult string

	for i := len(records) - 1; i >= 0; i-- {
		msg, err := driver.ParseMessage(records[i].Raw)
		if err != nil || msg.Message == nil {
			continue
		}

		switch msg.Type {
		case driver.TypeAssistant:
			if text := joinTextBlocks(msg.Message.Content); text != "" {
				return text
			}
		case driver.TypeUser:
			if lastToolResult == "" {
				lastToolResult = lastToolResultText(msg.Message.Content)
			}
		}
	}

	return lastToolResult
}

func joinTextBlocks(blocks []driver.ContentBlock) string {
	var parts []string
	for _, b := range blocks {
		if b.Type == "text" && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// lastToolResultText pulls printable text out of tool_result content, which
// the wire format carries either as a plain string or as a block array.
func lastToolResultText(blocks []driver.ContentBlock) string {
	for i := len(blocks) - 1; i >= 0; i-- {
		b := blocks[i]
		if b.Type != "tool_result" || len(b.Content) == 0 {
			continue
		}

		var asString string
		if err := json.Unmarshal(b.Content, &asString); err == nil {
			return asString
		}
		var asBlocks []driver.ContentBlock
		if err := json.Unmarshal(b.Content, &asBlocks); err == nil {
			if text := joinTextBlocks(asBlocks); text != "" {
				return text
			}
		}
	}
	return ""
}
