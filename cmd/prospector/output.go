package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

// analysisPreviewLen caps how much of a post's analysis the search listing shows.
const analysisPreviewLen = 500

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

func printSuccess(format string, args ...any) {
	fmt.Fprintln(os.Stderr, colorize(colorGreen, "✓ "+fmt.Sprintf(format, args...)))
}

func printError(format string, args ...any) {
	fmt.Fprintln(os.Stderr, colorize(colorRed, "✗ "+fmt.Sprintf(format, args...)))
}

func printWarning(format string, args ...any) {
	fmt.Fprintln(os.Stderr, colorize(colorYellow, "⚠ "+fmt.Sprintf(format, args...)))
}

func printStatus(label string, format string, args ...any) {
	l := colorize(colorBold, label+":")
	fmt.Fprintf(os.Stderr, "  %s %s\n", l, fmt.Sprintf(format, args...))
}

// statusColor picks the color a task status is painted with.
func statusColor(status string) string {
	switch status {
	case "success":
		return colorGreen
	case "error":
		return colorRed
	case "cancelled":
		return colorYellow
	default: // pending, running
		return colorCyan
	}
}

// formatEvent renders one status event from the task event stream. Payloads
// that don't look like status events pass through untouched.
func formatEvent(raw string) string {
	var ev struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
		Error  string          `json:"error"`
	}
	if err := json.Unmarshal([]byte(raw), &ev); err != nil || ev.Status == "" {
		return raw
	}

	line := colorize(statusColor(ev.Status), ev.Status)
	if ev.Error != "" {
		line += ": " + ev.Error
	}
	if len(ev.Data) > 0 {
		var posts []json.RawMessage
		if json.Unmarshal(ev.Data, &posts) == nil {
			line += fmt.Sprintf(" (%d posts)", len(posts))
		}
	}
	return line
}

// searchResult is one ranked post as the search endpoint returns it.
type searchResult struct {
	ID         string  `json:"id"`
	Title      string  `json:"title"`
	Score      int     `json:"score"`
	Permalink  string  `json:"permalink"`
	Similarity float32 `json:"similarity"`
	Analysis   string  `json:"analysis"`
}

// formatSearchResult renders one ranked post for the search listing, with the
// analysis trimmed to a readable preview.
func formatSearchResult(rank int, r searchResult) string {
	var sb strings.Builder
	head := colorize(colorBold, fmt.Sprintf("Result %d: %s", rank, r.Title))
	fmt.Fprintf(&sb, "\n%s [similarity: %.3f, score: %d]\n", head, r.Similarity, r.Score)
	fmt.Fprintf(&sb, "  %s\n", r.Permalink)
	if r.Analysis != "" {
		analysis := r.Analysis
		if len(analysis) > analysisPreviewLen {
			analysis = analysis[:analysisPreviewLen] + "..."
		}
		fmt.Fprintf(&sb, "  %s\n", analysis)
	}
	return sb.String()
}
