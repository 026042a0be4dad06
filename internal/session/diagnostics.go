package session

import (
	"regexp"
	"strconv"
	"strings"
)

// diagnosticPattern matches compiler-style "path(line): message" lines.
var diagnosticPattern = regexp.MustCompile(`(?m)^(.+)\((\d+)\)\s*: (.+)$`)

// ErrorInfo is one diagnostic extracted from a job's finish message.
type ErrorInfo struct {
	FilePath string `json:"filePath"`
	Line     int    `json:"line"`
	Message  string `json:"message"`
}

// ErrorGroup collects the diagnostics reported against one file.
type ErrorGroup struct {
	FilePath string      `json:"filePath"`
	Errors   []ErrorInfo `json:"errors"`
}

// normalizeMessage turns the orchestrator's form-feed line separators into
// newlines and drops trailing whitespace.
func normalizeMessage(raw string) string {
	return strings.TrimRight(strings.ReplaceAll(raw, "\f", "\n"), " \t\r\n")
}

// ParseErrorGroups extracts per-file diagnostics from a finish message,
// grouped by file in order of first appearance. It returns nil when the
// message has no recognizable diagnostics.
func ParseErrorGroups(message string) []ErrorGroup {
	matches := diagnosticPattern.FindAllStringSubmatch(message, -1)
	if len(matches) == 0 {
		return nil
	}

	var groups []ErrorGroup
	index := make(map[string]int)
	for _, m := range matches {
		line, err := strconv.Atoi(m[2])
		if err != nil {
			continue
		}
		info := ErrorInfo{
			FilePath: m[1],
			Line:     line,
			Message:  strings.TrimRight(m[3], "\r"),
		}
		i, ok := index[info.FilePath]
		if !ok {
			i = len(groups)
			index[info.FilePath] = i
			groups = append(groups, ErrorGroup{FilePath: info.FilePath})
		}
		groups[i].Errors = append(groups[i].Errors, info)
	}
	return groups
}
