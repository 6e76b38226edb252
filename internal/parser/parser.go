// Package parser implements the pure raw-line-to-processed-record
// transform described in spec section 4.5. It performs no I/O and no
// time lookups beyond what the caller supplies, so the same line
// always yields the same record (up to ID and TimestampObserved).
package parser

import (
	"regexp"
	"strings"
	"time"

	"github.com/kurotori4423/vrc-log-relay/internal/record"
)

var (
	// "2025.6.30 15:30:15 Debug - rest of line"
	lineWithLevel = regexp.MustCompile(`^(\d{4}\.\d{1,2}\.\d{1,2} \d{1,2}:\d{2}:\d{2})\s+(Log|Warning|Error|Exception|Debug)\s+-\s+(.*)$`)

	// "2025.6.30 15:30:15 rest of line" (no level word)
	lineNoLevel = regexp.MustCompile(`^(\d{4}\.\d{1,2}\.\d{1,2} \d{1,2}:\d{2}:\d{2})\s+(.*)$`)

	worldChange = regexp.MustCompile(`\[Behaviour\] Joining wrld_([\w-]+)(?::([\w-]+))?~private\(usr_([\w-]+)\)(?:~canRequestInvite)?~region\((\w+)\)`)
	userJoin    = regexp.MustCompile(`\[Behaviour\] OnPlayerJoined (.+) \(usr_([\w-]+)\)$`)
	userLeave   = regexp.MustCompile(`\[Behaviour\] OnPlayerLeft (.+) \(usr_([\w-]+)\)$`)
)

var levelFromWord = map[string]record.Level{
	"Log":       record.LevelInfo,
	"Warning":   record.LevelWarning,
	"Error":     record.LevelError,
	"Exception": record.LevelError,
	"Debug":     record.LevelDebug,
}

const vrchatTimeLayout = "2006.1.2 15:04:05"

// Parse converts a raw line into a Processed record, or returns nil for
// an empty/whitespace-only line; every other line yields a record (kind
// "other" when no semantic pattern matches). id should be a freshly generated, process-unique identifier
// (the caller's concern, not the parser's, so Parse stays pure).
func Parse(raw record.Raw, id string) *record.Processed {
	trimmed := strings.TrimSpace(raw.Text)
	if trimmed == "" {
		return nil
	}

	level, tsFromLine, content := matchSurface(trimmed)

	parsed := matchSemantic(content)
	sourceTag := classifySource(parsed, content)

	p := &record.Processed{
		ID:                id,
		TimestampObserved: raw.ObservedAt,
		TimestampFromLine: tsFromLine,
		Level:             level,
		SourceTag:         sourceTag,
		Raw:               raw.Text,
		Parsed:            parsed,
		Origin: record.Origin{
			FilePath:     raw.SourcePath,
			FileBasename: basename(raw.SourcePath),
		},
	}
	p.Tags = record.ComputeTags(level, parsed)
	return p
}

// matchSurface attempts the surface-match patterns in order (§4.5 stage
// 2) and returns the extracted level, parsed timestamp (if any), and
// the remaining content.
func matchSurface(line string) (record.Level, *time.Time, string) {
	if m := lineWithLevel.FindStringSubmatch(line); m != nil {
		level := levelFromWord[m[2]]
		if level == "" {
			level = record.LevelInfo
		}
		return level, parseLineTimestamp(m[1]), m[3]
	}
	if m := lineNoLevel.FindStringSubmatch(line); m != nil {
		return record.LevelInfo, parseLineTimestamp(m[1]), m[2]
	}
	return record.LevelInfo, nil, line
}

func parseLineTimestamp(s string) *time.Time {
	t, err := time.Parse(vrchatTimeLayout, s)
	if err != nil {
		return nil
	}
	return &t
}

// matchSemantic attempts the semantic-match patterns in order (§4.5
// stage 3), first match wins.
func matchSemantic(content string) *record.Parsed {
	if m := worldChange.FindStringSubmatch(content); m != nil {
		fields := map[string]string{
			"world_id": m[1],
			"user_id":  m[3],
			"region":   m[4],
		}
		if m[2] != "" {
			fields["instance"] = m[2]
		}
		return &record.Parsed{Kind: record.KindWorldChange, Fields: fields}
	}
	if m := userJoin.FindStringSubmatch(content); m != nil {
		return &record.Parsed{Kind: record.KindUserJoin, Fields: map[string]string{
			"user_name": m[1],
			"user_id":   m[2],
		}}
	}
	if m := userLeave.FindStringSubmatch(content); m != nil {
		return &record.Parsed{Kind: record.KindUserLeave, Fields: map[string]string{
			"user_name": m[1],
			"user_id":   m[2],
		}}
	}
	return &record.Parsed{Kind: record.KindOther, Fields: map[string]string{"content": content}}
}

// classifySource implements §4.5 stage 4.
func classifySource(parsed *record.Parsed, content string) record.SourceTag {
	if parsed != nil && (parsed.Kind == record.KindWorldChange || parsed.Kind == record.KindUserJoin || parsed.Kind == record.KindUserLeave) {
		return record.SourceGame
	}
	switch {
	case strings.HasPrefix(content, "[Network]"):
		return record.SourceNetwork
	case strings.HasPrefix(content, "[UdonBehaviour]"):
		return record.SourceScripted
	default:
		return record.SourceOther
	}
}

func basename(path string) string {
	i := strings.LastIndexAny(path, `/\`)
	if i < 0 {
		return path
	}
	return path[i+1:]
}
