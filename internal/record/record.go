// Package record defines the immutable data types that flow from the
// file tailer through the parser to the broadcast fabric: raw lines,
// processed records, and the origin/tag metadata attached to each.
package record

import "time"

// Raw is a single newline-delimited line as observed by a Tailer.
// Immutable once produced.
type Raw struct {
	Text       string
	SourcePath string
	ObservedAt time.Time
}

// Level is the log severity extracted (or defaulted) by the parser.
type Level string

const (
	LevelDebug   Level = "debug"
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
	LevelFatal   Level = "fatal"
)

// SourceTag classifies which subsystem of the game emitted a line.
type SourceTag string

const (
	SourceGame     SourceTag = "game"
	SourceScripted SourceTag = "scripted"
	SourceNetwork  SourceTag = "network"
	SourceOther    SourceTag = "other"
)

// Kind identifies the semantic shape of a parsed line.
type Kind string

const (
	KindWorldChange Kind = "world_change"
	KindUserJoin    Kind = "user_join"
	KindUserLeave   Kind = "user_leave"
	KindOther       Kind = "other"
)

// Parsed holds the semantic-match result: a kind plus its kind-specific
// flat field map (§4.5 of the spec).
type Parsed struct {
	Kind   Kind              `json:"kind"`
	Fields map[string]string `json:"fields"`
}

// Origin identifies which tailed file a record came from and its
// position within the current file selection (§3).
type Origin struct {
	FilePath             string `json:"filePath"`
	FileBasename         string `json:"fileBasename"`
	FileIndexInSelection int    `json:"fileIndexInSelection"`
}

// Processed is the tagged, structured record the parser produces from a
// Raw line. Two Processed values built from the same Raw.Text and
// Raw.SourcePath are equal in every field except ID and
// TimestampObserved (I5).
type Processed struct {
	ID                 string     `json:"id"`
	TimestampObserved  time.Time  `json:"timestampObserved"`
	TimestampFromLine  *time.Time `json:"timestampFromLine,omitempty"`
	Level              Level      `json:"level"`
	SourceTag          SourceTag  `json:"sourceTag"`
	Raw                string     `json:"raw"`
	Parsed             *Parsed    `json:"parsed,omitempty"`
	Origin             Origin     `json:"origin"`
	Tags               []string   `json:"tags"`
}

// ComputeTags derives the record's tag set from its other fields (I4):
// a pure function of Level and, when present, Parsed.Kind.
func ComputeTags(level Level, parsed *Parsed) []string {
	tags := []string{"level:" + string(level)}
	if parsed != nil {
		tags = append(tags, "type:"+string(parsed.Kind))
	}
	return tags
}
