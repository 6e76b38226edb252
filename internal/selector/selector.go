// Package selector implements the session-grouping rule (spec §4.3):
// given a directory listing of timestamp-named log files, it picks the
// subset belonging to the "current session".
package selector

import (
	"regexp"
	"sort"
	"time"
)

// DefaultGroupPeriod is the maximum gap, in time, between two
// consecutive files for them to be considered part of the same session.
const DefaultGroupPeriod = 30 * time.Second

// DefaultMaxFiles caps how many files a single selection may contain.
const DefaultMaxFiles = 4

var logFileName = regexp.MustCompile(`^output_log_(\d{4})-(\d{2})-(\d{2})_(\d{2})-(\d{2})-(\d{2})\.txt$`)

// File is one candidate entry from a directory listing.
type File struct {
	Path      string
	Basename  string
	Timestamp time.Time
}

// Parse extracts a File from a basename, or returns ok=false if the
// name doesn't match output_log_YYYY-MM-DD_HH-MM-SS.txt.
func Parse(dir, basename string) (File, bool) {
	m := logFileName.FindStringSubmatch(basename)
	if m == nil {
		return File{}, false
	}
	layout := "2006-01-02_15-04-05"
	ts, err := time.ParseInLocation(layout, m[1]+"-"+m[2]+"-"+m[3]+"_"+m[4]+"-"+m[5]+"-"+m[6], time.Local)
	if err != nil {
		return File{}, false
	}
	sep := "/"
	if dir == "" {
		sep = ""
	}
	return File{Path: dir + sep + basename, Basename: basename, Timestamp: ts}, true
}

// Select applies the §4.3 rule to a set of candidate files (already
// filtered to the output_log_* pattern, though Select re-filters
// defensively) and returns the selection sorted oldest-first.
func Select(files []File, groupPeriod time.Duration, maxFiles int) []File {
	if groupPeriod <= 0 {
		groupPeriod = DefaultGroupPeriod
	}
	if maxFiles <= 0 {
		maxFiles = DefaultMaxFiles
	}
	sorted := make([]File, 0, len(files))
	for _, f := range files {
		if logFileName.MatchString(f.Basename) {
			sorted = append(sorted, f)
		}
	}
	if len(sorted) == 0 {
		return nil
	}

	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.After(sorted[j].Timestamp)
	})

	selected := []File{sorted[0]}
	prev := sorted[0].Timestamp
	for _, f := range sorted[1:] {
		if len(selected) >= maxFiles {
			break
		}
		gap := prev.Sub(f.Timestamp)
		if gap > groupPeriod {
			break
		}
		selected = append(selected, f)
		prev = f.Timestamp
	}

	sort.Slice(selected, func(i, j int) bool {
		return selected[i].Timestamp.Before(selected[j].Timestamp)
	})
	return selected
}
