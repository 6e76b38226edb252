package logsink

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_RecordsLinesWithCategory(t *testing.T) {
	root := NewMemory()
	tailer := root.For("tailer")
	tailer.Warnf("rotation detected on %s", "output_log_2025-06-30_15-30-10.txt")

	entries := root.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "warn", entries[0].Level)
	assert.Equal(t, "tailer", entries[0].Category)
	assert.Contains(t, entries[0].Message, "rotation detected")
}

func TestMemory_SharesEntriesAcrossDescendants(t *testing.T) {
	root := NewMemory()
	a := root.For("a")
	b := root.For("b")
	a.Infof("from a")
	b.Errorf("from b")

	assert.Len(t, root.Entries(), 2)
}
