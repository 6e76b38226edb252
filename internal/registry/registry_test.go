package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kurotori4423/vrc-log-relay/internal/record"
)

func TestRegistry_AddEnforcesCap(t *testing.T) {
	r := New(2)
	s1 := NewSubscriber("s1", "a", time.Now(), 4)
	s2 := NewSubscriber("s2", "b", time.Now(), 4)
	s3 := NewSubscriber("s3", "c", time.Now(), 4)

	ok, _ := r.Add(s1)
	assert.True(t, ok)
	ok, _ = r.Add(s2)
	assert.True(t, ok)
	ok, reason := r.Add(s3)
	assert.False(t, ok)
	assert.Equal(t, ErrConnectionLimit, reason)
	assert.Equal(t, 2, r.Count())
}

func TestRegistry_RemoveFreesSlot(t *testing.T) {
	r := New(1)
	s1 := NewSubscriber("s1", "a", time.Now(), 4)
	ok, _ := r.Add(s1)
	require.True(t, ok)

	r.Remove("s1")
	s2 := NewSubscriber("s2", "b", time.Now(), 4)
	ok, _ = r.Add(s2)
	assert.True(t, ok)
}

func TestSubscriber_EmptyFilterAcceptsAll(t *testing.T) {
	s := NewSubscriber("s1", "a", time.Now(), 4)
	p := &record.Processed{Level: record.LevelInfo}
	assert.True(t, s.Accepts(p))
}

func TestSubscriber_FilterEqualsLevel(t *testing.T) {
	s := NewSubscriber("s1", "a", time.Now(), 4)
	f, err := Compile(FilterSpec{ID: "f1", Dimension: DimensionLevel, Operator: OperatorEquals, Value: "error"})
	require.NoError(t, err)
	s.AddFilter(f)

	assert.True(t, s.Accepts(&record.Processed{Level: record.LevelError}))
	assert.False(t, s.Accepts(&record.Processed{Level: record.LevelInfo}))
}

func TestSubscriber_FilterAndComposition(t *testing.T) {
	s := NewSubscriber("s1", "a", time.Now(), 4)
	levelFilter, err := Compile(FilterSpec{ID: "lvl", Dimension: DimensionLevel, Operator: OperatorEquals, Value: "info"})
	require.NoError(t, err)
	sourceFilter, err := Compile(FilterSpec{ID: "src", Dimension: DimensionSource, Operator: OperatorEquals, Value: "game"})
	require.NoError(t, err)
	s.AddFilter(levelFilter)
	s.AddFilter(sourceFilter)

	assert.True(t, s.Accepts(&record.Processed{Level: record.LevelInfo, SourceTag: record.SourceGame}))
	assert.False(t, s.Accepts(&record.Processed{Level: record.LevelInfo, SourceTag: record.SourceOther}))
}

func TestSubscriber_RemoveFilter(t *testing.T) {
	s := NewSubscriber("s1", "a", time.Now(), 4)
	f, err := Compile(FilterSpec{ID: "f1", Dimension: DimensionLevel, Operator: OperatorEquals, Value: "error"})
	require.NoError(t, err)
	s.AddFilter(f)
	assert.False(t, s.Accepts(&record.Processed{Level: record.LevelInfo}))

	removed := s.RemoveFilter("f1")
	assert.True(t, removed)
	assert.True(t, s.Accepts(&record.Processed{Level: record.LevelInfo}))
}

func TestSubscriber_RegexFilter(t *testing.T) {
	s := NewSubscriber("s1", "a", time.Now(), 4)
	f, err := Compile(FilterSpec{ID: "f1", Dimension: DimensionRegex, Operator: OperatorRegex, Value: `wrld_\w+`})
	require.NoError(t, err)
	s.AddFilter(f)

	assert.True(t, s.Accepts(&record.Processed{Raw: "Joining wrld_abc123"}))
	assert.False(t, s.Accepts(&record.Processed{Raw: "no match here"}))
}

func TestCompile_RejectsBadRegex(t *testing.T) {
	_, err := Compile(FilterSpec{ID: "f1", Dimension: DimensionRegex, Operator: OperatorRegex, Value: `(unclosed`})
	assert.Error(t, err)
}

func TestCompile_RejectsUnknownDimension(t *testing.T) {
	_, err := Compile(FilterSpec{ID: "f1", Dimension: "bogus", Operator: OperatorEquals, Value: "x"})
	assert.Error(t, err)
}

func TestSubscriber_EnqueueDropsNewestOnFullQueue(t *testing.T) {
	s := NewSubscriber("s1", "a", time.Now(), 2)
	s.Enqueue([]byte("1"))
	s.Enqueue([]byte("2"))
	s.Enqueue([]byte("3"))

	assert.Equal(t, uint64(2), s.Sent)
	assert.Equal(t, uint64(1), s.Dropped)
	assert.Len(t, s.Outbound, 2)
}

func TestSubscriber_LivenessTwoPhase(t *testing.T) {
	s := NewSubscriber("s1", "a", time.Now(), 4)
	assert.True(t, s.IsAlive())

	s.ClearAlive()
	assert.False(t, s.IsAlive())

	s.Touch(time.Now())
	assert.True(t, s.IsAlive())
}

func TestRegistry_EachMatchingRespectsFilters(t *testing.T) {
	r := New(4)
	s1 := NewSubscriber("s1", "a", time.Now(), 4)
	s2 := NewSubscriber("s2", "b", time.Now(), 4)
	f, err := Compile(FilterSpec{ID: "f1", Dimension: DimensionLevel, Operator: OperatorEquals, Value: "error"})
	require.NoError(t, err)
	s2.AddFilter(f)
	r.Add(s1)
	r.Add(s2)

	var matched []string
	r.EachMatching(&record.Processed{Level: record.LevelInfo}, func(s *Subscriber) {
		matched = append(matched, s.ID)
	})
	assert.Equal(t, []string{"s1"}, matched)
}
