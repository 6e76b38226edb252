package broadcast

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kurotori4423/vrc-log-relay/internal/record"
	"github.com/kurotori4423/vrc-log-relay/internal/registry"
	"github.com/kurotori4423/vrc-log-relay/internal/wire"
)

func TestIsLoopbackHost(t *testing.T) {
	assert.True(t, isLoopbackHost("127.0.0.1"))
	assert.True(t, isLoopbackHost("::1"))
	assert.True(t, isLoopbackHost("localhost"))
	assert.False(t, isLoopbackHost("0.0.0.0"))
	assert.False(t, isLoopbackHost("192.168.1.5"))
}

func TestIsLoopbackRemote(t *testing.T) {
	assert.True(t, isLoopbackRemote("127.0.0.1:54321"))
	assert.True(t, isLoopbackRemote("[::1]:54321"))
	assert.False(t, isLoopbackRemote("10.0.0.5:54321"))
}

func TestEncodeOutbound_LogMessage(t *testing.T) {
	rec := &record.Processed{ID: "id-1", Level: record.LevelInfo, SourceTag: record.SourceGame, Raw: "hello"}
	b, err := encodeOutbound(rec)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"type":"log_message"`)
	assert.Contains(t, string(b), "hello")
}

func TestEncodeOutbound_UnknownType(t *testing.T) {
	_, err := encodeOutbound(42)
	assert.Error(t, err)
}

func TestFabric_RouteFrame_AddAndRemoveFilter(t *testing.T) {
	f := New(Config{BindHost: "127.0.0.1"}, nil, nil, clock.New(), nil)
	sub := registry.NewSubscriber("s1", "test", time.Now(), 8)

	addFrame, err := wire.Encode(wire.TypeAddFilter, wire.AddFilterPayload{
		ID:   "f1",
		Type: "level",
		Condition: wire.FilterCondition{Operator: "equals", Value: "error"},
	})
	require.NoError(t, err)
	ok := f.routeFrame(addFrame, sub)
	assert.True(t, ok)

	resp := <-sub.Outbound
	fr, isFr := resp.(wire.FilterResponsePayload)
	require.True(t, isFr)
	assert.True(t, fr.Success)
	assert.Equal(t, "f1", fr.FilterID)

	assert.False(t, sub.Accepts(&record.Processed{Level: record.LevelInfo}))
	assert.True(t, sub.Accepts(&record.Processed{Level: record.LevelError}))

	removeFrame, err := wire.Encode(wire.TypeRemoveFilter, wire.RemoveFilterPayload{ID: "f1"})
	require.NoError(t, err)
	ok = f.routeFrame(removeFrame, sub)
	assert.True(t, ok)
	resp = <-sub.Outbound
	fr, isFr = resp.(wire.FilterResponsePayload)
	require.True(t, isFr)
	assert.True(t, fr.Success)

	assert.True(t, sub.Accepts(&record.Processed{Level: record.LevelInfo}))
}

func TestFabric_RouteFrame_UnknownTypeReportsError(t *testing.T) {
	f := New(Config{BindHost: "127.0.0.1"}, nil, nil, clock.New(), nil)
	sub := registry.NewSubscriber("s1", "test", time.Now(), 8)

	frame, err := wire.Encode(wire.Type("not_a_real_type"), nil)
	require.NoError(t, err)
	ok := f.routeFrame(frame, sub)
	assert.True(t, ok)
	resp := <-sub.Outbound
	errPayload, isErr := resp.(wire.ErrorPayload)
	require.True(t, isErr)
	assert.Equal(t, wire.ErrInvalidMessage, errPayload.Code)
}

func TestFabric_RouteFrame_MalformedClosesConnection(t *testing.T) {
	f := New(Config{BindHost: "127.0.0.1"}, nil, nil, clock.New(), nil)
	sub := registry.NewSubscriber("s1", "test", time.Now(), 8)

	ok := f.routeFrame([]byte("not json"), sub)
	assert.False(t, ok)
}

func TestFabric_Publish_FansOutToMatchingSubscribersOnly(t *testing.T) {
	f := New(Config{BindHost: "127.0.0.1", MaxClients: 4}, nil, nil, clock.New(), nil)
	matching := registry.NewSubscriber("s1", "a", time.Now(), 8)
	filtered := registry.NewSubscriber("s2", "b", time.Now(), 8)
	flt, err := registry.Compile(registry.FilterSpec{ID: "f1", Dimension: registry.DimensionLevel, Operator: registry.OperatorEquals, Value: "error"})
	require.NoError(t, err)
	filtered.AddFilter(flt)

	ok, _ := f.registry.Add(matching)
	require.True(t, ok)
	ok, _ = f.registry.Add(filtered)
	require.True(t, ok)

	f.Publish(&record.Processed{Level: record.LevelInfo})

	select {
	case item := <-matching.Outbound:
		_, isRec := item.(*record.Processed)
		assert.True(t, isRec)
	default:
		t.Fatal("expected matching subscriber to receive the record")
	}

	select {
	case <-filtered.Outbound:
		t.Fatal("filtered subscriber should not have received the record")
	default:
	}
}
