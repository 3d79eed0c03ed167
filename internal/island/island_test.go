package island

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"islandd/internal/wire"
)

func newTestEngine() *Engine {
	return NewEngine(nil, nil, nil)
}

func lockedEngine(locked *bool) *Engine {
	return NewEngine(nil, func() bool { return *locked }, nil)
}

func TestFullThenDeltaThenEnd(t *testing.T) {
	sender := newTestEngine()
	receiver := newTestEngine()

	// First observation: full snapshot.
	full := sender.BuildUpdate(&Record{
		SourceKey:   "n1",
		PackageName: "com.example.music",
		Title:       "Music",
		Text:        "Song1",
	})
	require.NotNil(t, full)
	assert.Equal(t, wire.TypeFull, full.Type)
	assert.NotEmpty(t, full.Hash)

	res, err := receiver.Apply("peer-a", full)
	require.NoError(t, err)
	require.NotNil(t, res.State)
	assert.Equal(t, "Music", res.State.Title)
	assert.Equal(t, "Song1", res.State.Text)
	require.NotNil(t, res.Ack)
	assert.Equal(t, full.Hash, res.Ack.Hash)

	// Changed title only: delta with one field.
	delta := sender.BuildUpdate(&Record{
		SourceKey:   "n1",
		PackageName: "com.example.music",
		Title:       "Song2",
		Text:        "Song1",
	})
	require.NotNil(t, delta)
	assert.Equal(t, wire.TypeDelta, delta.Type)
	require.NotNil(t, delta.Title)
	assert.Equal(t, "Song2", *delta.Title)
	assert.Nil(t, delta.Text, "unchanged text must be absent")

	res, err = receiver.Apply("peer-a", delta)
	require.NoError(t, err)
	require.NotNil(t, res.State)
	assert.Equal(t, "Song2", res.State.Title)
	assert.Equal(t, "Song1", res.State.Text, "absent fields keep their prior value")

	// End tears the session down.
	end := sender.BuildEnd("n1")
	require.NotNil(t, end)
	assert.Equal(t, wire.TypeEnd, end.Type)
	assert.Equal(t, wire.TerminateValue, end.TerminateValue)

	res, err = receiver.Apply("peer-a", end)
	require.NoError(t, err)
	assert.True(t, res.Ended)
	assert.Empty(t, receiver.Sessions()["peer-a"])
}

func TestUnchangedObservationEmitsNothing(t *testing.T) {
	sender := newTestEngine()
	rec := &Record{SourceKey: "n1", PackageName: "p", Title: "T", Text: "X"}

	require.NotNil(t, sender.BuildUpdate(rec))
	assert.Nil(t, sender.BuildUpdate(rec), "identical observation must not emit a packet")
}

func TestFullIsIdempotentReset(t *testing.T) {
	receiver := newTestEngine()

	first := &wire.Packet{
		Type: wire.TypeFull, PackageName: "p", FeatureKeyValue: "f",
		Title: wire.StringPtr("A"), Text: wire.StringPtr("B"),
	}
	_, err := receiver.Apply("peer", first)
	require.NoError(t, err)

	// A later full with only a title discards the prior text instead of
	// merging into it.
	reset := &wire.Packet{
		Type: wire.TypeFull, PackageName: "p", FeatureKeyValue: "f",
		Title: wire.StringPtr("C"),
	}
	res, err := receiver.Apply("peer", reset)
	require.NoError(t, err)
	require.NotNil(t, res.State)
	assert.Equal(t, "C", res.State.Title)
	assert.Empty(t, res.State.Text)
}

func TestDeltaClearsFieldWithEmptyString(t *testing.T) {
	receiver := newTestEngine()

	_, err := receiver.Apply("peer", &wire.Packet{
		Type: wire.TypeFull, PackageName: "p", FeatureKeyValue: "f",
		Title: wire.StringPtr("A"), Text: wire.StringPtr("B"),
	})
	require.NoError(t, err)

	res, err := receiver.Apply("peer", &wire.Packet{
		Type: wire.TypeDelta, PackageName: "p", FeatureKeyValue: "f",
		Text: wire.StringPtr(""),
	})
	require.NoError(t, err)
	require.NotNil(t, res.State)
	assert.Equal(t, "A", res.State.Title)
	assert.Empty(t, res.State.Text)
}

func TestImageDeltas(t *testing.T) {
	sender := newTestEngine()
	receiver := newTestEngine()

	full := sender.BuildUpdate(&Record{
		SourceKey: "n1", PackageName: "p", Title: "T",
		Images: map[string]string{"icon": "img-a", "cover": "img-b"},
	})
	res, err := receiver.Apply("peer", full)
	require.NoError(t, err)
	assert.Len(t, res.State.Images, 2)

	// One image replaced, one removed.
	delta := sender.BuildUpdate(&Record{
		SourceKey: "n1", PackageName: "p", Title: "T",
		Images: map[string]string{"icon": "img-c"},
	})
	require.NotNil(t, delta)
	assert.Equal(t, map[string]string{"icon": "img-c"}, delta.Pics)
	assert.Equal(t, []string{"cover"}, delta.PicsRemoved)

	res, err = receiver.Apply("peer", delta)
	require.NoError(t, err)
	assert.Len(t, res.State.Images, 1)
	assert.Contains(t, res.State.Images, "icon")
}

func TestRemovalOnlyDeltaApplies(t *testing.T) {
	sender := newTestEngine()
	receiver := newTestEngine()

	full := sender.BuildUpdate(&Record{
		SourceKey: "n1", PackageName: "p", Title: "T",
		Images: map[string]string{"icon": "img-a", "cover": "img-b"},
	})
	_, err := receiver.Apply("peer", full)
	require.NoError(t, err)

	// The only change is a dropped image: the delta carries nothing but
	// pics_removed and must still reach the session.
	delta := sender.BuildUpdate(&Record{
		SourceKey: "n1", PackageName: "p", Title: "T",
		Images: map[string]string{"icon": "img-a"},
	})
	require.NotNil(t, delta)
	assert.Empty(t, delta.Pics)
	assert.Equal(t, []string{"cover"}, delta.PicsRemoved)

	res, err := receiver.Apply("peer", delta)
	require.NoError(t, err)
	assert.False(t, res.Suppressed)
	require.NotNil(t, res.State)
	assert.NotContains(t, res.State.Images, "cover")
	assert.Contains(t, res.State.Images, "icon")
}

func TestMergeRejectsSemanticallyEmptyPacket(t *testing.T) {
	receiver := newTestEngine()

	res, err := receiver.Apply("peer", &wire.Packet{
		Type: wire.TypeFull, PackageName: "p", FeatureKeyValue: "f",
	})
	require.NoError(t, err)
	assert.True(t, res.Suppressed)
	assert.Nil(t, res.State)
	assert.Nil(t, res.Ack, "a rejected packet is a policy decision, not acked")
	assert.Empty(t, receiver.Sessions()["peer"])
}

func TestEndFallbackChain(t *testing.T) {
	receiver := newTestEngine()

	_, err := receiver.Apply("peer", &wire.Packet{
		Type: wire.TypeFull, PackageName: "com.music", FeatureKeyValue: "abcdef123456",
		Title: wire.StringPtr("T"),
	})
	require.NoError(t, err)

	// Prefix match when the terminator carries a partial key.
	res, err := receiver.Apply("peer", &wire.Packet{
		Type: wire.TypeEnd, PackageName: "com.music", FeatureKeyValue: "abcdef",
		TerminateValue: wire.TerminateValue,
	})
	require.NoError(t, err)
	assert.Equal(t, "abcdef123456", res.FeatureID)
	assert.Empty(t, receiver.Sessions()["peer"])

	// Last-applied fallback when the key resolves nothing.
	_, err = receiver.Apply("peer", &wire.Packet{
		Type: wire.TypeFull, PackageName: "com.music", FeatureKeyValue: "zzz111",
		Title: wire.StringPtr("T2"),
	})
	require.NoError(t, err)

	res, err = receiver.Apply("peer", &wire.Packet{
		Type: wire.TypeEnd, PackageName: "com.music", FeatureKeyValue: "unrelated",
		TerminateValue: wire.TerminateValue,
	})
	require.NoError(t, err)
	assert.Equal(t, "zzz111", res.FeatureID)
	assert.Empty(t, receiver.Sessions()["peer"])
}

func TestEndWithoutSessionIsHarmless(t *testing.T) {
	receiver := newTestEngine()
	res, err := receiver.Apply("peer", &wire.Packet{
		Type: wire.TypeEnd, PackageName: "p", FeatureKeyValue: "nope",
		TerminateValue: wire.TerminateValue,
	})
	require.NoError(t, err)
	assert.True(t, res.Ended)
	assert.Empty(t, res.FeatureID)
}

func TestLockScreenBurstSuppression(t *testing.T) {
	locked := true
	receiver := lockedEngine(&locked)

	full := &wire.Packet{
		Type: wire.TypeFull, PackageName: "p", FeatureKeyValue: "f",
		Title: wire.StringPtr("T"),
	}
	res, err := receiver.Apply("peer", full)
	require.NoError(t, err)
	assert.False(t, res.Suppressed)

	// Second content packet for the same session while locked.
	res, err = receiver.Apply("peer", full)
	require.NoError(t, err)
	assert.True(t, res.Suppressed)

	// End evicts the suppression entry; a new session applies again.
	_, err = receiver.Apply("peer", &wire.Packet{
		Type: wire.TypeEnd, PackageName: "p", FeatureKeyValue: "f",
		TerminateValue: wire.TerminateValue,
	})
	require.NoError(t, err)

	res, err = receiver.Apply("peer", full)
	require.NoError(t, err)
	assert.False(t, res.Suppressed)

	// Unlocking clears the gate.
	locked = false
	res, err = receiver.Apply("peer", full)
	require.NoError(t, err)
	assert.False(t, res.Suppressed)
	res, err = receiver.Apply("peer", full)
	require.NoError(t, err)
	assert.False(t, res.Suppressed)
}

func TestAckRoundTrip(t *testing.T) {
	sender := newTestEngine()
	receiver := newTestEngine()

	full := sender.BuildUpdate(&Record{SourceKey: "n1", PackageName: "p", Title: "T"})
	res, err := receiver.Apply("peer", full)
	require.NoError(t, err)
	require.NotNil(t, res.Ack)

	_, err = sender.Apply("peer", res.Ack)
	require.NoError(t, err)

	stats := sender.Stats()
	assert.Equal(t, int64(1), stats.Sent)
	assert.Equal(t, int64(1), stats.Acked)
	assert.Equal(t, int64(0), stats.Stray)

	// A duplicate ack is stray.
	_, err = sender.Apply("peer", res.Ack)
	require.NoError(t, err)
	assert.Equal(t, int64(1), sender.Stats().Stray)
}

func TestSubscribePublishesTransitions(t *testing.T) {
	receiver := newTestEngine()
	updates, cancel := receiver.Subscribe()
	defer cancel()

	_, err := receiver.Apply("peer", &wire.Packet{
		Type: wire.TypeFull, PackageName: "p", FeatureKeyValue: "f",
		Title: wire.StringPtr("T"),
	})
	require.NoError(t, err)

	u := <-updates
	assert.Equal(t, "peer", u.PeerUUID)
	assert.Equal(t, "f", u.FeatureID)
	require.NotNil(t, u.State)
	assert.Equal(t, "T", u.State.Title)

	_, err = receiver.Apply("peer", &wire.Packet{
		Type: wire.TypeEnd, PackageName: "p", FeatureKeyValue: "f",
		TerminateValue: wire.TerminateValue,
	})
	require.NoError(t, err)

	u = <-updates
	assert.Nil(t, u.State, "end publishes a nil state")
}

func TestSubscribeFeatureFiltersStream(t *testing.T) {
	receiver := newTestEngine()
	updates, cancel := receiver.SubscribeFeature("f1")
	defer cancel()

	for _, id := range []string{"f1", "f2"} {
		_, err := receiver.Apply("peer", &wire.Packet{
			Type: wire.TypeFull, PackageName: "p", FeatureKeyValue: id,
			Title: wire.StringPtr("T-" + id),
		})
		require.NoError(t, err)
	}
	_, err := receiver.Apply("peer", &wire.Packet{
		Type: wire.TypeEnd, PackageName: "p", FeatureKeyValue: "f1",
		TerminateValue: wire.TerminateValue,
	})
	require.NoError(t, err)

	u := <-updates
	assert.Equal(t, "f1", u.FeatureID)
	require.NotNil(t, u.State)
	assert.Equal(t, "T-f1", u.State.Title)

	u = <-updates
	assert.Equal(t, "f1", u.FeatureID, "transitions for other sessions are filtered out")
	assert.Nil(t, u.State)
}

func TestPruneSentDropsStaleSnapshots(t *testing.T) {
	sender := newTestEngine()
	base := time.Now()
	sender.now = func() time.Time { return base }

	require.NotNil(t, sender.BuildUpdate(&Record{SourceKey: "n1", PackageName: "p", Title: "T"}))

	// Inside the window nothing is pruned and the session still diffs.
	assert.Equal(t, 0, sender.PruneSent(time.Hour))
	assert.Nil(t, sender.BuildUpdate(&Record{SourceKey: "n1", PackageName: "p", Title: "T"}))

	sender.now = func() time.Time { return base.Add(2 * time.Hour) }
	assert.Equal(t, 1, sender.PruneSent(time.Hour))

	// A pruned session re-announces from scratch.
	p := sender.BuildUpdate(&Record{SourceKey: "n1", PackageName: "p", Title: "T"})
	require.NotNil(t, p)
	assert.Equal(t, wire.TypeFull, p.Type)
}

func TestReleasePeerDropsState(t *testing.T) {
	receiver := newTestEngine()

	for _, peer := range []string{"a", "b"} {
		_, err := receiver.Apply(peer, &wire.Packet{
			Type: wire.TypeFull, PackageName: "p", FeatureKeyValue: "f",
			Title: wire.StringPtr("T"),
		})
		require.NoError(t, err)
	}

	receiver.ReleasePeer("a")
	sessions := receiver.Sessions()
	assert.Empty(t, sessions["a"])
	assert.Len(t, sessions["b"], 1)
}

func TestNewSessionKeyGetsFreshFull(t *testing.T) {
	sender := newTestEngine()

	require.NotNil(t, sender.BuildUpdate(&Record{SourceKey: "n1", PackageName: "p", Title: "T"}))

	// Same content, new instance key: new session, new full packet.
	p := sender.BuildUpdate(&Record{SourceKey: "n2", PackageName: "p", Title: "T"})
	require.NotNil(t, p)
	assert.Equal(t, wire.TypeFull, p.Type)
}
