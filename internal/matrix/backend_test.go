package matrix

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/allgram/clubfeed/internal/config"
	"github.com/allgram/clubfeed/internal/feed"
	"github.com/allgram/clubfeed/internal/timeline"
)

func backend(t *testing.T) (*Backend, *fakeClient) {
	t.Helper()
	client := newFakeClient()
	b := NewBackend(client, Options{UserID: me})
	b.Track(room)
	return b, client
}

func ids(events []timeline.Event) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.ID
	}
	return out
}

func TestBackend_PaginateBackward(t *testing.T) {
	b, client := backend(t)
	// /messages returns newest first when paginating backwards
	client.page("", "t1", imageMessage("$c", 30), imageMessage("$b", 20))
	client.page("t1", "", imageMessage("$a", 10))

	more, err := b.PaginateBackward(context.Background(), room, 2)
	require.NoError(t, err)
	assert.True(t, more)
	assert.Equal(t, []string{"$b", "$c"}, ids(b.Events(room)))

	more, err = b.PaginateBackward(context.Background(), room, 2)
	require.NoError(t, err)
	assert.False(t, more)
	assert.False(t, b.CanPaginate(room))
	assert.Equal(t, []string{"$a", "$b", "$c"}, ids(b.Events(room)))
	assert.Equal(t, []string{"", "t1"}, client.froms)
}

func TestBackend_PaginateFailure(t *testing.T) {
	b, client := backend(t)
	client.failWith = errors.New("502")

	more, err := b.PaginateBackward(context.Background(), room, 10)
	assert.Error(t, err)
	assert.True(t, more, "a failed page keeps history available")

	_, err = b.PaginateBackward(context.Background(), "!other:test", 10)
	assert.ErrorIs(t, err, timeline.ErrUnknownRoom)
}

func TestBackend_ProcessSync(t *testing.T) {
	b, client := backend(t)
	client.page("prev", "", imageMessage("$old", 1))

	joined := map[id.RoomID]*mautrix.SyncJoinedRoom{
		room:          {Timeline: mautrix.SyncTimeline{PrevBatch: "prev"}},
		"!other:test": {},
	}
	joined[room].Timeline.Events = []*event.Event{imageMessage("$new", 50)}
	joined["!other:test"].Timeline.Events = []*event.Event{imageMessage("$ignored", 50)}

	resp := &mautrix.RespSync{NextBatch: "s1"}
	resp.Rooms.Join = joined
	b.ProcessSync(resp)

	assert.Equal(t, []string{"$new"}, ids(b.Events(room)))
	assert.Empty(t, b.Events("!other:test"))

	_, err := b.PaginateBackward(context.Background(), room, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"prev"}, client.froms)
	assert.Equal(t, []string{"$old", "$new"}, ids(b.Events(room)))
}

func syncResponse(next string, tl mautrix.SyncTimeline) *mautrix.RespSync {
	resp := &mautrix.RespSync{NextBatch: next}
	resp.Rooms.Join = map[id.RoomID]*mautrix.SyncJoinedRoom{room: {Timeline: tl}}
	return resp
}

func TestBackend_LimitedSync(t *testing.T) {
	b, client := backend(t)
	ctx := context.Background()

	first := mautrix.SyncTimeline{PrevBatch: "p0", Limited: true}
	first.Events = []*event.Event{imageMessage("$a", 10)}
	b.ProcessSync(syncResponse("s1", first))
	b.FillGaps(ctx)
	assert.Empty(t, client.froms, "the first limited timeline is covered by backward pagination")

	second := mautrix.SyncTimeline{PrevBatch: "p1", Limited: true}
	second.Events = []*event.Event{imageMessage("$d", 40)}
	client.page("p1", "p2", imageMessage("$c", 30))
	client.page("p2", "p3", imageMessage("$b", 20), imageMessage("$a", 10))
	client.page("p3", "", imageMessage("$older", 5))
	b.ProcessSync(syncResponse("s2", second))
	b.FillGaps(ctx)

	assert.Equal(t, []string{"$a", "$b", "$c", "$d"}, ids(b.Events(room)))
	assert.Equal(t, []string{"p1", "p2"}, client.froms, "filling stops at known events")

	b.FillGaps(ctx)
	assert.Len(t, client.froms, 2, "a filled gap is forgotten")

	_, err := b.PaginateBackward(ctx, room, 10)
	require.NoError(t, err)
	assert.Equal(t, "p0", client.froms[2], "backward pagination keeps its own token")
}

func TestBackend_LimitedSyncRetry(t *testing.T) {
	b, client := backend(t)
	ctx := context.Background()

	b.ProcessSync(syncResponse("s1", mautrix.SyncTimeline{PrevBatch: "p0"}))
	b.ProcessSync(syncResponse("s2", mautrix.SyncTimeline{PrevBatch: "p1", Limited: true}))

	client.failWith = errors.New("502")
	b.FillGaps(ctx)
	client.failWith = nil
	client.page("p1", "", imageMessage("$missed", 20))
	b.FillGaps(ctx)

	assert.Equal(t, []string{"p1", "p1"}, client.froms)
	assert.Equal(t, []string{"$missed"}, ids(b.Events(room)))
}

func TestBackend_Sync(t *testing.T) {
	b, client := backend(t)
	resp := &mautrix.RespSync{NextBatch: "s1"}
	resp.Rooms.Join = map[id.RoomID]*mautrix.SyncJoinedRoom{room: {}}
	resp.Rooms.Join[room].Timeline.Events = []*event.Event{textMessage("$live", 5, "hi")}
	client.syncs = append(client.syncs, resp)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Sync(ctx) }()

	require.Eventually(t, func() bool { return len(b.Events(room)) == 1 }, time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestBackend_Actions(t *testing.T) {
	b, client := backend(t)
	ctx := context.Background()
	b.Store.Add(room, mustConvert(t, imageMessage("$img", 10)))

	commentID, err := b.SendText(ctx, room, "nice", "$img")
	require.NoError(t, err)
	comment, ok := b.Event(room, commentID)
	require.True(t, ok)
	assert.Equal(t, "$img", comment.ReplyTo)
	assert.Equal(t, me, comment.Sender)

	msg, ok := client.sent[0].Content.(*event.MessageEventContent)
	require.True(t, ok)
	assert.Equal(t, id.EventID("$img"), msg.RelatesTo.GetReplyTo())

	reactionID, err := b.React(ctx, room, "$img", "👍")
	require.NoError(t, err)
	require.Len(t, b.ReactionsFor(room, "$img"), 1)

	require.NoError(t, b.Redact(ctx, room, reactionID, "oops"))
	assert.Empty(t, b.ReactionsFor(room, "$img"))
	assert.Equal(t, "oops", client.sent[2].Reason)

	_, err = b.SendMedia(ctx, room, timeline.Text{Body: "x"}, "")
	assert.Error(t, err)

	client.failWith = errors.New("forbidden")
	_, err = b.React(ctx, room, "$img", "👍")
	assert.Error(t, err)
}

func TestBackend_Feed(t *testing.T) {
	b, client := backend(t)
	client.page("", "t1", imageMessage("$b", 20), textMessage("$chat", 15, "just chatting"))
	client.page("t1", "", imageMessage("$a", 10))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := feed.New(room, b, feed.Options{UserID: me, PageSize: 2, InitialPosts: 2})
	go f.Run(ctx)

	require.Eventually(t, func() bool { return len(f.Posts()) == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, "$a", f.Posts()[0].ID)
	assert.False(t, b.CanPaginate(room))

	commentID, err := f.PostComment(ctx, "$b", "hello")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		p, ok := f.Find("$b")
		return ok && len(p.Comments) == 1 && p.Comments[0].ID == commentID
	}, time.Second, time.Millisecond)
}

func TestNewZerolog(t *testing.T) {
	var buf bytes.Buffer
	log := newZerolog(&config.Logging{Level: "warn", Format: "json"}, &buf)
	log.Info().Msg("hidden")
	log.Warn().Msg("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"component":"mautrix"`)
}

func mustConvert(t *testing.T, evt *event.Event) timeline.Event {
	t.Helper()
	ev, ok := Convert(evt)
	require.True(t, ok)
	return ev
}
