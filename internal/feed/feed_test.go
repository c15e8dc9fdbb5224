package feed

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/allgram/clubfeed/internal/timeline"
)

const wait = 2 * time.Second

func newFeed(b timeline.Backend, opts Options) *Feed {
	opts.UserID = me
	return New(room, b, opts)
}

func TestFeed_NotifiesOnChangeOnly(t *testing.T) {
	m := timeline.NewMemory(me)
	m.Add(room, image("$a", 1))
	f := newFeed(m, Options{})

	var mu sync.Mutex
	calls := 0
	f.AddChangeHandler(func(old, new []Post) {
		mu.Lock()
		calls++
		mu.Unlock()
	})
	count := func() int {
		mu.Lock()
		defer mu.Unlock()
		return calls
	}

	start(t, f)
	require.Eventually(t, func() bool { return count() == 1 }, wait, time.Millisecond)

	// a plain text message changes nothing visible
	m.Add(room, text("$t", 2, "chatter"))
	require.NoError(t, f.Refresh(context.Background()))
	require.Never(t, func() bool { return count() > 1 }, 50*time.Millisecond, 5*time.Millisecond)

	m.Add(room, image("$b", 3))
	require.Eventually(t, func() bool { return count() == 2 }, wait, time.Millisecond)
	assert.Equal(t, []string{"$a", "$b"}, postIDs(f.Posts()))
}

func TestFeed_NotRunning(t *testing.T) {
	f := newFeed(timeline.NewMemory(me), Options{})
	assert.ErrorIs(t, f.Refresh(context.Background()), ErrNotRunning)

	res := f.Paginate(context.Background(), 1)
	assert.Equal(t, PageFailed, res.Outcome)
	assert.ErrorIs(t, res.Err, ErrNotRunning)

	start(t, f)
	assert.ErrorIs(t, f.Run(context.Background()), ErrAlreadyStarted)
}

func TestPaginate_Continues(t *testing.T) {
	m := timeline.NewMemory(me)
	m.Backlog(room,
		image("$1", 1),
		text("$2", 2, "x"),
		image("$3", 3),
		text("$4", 4, "y"),
		text("$5", 5, "z"),
	)
	f := newFeed(m, Options{PageSize: 1})
	start(t, f)

	res := f.Paginate(context.Background(), 2)
	assert.Equal(t, PageLoaded, res.Outcome)
	assert.Equal(t, 2, res.Gained)
	assert.NoError(t, res.Err)
	assert.Equal(t, 5, m.Pages(), "one page per event until two posts were gained")
	assert.Equal(t, []string{"$1", "$3"}, postIDs(f.Posts()))
}

func TestPaginate_StopsWhenTargetReached(t *testing.T) {
	m := timeline.NewMemory(me)
	m.Backlog(room, image("$1", 1), image("$2", 2), image("$3", 3))
	f := newFeed(m, Options{PageSize: 1})
	start(t, f)

	res := f.Paginate(context.Background(), 1)
	assert.Equal(t, PageLoaded, res.Outcome)
	assert.Equal(t, 1, m.Pages())
	assert.True(t, m.CanPaginate(room))
}

func TestPaginate_NoHistory(t *testing.T) {
	m := timeline.NewMemory(me)
	m.Backlog(room, image("$1", 1), text("$2", 2, "x"))
	f := newFeed(m, Options{PageSize: 1})
	start(t, f)

	res := f.Paginate(context.Background(), 5)
	assert.Equal(t, PageNoHistory, res.Outcome)
	assert.Equal(t, 1, res.Gained)

	res = f.Paginate(context.Background(), 1)
	assert.Equal(t, PageNoHistory, res.Outcome)
	assert.Equal(t, 0, res.Gained)
	assert.Equal(t, 2, m.Pages(), "no fetch once history is exhausted")
}

func TestPaginate_FailureNotRetried(t *testing.T) {
	m := timeline.NewMemory(me)
	m.Backlog(room, image("$1", 1))
	boom := errors.New("server unreachable")
	m.FailPagination(room, boom)
	f := newFeed(m, Options{})
	start(t, f)

	res := f.Paginate(context.Background(), 1)
	assert.Equal(t, PageFailed, res.Outcome)
	assert.ErrorIs(t, res.Err, boom)
	assert.Equal(t, 0, m.Pages())

	m.FailPagination(room, nil)
	res = f.Paginate(context.Background(), 1)
	assert.Equal(t, PageLoaded, res.Outcome, "the caller may retry")
}

func TestPaginate_RejectedWhileOutstanding(t *testing.T) {
	m := timeline.NewMemory(me)
	m.Backlog(room, image("$1", 1), image("$2", 2))
	g := newGated(m)
	f := newFeed(g, Options{PageSize: 1})
	start(t, f)

	first := make(chan PageResult, 1)
	go func() { first <- f.Paginate(context.Background(), 1) }()
	require.Eventually(t, func() bool { return g.calls.Load() == 1 }, wait, time.Millisecond)

	res := f.Paginate(context.Background(), 1)
	assert.Equal(t, PageRejected, res.Outcome)

	g.release()
	select {
	case res := <-first:
		assert.Equal(t, PageLoaded, res.Outcome)
	case <-time.After(wait):
		t.Fatal("first request never finished")
	}
	assert.Equal(t, int32(1), g.calls.Load())
}

func TestPaginate_RunCanceledMidFetch(t *testing.T) {
	m := timeline.NewMemory(me)
	m.Backlog(room, image("$1", 1))
	g := newGated(m)
	f := newFeed(g, Options{PageSize: 1})

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan error, 1)
	go func() { stopped <- f.Run(ctx) }()
	require.Eventually(t, func() bool { return f.started.Load() }, wait, time.Millisecond)

	pending := make(chan PageResult, 1)
	go func() { pending <- f.Paginate(context.Background(), 1) }()
	require.Eventually(t, func() bool { return g.calls.Load() == 1 }, wait, time.Millisecond)

	cancel()
	select {
	case res := <-pending:
		assert.Equal(t, PageFailed, res.Outcome)
		assert.ErrorIs(t, res.Err, context.Canceled)
	case <-time.After(wait):
		t.Fatal("pending request never finished")
	}
	select {
	case err := <-stopped:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(wait):
		t.Fatal("feed loop did not stop")
	}
	require.Eventually(t, func() bool { return g.returned.Load() == 1 }, wait, time.Millisecond)
}

func TestPaginate_LateFetchDropped(t *testing.T) {
	m := timeline.NewMemory(me)
	m.Backlog(room, image("$1", 1))
	g := newGated(m)
	g.detached = true
	f := newFeed(g, Options{PageSize: 1})

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan error, 1)
	go func() { stopped <- f.Run(ctx) }()
	require.Eventually(t, func() bool { return f.started.Load() }, wait, time.Millisecond)

	pending := make(chan PageResult, 1)
	go func() { pending <- f.Paginate(context.Background(), 1) }()
	require.Eventually(t, func() bool { return g.calls.Load() == 1 }, wait, time.Millisecond)

	cancel()
	select {
	case <-stopped:
	case <-time.After(wait):
		t.Fatal("feed loop did not stop")
	}
	assert.Equal(t, PageFailed, (<-pending).Outcome)

	released := make(chan struct{})
	go func() {
		g.release()
		close(released)
	}()
	select {
	case <-released:
	case <-time.After(wait):
		t.Fatal("detached fetch never resumed")
	}
	require.Eventually(t, func() bool { return g.returned.Load() == 1 }, wait, time.Millisecond)

	assert.Empty(t, f.Posts(), "a fetch finishing after the loop stopped is dropped")
	assert.Equal(t, 0, m.Pages())
	res := f.Paginate(context.Background(), 1)
	assert.ErrorIs(t, res.Err, ErrNotRunning)
}

func TestPaginate_RejectsNonPositive(t *testing.T) {
	m := timeline.NewMemory(me)
	m.Backlog(room, image("$1", 1))
	f := newFeed(m, Options{})
	start(t, f)

	assert.Equal(t, PageRejected, f.Paginate(context.Background(), 0).Outcome)
	assert.Equal(t, PageRejected, f.Paginate(context.Background(), -3).Outcome)
	assert.Equal(t, 0, m.Pages())
}

func TestAutoFill_OneShot(t *testing.T) {
	m := timeline.NewMemory(me)
	m.Backlog(room, image("$1", 1), text("$2", 2, "x"), text("$3", 3, "y"))
	f := newFeed(m, Options{PageSize: 1, AutoFillPosts: 1})
	start(t, f)

	require.Eventually(t, func() bool { return m.Pages() == 1 }, wait, time.Millisecond)
	assert.Never(t, func() bool { return m.Pages() > 1 }, 100*time.Millisecond, 5*time.Millisecond)
	assert.Empty(t, f.Posts())

	// an explicit refresh that still yields nothing asks again, once
	require.NoError(t, f.Refresh(context.Background()))
	require.Eventually(t, func() bool { return m.Pages() == 2 }, wait, time.Millisecond)
	assert.Never(t, func() bool { return m.Pages() > 2 }, 100*time.Millisecond, 5*time.Millisecond)
}

func TestAutoFill_FindsContent(t *testing.T) {
	m := timeline.NewMemory(me)
	m.Backlog(room, image("$1", 1))
	f := newFeed(m, Options{PageSize: 10, AutoFillPosts: 1})
	start(t, f)

	require.Eventually(t, func() bool { return len(f.Posts()) == 1 }, wait, time.Millisecond)
}

func TestInitialPosts(t *testing.T) {
	m := timeline.NewMemory(me)
	m.Backlog(room, image("$1", 1), image("$2", 2), image("$3", 3), image("$4", 4))
	m.Add(room, image("$5", 5))
	f := newFeed(m, Options{PageSize: 1, InitialPosts: 3})
	start(t, f)

	require.Eventually(t, func() bool { return len(f.Posts()) == 3 }, wait, time.Millisecond)
	assert.Never(t, func() bool { return m.Pages() > 2 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestHandleReaction_ToggleLaw(t *testing.T) {
	ctx := context.Background()
	m := timeline.NewMemory(me)
	m.Add(room,
		header("$h", 1),
		replyTo(text("$t", 2, "x"), "$h"),
		replyTo(image("$m", 3), "$h"),
	)
	f := newFeed(m, Options{})
	start(t, f)
	require.Eventually(t, func() bool { return len(f.Posts()) == 1 }, wait, time.Millisecond)

	mine := func() int {
		n := 0
		for _, r := range f.Posts()[0].Reactions {
			if r.Sender == me && r.Key == "🔥" {
				n++
			}
		}
		return n
	}

	res, err := f.HandleReaction(ctx, "🔥", "$h")
	require.NoError(t, err)
	require.Equal(t, ReactionSuccess, res)
	require.Eventually(t, func() bool { return mine() == 1 }, wait, time.Millisecond)
	assert.Len(t, m.ReactionsFor(room, "$m"), 1, "new reactions go to the media event")

	res, err = f.HandleReaction(ctx, "🔥", "$h")
	require.NoError(t, err)
	require.Equal(t, ReactionSuccess, res)
	require.Eventually(t, func() bool { return mine() == 0 }, wait, time.Millisecond)
}

func TestHandleReaction_RedactsAllDuplicates(t *testing.T) {
	m := timeline.NewMemory(me)
	m.Add(room,
		image("$p", 1),
		reaction("$r1", me, "$p", "👍", 2),
		reaction("$r2", me, "$p", "👍", 3),
		reaction("$r3", "@bob:test", "$p", "👍", 4),
	)
	f := newFeed(m, Options{})
	start(t, f)
	require.Eventually(t, func() bool { return len(f.Posts()) == 1 }, wait, time.Millisecond)

	res, err := f.HandleReaction(context.Background(), "👍", "$p")
	require.NoError(t, err)
	assert.Equal(t, ReactionSuccess, res)

	left := m.ReactionsFor(room, "$p")
	require.Len(t, left, 1)
	assert.Equal(t, "@bob:test", left[0].Sender)
}

func TestHandleReaction_Comment(t *testing.T) {
	m := timeline.NewMemory(me)
	m.Add(room, image("$p", 1), replyTo(text("$c", 2, "hi"), "$p"))
	f := newFeed(m, Options{})
	start(t, f)
	require.Eventually(t, func() bool { return len(f.Posts()) == 1 }, wait, time.Millisecond)

	res, err := f.HandleReaction(context.Background(), "❤️", "$c")
	require.NoError(t, err)
	assert.Equal(t, ReactionSuccess, res)
	assert.Len(t, m.ReactionsFor(room, "$c"), 1)
	assert.Empty(t, m.ReactionsFor(room, "$p"))
}

func TestHandleReaction_Impossible(t *testing.T) {
	m := timeline.NewMemory(me)
	m.Add(room, image("$p", 1))
	f := newFeed(m, Options{})
	start(t, f)
	require.Eventually(t, func() bool { return len(f.Posts()) == 1 }, wait, time.Millisecond)

	for _, emoji := range []string{"", "ok", "👍👍", "a👍"} {
		res, err := f.HandleReaction(context.Background(), emoji, "$p")
		assert.NoError(t, err, emoji)
		assert.Equal(t, ReactionImpossible, res, emoji)
	}

	res, err := f.HandleReaction(context.Background(), "👍", "$nope")
	assert.ErrorIs(t, err, ErrUnknownTarget)
	assert.Equal(t, ReactionImpossible, res)

	anon := New(room, m, Options{})
	start(t, anon)
	require.Eventually(t, func() bool { return len(anon.Posts()) == 1 }, wait, time.Millisecond)
	res, _ = anon.HandleReaction(context.Background(), "👍", "$p")
	assert.Equal(t, ReactionImpossible, res, "no user id")
	assert.Empty(t, m.ReactionsFor(room, "$p"))
}

type failingSink struct {
	*timeline.Memory
}

func (failingSink) React(context.Context, string, string, string) (string, error) {
	return "", errors.New("forbidden")
}

func TestHandleReaction_Failure(t *testing.T) {
	m := timeline.NewMemory(me)
	m.Add(room, image("$p", 1))
	f := newFeed(failingSink{m}, Options{})
	start(t, f)
	require.Eventually(t, func() bool { return len(f.Posts()) == 1 }, wait, time.Millisecond)

	res, err := f.HandleReaction(context.Background(), "👍", "$p")
	assert.Error(t, err)
	assert.Equal(t, ReactionFailure, res)
}

func TestValidEmoji(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"👍", true},
		{"❤️", true},
		{"👍🏽", true},
		{"🏳️‍🌈", true},
		{"", false},
		{"a", false},
		{"👍👍", false},
		{"+", false},
	}
	for _, tt := range tests {
		if got := ValidEmoji(tt.in); got != tt.want {
			t.Errorf("ValidEmoji(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestPublishPost(t *testing.T) {
	ctx := context.Background()
	m := timeline.NewMemory(me)
	f := newFeed(m, Options{})
	start(t, f)

	media := image("$unused", 0).Content

	single, err := f.PublishPost(ctx, "", media)
	require.NoError(t, err)
	combined, err := f.PublishPost(ctx, "summer trip", media)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(f.Posts()) == 2 }, wait, time.Millisecond)
	posts := f.Posts()
	assert.Equal(t, single, posts[0].ID)
	assert.False(t, posts[0].Combined())
	assert.Equal(t, combined, posts[1].ID)
	assert.True(t, posts[1].Combined())
	assert.Equal(t, "summer trip", posts[1].Text)

	_, err = f.PublishPost(ctx, "x", timeline.Text{Body: "not media"})
	assert.ErrorIs(t, err, timeline.ErrMalformedMedia)
	_, err = f.PublishPost(ctx, "", timeline.Image{Info: timeline.ImageInfo{URL: "mxc://x"}})
	assert.ErrorIs(t, err, timeline.ErrMalformedMedia)
}

func TestPostCommentAndDelete(t *testing.T) {
	ctx := context.Background()
	m := timeline.NewMemory(me)
	m.Add(room,
		header("$h", 1),
		replyTo(text("$t", 2, "x"), "$h"),
		replyTo(image("$m", 3), "$h"),
	)
	f := newFeed(m, Options{})
	start(t, f)
	require.Eventually(t, func() bool { return len(f.Posts()) == 1 }, wait, time.Millisecond)

	c1, err := f.PostComment(ctx, "$h", "first")
	require.NoError(t, err)
	ev, _ := m.Event(room, c1)
	assert.Equal(t, "$m", ev.ReplyTo, "comments on a combined post reply to its media")

	require.Eventually(t, func() bool { return len(f.Posts()[0].Comments) == 1 }, wait, time.Millisecond)
	c2, err := f.PostComment(ctx, c1, "nested")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(f.Posts()[0].Comments) == 2 }, wait, time.Millisecond)
	nested, ok := f.Posts()[0].Comment(c2)
	require.True(t, ok)
	assert.True(t, nested.IsReplyToComment)

	_, err = f.PostComment(ctx, "$nope", "lost")
	assert.ErrorIs(t, err, ErrUnknownTarget)

	require.NoError(t, f.DeletePost(ctx, "$h", "cleanup"))
	require.Eventually(t, func() bool { return len(f.Posts()) == 0 }, wait, time.Millisecond)
	for _, id := range []string{"$h", "$t", "$m"} {
		ev, _ := m.Event(room, id)
		assert.True(t, ev.Redacted, id)
	}
	assert.ErrorIs(t, f.DeletePost(ctx, "$h", ""), ErrUnknownTarget)
}
