package feed

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/allgram/clubfeed/internal/timeline"
)

const (
	room = "!club:test"
	me   = "@me:test"
)

func image(id string, ts int64) timeline.Event {
	return timeline.Event{
		ID:        id,
		Sender:    "@alice:test",
		Timestamp: ts,
		Type:      timeline.TypeMessage,
		Content: timeline.Image{Body: id + ".png", Info: timeline.ImageInfo{
			URL: "mxc://test/" + id, MimeType: "image/png", Width: 640, Height: 480, Size: 1024,
		}},
	}
}

func video(id string, ts int64) timeline.Event {
	return timeline.Event{
		ID:        id,
		Sender:    "@alice:test",
		Timestamp: ts,
		Type:      timeline.TypeMessage,
		Content: timeline.Video{Body: id + ".mp4", Info: timeline.VideoInfo{
			URL: "mxc://test/" + id, MimeType: "video/mp4", Width: 1280, Height: 720, Duration: 3000,
		}},
	}
}

func text(id string, ts int64, body string) timeline.Event {
	return timeline.Event{
		ID:        id,
		Sender:    "@alice:test",
		Timestamp: ts,
		Type:      timeline.TypeMessage,
		Content:   timeline.Text{Body: body},
	}
}

func header(id string, ts int64) timeline.Event {
	return text(id, ts, DefaultHeaderSentinel+"\n2")
}

func replyTo(ev timeline.Event, target string) timeline.Event {
	ev.ReplyTo = target
	return ev
}

func reaction(id, sender, target, key string, ts int64) timeline.Event {
	return timeline.Event{
		ID:        id,
		Sender:    sender,
		Timestamp: ts,
		Type:      timeline.TypeReaction,
		Content:   timeline.Annotation{Target: target, Key: key},
	}
}

func redaction(id, target string, ts int64) timeline.Event {
	return timeline.Event{
		ID:        id,
		Sender:    "@alice:test",
		Timestamp: ts,
		Type:      timeline.TypeRedaction,
		Content:   timeline.Redaction{Target: target},
	}
}

// build runs one refresh pass over a store without a feed loop
func build(t *testing.T, events ...timeline.Event) []Post {
	t.Helper()
	m := timeline.NewMemory(me)
	m.Add(room, events...)
	return buildFrom(m)
}

func buildFrom(m *timeline.Memory) []Post {
	posts := NewAssembler(room, nil).Assemble(Classifier{}.Classify(m.Events(room)))
	NewReactions(room, m, m).Attach(posts)
	return posts
}

func postIDs(posts []Post) []string {
	ids := make([]string, len(posts))
	for i, p := range posts {
		ids[i] = p.ID
	}
	return ids
}

// start runs f until the test ends
func start(t *testing.T, f *Feed) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- f.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-errc:
		case <-time.After(2 * time.Second):
			t.Error("feed loop did not stop")
		}
	})
	require.Eventually(t, func() bool { return f.started.Load() }, time.Second, time.Millisecond)
}

// gated holds every backward fetch until release is called. A detached gate
// keeps holding after the fetch context ends.
type gated struct {
	*timeline.Memory
	gate     chan struct{}
	detached bool
	calls    atomic.Int32
	returned atomic.Int32
}

func newGated(m *timeline.Memory) *gated {
	return &gated{Memory: m, gate: make(chan struct{})}
}

func (g *gated) PaginateBackward(ctx context.Context, roomID string, limit int) (bool, error) {
	g.calls.Add(1)
	defer g.returned.Add(1)
	if g.detached {
		<-g.gate
		return g.Memory.PaginateBackward(ctx, roomID, limit)
	}
	select {
	case <-g.gate:
	case <-ctx.Done():
		return true, ctx.Err()
	}
	return g.Memory.PaginateBackward(ctx, roomID, limit)
}

func (g *gated) release() {
	g.gate <- struct{}{}
}
