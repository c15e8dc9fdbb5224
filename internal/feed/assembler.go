package feed

import (
	"cmp"
	"slices"

	"github.com/samber/lo"

	"github.com/allgram/clubfeed/internal/ops"
	"github.com/allgram/clubfeed/internal/timeline"
)

// Assembler turns a Partition into validated posts with their comments
type Assembler struct {
	room string
	log  *ops.Logger
}

// NewAssembler creates an assembler for one room
func NewAssembler(room string, log *ops.Logger) *Assembler {
	if log == nil {
		log = ops.Nop()
	}
	return &Assembler{room: room, log: log}
}

// Assemble builds posts in ascending timestamp order. Reactions are left
// empty; the Reactions aggregator fills them in.
func (a *Assembler) Assemble(p Partition) []Post {
	posts := make([]Post, 0, len(p.Basic)+len(p.Headers))

	for _, ev := range p.Basic {
		media, err := mediaOf(ev)
		if err != nil {
			a.log.LogMalformed(a.room, ev.ID, err)
			continue
		}
		posts = append(posts, Post{
			ID:        ev.ID,
			RoomID:    ev.RoomID,
			Sender:    ev.Sender,
			Timestamp: ev.Timestamp,
			Events:    []timeline.Event{ev},
			Media:     media,
		})
	}

	replies := slices.Clone(p.Replies)
	for _, header := range p.Headers {
		var post Post
		var ok bool
		post, replies, ok = a.combine(header, replies)
		if ok {
			posts = append(posts, post)
		}
	}

	slices.SortStableFunc(posts, func(x, y Post) int {
		return cmp.Compare(x.Timestamp, y.Timestamp)
	})

	posts = lo.Reject(posts, func(post Post, _ int) bool {
		return lo.SomeBy(post.Events, func(ev timeline.Event) bool {
			_, gone := p.Redacted[ev.ID]
			return gone
		})
	})
	replies = lo.Reject(replies, func(ev timeline.Event, _ int) bool {
		_, gone := p.Redacted[ev.ID]
		return gone
	})

	a.attachComments(posts, replies)
	return posts
}

// combine consumes every reply addressed to header and builds the combined
// post when exactly one text and one media part are present. Parts of an
// invalid header stay consumed.
func (a *Assembler) combine(header timeline.Event, replies []timeline.Event) (Post, []timeline.Event, bool) {
	isPart := func(ev timeline.Event, _ int) bool { return ev.ReplyTo == header.ID }
	parts := lo.Filter(replies, isPart)
	rest := lo.Reject(replies, isPart)

	texts := lo.Filter(parts, func(ev timeline.Event, _ int) bool { return ev.MsgType() == timeline.MsgText })
	medias := lo.Filter(parts, func(ev timeline.Event, _ int) bool { return ev.IsMedia() })
	if len(texts) != 1 || len(medias) != 1 {
		a.log.Debug("combined post discarded",
			"room", a.room,
			"header", header.ID,
			"texts", len(texts),
			"media", len(medias))
		return Post{}, rest, false
	}

	media, err := mediaOf(medias[0])
	if err != nil {
		a.log.LogMalformed(a.room, medias[0].ID, err)
		return Post{}, rest, false
	}

	return Post{
		ID:        header.ID,
		RoomID:    header.RoomID,
		Sender:    header.Sender,
		Timestamp: header.Timestamp,
		Events:    []timeline.Event{header, texts[0], medias[0]},
		Media:     media,
		Text:      texts[0].Body(),
	}, rest, true
}

// attachComments resolves each reply to the post that owns its target,
// following comment-to-comment chains. Unresolvable replies are dropped, and
// so is every reply whose chain passes through a reply with malformed media.
func (a *Assembler) attachComments(posts []Post, replies []timeline.Event) {
	owner := make(map[string]int)
	for i, post := range posts {
		for _, ev := range post.Events {
			owner[ev.ID] = i
		}
	}

	comments := make([]Comment, 0, len(replies))
	for _, ev := range replies {
		comment := Comment{
			ID:        ev.ID,
			Sender:    ev.Sender,
			Timestamp: ev.Timestamp,
			Body:      ev.Body(),
			ReplyTo:   ev.ReplyTo,
			Event:     ev,
		}
		switch ev.MsgType() {
		case timeline.MsgImage, timeline.MsgVideo, timeline.MsgVoice:
			media, err := mediaOf(ev)
			if err != nil {
				a.log.LogMalformed(a.room, ev.ID, err)
				continue
			}
			comment.Media = &media
		}
		comments = append(comments, comment)
	}
	pending := lo.KeyBy(comments, func(c Comment) string { return c.ID })

	resolve := func(target string) (int, bool) {
		seen := make(map[string]bool)
		for {
			if i, ok := owner[target]; ok {
				return i, true
			}
			parent, ok := pending[target]
			if !ok || seen[target] {
				return 0, false
			}
			seen[target] = true
			target = parent.ReplyTo
		}
	}

	orphans := 0
	for _, comment := range comments {
		i, ok := resolve(comment.ReplyTo)
		if !ok {
			orphans++
			continue
		}
		posts[i].Comments = append(posts[i].Comments, comment)
	}
	if orphans > 0 {
		a.log.Debug("orphaned replies dropped", "room", a.room, "count", orphans)
	}

	for i := range posts {
		ids := lo.SliceToMap(posts[i].Comments, func(c Comment) (string, struct{}) {
			return c.ID, struct{}{}
		})
		for j := range posts[i].Comments {
			_, nested := ids[posts[i].Comments[j].ReplyTo]
			posts[i].Comments[j].IsReplyToComment = nested
		}
	}
}
