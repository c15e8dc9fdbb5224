package feed

import (
	"cmp"
	"context"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"
)

// RoomPost is a post tagged with the room it came from
type RoomPost struct {
	Room string `json:"room"`
	Post
}

// CombinedHandler is called after the merged list changed
type CombinedHandler func(posts []RoomPost)

// Combined merges the posts of several feeds into one timeline
type Combined struct {
	feeds []*Feed

	// serialises rebuilds so a stale snapshot never overwrites a newer one
	rebuildMu sync.Mutex

	mu       sync.RWMutex
	posts    []RoomPost
	handlers []CombinedHandler
}

// NewCombined registers itself on every feed and builds the initial list
func NewCombined(feeds ...*Feed) *Combined {
	c := &Combined{feeds: feeds}
	for _, f := range feeds {
		f.AddChangeHandler(func(_, _ []Post) { c.rebuild() })
	}
	c.rebuild()
	return c
}

// Feeds returns the member feeds
func (c *Combined) Feeds() []*Feed {
	return c.feeds
}

// Posts returns the merged list in ascending timestamp order
func (c *Combined) Posts() []RoomPost {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.posts
}

// AddChangeHandler registers a handler for merged list changes
func (c *Combined) AddChangeHandler(h CombinedHandler) {
	if h == nil {
		return
	}
	c.mu.Lock()
	c.handlers = append(c.handlers, h)
	c.mu.Unlock()
}

// rebuild may run on any member's loop goroutine
func (c *Combined) rebuild() {
	c.rebuildMu.Lock()
	defer c.rebuildMu.Unlock()

	var merged []RoomPost
	for _, f := range c.feeds {
		for _, p := range f.Posts() {
			merged = append(merged, RoomPost{Room: f.Room(), Post: p})
		}
	}
	slices.SortStableFunc(merged, func(a, b RoomPost) int {
		return cmp.Compare(a.Timestamp, b.Timestamp)
	})

	c.mu.Lock()
	changed := !slices.EqualFunc(c.posts, merged, func(a, b RoomPost) bool {
		return a.Room == b.Room && a.Post.Equal(b.Post)
	})
	c.posts = merged
	handlers := slices.Clone(c.handlers)
	c.mu.Unlock()

	if changed {
		for _, h := range handlers {
			h(merged)
		}
	}
}

// Paginate asks every member for count more posts in parallel and folds the
// outcomes: loaded if any member loaded, else failed if any failed, else
// no_history if any had none left, else rejected.
func (c *Combined) Paginate(ctx context.Context, count int) PageResult {
	results := make([]PageResult, len(c.feeds))

	g, ctx := errgroup.WithContext(ctx)
	for i, f := range c.feeds {
		g.Go(func() error {
			results[i] = f.Paginate(ctx, count)
			return nil
		})
	}
	_ = g.Wait()

	return foldOutcomes(results)
}

func foldOutcomes(results []PageResult) PageResult {
	out := PageResult{Outcome: PageRejected}
	rank := func(o PageOutcome) int {
		switch o {
		case PageLoaded:
			return 3
		case PageFailed:
			return 2
		case PageNoHistory:
			return 1
		}
		return 0
	}
	for _, res := range results {
		out.Gained += res.Gained
		if rank(res.Outcome) > rank(out.Outcome) {
			out.Outcome = res.Outcome
			out.Err = res.Err
		}
	}
	return out
}
