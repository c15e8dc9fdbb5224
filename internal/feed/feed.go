package feed

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/allgram/clubfeed/internal/ops"
	"github.com/allgram/clubfeed/internal/timeline"
)

var (
	// ErrNotRunning is returned when the feed loop is not (or no longer) running
	ErrNotRunning = errors.New("feed is not running")
	// ErrAlreadyStarted is returned by a second call to Run
	ErrAlreadyStarted = errors.New("feed already started")
	// ErrUnknownTarget is returned when an id matches no post or comment
	ErrUnknownTarget = errors.New("unknown post or comment")
)

// PageOutcome is the result of a pagination request
type PageOutcome int

const (
	PageLoaded PageOutcome = iota
	PageNoHistory
	PageFailed
	// PageRejected means the guard refused the request: a fetch is already
	// outstanding or the count was not positive
	PageRejected
)

func (o PageOutcome) String() string {
	switch o {
	case PageLoaded:
		return "loaded"
	case PageNoHistory:
		return "no_history"
	case PageFailed:
		return "failed"
	default:
		return "rejected"
	}
}

// MarshalText renders the outcome name in JSON responses
func (o PageOutcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// PageResult reports how a pagination request ended
type PageResult struct {
	Outcome PageOutcome `json:"outcome"`
	Gained  int         `json:"gained"`
	Err     error       `json:"-"`
}

// ChangeHandler is called on the feed loop after a refresh pass changed the post list
type ChangeHandler func(old, new []Post)

// Options configures a Feed
type Options struct {
	UserID         string
	HeaderSentinel string
	// PageSize is the event limit of one backward fetch
	PageSize int
	// InitialPosts is requested once when Run starts; 0 disables it
	InitialPosts int
	// AutoFillPosts is requested when a refresh yields no posts; 0 disables it
	AutoFillPosts int
	Logger        *ops.Logger
	Metrics       *ops.Metrics
}

type driverState int

const (
	stateIdle driverState = iota
	statePaginating
)

// pageRequest is the driver's explicit continuation state
type pageRequest struct {
	remaining int
	baseline  int
	gained    int
	auto      bool
	reply     chan PageResult
}

type refreshMsg struct{}

type paginateMsg struct {
	count int
	reply chan PageResult
}

type pageFetchedMsg struct {
	more bool
	err  error
}

// Feed is the view model of one club room. All refresh passes and
// pagination transitions run on the goroutine executing Run.
type Feed struct {
	room    string
	backend timeline.Backend
	opts    Options
	log     *ops.Logger
	metrics *ops.Metrics

	classifier Classifier
	assembler  *Assembler
	reactions  *Reactions

	inbox   chan any
	done    chan struct{}
	started atomic.Bool

	mu       sync.RWMutex
	posts    []Post
	handlers []ChangeHandler

	// owned by the loop
	ctx     context.Context
	state   driverState
	request *pageRequest
}

// New creates a feed for room over backend
func New(room string, backend timeline.Backend, opts Options) *Feed {
	if opts.HeaderSentinel == "" {
		opts.HeaderSentinel = DefaultHeaderSentinel
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 50
	}
	log := opts.Logger
	if log == nil {
		log = ops.Nop()
	}
	log = log.WithFields("room", room)

	return &Feed{
		room:       room,
		backend:    backend,
		opts:       opts,
		log:        log,
		metrics:    opts.Metrics,
		classifier: Classifier{Sentinel: opts.HeaderSentinel},
		assembler:  NewAssembler(room, log),
		reactions:  NewReactions(room, backend, backend),
		inbox:      make(chan any, 16),
		done:       make(chan struct{}),
	}
}

// Room returns the room id
func (f *Feed) Room() string {
	return f.room
}

// Posts returns the last published snapshot in ascending timestamp order
func (f *Feed) Posts() []Post {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.posts
}

// AddChangeHandler registers a handler for post list changes
func (f *Feed) AddChangeHandler(h ChangeHandler) {
	if h == nil {
		return
	}
	f.mu.Lock()
	f.handlers = append(f.handlers, h)
	f.mu.Unlock()
}

// Run executes the feed loop until ctx is done. A Feed runs once.
func (f *Feed) Run(ctx context.Context) error {
	if !f.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	defer close(f.done)
	f.ctx = ctx

	changes, cancel := f.backend.Subscribe(f.room)
	defer cancel()

	f.refresh(f.opts.InitialPosts <= 0)
	if f.opts.InitialPosts > 0 {
		if missing := f.opts.InitialPosts - len(f.Posts()); missing > 0 {
			f.paginate(missing, false, nil)
		}
	}

	for {
		select {
		case <-ctx.Done():
			if f.request != nil {
				f.finish(PageResult{Outcome: PageFailed, Gained: f.request.gained, Err: ctx.Err()})
			}
			return ctx.Err()

		case <-changes:
			f.refresh(true)

		case msg := <-f.inbox:
			switch m := msg.(type) {
			case refreshMsg:
				f.refresh(true)
			case paginateMsg:
				f.paginate(m.count, false, m.reply)
			case pageFetchedMsg:
				f.pageFetched(changes, m)
			}
		}
	}
}

// Refresh schedules a refresh pass
func (f *Feed) Refresh(ctx context.Context) error {
	return f.send(ctx, refreshMsg{})
}

// Paginate asks for count more posts and waits for the request to end
func (f *Feed) Paginate(ctx context.Context, count int) PageResult {
	reply := make(chan PageResult, 1)
	if err := f.send(ctx, paginateMsg{count: count, reply: reply}); err != nil {
		return PageResult{Outcome: PageFailed, Err: err}
	}
	select {
	case res := <-reply:
		return res
	case <-f.done:
		select {
		case res := <-reply:
			return res
		default:
			return PageResult{Outcome: PageFailed, Err: ErrNotRunning}
		}
	case <-ctx.Done():
		return PageResult{Outcome: PageFailed, Err: ctx.Err()}
	}
}

func (f *Feed) send(ctx context.Context, msg any) error {
	if !f.started.Load() {
		return ErrNotRunning
	}
	select {
	case f.inbox <- msg:
		return nil
	case <-f.done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
}

// refresh rebuilds the post list from the current snapshot. autoFill allows
// the sparse-feed request when the pass yields no posts.
func (f *Feed) refresh(autoFill bool) {
	start := time.Now()

	posts := f.assembler.Assemble(f.classifier.Classify(f.backend.Events(f.room)))
	f.reactions.Attach(posts)

	f.mu.Lock()
	old := f.posts
	changed := !PostsEqual(old, posts)
	f.posts = posts
	handlers := slices.Clone(f.handlers)
	f.mu.Unlock()

	f.log.LogRefreshPass(f.room, len(posts), changed, time.Since(start))
	f.metrics.ObserveRefresh(f.room, len(posts), changed)

	if changed {
		for _, h := range handlers {
			h(old, posts)
		}
	}

	if autoFill && len(posts) == 0 && f.opts.AutoFillPosts > 0 &&
		f.state == stateIdle && f.backend.CanPaginate(f.room) {
		f.log.Debug("feed empty, requesting one more page", "posts", f.opts.AutoFillPosts)
		f.paginate(f.opts.AutoFillPosts, true, nil)
	}
}

// paginate applies the guard and starts the first fetch of a request
func (f *Feed) paginate(count int, auto bool, reply chan PageResult) {
	if count <= 0 || f.state == statePaginating {
		f.respond(reply, PageResult{Outcome: PageRejected})
		return
	}
	if !f.backend.CanPaginate(f.room) {
		f.respond(reply, PageResult{Outcome: PageNoHistory})
		return
	}

	f.request = &pageRequest{
		remaining: count,
		baseline:  len(f.Posts()),
		auto:      auto,
		reply:     reply,
	}
	f.state = statePaginating
	f.fetch()
}

func (f *Feed) fetch() {
	ctx, limit := f.ctx, f.opts.PageSize
	go func() {
		more, err := f.backend.PaginateBackward(ctx, f.room, limit)
		select {
		case f.inbox <- pageFetchedMsg{more: more, err: err}:
		case <-f.done:
		}
	}()
}

func (f *Feed) pageFetched(changes <-chan struct{}, m pageFetchedMsg) {
	req := f.request
	if req == nil {
		return
	}
	if m.err != nil {
		f.finish(PageResult{Outcome: PageFailed, Gained: req.gained, Err: m.err})
		return
	}

	// The notification raised by the fetched page is covered by this pass
	select {
	case <-changes:
	default:
	}
	f.refresh(false)

	gained := len(f.Posts()) - req.baseline
	req.gained += gained
	req.remaining -= gained

	switch {
	case req.remaining <= 0 || req.auto:
		f.finish(PageResult{Outcome: PageLoaded, Gained: req.gained})
	case !m.more || !f.backend.CanPaginate(f.room):
		f.finish(PageResult{Outcome: PageNoHistory, Gained: req.gained})
	default:
		req.baseline = len(f.Posts())
		f.log.Debug("continuing pagination", "remaining", req.remaining)
		f.fetch()
	}
}

func (f *Feed) finish(res PageResult) {
	req := f.request
	f.request = nil
	f.state = stateIdle

	remaining := 0
	if req != nil {
		remaining = max(req.remaining, 0)
		f.respond(req.reply, res)
	}
	f.log.LogPagination(f.room, res.Outcome.String(), res.Gained, remaining, res.Err)
}

func (f *Feed) respond(reply chan PageResult, res PageResult) {
	f.metrics.ObservePagination(f.room, res.Outcome.String())
	if reply != nil {
		reply <- res
	}
}
