// Package retention bounds the cached history of Nostr channels.
package retention

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/samber/lo"

	"github.com/allgram/clubfeed/internal/config"
	"github.com/allgram/clubfeed/internal/ops"
	"github.com/allgram/clubfeed/internal/storage"
)

const (
	scanPageSize = 500
	relatedBatch = 100
	defaultEvery = time.Hour
)

var _ Store = (*storage.Storage)(nil)

// Engine prunes the oldest cached messages of each channel. Only a suffix of
// the history is ever dropped, and the channel cursor is moved up to the
// oldest kept message so older pages are fetched from relays again.
type Engine struct {
	config *config.Retention
	store  Store
	log    *ops.Logger
	now    func() time.Time

	// messages read per scan query
	pageSize int
}

// NewEngine creates a retention engine
func NewEngine(cfg *config.Retention, store Store, log *ops.Logger) *Engine {
	if log == nil {
		log = ops.Nop()
	}
	return &Engine{
		config:   cfg,
		store:    store,
		log:      log.WithComponent("retention"),
		now:      time.Now,
		pageSize: scanPageSize,
	}
}

// Evaluate decides for messages ordered newest first. A message is kept
// while it is within both the count and the age limit.
func (e *Engine) Evaluate(messages []*nostr.Event) []Decision {
	var cutoff int64
	if e.config.KeepDays > 0 {
		cutoff = e.now().Add(-time.Duration(e.config.KeepDays) * 24 * time.Hour).Unix()
	}

	decisions := make([]Decision, len(messages))
	dropping := false
	for i, ev := range messages {
		d := Decision{EventID: ev.ID, Rule: RuleWithinLimits, Keep: true}
		switch {
		case dropping:
			d.Keep = false
			d.Rule = decisions[i-1].Rule
		case e.config.MaxMessages > 0 && i >= e.config.MaxMessages:
			d.Keep = false
			d.Rule = RuleOverCount
		case cutoff > 0 && int64(ev.CreatedAt) < cutoff:
			d.Keep = false
			d.Rule = RuleTooOld
		}
		dropping = !d.Keep
		decisions[i] = d
	}
	return decisions
}

// Prune applies the limits to one channel
func (e *Engine) Prune(ctx context.Context, channel string) (Result, error) {
	res := Result{Channel: channel}

	messages, err := e.scan(ctx, channel)
	if err != nil {
		return res, err
	}

	var deleted []string
	for i, d := range e.Evaluate(messages) {
		if d.Keep {
			res.Kept++
			res.Until = int64(messages[i].CreatedAt)
			continue
		}
		deleted = append(deleted, d.EventID)
	}
	if len(deleted) == 0 {
		return res, nil
	}

	for _, batch := range lo.Chunk(deleted, relatedBatch) {
		related, err := e.store.Related(ctx, batch)
		if err != nil {
			return res, fmt.Errorf("failed to query related events: %w", err)
		}
		ids := make([]string, 0, len(batch)+len(related))
		ids = append(ids, batch...)
		ids = append(ids, lo.Map(related, func(ev *nostr.Event, _ int) string { return ev.ID })...)
		for _, id := range lo.Uniq(ids) {
			if err := e.store.DeleteEvent(ctx, id); err != nil {
				return res, fmt.Errorf("failed to delete event %s: %w", id, err)
			}
		}
	}
	res.Deleted = len(deleted)

	if err := e.store.ResetCursor(ctx, channel); err != nil {
		return res, err
	}
	if res.Until > 0 {
		if err := e.store.SaveCursor(ctx, storage.Cursor{Channel: channel, Until: res.Until}); err != nil {
			return res, err
		}
	}
	return res, nil
}

// scan reads every cached message of a channel, newest first. Queries use an
// inclusive until and widen by the messages already read at the boundary
// second, so a second holding more than one page is read in full.
func (e *Engine) scan(ctx context.Context, channel string) ([]*nostr.Event, error) {
	var (
		all      []*nostr.Event
		until    int64
		boundary int
	)
	for {
		want := e.pageSize + boundary
		page, err := e.store.ChannelMessages(ctx, channel, 0, until, want)
		if err != nil {
			return nil, fmt.Errorf("failed to scan channel %s: %w", channel, err)
		}
		all = append(all, page...)
		if len(page) < want {
			break
		}
		until = int64(lo.MinBy(page, func(a, b *nostr.Event) bool { return a.CreatedAt < b.CreatedAt }).CreatedAt)
		boundary = lo.CountBy(page, func(ev *nostr.Event) bool { return int64(ev.CreatedAt) == until })
	}
	all = lo.UniqBy(all, func(ev *nostr.Event) string { return ev.ID })
	slices.SortStableFunc(all, func(a, b *nostr.Event) int {
		return cmp.Compare(b.CreatedAt, a.CreatedAt)
	})
	return all, nil
}

// Run prunes every channel once per interval until ctx is done
func (e *Engine) Run(ctx context.Context, channels []string) error {
	every := time.Duration(e.config.IntervalMinutes) * time.Minute
	if every <= 0 {
		every = defaultEvery
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		e.PruneAll(ctx, channels)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// PruneAll prunes each channel, logging failures and carrying on
func (e *Engine) PruneAll(ctx context.Context, channels []string) []Result {
	results := make([]Result, 0, len(channels))
	for _, channel := range channels {
		res, err := e.Prune(ctx, channel)
		if err != nil {
			e.log.Warn("prune failed", "channel", channel, "error", err)
			continue
		}
		if res.Deleted > 0 {
			e.log.Info("cache pruned", "channel", channel, "kept", res.Kept, "deleted", res.Deleted)
		}
		results = append(results, res)
	}
	return results
}
