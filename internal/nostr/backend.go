package nostr

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"

	"github.com/allgram/clubfeed/internal/ops"
	"github.com/allgram/clubfeed/internal/storage"
	"github.com/allgram/clubfeed/internal/timeline"
)

// ErrNoIdentity is returned by outbound actions when no secret key is set
var ErrNoIdentity = errors.New("no nostr secret key configured")

const (
	defaultDedupSize = 4096
	defaultWarmStart = 500
	relatedInterval  = 30 * time.Second
)

// Options configures a Backend
type Options struct {
	Client  *Client
	Storage *storage.Storage
	// SecretKey is an nsec or hex key; empty makes the backend read only
	SecretKey string
	DedupSize int
	// WarmStartLimit caps the cached messages Track loads per channel
	WarmStartLimit int
	Logger         *ops.Logger
}

// Backend serves NIP-28 channels as timeline rooms. The room id of a club is
// its kind 40 channel id.
type Backend struct {
	*timeline.Store

	client  *Client
	storage *storage.Storage
	log     *ops.Logger
	seen    *lru.Cache[string, struct{}]

	warmStart int

	secret string
	pubkey string

	mu    sync.Mutex
	edges map[string]edge
}

// edge is how far back a channel was fetched: the oldest created_at (unix
// seconds) reached and the messages already loaded at that second. Pages are
// requested with an inclusive until, so messages sharing the boundary second
// are never skipped.
type edge struct {
	until int64
	ids   map[string]struct{}
}

// advance moves the edge over a page of messages
func (e edge) advance(page []*nostr.Event) edge {
	oldest := e.until
	for _, ev := range page {
		if ts := int64(ev.CreatedAt); oldest == 0 || ts < oldest {
			oldest = ts
		}
	}

	next := edge{until: oldest, ids: make(map[string]struct{})}
	if oldest == e.until {
		for id := range e.ids {
			next.ids[id] = struct{}{}
		}
	}
	for _, ev := range page {
		if int64(ev.CreatedAt) == oldest {
			next.ids[ev.ID] = struct{}{}
		}
	}
	return next
}

// NewBackend creates a channel backend over a relay client and event cache
func NewBackend(opts Options) (*Backend, error) {
	if opts.Client == nil || opts.Storage == nil {
		return nil, errors.New("nostr backend needs a client and a storage")
	}
	if opts.Logger == nil {
		opts.Logger = ops.Nop()
	}
	if opts.DedupSize <= 0 {
		opts.DedupSize = defaultDedupSize
	}
	if opts.WarmStartLimit <= 0 {
		opts.WarmStartLimit = defaultWarmStart
	}

	seen, err := lru.New[string, struct{}](opts.DedupSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create dedup cache: %w", err)
	}

	b := &Backend{
		Store:     timeline.NewStore(),
		client:    opts.Client,
		storage:   opts.Storage,
		log:       opts.Logger.WithComponent("nostr-backend"),
		seen:      seen,
		warmStart: opts.WarmStartLimit,
		edges:     make(map[string]edge),
	}

	if opts.SecretKey != "" {
		sk, err := decodeSecretKey(opts.SecretKey)
		if err != nil {
			return nil, err
		}
		pk, err := nostr.GetPublicKey(sk)
		if err != nil {
			return nil, fmt.Errorf("failed to derive public key: %w", err)
		}
		b.secret, b.pubkey = sk, pk
	}

	return b, nil
}

func decodeSecretKey(key string) (string, error) {
	if !strings.HasPrefix(key, "nsec") {
		if !nostr.IsValid32ByteHex(key) {
			return "", errors.New("secret key is neither nsec nor 32 byte hex")
		}
		return key, nil
	}
	prefix, value, err := nip19.Decode(key)
	if err != nil {
		return "", fmt.Errorf("failed to decode nsec: %w", err)
	}
	sk, ok := value.(string)
	if prefix != "nsec" || !ok {
		return "", fmt.Errorf("expected nsec, got %s", prefix)
	}
	return sk, nil
}

// PublicKey returns the hex public key actions are signed with
func (b *Backend) PublicKey() string {
	return b.pubkey
}

// Track registers a channel and warm starts it from the event cache: the
// newest cached messages at or after the stored cursor are loaded with their
// reactions and deletions. When the cache holds more than one warm start
// batch, history stays open below the oldest loaded message.
func (b *Backend) Track(ctx context.Context, channel string) error {
	b.Store.Track(channel)

	cursor, err := b.storage.Cursor(ctx, channel)
	if err != nil {
		return err
	}
	if cursor.Until == 0 {
		return nil
	}

	cached, err := b.storage.ChannelMessages(ctx, channel, cursor.Until, 0, b.warmStart)
	if err != nil {
		return fmt.Errorf("failed to load cached messages: %w", err)
	}
	related, err := b.storage.Related(ctx, eventIDs(cached))
	if err != nil {
		return fmt.Errorf("failed to load cached reactions: %w", err)
	}

	truncated := len(cached) >= b.warmStart
	e := edge{}.advance(cached)
	if e.until == 0 {
		e.until = cursor.Until
	}
	b.mu.Lock()
	b.edges[channel] = e
	b.mu.Unlock()

	b.Store.SetHistory(channel, !cursor.Exhausted || truncated)
	b.ingest(ctx, channel, append(cached, related...))
	b.log.Debug("channel warm started", "channel", channel, "messages", len(cached),
		"truncated", truncated, "exhausted", cursor.Exhausted)
	return nil
}

// CanPaginate reports whether older channel messages may exist
func (b *Backend) CanPaginate(roomID string) bool {
	return b.Store.HasHistory(roomID)
}

// PaginateBackward fetches the next page of older messages, with their
// reactions and deletions. Relays are asked first; the event cache answers
// when they return nothing. The page overlaps the boundary second and the
// overlap is dropped by dedup.
func (b *Backend) PaginateBackward(ctx context.Context, roomID string, limit int) (bool, error) {
	if !b.Store.Tracks(roomID) {
		return false, fmt.Errorf("%w: %s", timeline.ErrUnknownRoom, roomID)
	}

	b.mu.Lock()
	e := b.edges[roomID]
	b.mu.Unlock()
	// room for the already loaded boundary messages plus a full page
	want := limit + len(e.ids)

	page := b.client.FetchEvents(ctx, storage.ChannelFilter(roomID, e.until, want))
	if err := ctx.Err(); err != nil {
		return b.CanPaginate(roomID), err
	}
	if len(page) == 0 {
		cached, err := b.storage.ChannelMessages(ctx, roomID, 0, e.until, want)
		if err != nil {
			return b.CanPaginate(roomID), fmt.Errorf("failed to read cached page: %w", err)
		}
		page = cached
	} else if _, err := b.storage.StoreEventBatch(ctx, page); err != nil {
		return b.CanPaginate(roomID), err
	}

	ids := eventIDs(page)
	if remote := b.client.FetchEvents(ctx, storage.RelatedFilter(ids)); len(remote) > 0 {
		if _, err := b.storage.StoreEventBatch(ctx, remote); err != nil {
			return b.CanPaginate(roomID), err
		}
	}
	related, err := b.storage.Related(ctx, ids)
	if err != nil {
		return b.CanPaginate(roomID), fmt.Errorf("failed to read related events: %w", err)
	}

	more := limit > 0 && len(page) >= want
	next := e.advance(page)
	if next.until > 0 {
		if err := b.storage.SaveCursor(ctx, storage.Cursor{Channel: roomID, Until: next.until, Exhausted: !more}); err != nil {
			b.log.Warn("failed to save cursor", "channel", roomID, "error", err)
		}
		b.mu.Lock()
		b.edges[roomID] = next
		b.mu.Unlock()
	}

	b.Store.SetHistory(roomID, more)
	b.ingest(ctx, roomID, append(page, related...))
	return more, nil
}

// Listen follows every tracked channel on the relays until ctx is done. New
// messages arrive on a live subscription; reactions and deletions of loaded
// messages are polled.
func (b *Backend) Listen(ctx context.Context) error {
	channels := b.Store.Rooms()
	if len(channels) == 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	since := nostr.Now()
	filters := make(nostr.Filters, 0, len(channels))
	for _, channel := range channels {
		filters = append(filters, nostr.Filter{
			Kinds: []int{storage.KindChannelMessage},
			Tags:  nostr.TagMap{"e": []string{channel}},
			Since: &since,
		})
	}

	b.log.LogSourceEvent("nostr", strings.Join(channels, ","), true, nil)
	live := b.client.SubscribeEvents(ctx, filters)
	ticker := time.NewTicker(relatedInterval)
	defer ticker.Stop()
	lastPoll := since

	for {
		select {
		case <-ctx.Done():
			b.log.LogSourceEvent("nostr", strings.Join(channels, ","), false, nil)
			return ctx.Err()

		case ev, ok := <-live:
			if !ok {
				<-ctx.Done()
				return ctx.Err()
			}
			b.receive(ctx, ev)

		case <-ticker.C:
			now := nostr.Now()
			b.pollRelated(ctx, channels, lastPoll)
			lastPoll = now
		}
	}
}

func (b *Backend) receive(ctx context.Context, ev *nostr.Event) {
	if ev.Kind != storage.KindChannelMessage {
		return
	}
	info, err := ParseThreadInfo(ev)
	if err != nil || !b.Store.Tracks(info.RootEventID) {
		return
	}
	if err := b.storage.StoreEvent(ctx, ev); err != nil {
		b.log.Warn("failed to cache event", "event", ev.ID, "error", err)
	}
	b.ingest(ctx, info.RootEventID, []*nostr.Event{ev})
}

func (b *Backend) pollRelated(ctx context.Context, channels []string, since nostr.Timestamp) {
	for _, channel := range channels {
		events := b.Store.Events(channel)
		if len(events) == 0 {
			continue
		}
		ids := make([]string, 0, len(events))
		for _, ev := range events {
			if ev.Type == timeline.TypeMessage {
				ids = append(ids, ev.ID)
			}
		}

		filter := storage.RelatedFilter(ids)
		filter.Since = &since
		related := b.client.FetchEvents(ctx, filter)
		if len(related) == 0 {
			continue
		}
		if _, err := b.storage.StoreEventBatch(ctx, related); err != nil {
			b.log.Warn("failed to cache related events", "channel", channel, "error", err)
		}
		b.ingest(ctx, channel, related)
	}
}

// ingest converts events into the channel's room. Events seen before are
// skipped, and deletions are only honored from the author of their target.
func (b *Backend) ingest(ctx context.Context, channel string, events []*nostr.Event) int {
	batch := make(map[string]*nostr.Event, len(events))
	for _, ev := range events {
		batch[ev.ID] = ev
	}

	converted := make([]timeline.Event, 0, len(events))
	for _, ev := range events {
		if found, _ := b.seen.ContainsOrAdd(channel+"/"+ev.ID, struct{}{}); found {
			continue
		}
		for _, tev := range Convert(ev, channel) {
			if red, ok := tev.Content.(timeline.Redaction); ok {
				if author, known := b.authorOf(ctx, channel, red.Target, batch); known && author != ev.PubKey {
					b.log.Debug("ignoring foreign deletion", "channel", channel, "target", red.Target, "deleter", ev.PubKey)
					continue
				}
			}
			converted = append(converted, tev)
		}
	}
	return b.Store.Add(channel, converted...)
}

func (b *Backend) authorOf(ctx context.Context, channel, eventID string, batch map[string]*nostr.Event) (string, bool) {
	if ev, ok := batch[eventID]; ok {
		return ev.PubKey, true
	}
	if ev, ok := b.Store.Event(channel, eventID); ok {
		return ev.Sender, true
	}
	cached, err := b.storage.QueryEvents(ctx, nostr.Filter{IDs: []string{eventID}, Limit: 1})
	if err == nil && len(cached) > 0 {
		return cached[0].PubKey, true
	}
	return "", false
}

// SendText posts a channel message, optionally as a reply
func (b *Backend) SendText(ctx context.Context, roomID, body, replyTo string) (string, error) {
	return b.publish(ctx, roomID, &nostr.Event{
		Kind:    storage.KindChannelMessage,
		Content: body,
		Tags:    b.messageTags(ctx, roomID, replyTo),
	})
}

// SendMedia posts an attachment with its NIP-92 imeta tags
func (b *Backend) SendMedia(ctx context.Context, roomID string, content timeline.Content, replyTo string) (string, error) {
	body, imeta, err := mediaMessage(content)
	if err != nil {
		return "", err
	}
	return b.publish(ctx, roomID, &nostr.Event{
		Kind:    storage.KindChannelMessage,
		Content: body,
		Tags:    append(b.messageTags(ctx, roomID, replyTo), imeta...),
	})
}

// React publishes a kind 7 reaction
func (b *Backend) React(ctx context.Context, roomID, targetID, key string) (string, error) {
	tags := nostr.Tags{{"e", targetID}}
	if author, ok := b.authorOf(ctx, roomID, targetID, nil); ok {
		tags = append(tags, nostr.Tag{"p", author})
	}
	return b.publish(ctx, roomID, &nostr.Event{
		Kind:    storage.KindReaction,
		Content: key,
		Tags:    tags,
	})
}

// Redact publishes a kind 5 deletion of one event
func (b *Backend) Redact(ctx context.Context, roomID, eventID, reason string) error {
	_, err := b.publish(ctx, roomID, &nostr.Event{
		Kind:    storage.KindDeletion,
		Content: reason,
		Tags:    nostr.Tags{{"e", eventID}},
	})
	return err
}

func (b *Backend) messageTags(ctx context.Context, channel, replyTo string) nostr.Tags {
	tags := nostr.Tags{{"e", channel, "", "root"}}
	if replyTo == "" {
		return tags
	}
	tags = append(tags, nostr.Tag{"e", replyTo, "", "reply"})
	if author, ok := b.authorOf(ctx, channel, replyTo, nil); ok {
		tags = append(tags, nostr.Tag{"p", author})
	}
	return tags
}

// publish signs, publishes, caches and applies an outbound event
func (b *Backend) publish(ctx context.Context, roomID string, ev *nostr.Event) (string, error) {
	if b.secret == "" {
		return "", ErrNoIdentity
	}
	if !b.Store.Tracks(roomID) {
		return "", fmt.Errorf("%w: %s", timeline.ErrUnknownRoom, roomID)
	}

	ev.CreatedAt = nostr.Now()
	if err := ev.Sign(b.secret); err != nil {
		return "", fmt.Errorf("failed to sign event: %w", err)
	}
	if err := b.client.PublishEvent(ctx, ev); err != nil {
		return "", err
	}
	if err := b.storage.StoreEvent(ctx, ev); err != nil {
		b.log.Warn("failed to cache own event", "event", ev.ID, "error", err)
	}
	b.ingest(ctx, roomID, []*nostr.Event{ev})
	return ev.ID, nil
}

func eventIDs(events []*nostr.Event) []string {
	ids := make([]string, len(events))
	for i, ev := range events {
		ids[i] = ev.ID
	}
	return ids
}
