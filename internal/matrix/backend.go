package matrix

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/allgram/clubfeed/internal/config"
	"github.com/allgram/clubfeed/internal/ops"
	"github.com/allgram/clubfeed/internal/timeline"
)

const (
	syncRetryDelay = 5 * time.Second
	gapPageSize    = 50
	maxGapPages    = 10
)

var (
	_ Client           = (*mautrix.Client)(nil)
	_ timeline.Backend = (*Backend)(nil)
)

// Client is the part of *mautrix.Client the backend drives
type Client interface {
	Messages(ctx context.Context, roomID id.RoomID, from, to string, dir mautrix.Direction, filter *mautrix.FilterPart, limit int) (*mautrix.RespMessages, error)
	FullSyncRequest(ctx context.Context, req mautrix.ReqSync) (*mautrix.RespSync, error)
	SendMessageEvent(ctx context.Context, roomID id.RoomID, eventType event.Type, contentJSON interface{}, extra ...mautrix.ReqSendEvent) (*mautrix.RespSendEvent, error)
	SendReaction(ctx context.Context, roomID id.RoomID, eventID id.EventID, reaction string) (*mautrix.RespSendEvent, error)
	RedactEvent(ctx context.Context, roomID id.RoomID, eventID id.EventID, extra ...mautrix.ReqRedact) (*mautrix.RespSendEvent, error)
}

// NewClient builds an authenticated mautrix client whose own log is a
// zerolog logger at the configured level
func NewClient(cfg *config.Matrix, userID string, logging *config.Logging) (*mautrix.Client, error) {
	cli, err := mautrix.NewClient(cfg.HomeserverURL, id.UserID(userID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create matrix client: %w", err)
	}
	cli.Log = newZerolog(logging, os.Stderr)
	return cli, nil
}

func newZerolog(cfg *config.Logging, w io.Writer) zerolog.Logger {
	level := zerolog.InfoLevel
	format := "text"
	if cfg != nil {
		if parsed, err := zerolog.ParseLevel(cfg.Level); err == nil && cfg.Level != "" {
			level = parsed
		}
		format = cfg.Format
	}
	if format != "json" {
		w = zerolog.ConsoleWriter{Out: w, NoColor: true}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Str("component", "mautrix").Logger()
}

// Options configures a Backend
type Options struct {
	UserID string
	// SyncTimeout is the long poll timeout of one /sync request
	SyncTimeout time.Duration
	Logger      *ops.Logger
}

// Backend serves joined Matrix rooms as timeline rooms
type Backend struct {
	*timeline.Store

	client      Client
	userID      string
	syncTimeout time.Duration
	log         *ops.Logger

	mu sync.Mutex
	// backward pagination token per room; "" before the first page
	tokens map[string]string
	// rooms whose last sync timeline was limited, with the token to page
	// back from until known events are met
	gaps map[string]string
}

// NewBackend creates a Matrix backend over a client
func NewBackend(client Client, opts Options) *Backend {
	if opts.Logger == nil {
		opts.Logger = ops.Nop()
	}
	if opts.SyncTimeout <= 0 {
		opts.SyncTimeout = 30 * time.Second
	}
	return &Backend{
		Store:       timeline.NewStore(),
		client:      client,
		userID:      opts.UserID,
		syncTimeout: opts.SyncTimeout,
		log:         opts.Logger.WithComponent("matrix"),
		tokens:      make(map[string]string),
		gaps:        make(map[string]string),
	}
}

// Track registers a room; events for untracked rooms are ignored
func (b *Backend) Track(roomID string) {
	b.Store.Track(roomID)
}

// CanPaginate reports whether the server may hold older events
func (b *Backend) CanPaginate(roomID string) bool {
	return b.Store.HasHistory(roomID)
}

// PaginateBackward loads the page before the stored token. A response
// without an end token means the start of the room was reached.
func (b *Backend) PaginateBackward(ctx context.Context, roomID string, limit int) (bool, error) {
	if !b.Store.Tracks(roomID) {
		return false, fmt.Errorf("%w: %s", timeline.ErrUnknownRoom, roomID)
	}

	b.mu.Lock()
	from := b.tokens[roomID]
	b.mu.Unlock()

	resp, err := b.client.Messages(ctx, id.RoomID(roomID), from, "", mautrix.DirectionBackward, nil, limit)
	if err != nil {
		return b.CanPaginate(roomID), fmt.Errorf("failed to fetch messages: %w", err)
	}

	more := resp.End != "" && len(resp.Chunk) > 0
	b.mu.Lock()
	if resp.End != "" {
		b.tokens[roomID] = resp.End
	}
	b.mu.Unlock()

	b.Store.SetHistory(roomID, more)
	b.Store.Add(roomID, b.convertAll(roomID, resp.Chunk)...)
	return more, nil
}

func (b *Backend) convertAll(roomID string, events []*event.Event) []timeline.Event {
	out := make([]timeline.Event, 0, len(events))
	for _, evt := range events {
		if evt.RoomID == "" {
			evt.RoomID = id.RoomID(roomID)
		}
		if converted, ok := Convert(evt); ok {
			out = append(out, converted)
		}
	}
	return out
}

// Sync long polls the homeserver until ctx is done, feeding the timelines of
// tracked rooms into the store. Failed requests are retried after a delay.
func (b *Backend) Sync(ctx context.Context) error {
	b.log.LogSourceEvent("matrix", b.userID, true, nil)
	defer b.log.LogSourceEvent("matrix", b.userID, false, nil)

	since := ""
	for {
		resp, err := b.client.FullSyncRequest(ctx, mautrix.ReqSync{
			Timeout: int(b.syncTimeout.Milliseconds()),
			Since:   since,
		})
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return ctx.Err()
			}
			b.log.LogSourceEvent("matrix", b.userID, false, err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(syncRetryDelay):
			}
			continue
		}

		b.ProcessSync(resp)
		b.FillGaps(ctx)
		since = resp.NextBatch
	}
}

// ProcessSync applies one /sync response. The first timeline seen for a room
// seeds its backward pagination token. A limited timeline for a room that was
// already synced leaves a gap before its events, recorded for FillGaps.
func (b *Backend) ProcessSync(resp *mautrix.RespSync) {
	for roomID, room := range resp.Rooms.Join {
		rid := roomID.String()
		if room == nil || !b.Store.Tracks(rid) {
			continue
		}

		b.mu.Lock()
		if _, ok := b.tokens[rid]; !ok && room.Timeline.PrevBatch != "" {
			b.tokens[rid] = room.Timeline.PrevBatch
		} else if ok && room.Timeline.Limited && room.Timeline.PrevBatch != "" {
			if _, pending := b.gaps[rid]; !pending {
				b.gaps[rid] = room.Timeline.PrevBatch
			}
		}
		b.mu.Unlock()

		for _, evt := range room.Timeline.Events {
			evt.Type.Class = event.MessageEventType
		}
		if added := b.Store.Add(rid, b.convertAll(rid, room.Timeline.Events)...); added > 0 {
			b.log.Debug("sync applied", "room", rid, "events", added, "limited", room.Timeline.Limited)
		}
	}
}

// FillGaps pages backwards from every recorded gap until an already loaded
// event, the start of the room or maxGapPages is reached. A gap that fails
// to load stays recorded for the next call.
func (b *Backend) FillGaps(ctx context.Context) {
	b.mu.Lock()
	gaps := make(map[string]string, len(b.gaps))
	for rid, from := range b.gaps {
		gaps[rid] = from
	}
	b.mu.Unlock()

	for rid, from := range gaps {
		loaded, err := b.fillGap(ctx, rid, from)
		if err != nil {
			b.log.Warn("failed to fill sync gap", "room", rid, "error", err)
			continue
		}
		b.mu.Lock()
		delete(b.gaps, rid)
		b.mu.Unlock()
		b.log.Debug("sync gap filled", "room", rid, "events", loaded)
	}
}

func (b *Backend) fillGap(ctx context.Context, roomID, from string) (int, error) {
	loaded := 0
	for page := 0; page < maxGapPages && from != ""; page++ {
		resp, err := b.client.Messages(ctx, id.RoomID(roomID), from, "", mautrix.DirectionBackward, nil, gapPageSize)
		if err != nil {
			return loaded, fmt.Errorf("failed to fetch messages: %w", err)
		}

		met := false
		for _, evt := range resp.Chunk {
			if _, ok := b.Store.Event(roomID, evt.ID.String()); ok {
				met = true
				break
			}
		}
		loaded += b.Store.Add(roomID, b.convertAll(roomID, resp.Chunk)...)
		if met || len(resp.Chunk) == 0 {
			return loaded, nil
		}
		from = resp.End
	}
	if from != "" {
		b.log.Warn("sync gap left open", "room", roomID, "pages", maxGapPages)
	}
	return loaded, nil
}

// SendText sends an m.text message, optionally as a reply
func (b *Backend) SendText(ctx context.Context, roomID, body, replyTo string) (string, error) {
	return b.send(ctx, roomID, timeline.Text{Body: body}, replyTo)
}

// SendMedia sends an already uploaded attachment
func (b *Backend) SendMedia(ctx context.Context, roomID string, content timeline.Content, replyTo string) (string, error) {
	switch content.(type) {
	case timeline.Image, timeline.Video, timeline.Voice, timeline.File:
	default:
		return "", fmt.Errorf("unsupported media content %T", content)
	}
	return b.send(ctx, roomID, content, replyTo)
}

func (b *Backend) send(ctx context.Context, roomID string, content timeline.Content, replyTo string) (string, error) {
	if !b.Store.Tracks(roomID) {
		return "", fmt.Errorf("%w: %s", timeline.ErrUnknownRoom, roomID)
	}
	msg, err := outgoing(content)
	if err != nil {
		return "", err
	}
	if replyTo != "" {
		msg.RelatesTo = &event.RelatesTo{InReplyTo: &event.InReplyTo{EventID: id.EventID(replyTo)}}
	}

	resp, err := b.client.SendMessageEvent(ctx, id.RoomID(roomID), event.EventMessage, msg)
	if err != nil {
		return "", fmt.Errorf("failed to send message: %w", err)
	}
	b.echo(roomID, timeline.Event{
		ID:      resp.EventID.String(),
		Type:    timeline.TypeMessage,
		Content: content,
		ReplyTo: replyTo,
	})
	return resp.EventID.String(), nil
}

// React sends an m.annotation reaction
func (b *Backend) React(ctx context.Context, roomID, targetID, key string) (string, error) {
	if !b.Store.Tracks(roomID) {
		return "", fmt.Errorf("%w: %s", timeline.ErrUnknownRoom, roomID)
	}
	resp, err := b.client.SendReaction(ctx, id.RoomID(roomID), id.EventID(targetID), key)
	if err != nil {
		return "", fmt.Errorf("failed to send reaction: %w", err)
	}
	b.echo(roomID, timeline.Event{
		ID:      resp.EventID.String(),
		Type:    timeline.TypeReaction,
		Content: timeline.Annotation{Target: targetID, Key: key},
	})
	return resp.EventID.String(), nil
}

// Redact redacts one event
func (b *Backend) Redact(ctx context.Context, roomID, eventID, reason string) error {
	if !b.Store.Tracks(roomID) {
		return fmt.Errorf("%w: %s", timeline.ErrUnknownRoom, roomID)
	}
	resp, err := b.client.RedactEvent(ctx, id.RoomID(roomID), id.EventID(eventID), mautrix.ReqRedact{Reason: reason})
	if err != nil {
		return fmt.Errorf("failed to redact event: %w", err)
	}
	b.echo(roomID, timeline.Event{
		ID:      resp.EventID.String(),
		Type:    timeline.TypeRedaction,
		Content: timeline.Redaction{Target: eventID, Reason: reason},
	})
	return nil
}

// echo applies an accepted outbound event locally. The copy returned by
// sync later has the same id and is dropped by the store.
func (b *Backend) echo(roomID string, ev timeline.Event) {
	ev.Sender = b.userID
	ev.Timestamp = time.Now().UnixMilli()
	if events := b.Store.Events(roomID); len(events) > 0 && events[len(events)-1].Timestamp > ev.Timestamp {
		ev.Timestamp = events[len(events)-1].Timestamp
	}
	b.Store.Add(roomID, ev)
}
