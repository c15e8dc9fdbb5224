package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fiatjaf/eventstore"
	"github.com/fiatjaf/eventstore/slicestore"
	"github.com/fiatjaf/eventstore/sqlite3"
	"github.com/fiatjaf/khatru"
	"github.com/nbd-wtf/go-nostr"

	"github.com/allgram/clubfeed/internal/config"
)

// Channel event kinds (NIP-28 messages, NIP-25 reactions, NIP-09 deletions)
const (
	KindChannelCreate  = 40
	KindChannelMessage = 42
	KindReaction       = 7
	KindDeletion       = 5
)

// Storage is the persistent event cache of the Nostr adapter
type Storage struct {
	relay  *khatru.Relay
	db     *sql.DB
	closer func()
	config *config.Storage

	// cursors of the memory driver
	mu      sync.Mutex
	cursors map[string]Cursor
}

// New creates a new Storage instance with the given configuration
func New(ctx context.Context, cfg *config.Storage) (*Storage, error) {
	s := &Storage{
		config:  cfg,
		relay:   khatru.NewRelay(),
		cursors: make(map[string]Cursor),
	}

	switch cfg.Driver {
	case "sqlite":
		if err := s.initSQLite(); err != nil {
			return nil, fmt.Errorf("failed to initialize SQLite: %w", err)
		}
		if err := s.runMigrations(ctx); err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
	case "memory":
		if err := s.initMemory(); err != nil {
			return nil, fmt.Errorf("failed to initialize memory store: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", cfg.Driver)
	}

	return s, nil
}

func (s *Storage) initSQLite() error {
	if dir := filepath.Dir(s.config.SQLitePath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	backend := &sqlite3.SQLite3Backend{DatabaseURL: s.config.SQLitePath}
	if err := backend.Init(); err != nil {
		return err
	}

	s.db = backend.DB.DB
	s.closer = backend.Close
	s.wire(backend.SaveEvent, backend.QueryEvents, backend.DeleteEvent)
	return nil
}

func (s *Storage) initMemory() error {
	backend := &slicestore.SliceStore{}
	if err := backend.Init(); err != nil {
		return err
	}

	s.closer = backend.Close
	s.wire(backend.SaveEvent, backend.QueryEvents, backend.DeleteEvent)
	return nil
}

func (s *Storage) wire(
	save func(context.Context, *nostr.Event) error,
	query func(context.Context, nostr.Filter) (chan *nostr.Event, error),
	del func(context.Context, *nostr.Event) error,
) {
	s.relay.StoreEvent = append(s.relay.StoreEvent, save)
	s.relay.QueryEvents = append(s.relay.QueryEvents, query)
	s.relay.DeleteEvent = append(s.relay.DeleteEvent, del)
}

func (s *Storage) runMigrations(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS pagination_cursors (
			channel    TEXT PRIMARY KEY,
			until      INTEGER NOT NULL,
			exhausted  INTEGER NOT NULL DEFAULT 0,
			updated_at INTEGER NOT NULL
		)`)
	return err
}

// Relay returns the underlying Khatru relay instance
func (s *Storage) Relay() *khatru.Relay {
	return s.relay
}

// StoreEvent stores an event. Storing a known event is not an error.
func (s *Storage) StoreEvent(ctx context.Context, event *nostr.Event) error {
	for _, handler := range s.relay.StoreEvent {
		if err := handler(ctx, event); err != nil {
			if errors.Is(err, eventstore.ErrDupEvent) {
				return nil
			}
			return fmt.Errorf("failed to store event: %w", err)
		}
	}
	return nil
}

// StoreEventBatch stores several events and returns how many were new
func (s *Storage) StoreEventBatch(ctx context.Context, events []*nostr.Event) (int, error) {
	stored := 0
	for _, event := range events {
		exists, err := s.EventExists(ctx, event.ID)
		if err != nil {
			return stored, err
		}
		if exists {
			continue
		}
		if err := s.StoreEvent(ctx, event); err != nil {
			return stored, fmt.Errorf("failed to store event in batch: %w", err)
		}
		stored++
	}
	return stored, nil
}

// EventExists checks if an event already exists in storage
func (s *Storage) EventExists(ctx context.Context, eventID string) (bool, error) {
	events, err := s.QueryEvents(ctx, nostr.Filter{IDs: []string{eventID}, Limit: 1})
	if err != nil {
		return false, err
	}
	return len(events) > 0, nil
}

// DeleteEvent deletes an event by ID
func (s *Storage) DeleteEvent(ctx context.Context, eventID string) error {
	events, err := s.QueryEvents(ctx, nostr.Filter{IDs: []string{eventID}, Limit: 1})
	if err != nil {
		return fmt.Errorf("failed to query event before delete: %w", err)
	}
	if len(events) == 0 {
		return nil
	}

	for _, handler := range s.relay.DeleteEvent {
		if err := handler(ctx, events[0]); err != nil {
			return fmt.Errorf("failed to delete event: %w", err)
		}
	}
	return nil
}

// QueryEvents queries stored events using Nostr filters
func (s *Storage) QueryEvents(ctx context.Context, filter nostr.Filter) ([]*nostr.Event, error) {
	if len(s.relay.QueryEvents) == 0 {
		return nil, fmt.Errorf("no query handlers configured")
	}

	ch, err := s.relay.QueryEvents[0](ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}

	var events []*nostr.Event
	for event := range ch {
		events = append(events, event)
	}
	return events, nil
}

// ChannelMessages returns up to limit kind 42 messages of a channel created
// within [since, until] (unix seconds, 0 for no bound), newest first
func (s *Storage) ChannelMessages(ctx context.Context, channel string, since, until int64, limit int) ([]*nostr.Event, error) {
	filter := ChannelFilter(channel, until, limit)
	if since > 0 {
		ts := nostr.Timestamp(since)
		filter.Since = &ts
	}
	return s.QueryEvents(ctx, filter)
}

// Related returns reactions and deletions referencing any of eventIDs
func (s *Storage) Related(ctx context.Context, eventIDs []string) ([]*nostr.Event, error) {
	if len(eventIDs) == 0 {
		return nil, nil
	}
	return s.QueryEvents(ctx, RelatedFilter(eventIDs))
}

// ChannelFilter selects a page of channel messages
func ChannelFilter(channel string, until int64, limit int) nostr.Filter {
	filter := nostr.Filter{
		Kinds: []int{KindChannelMessage},
		Tags:  nostr.TagMap{"e": []string{channel}},
		Limit: limit,
	}
	if until > 0 {
		ts := nostr.Timestamp(until)
		filter.Until = &ts
	}
	return filter
}

// RelatedFilter selects the reactions and deletions of a set of events
func RelatedFilter(eventIDs []string) nostr.Filter {
	return nostr.Filter{
		Kinds: []int{KindReaction, KindDeletion},
		Tags:  nostr.TagMap{"e": eventIDs},
	}
}

// Close closes the storage backend
func (s *Storage) Close() error {
	if s.closer != nil {
		s.closer()
	}
	return nil
}
