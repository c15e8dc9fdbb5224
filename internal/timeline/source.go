package timeline

import "context"

// Source provides a room's ordered, deduplicated events and its reaction index
type Source interface {
	// Events returns the current snapshot in ascending timestamp order
	Events(roomID string) []Event
	// ReactionsFor returns the active reactions on one event
	ReactionsFor(roomID, eventID string) []Reaction
	// CanPaginate reports whether older history may exist
	CanPaginate(roomID string) bool
	// PaginateBackward fetches one page of older events into the snapshot
	PaginateBackward(ctx context.Context, roomID string, limit int) (more bool, err error)
	// Subscribe returns a coalescing change notification channel and a cancel func
	Subscribe(roomID string) (<-chan struct{}, func())
}

// Sink accepts outbound actions. Send and React return the new event id.
type Sink interface {
	SendText(ctx context.Context, roomID, body, replyTo string) (string, error)
	// SendMedia sends Image, Video, Voice or File content whose locator is already uploaded
	SendMedia(ctx context.Context, roomID string, content Content, replyTo string) (string, error)
	React(ctx context.Context, roomID, targetID, key string) (string, error)
	Redact(ctx context.Context, roomID, eventID, reason string) error
}

// Backend is a protocol adapter that is both a Source and a Sink
type Backend interface {
	Source
	Sink
}
