package timeline

import (
	"context"
	"fmt"
	"sync"
)

// Memory is a Backend held entirely in process. Older history is staged with
// Backlog and handed out newest-first by PaginateBackward. Outbound actions
// are applied to the store right away, as a sync round trip would.
type Memory struct {
	*Store

	mu      sync.Mutex
	backlog map[string][]Event
	failing map[string]error
	clock   int64
	seq     int
	userID  string
	pages   int
}

// NewMemory creates an in-memory backend acting as userID
func NewMemory(userID string) *Memory {
	return &Memory{
		Store:   NewStore(),
		backlog: make(map[string][]Event),
		failing: make(map[string]error),
		userID:  userID,
	}
}

// Backlog stages older events for a room; they must be in ascending order
func (m *Memory) Backlog(roomID string, events ...Event) {
	m.mu.Lock()
	m.backlog[roomID] = append(append([]Event{}, events...), m.backlog[roomID]...)
	more := len(m.backlog[roomID]) > 0
	m.mu.Unlock()

	m.Store.SetHistory(roomID, more)
}

// FailPagination makes every following PaginateBackward on roomID return err
// until it is called again with nil
func (m *Memory) FailPagination(roomID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failing, roomID)
		return
	}
	m.failing[roomID] = err
}

// Pages returns how many pages were fetched successfully
func (m *Memory) Pages() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pages
}

// CanPaginate reports whether staged history remains
func (m *Memory) CanPaginate(roomID string) bool {
	return m.Store.HasHistory(roomID)
}

// PaginateBackward moves up to limit of the newest staged events into the store
func (m *Memory) PaginateBackward(ctx context.Context, roomID string, limit int) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	m.mu.Lock()
	if err := m.failing[roomID]; err != nil {
		m.mu.Unlock()
		return m.Store.HasHistory(roomID), err
	}
	staged := m.backlog[roomID]
	if limit <= 0 || limit > len(staged) {
		limit = len(staged)
	}
	page := staged[len(staged)-limit:]
	m.backlog[roomID] = staged[:len(staged)-limit]
	more := len(m.backlog[roomID]) > 0
	m.pages++
	m.mu.Unlock()

	m.Store.SetHistory(roomID, more)
	m.Store.Add(roomID, page...)
	return more, nil
}

func (m *Memory) next(roomID string) (string, int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	ts := m.clock + 1
	if events := m.Store.Events(roomID); len(events) > 0 && events[len(events)-1].Timestamp >= ts {
		ts = events[len(events)-1].Timestamp + 1
	}
	m.clock = ts
	return fmt.Sprintf("$local%d", m.seq), ts
}

// SendText appends a text message
func (m *Memory) SendText(ctx context.Context, roomID, body, replyTo string) (string, error) {
	return m.send(ctx, roomID, Text{Body: body}, replyTo)
}

// SendMedia appends an attachment message
func (m *Memory) SendMedia(ctx context.Context, roomID string, content Content, replyTo string) (string, error) {
	switch content.(type) {
	case Image, Video, Voice, File:
	default:
		return "", fmt.Errorf("unsupported media content %T", content)
	}
	return m.send(ctx, roomID, content, replyTo)
}

func (m *Memory) send(ctx context.Context, roomID string, content Content, replyTo string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id, ts := m.next(roomID)
	m.Store.Add(roomID, Event{
		ID:        id,
		Sender:    m.userID,
		Timestamp: ts,
		Type:      TypeMessage,
		Content:   content,
		ReplyTo:   replyTo,
	})
	return id, nil
}

// React appends a reaction event
func (m *Memory) React(ctx context.Context, roomID, targetID, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id, ts := m.next(roomID)
	m.Store.Add(roomID, Event{
		ID:        id,
		Sender:    m.userID,
		Timestamp: ts,
		Type:      TypeReaction,
		Content:   Annotation{Target: targetID, Key: key},
	})
	return id, nil
}

// Redact appends a redaction event
func (m *Memory) Redact(ctx context.Context, roomID, eventID, reason string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	id, ts := m.next(roomID)
	m.Store.Add(roomID, Event{
		ID:        id,
		Sender:    m.userID,
		Timestamp: ts,
		Type:      TypeRedaction,
		Content:   Redaction{Target: eventID, Reason: reason},
	})
	return nil
}
