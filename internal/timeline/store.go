package timeline

import (
	"sort"
	"sync"
)

// Store is the in-memory snapshot every adapter keeps its rooms in. It keeps
// events deduplicated and time ordered, resolves redactions and edits into
// flags, maintains the reaction index and fans out change notifications.
type Store struct {
	mu     sync.RWMutex
	rooms  map[string]*roomState
	nextID int
}

type roomState struct {
	events []Event
	byID   map[string]int

	// target event id -> active reactions
	reactions map[string][]Reaction
	// reaction event id -> target event id
	reactionTargets map[string]string
	// ids redacted so far, including ones whose target is not loaded yet
	redacted map[string]bool
	// latest edit per original event id, kept until the original arrives
	pendingEdits map[string]Event
	// timestamp of the edit currently folded into each original
	editedAt map[string]int64

	more bool
	subs map[int]chan struct{}
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{
		rooms: make(map[string]*roomState),
	}
}

func newRoomState() *roomState {
	return &roomState{
		byID:            make(map[string]int),
		reactions:       make(map[string][]Reaction),
		reactionTargets: make(map[string]string),
		redacted:        make(map[string]bool),
		pendingEdits:    make(map[string]Event),
		editedAt:        make(map[string]int64),
		more:            true,
		subs:            make(map[int]chan struct{}),
	}
}

func (s *Store) room(roomID string) *roomState {
	r, ok := s.rooms[roomID]
	if !ok {
		r = newRoomState()
		s.rooms[roomID] = r
	}
	return r
}

// Track makes a room known to the store without adding events
func (s *Store) Track(roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.room(roomID)
}

// Tracks reports whether the room is known
func (s *Store) Tracks(roomID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.rooms[roomID]
	return ok
}

// Rooms returns the ids of every tracked room
func (s *Store) Rooms() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.rooms))
	for id := range s.rooms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Add merges events into a room and notifies subscribers once. It returns
// the number of events that were new.
func (s *Store) Add(roomID string, events ...Event) int {
	s.mu.Lock()
	r := s.room(roomID)

	added := 0
	for _, ev := range events {
		if ev.ID == "" {
			continue
		}
		if _, dup := r.byID[ev.ID]; dup {
			continue
		}
		ev.RoomID = roomID
		r.insert(ev)
		r.apply(ev)
		added++
	}

	var subs []chan struct{}
	if added > 0 {
		subs = make([]chan struct{}, 0, len(r.subs))
		for _, ch := range r.subs {
			subs = append(subs, ch)
		}
	}
	s.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}

	return added
}

// insert places ev after every event with a timestamp <= its own
func (r *roomState) insert(ev Event) {
	if r.redacted[ev.ID] {
		ev.Redacted = true
	}
	if edit, ok := r.pendingEdits[ev.ID]; ok {
		ev.Content = edit.Content
		r.editedAt[ev.ID] = edit.Timestamp
		delete(r.pendingEdits, ev.ID)
	}

	pos := sort.Search(len(r.events), func(i int) bool {
		return r.events[i].Timestamp > ev.Timestamp
	})
	r.events = append(r.events, Event{})
	copy(r.events[pos+1:], r.events[pos:])
	r.events[pos] = ev

	for i := pos; i < len(r.events); i++ {
		r.byID[r.events[i].ID] = i
	}
}

func (r *roomState) apply(ev Event) {
	switch c := ev.Content.(type) {
	case Redaction:
		r.redact(c.Target)
	case Annotation:
		if ev.Redacted || c.Target == "" || c.Key == "" {
			return
		}
		r.reactions[c.Target] = append(r.reactions[c.Target], Reaction{
			EventID:   ev.ID,
			Sender:    ev.Sender,
			Key:       c.Key,
			Timestamp: ev.Timestamp,
		})
		r.reactionTargets[ev.ID] = c.Target
	}

	if ev.Edit && ev.Replaces != "" && !ev.Redacted {
		r.applyEdit(ev)
	}
}

func (r *roomState) redact(target string) {
	if target == "" {
		return
	}
	r.redacted[target] = true

	if idx, ok := r.byID[target]; ok {
		r.events[idx].Redacted = true
	}

	if reactionTarget, ok := r.reactionTargets[target]; ok {
		list := r.reactions[reactionTarget]
		for i, reaction := range list {
			if reaction.EventID == target {
				r.reactions[reactionTarget] = append(list[:i:i], list[i+1:]...)
				break
			}
		}
		delete(r.reactionTargets, target)
	}
}

func (r *roomState) applyEdit(edit Event) {
	idx, ok := r.byID[edit.Replaces]
	if !ok {
		if pending, exists := r.pendingEdits[edit.Replaces]; !exists || pending.Timestamp <= edit.Timestamp {
			r.pendingEdits[edit.Replaces] = edit
		}
		return
	}
	if r.editedAt[edit.Replaces] > edit.Timestamp {
		return
	}
	r.events[idx].Content = edit.Content
	r.editedAt[edit.Replaces] = edit.Timestamp
}

// Events returns a copy of a room's events in ascending timestamp order
func (s *Store) Events(roomID string) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return nil
	}
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Event returns one event by id
func (s *Store) Event(roomID, eventID string) (Event, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return Event{}, false
	}
	idx, ok := r.byID[eventID]
	if !ok {
		return Event{}, false
	}
	return r.events[idx], true
}

// Oldest returns the smallest timestamp in a room, or 0 if it is empty
func (s *Store) Oldest(roomID string) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[roomID]
	if !ok || len(r.events) == 0 {
		return 0
	}
	return r.events[0].Timestamp
}

// ReactionsFor returns the active reactions on one event
func (s *Store) ReactionsFor(roomID, eventID string) []Reaction {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return nil
	}
	list := r.reactions[eventID]
	if len(list) == 0 {
		return nil
	}
	out := make([]Reaction, len(list))
	copy(out, list)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp < out[j].Timestamp
	})
	return out
}

// SetHistory records whether older history can still be fetched
func (s *Store) SetHistory(roomID string, more bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.room(roomID).more = more
}

// HasHistory reports whether older history can still be fetched
func (s *Store) HasHistory(roomID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[roomID]
	return ok && r.more
}

// Subscribe registers a coalescing change notification channel
func (s *Store) Subscribe(roomID string) (<-chan struct{}, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.room(roomID)
	s.nextID++
	id := s.nextID
	ch := make(chan struct{}, 1)
	r.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(r.subs, id)
		})
	}
	return ch, cancel
}
