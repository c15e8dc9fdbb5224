package feed

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rivo/uniseg"
	"go.mau.fi/util/emojirunes"

	"github.com/allgram/clubfeed/internal/timeline"
)

// ReactionResult is the three-way outcome of a reaction toggle
type ReactionResult int

const (
	// ReactionImpossible means a precondition failed and nothing was sent
	ReactionImpossible ReactionResult = iota
	ReactionSuccess
	ReactionFailure
)

func (r ReactionResult) String() string {
	switch r {
	case ReactionSuccess:
		return "success"
	case ReactionFailure:
		return "failure"
	default:
		return "impossible"
	}
}

// MarshalText renders the result name in JSON responses
func (r ReactionResult) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// ValidEmoji reports whether s is exactly one grapheme cluster made of emoji.
// Joiners, variation selectors, skin tone modifiers and tag runes are only
// accepted as part of a sequence.
func ValidEmoji(s string) bool {
	if uniseg.GraphemeClusterCount(s) != 1 {
		return false
	}
	base := strings.Map(func(r rune) rune {
		switch {
		case r == 0x200D, r == 0xFE0F, r == 0x20E3:
			return -1
		case r >= 0x1F3FB && r <= 0x1F3FF:
			return -1
		case r >= 0xE0020 && r <= 0xE007F:
			return -1
		}
		return r
	}, s)
	return base != "" && strings.TrimSpace(base) == base && emojirunes.IsOnlyEmojis(base)
}

// Reactions reads one room's reaction index and toggles reactions on it
type Reactions struct {
	room   string
	source timeline.Source
	sink   timeline.Sink
}

// NewReactions creates an aggregator for a room
func NewReactions(room string, source timeline.Source, sink timeline.Sink) *Reactions {
	return &Reactions{room: room, source: source, sink: sink}
}

// For concatenates the reactions of every given event
func (r *Reactions) For(eventIDs ...string) []Reaction {
	var out []Reaction
	for _, id := range eventIDs {
		out = append(out, r.source.ReactionsFor(r.room, id)...)
	}
	return out
}

// Attach fills the reactions of posts and their comments in place
func (r *Reactions) Attach(posts []Post) {
	for i := range posts {
		posts[i].Reactions = r.For(posts[i].EventIDs()...)
		for j := range posts[i].Comments {
			posts[i].Comments[j].Reactions = r.For(posts[i].Comments[j].ID)
		}
	}
}

// Toggle removes every reaction by (userID, emoji) found on lookIn, or sends
// a new one to sendTo when there is none.
func (r *Reactions) Toggle(ctx context.Context, userID, emoji string, lookIn []string, sendTo string) (ReactionResult, error) {
	if userID == "" || sendTo == "" || len(lookIn) == 0 {
		return ReactionImpossible, nil
	}
	if !ValidEmoji(emoji) {
		return ReactionImpossible, nil
	}

	var mine []Reaction
	for _, reaction := range r.For(lookIn...) {
		if reaction.Sender == userID && reaction.Key == emoji {
			mine = append(mine, reaction)
		}
	}

	if len(mine) == 0 {
		if _, err := r.sink.React(ctx, r.room, sendTo, emoji); err != nil {
			return ReactionFailure, fmt.Errorf("send reaction: %w", err)
		}
		return ReactionSuccess, nil
	}

	var errs []error
	for _, reaction := range mine {
		if err := r.sink.Redact(ctx, r.room, reaction.EventID, ""); err != nil {
			errs = append(errs, fmt.Errorf("redact reaction %s: %w", reaction.EventID, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return ReactionFailure, err
	}
	return ReactionSuccess, nil
}
