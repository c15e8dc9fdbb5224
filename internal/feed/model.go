// Package feed rebuilds club feeds (posts, comments, reactions) out of a
// room's flat event timeline.
package feed

import (
	"fmt"
	"slices"

	"github.com/allgram/clubfeed/internal/timeline"
)

// Reaction is a (sender, emoji) annotation on one of a post's events
type Reaction = timeline.Reaction

// Media is the resolved attachment of a post or comment
type Media struct {
	Kind  timeline.MsgType    `json:"kind"`
	Image *timeline.ImageInfo `json:"image,omitempty"`
	Video *timeline.VideoInfo `json:"video,omitempty"`
	Voice *timeline.VoiceInfo `json:"voice,omitempty"`
}

// mediaOf builds the Media view for an attachment event. It fails closed:
// any missing required field rejects the candidate.
func mediaOf(ev timeline.Event) (Media, error) {
	switch c := ev.Content.(type) {
	case timeline.Image:
		if err := c.Info.Validate(); err != nil {
			return Media{}, err
		}
		info := c.Info
		return Media{Kind: timeline.MsgImage, Image: &info}, nil
	case timeline.Video:
		if err := c.Info.Validate(); err != nil {
			return Media{}, err
		}
		info := c.Info
		return Media{Kind: timeline.MsgVideo, Video: &info}, nil
	case timeline.Voice:
		if err := c.Info.Validate(); err != nil {
			return Media{}, err
		}
		info := c.Info
		return Media{Kind: timeline.MsgVoice, Voice: &info}, nil
	}
	return Media{}, fmt.Errorf("%w: %s message carries no attachment", timeline.ErrMalformedMedia, ev.MsgType())
}

// Post is one feed item: a single media event, or a header event plus its
// text and media parts. Posts are recomputed on every refresh pass.
type Post struct {
	ID        string           `json:"id"`
	RoomID    string           `json:"room_id"`
	Sender    string           `json:"sender"`
	Timestamp int64            `json:"timestamp"`
	Events    []timeline.Event `json:"-"`
	Media     Media            `json:"media"`
	Text      string           `json:"text,omitempty"`
	Reactions []Reaction       `json:"reactions"`
	Comments  []Comment        `json:"comments"`
}

// Combined reports whether the post was assembled from a header and parts
func (p Post) Combined() bool {
	return len(p.Events) == 3
}

// EventIDs returns the ids of the post's constituent events
func (p Post) EventIDs() []string {
	ids := make([]string, len(p.Events))
	for i, ev := range p.Events {
		ids[i] = ev.ID
	}
	return ids
}

// Contains reports whether eventID is one of the post's events
func (p Post) Contains(eventID string) bool {
	for _, ev := range p.Events {
		if ev.ID == eventID {
			return true
		}
	}
	return false
}

// ReplyTarget is the event that reactions and comments sent from this client
// are addressed to: the media event. Replying to the header would turn the
// reply into a third combined-post part.
func (p Post) ReplyTarget() string {
	if len(p.Events) == 0 {
		return p.ID
	}
	return p.Events[len(p.Events)-1].ID
}

// Comment returns the comment with the given id
func (p Post) Comment(id string) (Comment, bool) {
	for _, c := range p.Comments {
		if c.ID == id {
			return c, true
		}
	}
	return Comment{}, false
}

// Equal compares id, comments and reactions
func (p Post) Equal(o Post) bool {
	return p.ID == o.ID &&
		slices.EqualFunc(p.Comments, o.Comments, Comment.Equal) &&
		slices.Equal(p.Reactions, o.Reactions)
}

// Comment is a reply addressed, directly or through other comments, to a post
type Comment struct {
	ID               string         `json:"id"`
	Sender           string         `json:"sender"`
	Timestamp        int64          `json:"timestamp"`
	Body             string         `json:"body"`
	Media            *Media         `json:"media,omitempty"`
	ReplyTo          string         `json:"reply_to"`
	IsReplyToComment bool           `json:"is_reply_to_comment"`
	Reactions        []Reaction     `json:"reactions"`
	Event            timeline.Event `json:"-"`
}

// Equal compares id, nesting and reactions
func (c Comment) Equal(o Comment) bool {
	return c.ID == o.ID &&
		c.IsReplyToComment == o.IsReplyToComment &&
		slices.Equal(c.Reactions, o.Reactions)
}

// PostsEqual compares two post lists element by element
func PostsEqual(a, b []Post) bool {
	return slices.EqualFunc(a, b, Post.Equal)
}
