// Package timeline models the protocol events a club feed is rebuilt from,
// and the contracts an Event Source and Action Sink must honor.
package timeline

import (
	"errors"
	"strings"
)

var (
	// ErrUnknownRoom is returned for operations on rooms the source does not track
	ErrUnknownRoom = errors.New("unknown room")
	// ErrMalformedMedia is wrapped by media validation failures
	ErrMalformedMedia = errors.New("malformed media")
)

// EventType tags the protocol-level kind of an event
type EventType int

const (
	TypeOther EventType = iota
	TypeMessage
	TypeReaction
	TypeRedaction
)

func (t EventType) String() string {
	switch t {
	case TypeMessage:
		return "message"
	case TypeReaction:
		return "reaction"
	case TypeRedaction:
		return "redaction"
	default:
		return "other"
	}
}

// MsgType is the message subtype derived from the content variant
type MsgType string

const (
	MsgNone  MsgType = ""
	MsgText  MsgType = "text"
	MsgImage MsgType = "image"
	MsgVideo MsgType = "video"
	MsgVoice MsgType = "voice"
	MsgFile  MsgType = "file"
)

// Event is an immutable record of a room's timeline. Redactions and failed
// decryption are already resolved into flags by the source.
type Event struct {
	ID        string
	RoomID    string
	Sender    string
	Timestamp int64 // unix milliseconds, monotonic per room
	Type      EventType
	Content   Content
	ReplyTo   string

	Redacted      bool
	Undecryptable bool
	// Edit marks an event that replaces Replaces. The store folds the new
	// content into the original, so edit events themselves are never shown.
	Edit     bool
	Replaces string
}

// MsgType returns the message subtype, or MsgNone for non-message events
func (e Event) MsgType() MsgType {
	if e.Type != TypeMessage || e.Content == nil {
		return MsgNone
	}
	return e.Content.msgType()
}

// Body returns the textual body of a message event
func (e Event) Body() string {
	switch c := e.Content.(type) {
	case Text:
		return c.Body
	case Image:
		return c.Body
	case Video:
		return c.Body
	case Voice:
		return c.Body
	case File:
		return c.Body
	}
	return ""
}

// HasPrefix reports whether the message body starts with prefix
func (e Event) HasPrefix(prefix string) bool {
	return prefix != "" && strings.HasPrefix(e.Body(), prefix)
}

// IsMedia reports whether the event is an image or video message
func (e Event) IsMedia() bool {
	t := e.MsgType()
	return t == MsgImage || t == MsgVideo
}

// Content is the tagged variant carried by an event
type Content interface {
	msgType() MsgType
}

// Text is a plain text, notice or emote message
type Text struct {
	Body string
}

// Image is an image message
type Image struct {
	Body string
	Info ImageInfo
}

// Video is a video message
type Video struct {
	Body string
	Info VideoInfo
}

// Voice is a recorded voice message
type Voice struct {
	Body string
	Info VoiceInfo
}

// File is a generic attachment
type File struct {
	Body     string
	URL      string
	MimeType string
	Size     int64
}

// Annotation is the content of a reaction event
type Annotation struct {
	Target string
	Key    string
}

// Redaction is the content of a redaction event
type Redaction struct {
	Target string
	Reason string
}

// Unknown is content the adapters cannot model
type Unknown struct{}

func (Text) msgType() MsgType       { return MsgText }
func (Image) msgType() MsgType      { return MsgImage }
func (Video) msgType() MsgType      { return MsgVideo }
func (Voice) msgType() MsgType      { return MsgVoice }
func (File) msgType() MsgType       { return MsgFile }
func (Annotation) msgType() MsgType { return MsgNone }
func (Redaction) msgType() MsgType  { return MsgNone }
func (Unknown) msgType() MsgType    { return MsgNone }

// Reaction is a (sender, emoji) annotation on a target event
type Reaction struct {
	EventID   string `json:"event_id"`
	Sender    string `json:"sender"`
	Key       string `json:"emoji"`
	Timestamp int64  `json:"timestamp"`
}
