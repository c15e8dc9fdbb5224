package nostr

import (
	"fmt"

	"github.com/nbd-wtf/go-nostr"
)

// ThreadInfo contains reply relationship information extracted from an event
type ThreadInfo struct {
	RootEventID string // The thread root; the channel for kind 42
	ReplyToID   string // The direct parent event being replied to
}

// ParseThreadInfo extracts reply info from a note or channel message using
// NIP-10. For kind 42 the root is the channel, so a lone e tag is not a reply.
func ParseThreadInfo(event *nostr.Event) (*ThreadInfo, error) {
	if !isThreadableKind(event.Kind) {
		return nil, fmt.Errorf("expected threadable kind (1, 42 or 30023), got %d", event.Kind)
	}

	eTags := make([]nostr.Tag, 0)
	for _, tag := range event.Tags {
		if len(tag) >= 2 && tag[0] == "e" {
			eTags = append(eTags, tag)
		}
	}

	if len(eTags) == 0 {
		return &ThreadInfo{}, nil
	}

	if hasMarkedTags(eTags) {
		info := parseMarkedFormat(eTags)
		if event.Kind != 42 && info.ReplyToID != "" && info.RootEventID == "" {
			info.RootEventID = info.ReplyToID
		}
		return info, nil
	}

	if event.Kind == 42 {
		return parseChannelPositional(eTags), nil
	}
	return parsePositionalFormat(eTags), nil
}

// hasMarkedTags checks if any e tag has a marker (root/reply/mention)
func hasMarkedTags(eTags []nostr.Tag) bool {
	for _, tag := range eTags {
		if len(tag) >= 4 && tag[3] != "" {
			return true
		}
	}
	return false
}

// parseMarkedFormat parses NIP-10 marked e tags (preferred format).
// Mention markers are ignored.
func parseMarkedFormat(eTags []nostr.Tag) *ThreadInfo {
	info := &ThreadInfo{}
	for _, tag := range eTags {
		if len(tag) < 4 {
			continue
		}
		switch tag[3] {
		case "root":
			info.RootEventID = tag[1]
		case "reply":
			info.ReplyToID = tag[1]
		}
	}
	return info
}

// parsePositionalFormat parses deprecated positional e tags of kind 1 notes:
// the first is the root, the last the parent
func parsePositionalFormat(eTags []nostr.Tag) *ThreadInfo {
	return &ThreadInfo{
		RootEventID: eTags[0][1],
		ReplyToID:   eTags[len(eTags)-1][1],
	}
}

// parseChannelPositional reads [channel, ...mentions, reply] without markers
func parseChannelPositional(eTags []nostr.Tag) *ThreadInfo {
	info := &ThreadInfo{RootEventID: eTags[0][1]}
	if len(eTags) > 1 {
		info.ReplyToID = eTags[len(eTags)-1][1]
	}
	return info
}

// IsReply returns true if this event is a reply to another event
func (ti *ThreadInfo) IsReply() bool {
	return ti.ReplyToID != ""
}

// InChannel reports whether a channel message belongs to channel
func (ti *ThreadInfo) InChannel(channel string) bool {
	return ti.RootEventID == channel
}

func isThreadableKind(kind int) bool {
	return kind == 1 || kind == 42 || kind == 30023
}
