package feed

import "github.com/allgram/clubfeed/internal/timeline"

// DefaultHeaderSentinel prefixes the body of a combined-post header
const DefaultHeaderSentinel = "gRoUp"

// Partition is the classifier's output over one snapshot
type Partition struct {
	Basic    []timeline.Event
	Headers  []timeline.Event
	Replies  []timeline.Event
	Redacted map[string]struct{}
}

// Classifier sorts a snapshot into post candidates, replies and redactions
type Classifier struct {
	Sentinel string
}

// Classify partitions events. It is a pure function of its input.
func (c Classifier) Classify(events []timeline.Event) Partition {
	sentinel := c.Sentinel
	if sentinel == "" {
		sentinel = DefaultHeaderSentinel
	}

	p := Partition{Redacted: make(map[string]struct{})}

	for _, ev := range events {
		if ev.Type == timeline.TypeRedaction {
			if r, ok := ev.Content.(timeline.Redaction); ok && r.Target != "" {
				p.Redacted[r.Target] = struct{}{}
			}
			continue
		}

		if ev.Redacted || ev.Edit || ev.Undecryptable || ev.Type != timeline.TypeMessage {
			continue
		}

		switch {
		case ev.ReplyTo != "":
			p.Replies = append(p.Replies, ev)
		case ev.MsgType() == timeline.MsgText && ev.HasPrefix(sentinel):
			p.Headers = append(p.Headers, ev)
		case ev.IsMedia():
			p.Basic = append(p.Basic, ev)
		}
	}

	return p
}
