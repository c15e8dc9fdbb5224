// Package matrix serves Matrix rooms as club timelines through mautrix.
package matrix

import (
	"errors"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/allgram/clubfeed/internal/timeline"
)

// Convert maps a Matrix room event onto a timeline event. State events and
// ephemeral data yield false.
func Convert(evt *event.Event) (timeline.Event, bool) {
	if evt == nil || evt.ID == "" || evt.StateKey != nil {
		return timeline.Event{}, false
	}

	out := timeline.Event{
		ID:        evt.ID.String(),
		RoomID:    evt.RoomID.String(),
		Sender:    evt.Sender.String(),
		Timestamp: evt.Timestamp,
		Redacted:  evt.Unsigned.RedactedBecause != nil,
	}

	parsed := true
	if err := evt.Content.ParseRaw(evt.Type); err != nil && !errors.Is(err, event.ErrContentAlreadyParsed) {
		parsed = false
	}

	switch evt.Type.Type {
	case event.EventMessage.Type, event.EventSticker.Type:
		out.Type = timeline.TypeMessage
		out.Content = timeline.Unknown{}
		if !parsed || out.Redacted {
			return out, true
		}
		content := evt.Content.AsMessage()
		out.ReplyTo = content.RelatesTo.GetReplyTo().String()
		if content.RelatesTo != nil && content.RelatesTo.Type == event.RelReplace {
			out.Edit = true
			out.Replaces = content.RelatesTo.EventID.String()
			out.ReplyTo = ""
			if content.NewContent != nil {
				content = content.NewContent
			}
		}
		if evt.Type.Type == event.EventSticker.Type {
			out.Content = imageContent(content)
		} else {
			out.Content = messageContent(content)
		}

	case event.EventEncrypted.Type:
		out.Type = timeline.TypeMessage
		out.Content = timeline.Unknown{}
		out.Undecryptable = true

	case event.EventReaction.Type:
		out.Type = timeline.TypeReaction
		out.Content = timeline.Unknown{}
		if !parsed || out.Redacted {
			return out, true
		}
		rel := evt.Content.AsReaction().RelatesTo
		if rel.Type != event.RelAnnotation {
			return out, true
		}
		out.Content = timeline.Annotation{Target: rel.EventID.String(), Key: rel.Key}

	case event.EventRedaction.Type:
		out.Type = timeline.TypeRedaction
		red := timeline.Redaction{Target: evt.Redacts.String()}
		if parsed {
			content := evt.Content.AsRedaction()
			if red.Target == "" {
				red.Target = content.Redacts.String()
			}
			red.Reason = content.Reason
		}
		out.Content = red

	default:
		out.Type = timeline.TypeOther
		out.Content = timeline.Unknown{}
	}

	return out, true
}

func messageContent(c *event.MessageEventContent) timeline.Content {
	switch c.MsgType {
	case event.MsgText, event.MsgNotice, event.MsgEmote:
		return timeline.Text{Body: c.Body}
	case event.MsgImage:
		return imageContent(c)
	case event.MsgVideo:
		info := c.GetInfo()
		video := timeline.VideoInfo{
			URL:      contentURL(c),
			MimeType: info.MimeType,
			Width:    info.Width,
			Height:   info.Height,
			Size:     int64(info.Size),
			Duration: int64(info.Duration),
		}
		if info.ThumbnailInfo != nil && (info.ThumbnailURL != "" || info.ThumbnailFile != nil) {
			thumbURL := string(info.ThumbnailURL)
			if info.ThumbnailFile != nil {
				thumbURL = string(info.ThumbnailFile.URL)
			}
			video.Thumbnail = &timeline.ImageInfo{
				URL:      thumbURL,
				MimeType: info.ThumbnailInfo.MimeType,
				Width:    info.ThumbnailInfo.Width,
				Height:   info.ThumbnailInfo.Height,
				Size:     int64(info.ThumbnailInfo.Size),
			}
		}
		return timeline.Video{Body: c.Body, Info: video}
	case event.MsgAudio:
		info := c.GetInfo()
		if c.MSC3245Voice == nil {
			return timeline.File{Body: c.Body, URL: contentURL(c), MimeType: info.MimeType, Size: int64(info.Size)}
		}
		voice := timeline.VoiceInfo{
			URL:      contentURL(c),
			MimeType: info.MimeType,
			Size:     int64(info.Size),
			Duration: int64(info.Duration),
		}
		if c.MSC1767Audio != nil {
			if c.MSC1767Audio.Duration > 0 {
				voice.Duration = int64(c.MSC1767Audio.Duration)
			}
			voice.Waveform = append([]int(nil), c.MSC1767Audio.Waveform...)
		}
		return timeline.Voice{Body: c.Body, Info: voice}
	case event.MsgFile:
		info := c.GetInfo()
		return timeline.File{Body: c.Body, URL: contentURL(c), MimeType: info.MimeType, Size: int64(info.Size)}
	}
	return timeline.Unknown{}
}

func imageContent(c *event.MessageEventContent) timeline.Content {
	info := c.GetInfo()
	return timeline.Image{Body: c.Body, Info: timeline.ImageInfo{
		URL:      contentURL(c),
		MimeType: info.MimeType,
		Width:    info.Width,
		Height:   info.Height,
		Size:     int64(info.Size),
	}}
}

// contentURL prefers the encrypted file locator when present
func contentURL(c *event.MessageEventContent) string {
	if c.File != nil {
		return string(c.File.URL)
	}
	return string(c.URL)
}

// outgoing renders attachment content as an m.room.message payload
func outgoing(content timeline.Content) (*event.MessageEventContent, error) {
	switch c := content.(type) {
	case timeline.Text:
		return &event.MessageEventContent{MsgType: event.MsgText, Body: c.Body}, nil
	case timeline.Image:
		return &event.MessageEventContent{
			MsgType: event.MsgImage,
			Body:    bodyOr(c.Body, "image"),
			URL:     contentURI(c.Info.URL),
			Info: &event.FileInfo{
				MimeType: c.Info.MimeType,
				Width:    c.Info.Width,
				Height:   c.Info.Height,
				Size:     int(c.Info.Size),
			},
		}, nil
	case timeline.Video:
		info := &event.FileInfo{
			MimeType: c.Info.MimeType,
			Width:    c.Info.Width,
			Height:   c.Info.Height,
			Size:     int(c.Info.Size),
			Duration: int(c.Info.Duration),
		}
		if t := c.Info.Thumbnail; t != nil {
			info.ThumbnailURL = contentURI(t.URL)
			info.ThumbnailInfo = &event.FileInfo{
				MimeType: t.MimeType,
				Width:    t.Width,
				Height:   t.Height,
				Size:     int(t.Size),
			}
		}
		return &event.MessageEventContent{
			MsgType: event.MsgVideo,
			Body:    bodyOr(c.Body, "video"),
			URL:     contentURI(c.Info.URL),
			Info:    info,
		}, nil
	case timeline.Voice:
		return &event.MessageEventContent{
			MsgType: event.MsgAudio,
			Body:    bodyOr(c.Body, "voice message"),
			URL:     contentURI(c.Info.URL),
			Info: &event.FileInfo{
				MimeType: c.Info.MimeType,
				Size:     int(c.Info.Size),
				Duration: int(c.Info.Duration),
			},
			MSC1767Audio: &event.MSC1767Audio{
				Duration: int(c.Info.Duration),
				Waveform: c.Info.Waveform,
			},
			MSC3245Voice: &event.MSC3245Voice{},
		}, nil
	case timeline.File:
		return &event.MessageEventContent{
			MsgType: event.MsgFile,
			Body:    bodyOr(c.Body, "file"),
			URL:     contentURI(c.URL),
			Info:    &event.FileInfo{MimeType: c.MimeType, Size: int(c.Size)},
		}, nil
	}
	return nil, errors.New("unsupported message content")
}

func contentURI(url string) id.ContentURIString {
	return id.ContentURIString(url)
}

func bodyOr(body, fallback string) string {
	if body == "" {
		return fallback
	}
	return body
}
