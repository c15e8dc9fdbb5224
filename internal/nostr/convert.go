package nostr

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/nbd-wtf/go-nostr"

	"github.com/allgram/clubfeed/internal/storage"
	"github.com/allgram/clubfeed/internal/timeline"
)

// IMeta is one NIP-92 inline media descriptor
type IMeta struct {
	URL      string
	MimeType string
	Width    int
	Height   int
	Size     int64
	Duration int64 // milliseconds
	Waveform []int
	Image    string // preview image url
}

// ParseIMeta reads every imeta tag of an event in tag order. Entries without
// a url are skipped.
func ParseIMeta(tags nostr.Tags) []IMeta {
	metas := make([]IMeta, 0)
	for _, tag := range tags {
		if len(tag) < 2 || tag[0] != "imeta" {
			continue
		}

		var meta IMeta
		for _, field := range tag[1:] {
			key, value, ok := strings.Cut(field, " ")
			if !ok {
				continue
			}
			value = strings.TrimSpace(value)
			switch key {
			case "url":
				meta.URL = value
			case "m":
				meta.MimeType = strings.ToLower(value)
			case "dim":
				meta.Width, meta.Height = parseDim(value)
			case "size":
				meta.Size, _ = strconv.ParseInt(value, 10, 64)
			case "duration":
				if secs, err := strconv.ParseFloat(value, 64); err == nil && secs >= 0 {
					meta.Duration = int64(math.Round(secs * 1000))
				}
			case "waveform":
				meta.Waveform = parseWaveform(value)
			case "image", "thumb":
				if meta.Image == "" {
					meta.Image = value
				}
			}
		}
		if meta.URL != "" {
			metas = append(metas, meta)
		}
	}
	return metas
}

func parseDim(value string) (int, int) {
	w, h, ok := strings.Cut(value, "x")
	if !ok {
		return 0, 0
	}
	width, err := strconv.Atoi(w)
	if err != nil {
		return 0, 0
	}
	height, err := strconv.Atoi(h)
	if err != nil {
		return 0, 0
	}
	return width, height
}

func parseWaveform(value string) []int {
	fields := strings.Fields(value)
	samples := make([]int, 0, len(fields))
	for _, f := range fields {
		n, err := strconv.Atoi(f)
		if err != nil {
			return nil
		}
		samples = append(samples, n)
	}
	return samples
}

// Tag renders the descriptor as an imeta tag
func (m IMeta) Tag() nostr.Tag {
	tag := nostr.Tag{"imeta", "url " + m.URL}
	if m.MimeType != "" {
		tag = append(tag, "m "+m.MimeType)
	}
	if m.Width > 0 && m.Height > 0 {
		tag = append(tag, fmt.Sprintf("dim %dx%d", m.Width, m.Height))
	}
	if m.Size > 0 {
		tag = append(tag, "size "+strconv.FormatInt(m.Size, 10))
	}
	if m.Duration > 0 {
		tag = append(tag, "duration "+strconv.FormatFloat(float64(m.Duration)/1000, 'f', -1, 64))
	}
	if len(m.Waveform) > 0 {
		samples := make([]string, len(m.Waveform))
		for i, s := range m.Waveform {
			samples[i] = strconv.Itoa(s)
		}
		tag = append(tag, "waveform "+strings.Join(samples, " "))
	}
	if m.Image != "" {
		tag = append(tag, "image "+m.Image)
	}
	return tag
}

// Convert maps a channel event onto timeline events. Kind 42 messages
// outside channel yield nothing. A deletion yields one redaction per target;
// whether the deletion is honored is up to the caller.
func Convert(ev *nostr.Event, channel string) []timeline.Event {
	base := timeline.Event{
		ID:        ev.ID,
		RoomID:    channel,
		Sender:    ev.PubKey,
		Timestamp: int64(ev.CreatedAt) * 1000,
	}

	switch ev.Kind {
	case storage.KindChannelMessage:
		info, err := ParseThreadInfo(ev)
		if err != nil || !info.InChannel(channel) {
			return nil
		}
		base.Type = timeline.TypeMessage
		base.Content = messageContent(ev)
		if info.ReplyToID != channel {
			base.ReplyTo = info.ReplyToID
		}
		return []timeline.Event{base}

	case storage.KindReaction:
		target := lastETag(ev.Tags)
		if target == "" {
			return nil
		}
		key := ev.Content
		if key == "" {
			key = "+"
		}
		base.Type = timeline.TypeReaction
		base.Content = timeline.Annotation{Target: target, Key: key}
		return []timeline.Event{base}

	case storage.KindDeletion:
		targets := DeletionTargets(ev)
		out := make([]timeline.Event, 0, len(targets))
		for i, target := range targets {
			del := base
			if i > 0 {
				del.ID = fmt.Sprintf("%s/%d", ev.ID, i)
			}
			del.Type = timeline.TypeRedaction
			del.Content = timeline.Redaction{Target: target, Reason: ev.Content}
			out = append(out, del)
		}
		return out
	}

	return nil
}

// DeletionTargets returns the event ids a kind 5 event asks to delete
func DeletionTargets(ev *nostr.Event) []string {
	targets := make([]string, 0)
	for _, tag := range ev.Tags {
		if len(tag) >= 2 && tag[0] == "e" && tag[1] != "" {
			targets = append(targets, tag[1])
		}
	}
	return targets
}

func lastETag(tags nostr.Tags) string {
	for i := len(tags) - 1; i >= 0; i-- {
		if len(tags[i]) >= 2 && tags[i][0] == "e" {
			return tags[i][1]
		}
	}
	return ""
}

// messageContent builds the content variant from the first imeta entry.
// Other mime types become File. A video preview is used as thumbnail only
// when it has its own imeta.
func messageContent(ev *nostr.Event) timeline.Content {
	metas := ParseIMeta(ev.Tags)
	if len(metas) == 0 {
		return timeline.Text{Body: ev.Content}
	}

	meta := metas[0]
	body := strings.TrimSpace(strings.ReplaceAll(ev.Content, meta.URL, ""))

	switch {
	case strings.HasPrefix(meta.MimeType, "image/"):
		return timeline.Image{Body: body, Info: imageInfo(meta)}
	case strings.HasPrefix(meta.MimeType, "video/"):
		info := timeline.VideoInfo{
			URL:      meta.URL,
			MimeType: meta.MimeType,
			Width:    meta.Width,
			Height:   meta.Height,
			Size:     meta.Size,
			Duration: meta.Duration,
		}
		for _, other := range metas[1:] {
			if meta.Image != "" && other.URL == meta.Image && strings.HasPrefix(other.MimeType, "image/") {
				thumb := imageInfo(other)
				info.Thumbnail = &thumb
				break
			}
		}
		return timeline.Video{Body: body, Info: info}
	case strings.HasPrefix(meta.MimeType, "audio/"):
		return timeline.Voice{Body: body, Info: timeline.VoiceInfo{
			URL:      meta.URL,
			MimeType: meta.MimeType,
			Size:     meta.Size,
			Duration: meta.Duration,
			Waveform: meta.Waveform,
		}}
	}

	return timeline.File{Body: body, URL: meta.URL, MimeType: meta.MimeType, Size: meta.Size}
}

func imageInfo(meta IMeta) timeline.ImageInfo {
	return timeline.ImageInfo{
		URL:      meta.URL,
		MimeType: meta.MimeType,
		Width:    meta.Width,
		Height:   meta.Height,
		Size:     meta.Size,
	}
}

// mediaMessage renders attachment content as a message body plus its imeta
// tags. A video thumbnail gets an imeta entry of its own.
func mediaMessage(content timeline.Content) (string, nostr.Tags, error) {
	var (
		body string
		meta IMeta
		tags nostr.Tags
	)

	switch c := content.(type) {
	case timeline.Image:
		body = c.Body
		meta = IMeta{URL: c.Info.URL, MimeType: c.Info.MimeType, Width: c.Info.Width, Height: c.Info.Height, Size: c.Info.Size}
	case timeline.Video:
		body = c.Body
		meta = IMeta{URL: c.Info.URL, MimeType: c.Info.MimeType, Width: c.Info.Width, Height: c.Info.Height, Size: c.Info.Size, Duration: c.Info.Duration}
		if t := c.Info.Thumbnail; t != nil && t.URL != "" {
			meta.Image = t.URL
			tags = append(tags, IMeta{URL: t.URL, MimeType: t.MimeType, Width: t.Width, Height: t.Height, Size: t.Size}.Tag())
		}
	case timeline.Voice:
		body = c.Body
		meta = IMeta{URL: c.Info.URL, MimeType: c.Info.MimeType, Size: c.Info.Size, Duration: c.Info.Duration, Waveform: c.Info.Waveform}
	case timeline.File:
		body = c.Body
		meta = IMeta{URL: c.URL, MimeType: c.MimeType, Size: c.Size}
	default:
		return "", nil, fmt.Errorf("unsupported media content %T", content)
	}

	if meta.URL == "" {
		return "", nil, fmt.Errorf("%w: attachment without url", timeline.ErrMalformedMedia)
	}

	tags = append(nostr.Tags{meta.Tag()}, tags...)
	if body == "" {
		return meta.URL, tags, nil
	}
	return body + "\n" + meta.URL, tags, nil
}
