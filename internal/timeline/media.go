package timeline

import "fmt"

// ImageInfo describes an image attachment
type ImageInfo struct {
	URL      string `json:"url"`
	MimeType string `json:"mime_type"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	Size     int64  `json:"size"`
}

// AspectRatio returns width/height, or 0 when unknown
func (i ImageInfo) AspectRatio() float64 {
	if i.Width <= 0 || i.Height <= 0 {
		return 0
	}
	return float64(i.Width) / float64(i.Height)
}

// Validate checks the fields required to render the image
func (i ImageInfo) Validate() error {
	switch {
	case i.URL == "":
		return fmt.Errorf("%w: image without url", ErrMalformedMedia)
	case i.MimeType == "":
		return fmt.Errorf("%w: image without mime type", ErrMalformedMedia)
	case i.Width <= 0 || i.Height <= 0:
		return fmt.Errorf("%w: image without dimensions", ErrMalformedMedia)
	}
	return nil
}

// VideoInfo describes a video attachment
type VideoInfo struct {
	URL       string     `json:"url"`
	MimeType  string     `json:"mime_type"`
	Width     int        `json:"width"`
	Height    int        `json:"height"`
	Size      int64      `json:"size"`
	Duration  int64      `json:"duration_ms"`
	Thumbnail *ImageInfo `json:"thumbnail,omitempty"`
}

// AspectRatio returns width/height, or 0 when unknown
func (v VideoInfo) AspectRatio() float64 {
	if v.Width <= 0 || v.Height <= 0 {
		return 0
	}
	return float64(v.Width) / float64(v.Height)
}

// Validate checks the fields required to render the video. A thumbnail is
// optional, but a present one must itself be valid.
func (v VideoInfo) Validate() error {
	switch {
	case v.URL == "":
		return fmt.Errorf("%w: video without url", ErrMalformedMedia)
	case v.MimeType == "":
		return fmt.Errorf("%w: video without mime type", ErrMalformedMedia)
	case v.Width <= 0 || v.Height <= 0:
		return fmt.Errorf("%w: video without dimensions", ErrMalformedMedia)
	}
	if v.Thumbnail != nil {
		if err := v.Thumbnail.Validate(); err != nil {
			return fmt.Errorf("thumbnail: %w", err)
		}
	}
	return nil
}

// VoiceInfo describes a voice recording
type VoiceInfo struct {
	URL      string `json:"url"`
	MimeType string `json:"mime_type"`
	Size     int64  `json:"size"`
	Duration int64  `json:"duration_ms"`
	Waveform []int  `json:"waveform,omitempty"`
}

// Validate checks the fields required to play the recording
func (v VoiceInfo) Validate() error {
	switch {
	case v.URL == "":
		return fmt.Errorf("%w: voice without url", ErrMalformedMedia)
	case v.MimeType == "":
		return fmt.Errorf("%w: voice without mime type", ErrMalformedMedia)
	case v.Duration < 0:
		return fmt.Errorf("%w: negative voice duration", ErrMalformedMedia)
	}
	return nil
}
