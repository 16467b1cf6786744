package imageload

import (
	"encoding/base64"
	"fmt"
	"image"
)

// Source records where an image came from.
type Source string

const (
	SourceUpload Source = "upload"
	SourceURL    Source = "url"
)

// Image is a decoded bitmap together with the bytes it was decoded from.
type Image struct {
	Image  image.Image
	Format string // "jpeg" or "png"
	Data   []byte
	Source Source
}

func (i *Image) Width() int  { return i.Image.Bounds().Dx() }
func (i *Image) Height() int { return i.Image.Bounds().Dy() }

// AspectRatio is width divided by height, or 0 for an empty image.
func (i *Image) AspectRatio() float64 {
	h := i.Height()
	if h == 0 {
		return 0
	}
	return float64(i.Width()) / float64(h)
}

// DataURI embeds the original bytes for inline display.
func (i *Image) DataURI() string {
	return fmt.Sprintf("data:image/%s;base64,%s", i.Format, base64.StdEncoding.EncodeToString(i.Data))
}

// DecodeError means the bytes could not be turned into a supported image.
type DecodeError struct {
	Source Source
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("cannot decode image from %s: %v", e.Source, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// NetworkError means the URL could not be fetched. StatusCode is zero when no
// response was received.
type NetworkError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("GET %s: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }
