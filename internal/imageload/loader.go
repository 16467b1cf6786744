package imageload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// AllowedExtensions are the upload filename extensions accepted by LoadFromFile.
var AllowedExtensions = []string{".jpg", ".jpeg", ".png"}

// Loader turns uploads and URLs into decoded images.
type Loader struct {
	client    *resty.Client
	maxBytes  int64
	maxPixels int64
	logger    *zap.Logger
}

// NewHTTPClient returns the resty client used for URL loads. A zero timeout
// leaves the request unbounded.
func NewHTTPClient(timeout time.Duration, logger *zap.Logger) *resty.Client {
	client := resty.New().SetLogger(logger.Sugar())
	if timeout > 0 {
		client.SetTimeout(timeout)
	}
	return client
}

// NewLoader creates a loader that refuses images larger than maxBytes encoded
// or maxPixels decoded.
func NewLoader(client *resty.Client, maxBytes, maxPixels int64, logger *zap.Logger) *Loader {
	return &Loader{
		client:    client,
		maxBytes:  maxBytes,
		maxPixels: maxPixels,
		logger:    logger.Named("imageload"),
	}
}

// LoadFromFile decodes an uploaded file. filename is only used for the
// extension check and may be empty.
func (l *Loader) LoadFromFile(r io.Reader, filename string) (*Image, error) {
	if filename != "" && !allowedExtension(filename) {
		return nil, &DecodeError{
			Source: SourceUpload,
			Err:    fmt.Errorf("unsupported file type %q, expected one of %s", filepath.Ext(filename), strings.Join(AllowedExtensions, ", ")),
		}
	}

	data, err := l.readLimited(r)
	if err != nil {
		return nil, &DecodeError{Source: SourceUpload, Err: err}
	}
	img, err := l.decode(data, SourceUpload)
	if err != nil {
		return nil, err
	}
	l.logger.Debug("decoded upload",
		zap.String("filename", filename),
		zap.String("format", img.Format),
		zap.Int("width", img.Width()),
		zap.Int("height", img.Height()))
	return img, nil
}

// LoadFromURL fetches rawURL with a single GET and decodes the body.
func (l *Loader) LoadFromURL(ctx context.Context, rawURL string) (*Image, error) {
	resp, err := l.client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(rawURL)
	if err != nil {
		if resp != nil && resp.RawBody() != nil {
			resp.RawBody().Close()
		}
		return nil, &NetworkError{URL: rawURL, Err: err}
	}
	body := resp.RawBody()
	defer body.Close()

	if !resp.IsSuccess() {
		return nil, &NetworkError{
			URL:        rawURL,
			StatusCode: resp.StatusCode(),
			Err:        fmt.Errorf("unexpected status %s", resp.Status()),
		}
	}

	data, err := l.readLimited(body)
	if err != nil {
		var tooLarge *tooLargeError
		if errors.As(err, &tooLarge) {
			return nil, &DecodeError{Source: SourceURL, Err: err}
		}
		return nil, &NetworkError{URL: rawURL, StatusCode: resp.StatusCode(), Err: err}
	}

	img, err := l.decode(data, SourceURL)
	if err != nil {
		return nil, err
	}
	l.logger.Debug("decoded url image",
		zap.String("url", rawURL),
		zap.String("format", img.Format),
		zap.Int("bytes", len(data)),
		zap.Int("width", img.Width()),
		zap.Int("height", img.Height()))
	return img, nil
}

type tooLargeError struct {
	limit int64
}

func (e *tooLargeError) Error() string {
	return fmt.Sprintf("image exceeds %d bytes", e.limit)
}

func (l *Loader) readLimited(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, l.maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > l.maxBytes {
		return nil, &tooLargeError{limit: l.maxBytes}
	}
	return data, nil
}

// decode checks the header before decoding, so an image whose pixel buffer
// would exceed maxPixels is never allocated.
func (l *Loader) decode(data []byte, source Source) (*Image, error) {
	if len(data) == 0 {
		return nil, &DecodeError{Source: source, Err: errors.New("empty image")}
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, &DecodeError{Source: source, Err: err}
	}
	if format != "jpeg" && format != "png" {
		return nil, &DecodeError{Source: source, Err: fmt.Errorf("unsupported image format %q", format)}
	}
	if pixels := int64(cfg.Width) * int64(cfg.Height); pixels > l.maxPixels {
		return nil, &DecodeError{
			Source: source,
			Err:    fmt.Errorf("image is %dx%d, more than %d pixels", cfg.Width, cfg.Height, l.maxPixels),
		}
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, &DecodeError{Source: source, Err: err}
	}
	return &Image{Image: img, Format: format, Data: data, Source: source}, nil
}

func allowedExtension(filename string) bool {
	ext := strings.ToLower(filepath.Ext(filename))
	for _, allowed := range AllowedExtensions {
		if ext == allowed {
			return true
		}
	}
	return false
}
