// Package page turns the current form state into a view: which image to show,
// at what width, and which warning or success message goes with it. It knows
// nothing about HTTP or HTML.
package page

import (
	"context"
	"fmt"
	"image"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/Brownie44l1/vit-classify/internal/imageload"
	"github.com/Brownie44l1/vit-classify/internal/logging"
)

const (
	NoInputWarning = "Please upload an image or provide an image URL."

	CaptionUpload = "Uploaded image"
	CaptionURL    = "Image from URL"

	// Images wider than this ratio fill the column; others keep their size.
	FullWidthRatio = 1.4
)

// Stage is how far a render cycle got.
type Stage int

const (
	NoInput Stage = iota
	ImageLoaded
	Classified
)

func (s Stage) String() string {
	switch s {
	case ImageLoaded:
		return "image_loaded"
	case Classified:
		return "classified"
	default:
		return "no_input"
	}
}

// Loader is the subset of imageload.Loader used by Render.
type Loader interface {
	LoadFromFile(r io.Reader, filename string) (*imageload.Image, error)
	LoadFromURL(ctx context.Context, url string) (*imageload.Image, error)
}

// Classifier returns a single label for an image.
type Classifier interface {
	Classify(ctx context.Context, img image.Image) (string, error)
}

// Input is the widget state of one submission. File takes precedence over URL.
type Input struct {
	File      io.Reader
	Filename  string
	URL       string
	Classify  bool
	RequestID string
}

// ImageView describes how to display the loaded image.
type ImageView struct {
	Src       string
	Caption   string
	Source    imageload.Source
	Width     int
	Height    int
	FullWidth bool
	// Data is the encoded image as loaded, for re-submitting an upload.
	Data []byte
}

// View is the outcome of one render cycle.
type View struct {
	Stage   Stage
	Warning string
	Success string
	Label   string
	Image   *ImageView
	// Err is the failure behind Warning, if any.
	Err error
}

// Renderer drives the loader and classifier for each submission.
type Renderer struct {
	loader     Loader
	classifier Classifier
	logger     *zap.Logger
}

func NewRenderer(loader Loader, classifier Classifier, logger *zap.Logger) *Renderer {
	return &Renderer{
		loader:     loader,
		classifier: classifier,
		logger:     logger.Named("page"),
	}
}

// FullWidth reports whether an image of the given size should fill its column.
func FullWidth(width, height int) bool {
	if height <= 0 {
		return false
	}
	return float64(width)/float64(height) > FullWidthRatio
}

// Render evaluates one submission from scratch.
func (r *Renderer) Render(ctx context.Context, in Input) View {
	opLogger := logging.WithOperation(r.logger, "page.render", in.RequestID)

	var (
		img     *imageload.Image
		err     error
		caption string
	)
	url := strings.TrimSpace(in.URL)

	switch {
	case in.File != nil:
		img, err = r.loader.LoadFromFile(in.File, in.Filename)
		if err != nil {
			opLogger.Info("upload rejected", zap.Error(err))
			return View{Stage: NoInput, Warning: fmt.Sprintf("Error loading image: %v", err), Err: err}
		}
		caption = CaptionUpload
	case url != "":
		img, err = r.loader.LoadFromURL(ctx, url)
		if err != nil {
			opLogger.Info("url load failed", zap.String("url", url), zap.Error(err))
			return View{Stage: NoInput, Warning: fmt.Sprintf("Error loading image from URL: %v", err), Err: err}
		}
		caption = CaptionURL
	default:
		return View{Stage: NoInput, Warning: NoInputWarning}
	}

	view := View{
		Stage: ImageLoaded,
		Image: &ImageView{
			Src:       img.DataURI(),
			Data:      img.Data,
			Caption:   caption,
			Source:    img.Source,
			Width:     img.Width(),
			Height:    img.Height(),
			FullWidth: FullWidth(img.Width(), img.Height()),
		},
	}

	if !in.Classify {
		return view
	}

	label, err := r.classifier.Classify(ctx, img.Image)
	if err != nil {
		failure := &logging.OperationError{Op: "page.classify", RequestID: in.RequestID, Target: string(img.Source), Err: err}
		opLogger.Error("classification failed", zap.Object("failure", failure))
		view.Warning = fmt.Sprintf("Classification failed: %v", err)
		view.Err = failure
		return view
	}

	opLogger.Info("image classified", zap.String("label", label), zap.String("source", string(img.Source)))
	view.Stage = Classified
	view.Label = label
	view.Success = fmt.Sprintf("Image class: %s", label)
	return view
}
