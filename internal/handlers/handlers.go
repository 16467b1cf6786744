package handlers

import (
	"bytes"
	"context"
	"embed"
	"encoding/base64"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Brownie44l1/vit-classify/internal/imageload"
	"github.com/Brownie44l1/vit-classify/internal/model"
	"github.com/Brownie44l1/vit-classify/internal/page"
)

const pageTitle = "Simple image classification app"

// formOverhead is allowed on top of the image limits for the other form
// fields and multipart framing.
const formOverhead = 1 << 20

// A loaded upload is re-posted in these hidden fields so the next submission
// can classify it without choosing the file again.
const (
	carriedDataField = "image_data"
	carriedNameField = "image_name"
)

//go:embed templates/*.html
var templateFS embed.FS

// Renderer runs one render cycle.
type Renderer interface {
	Render(ctx context.Context, in page.Input) page.View
}

// InfoProvider describes the loaded model.
type InfoProvider interface {
	Info() model.ModelInfo
}

type Handler struct {
	renderer  Renderer
	model     InfoProvider
	maxUpload int64
	logger    *zap.Logger
}

// NewHandler creates the HTTP handlers. maxImageBytes bounds an uploaded image.
func NewHandler(renderer Renderer, info InfoProvider, maxImageBytes int64, logger *zap.Logger) *Handler {
	return &Handler{
		renderer:  renderer,
		model:     info,
		maxUpload: maxImageBytes,
		logger:    logger.Named("handlers"),
	}
}

// RegisterRoutes wires the page, the JSON API and the health check to router.
func RegisterRoutes(router *gin.Engine, h *Handler) {
	tmpl := template.Must(template.New("").ParseFS(templateFS, "templates/*.html"))
	router.SetHTMLTemplate(tmpl)
	router.MaxMultipartMemory = h.maxUpload

	router.Use(requestLogger(h.logger))

	router.GET("/", h.Index)
	router.POST("/", h.Submit)

	router.GET("/health", enableCORS(), h.Health)

	api := router.Group("/api/v1", enableCORS())
	api.OPTIONS("/classify", func(c *gin.Context) {})
	api.POST("/classify", h.Classify)
	api.GET("/model", h.Model)
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

func (h *Handler) Model(c *gin.Context) {
	c.JSON(http.StatusOK, h.model.Info())
}

// Index renders the empty page.
func (h *Handler) Index(c *gin.Context) {
	view := h.renderer.Render(c.Request.Context(), page.Input{RequestID: requestID(c)})
	c.HTML(http.StatusOK, "index.html", h.pageData(view, page.Input{}))
}

// Submit renders the page for a form submission. User-level failures are
// shown as warnings with a 200 status.
func (h *Handler) Submit(c *gin.Context) {
	in, cleanup, err := h.readInput(c)
	defer cleanup()
	if err != nil {
		h.logger.Info("form rejected", zap.String("request_id", requestID(c)), zap.Error(err))
		view := page.View{Stage: page.NoInput, Warning: fmt.Sprintf("Error loading image: %v", err), Err: err}
		c.HTML(http.StatusOK, "index.html", h.pageData(view, page.Input{URL: c.PostForm("url")}))
		return
	}
	in.Classify = c.PostForm("action") == "classify"

	view := h.renderer.Render(c.Request.Context(), in)
	c.HTML(http.StatusOK, "index.html", h.pageData(view, in))
}

// Classify is the JSON counterpart of pressing "Classify image".
func (h *Handler) Classify(c *gin.Context) {
	in, cleanup, err := h.readInput(c)
	defer cleanup()
	if err != nil {
		status := http.StatusBadRequest
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	in.Classify = true

	view := h.renderer.Render(c.Request.Context(), in)
	if view.Stage != page.Classified {
		c.JSON(statusFor(view), gin.H{"error": view.Warning})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"label":      view.Label,
		"source":     view.Image.Source,
		"width":      view.Image.Width,
		"height":     view.Image.Height,
		"full_width": view.Image.FullWidth,
	})
}

func statusFor(view page.View) int {
	var (
		netErr    *imageload.NetworkError
		decodeErr *imageload.DecodeError
	)
	switch {
	case view.Err == nil:
		return http.StatusBadRequest
	case errors.As(view.Err, &netErr):
		return http.StatusBadGateway
	case errors.As(view.Err, &decodeErr):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// readInput parses the multipart (or urlencoded) form. A new file wins over
// a carried upload, which wins over the URL. The returned cleanup closes the
// uploaded file and must always be called.
func (h *Handler) readInput(c *gin.Context) (page.Input, func(), error) {
	noop := func() {}
	in := page.Input{RequestID: requestID(c)}

	// Room for a new file and a carried one in base64.
	carriedLimit := int64(base64.StdEncoding.EncodedLen(int(h.maxUpload)))
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUpload+carriedLimit+formOverhead)
	if err := c.Request.ParseMultipartForm(h.maxUpload + carriedLimit); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return in, noop, fmt.Errorf("upload exceeds %d bytes: %w", h.maxUpload, err)
		}
		return in, noop, fmt.Errorf("failed to parse form: %w", err)
	}

	in.URL = c.PostForm("url")

	header, err := c.FormFile("image")
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) || errors.Is(err, http.ErrNotMultipart) {
			return h.readCarried(c, in)
		}
		return in, noop, fmt.Errorf("failed to read upload: %w", err)
	}
	if header.Size > h.maxUpload {
		return in, noop, &imageload.DecodeError{
			Source: imageload.SourceUpload,
			Err:    fmt.Errorf("image exceeds %d bytes", h.maxUpload),
		}
	}

	file, err := header.Open()
	if err != nil {
		return in, noop, fmt.Errorf("unable to open image: %w", err)
	}
	h.logger.Debug("received file",
		zap.String("request_id", in.RequestID),
		zap.String("filename", header.Filename),
		zap.Int64("size", header.Size))

	in.File = file
	in.Filename = header.Filename
	return in, func() { file.Close() }, nil
}

// readCarried restores an upload re-posted from the previous page, unless the
// user asked to clear it.
func (h *Handler) readCarried(c *gin.Context, in page.Input) (page.Input, func(), error) {
	noop := func() {}
	encoded := c.PostForm(carriedDataField)
	if encoded == "" || c.PostForm("action") == "clear" {
		return in, noop, nil
	}

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return in, noop, &imageload.DecodeError{
			Source: imageload.SourceUpload,
			Err:    fmt.Errorf("invalid carried image: %w", err),
		}
	}
	h.logger.Debug("reusing carried upload",
		zap.String("request_id", in.RequestID),
		zap.Int("size", len(data)))

	in.File = bytes.NewReader(data)
	in.Filename = c.PostForm(carriedNameField)
	return in, noop, nil
}

type pageData struct {
	Title   string
	ModelID string
	Accept  string
	URL     string
	Warning string
	Success string
	Image   *imageData
	Carried *carriedUpload
}

type carriedUpload struct {
	Data string
	Name string
}

type imageData struct {
	Src       template.URL
	Caption   string
	Width     int
	Height    int
	FullWidth bool
}

func (h *Handler) pageData(view page.View, in page.Input) pageData {
	data := pageData{
		Title:   pageTitle,
		ModelID: h.model.Info().ModelID,
		Accept:  strings.Join(imageload.AllowedExtensions, ","),
		URL:     in.URL,
		Warning: view.Warning,
		Success: view.Success,
	}
	if img := view.Image; img != nil {
		data.Image = &imageData{
			// Src is a data: URI built from decoded image bytes.
			Src:       template.URL(img.Src),
			Caption:   img.Caption,
			Width:     img.Width,
			Height:    img.Height,
			FullWidth: img.FullWidth,
		}
		if img.Source == imageload.SourceUpload {
			data.Carried = &carriedUpload{
				Data: base64.StdEncoding.EncodeToString(img.Data),
				Name: in.Filename,
			}
		}
	}
	return data
}
