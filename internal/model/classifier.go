package model

import (
	"context"
	"errors"
	"fmt"
	"image"

	"go.uber.org/zap"
)

// Backend runs one forward pass and returns the logits.
type Backend interface {
	Run(ctx context.Context, input []float32) ([]float32, error)
}

// Classifier maps an image to the single highest-scoring label. It is
// immutable after construction and safe for concurrent use if its Backend is.
type Classifier struct {
	backend  Backend
	metadata Metadata
	pre      Preprocessor
	logger   *zap.Logger
}

// NewClassifier validates the metadata and binds it to a backend.
func NewClassifier(backend Backend, metadata Metadata, logger *zap.Logger) (*Classifier, error) {
	if backend == nil {
		return nil, errors.New("model: nil backend")
	}
	if len(metadata.Classes) == 0 {
		return nil, errors.New("model: empty label vocabulary")
	}
	if metadata.ImageSize <= 0 {
		return nil, fmt.Errorf("model: invalid image size %d", metadata.ImageSize)
	}
	if want := 3 * metadata.ImageSize * metadata.ImageSize; metadata.InputLen() != want {
		return nil, fmt.Errorf("model: input shape %v holds %d values, preprocessing produces %d", metadata.InputShape, metadata.InputLen(), want)
	}
	for i, std := range metadata.ImageStd {
		if std == 0 {
			return nil, fmt.Errorf("model: zero std for channel %d", i)
		}
	}
	return &Classifier{
		backend:  backend,
		metadata: metadata,
		pre:      metadata.Preprocessor(),
		logger:   logger.Named("classifier"),
	}, nil
}

// Classify preprocesses img, runs the backend and returns the label of the
// maximum logit.
func (c *Classifier) Classify(ctx context.Context, img image.Image) (string, error) {
	input := c.pre.Tensor(img)

	logits, err := c.backend.Run(ctx, input)
	if err != nil {
		return "", fmt.Errorf("inference failed: %w", err)
	}

	idx, err := Argmax(logits)
	if err != nil {
		return "", err
	}
	if idx >= len(c.metadata.Classes) {
		return "", fmt.Errorf("model: class index %d outside vocabulary of %d", idx, len(c.metadata.Classes))
	}

	label := c.metadata.Classes[idx]
	c.logger.Debug("classified image",
		zap.Int("class_index", idx),
		zap.Float32("logit", logits[idx]),
		zap.String("label", label))
	return label, nil
}

// Info summarises the loaded model.
func (c *Classifier) Info() ModelInfo {
	return ModelInfo{
		ModelID:    c.metadata.ModelID,
		NumClasses: len(c.metadata.Classes),
		ImageSize:  c.metadata.ImageSize,
	}
}

// Argmax returns the index of the largest score. The lowest index wins a tie.
func Argmax(scores []float32) (int, error) {
	if len(scores) == 0 {
		return 0, errors.New("model: empty logits")
	}
	maxIdx := 0
	maxVal := scores[0]
	for i, val := range scores {
		if val > maxVal {
			maxVal = val
			maxIdx = i
		}
	}
	return maxIdx, nil
}
