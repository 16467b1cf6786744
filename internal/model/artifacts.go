package model

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/go-resty/resty/v2"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/Brownie44l1/vit-classify/internal/logging"
)

const (
	ModelFile        = "onnx/model.onnx"
	ConfigFile       = "config.json"
	PreprocessorFile = "preprocessor_config.json"
)

var ErrArtifactMissing = errors.New("model artifact missing")

// ArtifactSource locates a model repository on a Hugging Face style hub and
// the local directory it is cached in.
type ArtifactSource struct {
	BaseURL  string
	Repo     string
	Revision string
	Dir      string
	Download bool
}

// Paths are the local files of a resolved model.
type Paths struct {
	Model        string
	Config       string
	Preprocessor string
}

func (s ArtifactSource) remoteURL(file string) string {
	return fmt.Sprintf("%s/%s/resolve/%s/%s", strings.TrimSuffix(s.BaseURL, "/"), s.Repo, s.Revision, file)
}

func (s ArtifactSource) localPath(file string) string {
	return filepath.Join(s.Dir, filepath.FromSlash(file))
}

// EnsureArtifacts returns the local artifact paths, downloading any file that
// is not cached yet when downloads are enabled.
func EnsureArtifacts(ctx context.Context, client *resty.Client, src ArtifactSource, logger *zap.Logger) (Paths, error) {
	opLogger := logging.WithOperation(logger, "model.ensure_artifacts", "")

	for _, file := range []string{ConfigFile, PreprocessorFile, ModelFile} {
		local := src.localPath(file)
		if _, err := os.Stat(local); err == nil {
			opLogger.Info("using cached artifact", zap.String("path", local))
			continue
		} else if !errors.Is(err, os.ErrNotExist) {
			return Paths{}, logging.Wrap("model.stat_artifact", "", local, err)
		}

		if !src.Download {
			return Paths{}, fmt.Errorf("%w: %s (downloads disabled)", ErrArtifactMissing, local)
		}

		url := src.remoteURL(file)
		opLogger.Info("downloading artifact", zap.String("url", url), zap.String("path", local))
		if err := download(ctx, client, url, local); err != nil {
			failure := &logging.OperationError{Op: "model.download_artifact", Target: url, Err: err}
			opLogger.Error("artifact download failed", zap.Object("failure", failure))
			return Paths{}, failure
		}
	}

	return Paths{
		Model:        src.localPath(ModelFile),
		Config:       src.localPath(ConfigFile),
		Preprocessor: src.localPath(PreprocessorFile),
	}, nil
}

// download writes url to a temporary file next to dst and renames it into
// place, so a partial download never looks cached.
func download(ctx context.Context, client *resty.Client, url, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	tmp := dst + ".part"

	resp, err := client.R().
		SetContext(ctx).
		SetOutput(tmp).
		Get(url)
	if err != nil {
		os.Remove(tmp)
		return err
	}
	if !resp.IsSuccess() {
		os.Remove(tmp)
		return fmt.Errorf("bad status: %s", resp.Status())
	}
	return os.Rename(tmp, dst)
}

type hubConfig struct {
	ID2Label map[string]string `json:"id2label"`
}

type hubPreprocessorConfig struct {
	DoNormalize   *bool               `json:"do_normalize"`
	DoRescale     *bool               `json:"do_rescale"`
	RescaleFactor *float64            `json:"rescale_factor"`
	ImageMean     []float32           `json:"image_mean"`
	ImageStd      []float32           `json:"image_std"`
	Size          jsoniter.RawMessage `json:"size"`
}

// LoadMetadata reads the label vocabulary and preprocessing parameters.
func LoadMetadata(paths Paths, modelID string) (Metadata, error) {
	labels, err := readLabels(paths.Config)
	if err != nil {
		return Metadata{}, err
	}

	pre, err := readPreprocessor(paths.Preprocessor)
	if err != nil {
		return Metadata{}, err
	}

	return Metadata{
		ModelID:     modelID,
		Classes:     labels,
		ImageSize:   pre.Size,
		ImageMean:   pre.Mean,
		ImageStd:    pre.Std,
		InputShape:  []int64{1, 3, int64(pre.Size), int64(pre.Size)},
		OutputShape: []int64{1, int64(len(labels))},
	}, nil
}

func readLabels(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read model config: %w", err)
	}

	var cfg hubConfig
	if err := jsoniter.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse model config: %w", err)
	}
	return labelsFromMap(cfg.ID2Label)
}

// labelsFromMap turns {"0": "tench", "1": "goldfish", ...} into an ordered
// slice. Indices must be contiguous from zero.
func labelsFromMap(id2label map[string]string) ([]string, error) {
	if len(id2label) == 0 {
		return nil, errors.New("model config has no id2label")
	}

	indices := make([]int, 0, len(id2label))
	byIndex := make(map[int]string, len(id2label))
	for key, label := range id2label {
		idx, err := strconv.Atoi(key)
		if err != nil {
			return nil, fmt.Errorf("invalid label index %q: %w", key, err)
		}
		indices = append(indices, idx)
		byIndex[idx] = label
	}
	sort.Ints(indices)

	labels := make([]string, len(indices))
	for i, idx := range indices {
		if idx != i {
			return nil, fmt.Errorf("label vocabulary has a gap at index %d", i)
		}
		labels[i] = byIndex[idx]
	}
	return labels, nil
}

func readPreprocessor(path string) (Preprocessor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Preprocessor{}, fmt.Errorf("failed to read preprocessor config: %w", err)
	}
	return parsePreprocessor(data)
}

func parsePreprocessor(data []byte) (Preprocessor, error) {
	var cfg hubPreprocessorConfig
	if err := jsoniter.Unmarshal(data, &cfg); err != nil {
		return Preprocessor{}, fmt.Errorf("failed to parse preprocessor config: %w", err)
	}

	size, err := parseSize(cfg.Size)
	if err != nil {
		return Preprocessor{}, err
	}
	if cfg.RescaleFactor != nil && (*cfg.RescaleFactor < 0.0039 || *cfg.RescaleFactor > 0.0040) {
		return Preprocessor{}, fmt.Errorf("unsupported rescale_factor %v, only 1/255 is supported", *cfg.RescaleFactor)
	}
	if cfg.DoRescale != nil && !*cfg.DoRescale {
		return Preprocessor{}, errors.New("do_rescale=false is not supported")
	}

	pre := Preprocessor{
		Size: size,
		Mean: [3]float32{0, 0, 0},
		Std:  [3]float32{1, 1, 1},
	}
	if cfg.DoNormalize == nil || *cfg.DoNormalize {
		if len(cfg.ImageMean) != 3 || len(cfg.ImageStd) != 3 {
			return Preprocessor{}, fmt.Errorf("image_mean and image_std need 3 channels, got %d and %d", len(cfg.ImageMean), len(cfg.ImageStd))
		}
		copy(pre.Mean[:], cfg.ImageMean)
		copy(pre.Std[:], cfg.ImageStd)
	}
	return pre, nil
}

// parseSize accepts 224, {"height":224,"width":224} or {"shortest_edge":224}.
// Only square inputs are supported.
func parseSize(raw jsoniter.RawMessage) (int, error) {
	if len(raw) == 0 {
		return 0, errors.New("preprocessor config has no size")
	}

	var n int
	if err := jsoniter.Unmarshal(raw, &n); err == nil {
		if n <= 0 {
			return 0, fmt.Errorf("invalid size %d", n)
		}
		return n, nil
	}

	var dims struct {
		Height       int `json:"height"`
		Width        int `json:"width"`
		ShortestEdge int `json:"shortest_edge"`
	}
	if err := jsoniter.Unmarshal(raw, &dims); err != nil {
		return 0, fmt.Errorf("invalid size %s: %w", string(raw), err)
	}
	switch {
	case dims.Height > 0 && dims.Height == dims.Width:
		return dims.Height, nil
	case dims.Height > 0 || dims.Width > 0:
		return 0, fmt.Errorf("non-square size %dx%d is not supported", dims.Width, dims.Height)
	case dims.ShortestEdge > 0:
		return dims.ShortestEdge, nil
	}
	return 0, fmt.Errorf("invalid size %s", string(raw))
}
