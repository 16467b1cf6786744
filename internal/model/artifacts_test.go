package model

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

const testConfigJSON = `{"architectures":["ViTForImageClassification"],"id2label":{"1":"goldfish","0":"tench","2":"great white shark"}}`

const testPreprocessorJSON = `{"do_normalize":true,"do_resize":true,"image_mean":[0.5,0.5,0.5],"image_std":[0.5,0.5,0.5],"resample":2,"rescale_factor":0.00392156862745098,"size":{"height":224,"width":224}}`

func newHubServer(t *testing.T, hits *int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(hits, 1)
		switch r.URL.Path {
		case "/acme/vit/resolve/main/config.json":
			_, _ = w.Write([]byte(testConfigJSON))
		case "/acme/vit/resolve/main/preprocessor_config.json":
			_, _ = w.Write([]byte(testPreprocessorJSON))
		case "/acme/vit/resolve/main/onnx/model.onnx":
			_, _ = w.Write([]byte("onnx-bytes"))
		default:
			http.NotFound(w, r)
		}
	}))
}

func TestEnsureArtifactsDownloadsThenUsesCache(t *testing.T) {
	var hits int32
	srv := newHubServer(t, &hits)
	defer srv.Close()

	src := ArtifactSource{BaseURL: srv.URL, Repo: "acme/vit", Revision: "main", Dir: t.TempDir(), Download: true}

	paths, err := EnsureArtifacts(context.Background(), resty.New(), src, zap.NewNop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if atomic.LoadInt32(&hits) != 3 {
		t.Fatalf("expected 3 downloads, got %d", atomic.LoadInt32(&hits))
	}
	model, err := os.ReadFile(paths.Model)
	if err != nil {
		t.Fatalf("read model: %v", err)
	}
	if string(model) != "onnx-bytes" {
		t.Fatalf("unexpected model content %q", model)
	}
	if paths.Model != filepath.Join(src.Dir, "onnx", "model.onnx") {
		t.Fatalf("unexpected model path %s", paths.Model)
	}

	if _, err := EnsureArtifacts(context.Background(), resty.New(), src, zap.NewNop()); err != nil {
		t.Fatalf("unexpected error on cached run: %v", err)
	}
	if atomic.LoadInt32(&hits) != 3 {
		t.Fatalf("expected cache hit, got %d requests", atomic.LoadInt32(&hits))
	}

	meta, err := LoadMetadata(paths, "google/vit-base-patch16-224")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Join(meta.Classes, "|") != "tench|goldfish|great white shark" {
		t.Fatalf("unexpected labels: %v", meta.Classes)
	}
	if meta.ImageSize != 224 || meta.InputLen() != 3*224*224 {
		t.Fatalf("unexpected size: %d (%d values)", meta.ImageSize, meta.InputLen())
	}
	if meta.OutputShape[1] != 3 {
		t.Fatalf("unexpected output shape: %v", meta.OutputShape)
	}
}

func TestEnsureArtifactsMissingWithoutDownload(t *testing.T) {
	src := ArtifactSource{Dir: t.TempDir()}

	_, err := EnsureArtifacts(context.Background(), resty.New(), src, zap.NewNop())
	if !errors.Is(err, ErrArtifactMissing) {
		t.Fatalf("expected ErrArtifactMissing, got %v", err)
	}
}

func TestEnsureArtifactsBadStatusLeavesNoFile(t *testing.T) {
	var hits int32
	srv := newHubServer(t, &hits)
	defer srv.Close()

	src := ArtifactSource{BaseURL: srv.URL, Repo: "acme/missing", Revision: "main", Dir: t.TempDir(), Download: true}
	if _, err := EnsureArtifacts(context.Background(), resty.New(), src, zap.NewNop()); err == nil {
		t.Fatal("expected error")
	}
	entries, err := os.ReadDir(src.Dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no cached files, found %d", len(entries))
	}
}

func TestLabelsFromMapRejectsGaps(t *testing.T) {
	if _, err := labelsFromMap(map[string]string{"0": "a", "2": "c"}); err == nil {
		t.Fatal("expected gap error")
	}
	if _, err := labelsFromMap(map[string]string{"x": "a"}); err == nil {
		t.Fatal("expected index error")
	}
	if _, err := labelsFromMap(nil); err == nil {
		t.Fatal("expected empty error")
	}
}

func TestParsePreprocessorSizes(t *testing.T) {
	cases := []struct {
		name    string
		json    string
		size    int
		wantErr bool
	}{
		{name: "int", json: `{"image_mean":[0.5,0.5,0.5],"image_std":[0.5,0.5,0.5],"size":224}`, size: 224},
		{name: "square", json: `{"image_mean":[0.5,0.5,0.5],"image_std":[0.5,0.5,0.5],"size":{"height":384,"width":384}}`, size: 384},
		{name: "shortest edge", json: `{"image_mean":[0.5,0.5,0.5],"image_std":[0.5,0.5,0.5],"size":{"shortest_edge":256}}`, size: 256},
		{name: "non-square", json: `{"image_mean":[0.5,0.5,0.5],"image_std":[0.5,0.5,0.5],"size":{"height":224,"width":160}}`, wantErr: true},
		{name: "missing size", json: `{"image_mean":[0.5,0.5,0.5],"image_std":[0.5,0.5,0.5]}`, wantErr: true},
		{name: "two channels", json: `{"image_mean":[0.5,0.5],"image_std":[0.5,0.5],"size":224}`, wantErr: true},
		{name: "odd rescale", json: `{"image_mean":[0.5,0.5,0.5],"image_std":[0.5,0.5,0.5],"rescale_factor":1,"size":224}`, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			pre, err := parsePreprocessor([]byte(tc.json))
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if pre.Size != tc.size {
				t.Fatalf("expected size %d, got %d", tc.size, pre.Size)
			}
		})
	}
}

func TestParsePreprocessorWithoutNormalize(t *testing.T) {
	pre, err := parsePreprocessor([]byte(`{"do_normalize":false,"size":224}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pre.Mean != [3]float32{0, 0, 0} || pre.Std != [3]float32{1, 1, 1} {
		t.Fatalf("expected identity normalization, got mean=%v std=%v", pre.Mean, pre.Std)
	}
}
