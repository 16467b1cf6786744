package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/Brownie44l1/vit-classify/internal/config"
	"github.com/Brownie44l1/vit-classify/internal/handlers"
	"github.com/Brownie44l1/vit-classify/internal/imageload"
	"github.com/Brownie44l1/vit-classify/internal/logging"
	"github.com/Brownie44l1/vit-classify/internal/model"
	"github.com/Brownie44l1/vit-classify/internal/page"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "Path to an optional YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.ReleaseMode {
		gin.SetMode(gin.ReleaseMode)
	}

	classifier, closeModel := loadModel(cfg, logger)

	loader := imageload.NewLoader(imageload.NewHTTPClient(cfg.FetchTimeout, logger), cfg.MaxImageBytes, cfg.MaxImagePixels, logger)
	renderer := page.NewRenderer(loader, classifier, logger)

	router := gin.New()
	router.Use(gin.Recovery())
	handlers.RegisterRoutes(router, handlers.NewHandler(renderer, classifier, cfg.MaxImageBytes, logger))

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	info := classifier.Info()
	logger.Info("server starting",
		zap.String("addr", cfg.Addr),
		zap.String("model_id", info.ModelID),
		zap.Int("num_classes", info.NumClasses))
	logger.Info("endpoints",
		zap.Strings("routes", []string{
			"GET / - Classification page",
			"POST / - Submit upload or URL",
			"POST /api/v1/classify - Classify upload or URL (JSON)",
			"GET /api/v1/model - Model info",
			"GET /health - Health check",
		}))

	if err := runServer(server, cfg.ShutdownTimeout, logger, closeModel); err != nil {
		logger.Error("server failed", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
	logger.Info("server stopped")
}

// loadModel resolves the pretrained artifacts and builds the classifier. Any
// failure here is fatal.
func loadModel(cfg config.Config, logger *zap.Logger) (*model.Classifier, func()) {
	// Model downloads can take minutes, so this client has no timeout.
	artifactClient := resty.New().SetLogger(logger.Sugar())

	paths, err := model.EnsureArtifacts(context.Background(), artifactClient, model.ArtifactSource{
		BaseURL:  cfg.Model.BaseURL,
		Repo:     cfg.Model.Repo,
		Revision: cfg.Model.Revision,
		Dir:      cfg.Model.Dir,
		Download: cfg.Model.Download,
	}, logger)
	if err != nil {
		logger.Fatal("failed to resolve model artifacts", zap.Error(err))
	}

	metadata, err := model.LoadMetadata(paths, cfg.Model.ID)
	if err != nil {
		logger.Fatal("failed to load model metadata", zap.Error(err))
	}

	logger.Info("loading model", zap.String("path", paths.Model))
	backend, err := model.NewONNXBackend(model.ONNXOptions{
		ModelPath:         paths.Model,
		SharedLibraryPath: cfg.Model.ONNXLib,
		InputName:         cfg.Model.InputName,
		OutputName:        cfg.Model.OutputName,
		InputShape:        metadata.InputShape,
		OutputShape:       metadata.OutputShape,
	})
	if err != nil {
		logger.Fatal("failed to initialize model backend", zap.Error(err))
	}

	classifier, err := model.NewClassifier(backend, metadata, logger)
	if err != nil {
		backend.Close()
		logger.Fatal("failed to build classifier", zap.Error(err))
	}
	return classifier, backend.Close
}
