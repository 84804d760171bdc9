package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/toricodesthings/mail-attachment-service/internal/config"
	"github.com/toricodesthings/mail-attachment-service/internal/credentials"
	"github.com/toricodesthings/mail-attachment-service/internal/extract"
	"github.com/toricodesthings/mail-attachment-service/internal/extractor"
	imageextractor "github.com/toricodesthings/mail-attachment-service/internal/extractors/image"
	officeextractor "github.com/toricodesthings/mail-attachment-service/internal/extractors/office"
	pdfextractor "github.com/toricodesthings/mail-attachment-service/internal/extractors/pdf"
	"github.com/toricodesthings/mail-attachment-service/internal/hybrid"
	"github.com/toricodesthings/mail-attachment-service/internal/logging"
	"github.com/toricodesthings/mail-attachment-service/internal/mail"
	"github.com/toricodesthings/mail-attachment-service/internal/metrics"
	"github.com/toricodesthings/mail-attachment-service/internal/ocr"
	"github.com/toricodesthings/mail-attachment-service/internal/resilience"
	"github.com/toricodesthings/mail-attachment-service/internal/storage"
	"github.com/toricodesthings/mail-attachment-service/internal/summarize"
	"github.com/toricodesthings/mail-attachment-service/internal/vision"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := logging.New(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := build(cfg, logger)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           s.routes(),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	go s.cleanupRateLimiters(ctx)

	logger.Info("listening",
		"addr", srv.Addr,
		"max_concurrent", cfg.MaxConcurrentRequests,
		"ocr_concurrent", cfg.MaxOCRConcurrent,
		"attachment_workers", cfg.AttachmentWorkers,
		"deployment", cfg.OpenAIDeployment,
		"model", cfg.OpenAIModel,
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down", "timeout", cfg.ShutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// build wires the pipeline: storage and resolver, the model client with its
// retry policy, the three attachment strategies and the email pipeline.
func build(cfg config.Config, logger *slog.Logger) (*server, error) {
	creds := credentials.NewResolver(cfg, nil)

	storageCred, err := creds.Resolve("STORAGE_ACCOUNT_KEY")
	if err != nil {
		return nil, err
	}
	store, err := storage.New(storage.Options{
		Endpoint:    cfg.StorageEndpoint,
		AccountName: cfg.StorageAccountName,
		TTL:         cfg.SignedURLTTL,
	}, storageCred)
	if err != nil {
		return nil, err
	}
	logger.Info("storage credential", "source", string(storageCred.Source))

	downloader := extract.NewDownloader(cfg.MaxDownloadBytes, cfg.DownloadTimeout, cfg.AllowPrivateHosts)
	resolver := extract.NewResolver(store, downloader, cfg.ScratchContainer, logger)

	llmCred, err := creds.Resolve("GPT5_KEY")
	if err != nil {
		return nil, err
	}
	logger.Info("llm credential", "source", string(llmCred.Source))

	m := metrics.New()
	exec := resilience.NewExecutor(resilience.ForLLM(cfg.LLMMaxRetries), logger)
	llm, err := vision.New(vision.Options{
		Endpoint:        cfg.OpenAIEndpoint,
		Deployment:      cfg.OpenAIDeployment,
		APIVersion:      cfg.OpenAIAPIVersion,
		Timeout:         cfg.LLMTimeout,
		MaxOutputTokens: cfg.LLMMaxOutputTokens,
	}, llmCred, exec, logger)
	if err != nil {
		return nil, err
	}

	summarizer := summarize.New(llm, summarize.Options{
		TextPromptPath:  cfg.TextPromptPath,
		ImagePromptPath: cfg.ImagePromptPath,
		MaxInputTokens:  cfg.SummaryMaxInputTokens,
		Encoding:        cfg.TokenEncoding,
	}, m, logger)
	analyzer := ocr.NewAnalyzer(summarizer, ocr.NewLimiter(cfg.MaxOCRConcurrent), logger)

	toolkit := extractor.NewToolkit(extractor.Config{
		PDFToTextTimeout: cfg.PDFToTextTimeout,
		PDFToPPMTimeout:  cfg.PDFToPPMTimeout,
		RasterDPI:        cfg.PDFRasterDPI,
	}, logger)
	processor := hybrid.New(hybrid.ToolkitOpener(toolkit), resolver, analyzer, hybrid.Options{
		MaxPages:    cfg.MaxPDFPages,
		PageWorkers: cfg.MaxPageWorkers,
		OCRWorkers:  int(cfg.MaxOCRConcurrent),
		ScratchRoot: cfg.ScratchDir,
	}, logger)

	registry := extract.NewRegistry()
	registry.Register(officeextractor.NewDOCX(officeextractor.Options{
		MaxEntryBytes: cfg.MaxZipEntryBytes,
		MaxFileSize:   cfg.MaxDownloadBytes,
		ImageWorkers:  int(cfg.MaxOCRConcurrent),
		ScratchRoot:   cfg.ScratchDir,
	}, resolver, analyzer, logger))
	registry.Register(pdfextractor.New(processor, cfg.MaxDownloadBytes))
	registry.Register(imageextractor.New(resolver, analyzer))

	router := extract.NewRouter(registry, resolver, logger)
	router.SetObserver(func(kind extract.Kind, status extract.Status, d time.Duration) {
		m.ObserveAttachment(string(kind), string(status), d)
	})

	pipeline := mail.NewPipeline(router, resolver, summarizer, m, mail.Options{
		Workers:          cfg.AttachmentWorkers,
		DefaultContainer: cfg.AttachmentContainer,
		MaxEmbeddedBytes: cfg.MaxDownloadBytes,
	}, logger)

	return newServer(cfg, logger, m, pipeline, router), nil
}
