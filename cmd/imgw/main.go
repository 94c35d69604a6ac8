// Command imgw runs the imaging gateway: the DIMSE SCP, the DICOMweb,
// HL7 and FHIR ingress services, the payload assembler and publisher,
// the export pipelines, and the admin API, all supervised by one host.
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

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/imgw/api"
	"github.com/hazyhaar/imgw/assembler"
	"github.com/hazyhaar/imgw/config"
	"github.com/hazyhaar/imgw/dimse"
	"github.com/hazyhaar/imgw/export"
	"github.com/hazyhaar/imgw/fhir"
	"github.com/hazyhaar/imgw/hl7"
	"github.com/hazyhaar/imgw/host"
	"github.com/hazyhaar/imgw/ingest"
	"github.com/hazyhaar/imgw/mq"
	"github.com/hazyhaar/imgw/scp"
	"github.com/hazyhaar/imgw/storage"
	"github.com/hazyhaar/imgw/store"
	"github.com/hazyhaar/imgw/stow"
	"github.com/hazyhaar/imgw/uploader"
)

func main() {
	// Logging.
	var lvl slog.Level
	switch env("LOG_LEVEL", "info") {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	cfgPath := env("IMGW_CONFIG", "imgw.yaml")
	cfg, err := loadConfig(cfgPath)
	if err != nil {
		slog.Error("config", "path", cfgPath, "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Durable state. The configured delay schedule paces both SQLITE_BUSY
	// retries and inference-request requeues.
	dbDelays := make([]time.Duration, 0, len(cfg.Database.Retries.DelaysMilliseconds))
	for _, ms := range cfg.Database.Retries.DelaysMilliseconds {
		dbDelays = append(dbDelays, time.Duration(ms)*time.Millisecond)
	}
	db, err := store.Open(cfg.Database.Path, dbDelays...)
	if err != nil {
		slog.Error("database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	aes := store.NewAERepository(db)
	meta := store.NewMetadataRepository(db)
	payloads := store.NewPayloadRepository(db)
	inference := store.NewInferenceRepository(db, dbDelays...)
	associations := store.NewAssociationRepository(db)
	remoteApps := store.NewRemoteAppRepository(db)

	// Object storage: S3-compatible when an endpoint is configured, local
	// filesystem otherwise.
	var objs storage.ObjectStore
	if cfg.Storage.Endpoint != "" {
		ms, err := storage.NewMinioStore(storage.MinioConfig{
			Endpoint:  cfg.Storage.Endpoint,
			AccessKey: cfg.Storage.AccessKey,
			SecretKey: cfg.Storage.SecretKey,
			UseSSL:    cfg.Storage.UseSSL,
			Region:    cfg.Storage.Region,
		})
		if err != nil {
			slog.Error("object store", "error", err)
			os.Exit(1)
		}
		for _, bucket := range []string{cfg.Storage.BucketName, cfg.Storage.TemporaryBucketName} {
			if err := ms.EnsureBucket(ctx, bucket); err != nil {
				slog.Error("object store bucket", "bucket", bucket, "error", err)
				os.Exit(1)
			}
		}
		objs = ms
	} else {
		objs = storage.NewFSStore(cfg.Storage.LocalTemporaryStoragePath + "/objects")
		slog.Warn("object store: no endpoint configured, using local filesystem")
	}

	// Temporary buffers for in-flight instances.
	var temp storage.TempStore
	if cfg.Storage.TemporaryDataStorage == config.TempStorageMemory {
		temp = storage.NewMemTemp()
	} else {
		dt, err := storage.NewDiskTemp(cfg.Storage.LocalTemporaryStoragePath)
		if err != nil {
			slog.Error("temp store", "error", err)
			os.Exit(1)
		}
		temp = dt
	}

	space := storage.NewInfo(storage.InfoConfig{
		Path:             cfg.Storage.LocalTemporaryStoragePath,
		WatermarkPercent: cfg.Storage.WatermarkPercent,
		ReserveSpaceGB:   cfg.Storage.ReserveSpaceGB,
	})

	// Message bus.
	bus, err := mq.DialRabbit(mq.RabbitConfig{URL: cfg.Messaging.URL, Exchange: cfg.Messaging.Exchange})
	if err != nil {
		slog.Error("message bus", "error", err)
		os.Exit(1)
	}
	defer bus.Close()

	// Ingest pipeline: uploader, assembler, publisher.
	up := uploader.New(uploader.Config{
		ConcurrentUploads:   cfg.Storage.ConcurrentUploads,
		TemporaryBucket:     cfg.Storage.TemporaryBucketName,
		PurgePendingOnStart: true,
		Logger:              logger,
	}, objs, temp, meta)
	asm := assembler.New(assembler.Config{
		Bucket:          cfg.Storage.BucketName,
		TemporaryBucket: cfg.Storage.TemporaryBucketName,
		ProcessThreads:  cfg.Storage.PayloadProcessThreads,
		MachineName:     hostname(),
		Logger:          logger,
	}, objs, payloads, meta)
	pub := assembler.NewPublisher(assembler.PublisherConfig{
		Bucket: cfg.Storage.BucketName,
		Logger: logger,
	}, bus, payloads, meta)
	pipe := ingest.NewPipeline(temp, meta, up, asm, logger)

	// Ingress services.
	scpSvc := scp.New(scp.Config{
		MaxAssociations:      cfg.Dicom.SCP.MaxAssociations,
		RejectUnknownSources: cfg.Dicom.SCP.RejectUnknownSources,
		VerificationDisabled: cfg.Dicom.SCP.VerificationDisabled,
		Logger:               logger,
	}, aes, associations, space, pipe)
	dimseSrv := dimse.NewServer(dimse.ServerConfig{
		Addr:   fmt.Sprintf(":%d", cfg.Dicom.SCP.Port),
		Logger: logger,
	}, scpSvc)
	stowSvc := stow.New(stow.Config{
		TimeoutSeconds: cfg.DicomWeb.TimeoutSeconds,
		Logger:         logger,
	}, aes, space, pipe)
	fhirSvc := fhir.New(fhir.Config{
		TimeoutSeconds: cfg.Fhir.TimeoutSeconds,
		Logger:         logger,
	}, space, pipe)
	hl7Svc := hl7.New(hl7.Config{
		Addr:           fmt.Sprintf(":%d", cfg.Hl7.Port),
		TimeoutSeconds: cfg.Hl7.TimeoutSeconds,
		Logger:         logger,
	}, space, pipe)

	// Export pipelines: the workflow engine routes requests to the
	// DICOMweb or DIMSE topic depending on the destination kind.
	webExport, err := export.New(export.Config{
		Topic:       mq.TopicExportRequest,
		Concurrency: cfg.Export.Concurrency,
		Bucket:      cfg.Storage.BucketName,
		Logger:      logger,
	}, bus, objs, space, export.NewDicomWebSender(export.DicomWebConfig{
		ClientTimeoutSeconds: cfg.DicomWeb.ClientTimeoutSeconds,
		Logger:               logger,
	}, inference))
	if err != nil {
		slog.Error("dicomweb export", "error", err)
		os.Exit(1)
	}
	dimseExport, err := export.New(export.Config{
		Topic:       mq.TopicExportRequestDimse,
		Concurrency: cfg.Export.Concurrency,
		Bucket:      cfg.Storage.BucketName,
		Logger:      logger,
	}, bus, objs, space, export.NewDimseSender(export.DimseConfig{
		AETitle: cfg.Dicom.SCU.AETitle,
		Timeout: time.Duration(cfg.Dicom.SCU.TimeoutSeconds) * time.Second,
		Logger:  logger,
	}, aes))
	if err != nil {
		slog.Error("dimse export", "error", err)
		os.Exit(1)
	}

	// Supervisor and admin plane.
	h := host.New(host.Config{Logger: logger})
	apiSvc := api.New(api.Config{Logger: logger}, aes, inference, h, scpSvc.ActiveAssociations)

	root := chi.NewRouter()
	root.Mount("/dicomweb", stowSvc.Routes())
	root.Mount("/fhir", fhirSvc.Routes())
	root.Mount("/", apiSvc.Routes())
	web := &http.Server{
		Addr:              cfg.API.Addr,
		Handler:           root,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	h.Add("uploader", up.Run)
	h.Add("assembler", asm.Run)
	h.Add("publisher", func(ctx context.Context) error {
		return pub.Run(ctx, asm.Completed())
	})
	h.Add("scp", dimseSrv.Run)
	h.Add("hl7", hl7Svc.Run)
	h.Add("export-dicomweb", webExport.Run)
	h.Add("export-dimse", dimseExport.Run)
	h.Add("web", func(ctx context.Context) error {
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			web.Shutdown(shutdownCtx)
		}()
		slog.Info("web listening", "addr", cfg.API.Addr)
		if err := web.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return ctx.Err()
	})
	h.Add("janitor", func(ctx context.Context) error {
		t := time.NewTicker(time.Hour)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
				if n, err := remoteApps.PurgeExpired(ctx, time.Now()); err != nil {
					slog.Warn("janitor: purge remote apps", "error", err)
				} else if n > 0 {
					slog.Info("janitor: purged remote app executions", "count", n)
				}
			}
		}
	})

	slog.Info("gateway starting",
		"scpPort", cfg.Dicom.SCP.Port, "hl7Port", cfg.Hl7.Port, "webAddr", cfg.API.Addr)
	h.Run(ctx)
	slog.Info("gateway stopped")
}

// loadConfig reads the file when present and falls back to defaults so a
// bare container still boots.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		slog.Warn("config file missing, using defaults", "path", path)
		return config.Default(), nil
	}
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil {
		return "imgw"
	}
	return name
}
