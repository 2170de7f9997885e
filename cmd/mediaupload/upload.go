package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"

	"github.com/input-output-hk/catalyst-forge-libs/mediaupload"
	uerrors "github.com/input-output-hk/catalyst-forge-libs/mediaupload/errors"
	"github.com/input-output-hk/catalyst-forge-libs/mediaupload/internal/config"
	"github.com/input-output-hk/catalyst-forge-libs/mediaupload/uploadtypes"
)

// Upload command flags
var (
	title       string
	description string
	mediaType   string
	mediaID     int64
	noProgress  bool
)

func init() {
	uploadCmd.Flags().StringVar(&title, "title", "", "Catalog title (default: file name without extension)")
	uploadCmd.Flags().StringVar(&description, "description", "", "Catalog description")
	uploadCmd.Flags().StringVar(&mediaType, "media-type", "", "Override the media type (image, video, audio)")
	uploadCmd.Flags().Int64Var(&mediaID, "media-id", 0, "Replace the file of an existing catalog record")
	uploadCmd.Flags().BoolVar(&noProgress, "no-progress", false, "Disable progress bars")
}

var uploadCmd = &cobra.Command{
	Use:   "upload <file>...",
	Short: "Upload one or more files",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hints, err := buildHints(len(args))
		if err != nil {
			return err
		}
		cfg, err := loadConfig(os.LookupEnv)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runUpload(ctx, cfg, args, hints, cmd.ErrOrStderr())
	},
}

// loadConfig reads the config file and environment, then applies flags.
func loadConfig(lookup func(string) (string, bool)) (*config.Config, error) {
	path := configPath
	if path != "" {
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, err
		}
		path = abs
	}

	cfg, err := config.Load(osfs.New("/"), path, lookup)
	if err != nil {
		return nil, err
	}
	if backendURL != "" {
		cfg.Backend = backendURL
	}
	if sessionCookie != "" {
		cfg.SessionCookie = sessionCookie
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if metricsListen != "" {
		cfg.MetricsListen = metricsListen
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func buildHints(files int) (uploadtypes.MetadataHints, error) {
	hints := uploadtypes.MetadataHints{
		Title:       title,
		Description: description,
		MediaType:   uploadtypes.MediaType(mediaType),
		MediaID:     mediaID,
	}
	switch hints.MediaType {
	case "", uploadtypes.MediaTypeImage, uploadtypes.MediaTypeVideo, uploadtypes.MediaTypeAudio:
	default:
		return hints, fmt.Errorf("--media-type must be image, video or audio, got %q", mediaType)
	}
	if files > 1 && (hints.MediaID > 0 || hints.Title != "") {
		return hints, errors.New("--media-id and --title apply to a single file")
	}
	return hints, nil
}

func runUpload(ctx context.Context, cfg *config.Config, files []string, hints uploadtypes.MetadataHints, out io.Writer) error {
	logger, err := cfg.Logger(os.Stderr)
	if err != nil {
		return err
	}

	opts := []uploadtypes.Option{cfg.Option(), mediaupload.WithLogger(logger)}
	if cfg.MetricsListen != "" {
		registry := prometheus.NewRegistry()
		registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		opts = append(opts, mediaupload.WithMetricsRegisterer(registry))

		srv := &http.Server{
			Addr:              cfg.MetricsListen,
			Handler:           promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	up, err := mediaupload.New(cfg.Backend, opts...)
	if err != nil {
		return err
	}
	defer func() { _ = up.Close() }()

	var bars *mpb.Progress
	if !noProgress {
		bars = mpb.NewWithContext(ctx, mpb.WithOutput(out), mpb.WithWidth(48))
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results []*uploadtypes.Result
		failed  int
	)
	for _, file := range files {
		abs, err := filepath.Abs(file)
		if err != nil {
			return err
		}
		h, err := up.Submit(ctx, abs, hints)
		if err != nil {
			fmt.Fprintf(out, "%s: %v\n", file, err)
			failed++
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			follow(h, bars, filepath.Base(file))
			res, _ := h.Wait(context.Background())
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
		}()
	}

	// Cancellation reaches every session through Close.
	go func() {
		<-ctx.Done()
		_ = up.Close()
	}()

	wg.Wait()
	if bars != nil {
		bars.Wait()
	}

	for _, res := range results {
		if res.Succeeded() {
			fmt.Fprintf(out, "%s: uploaded as %s (record %d)\n", res.FileName, res.Transfer.Key, res.Record.ID)
			continue
		}
		failed++
		fmt.Fprintf(out, "%s: %s: %v\n", res.FileName, res.Phase, res.Err)
	}

	switch {
	case ctx.Err() != nil:
		return uerrors.NewError("upload", uerrors.KindCancelled, ctx.Err())
	case failed > 0:
		return fmt.Errorf("%d of %d uploads failed", failed, len(files))
	}
	return nil
}

// follow renders a session's progress until its stream closes.
func follow(h *mediaupload.Handle, bars *mpb.Progress, name string) {
	if bars == nil {
		for range h.Progress() {
		}
		return
	}

	bar := bars.AddBar(0,
		mpb.PrependDecorators(
			decor.Name(name, decor.WCSyncSpaceR),
			decor.CountersKibiByte("% .2f / % .2f"),
		),
		mpb.AppendDecorators(
			decor.OnComplete(decor.EwmaETA(decor.ET_STYLE_GO, 30), ""),
			decor.OnComplete(decor.Name(" ] "), ""),
			decor.OnComplete(decor.EwmaSpeed(decor.SizeB1024(0), "% .2f", 30), "done"),
		),
	)

	last := time.Now()
	var final uploadtypes.ProgressEvent
	for ev := range h.Progress() {
		final = ev
		if ev.BytesTotal > 0 {
			bar.SetTotal(ev.BytesTotal, false)
		}
		now := ev.Time
		if now.IsZero() {
			now = time.Now()
		}
		bar.EwmaSetCurrent(ev.BytesCompleted, now.Sub(last))
		last = now
	}

	if final.Phase == uploadtypes.PhaseCompleted {
		bar.SetTotal(-1, true)
		return
	}
	bar.Abort(false)
}
