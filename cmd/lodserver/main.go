package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"voxelstream.ai/internal/config"
	"voxelstream.ai/internal/lod/builder"
	"voxelstream.ai/internal/lod/geometry"
	"voxelstream.ai/internal/lod/gpusync"
	"voxelstream.ai/internal/lod/hierarchy"
	"voxelstream.ai/internal/lod/nodestore"
	"voxelstream.ai/internal/lod/pos"
	"voxelstream.ai/internal/lod/router"
	"voxelstream.ai/internal/lod/runtime"
	"voxelstream.ai/internal/observerproto"
	"voxelstream.ai/internal/persistence/indexdb"
	persistlog "voxelstream.ai/internal/persistence/log"
	"voxelstream.ai/internal/persistence/r2s3"
	"voxelstream.ai/internal/transport/observer"
)

func main() {
	var (
		configPath  = flag.String("config", "./configs/lodserver.yaml", "lodserver config path (empty for defaults)")
		logLevel    = flag.String("log_level", "", "debug|info|warn|error (overrides log.level)")
		enablePprof = flag.Bool("pprof", false, "serve /debug/pprof on the observer address")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		os.Exit(2)
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	logger, closeLog, err := newLogger(cfg.Log)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(2)
	}
	defer closeLog()

	ctx, cancel := signalContext()
	defer cancel()

	if err := run(ctx, cfg, *enablePprof, logger); err != nil {
		logger.Fatal("lodserver stopped", zap.Error(err))
	}
	logger.Info("lodserver stopped")
}

// newLogger builds a JSON logger on stderr, teed into a size-rotated file when lc.File is set.
func newLogger(lc config.Log) (*zap.Logger, func(), error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(lc.Level)); err != nil {
		return nil, nil, err
	}
	enc := zap.NewProductionEncoderConfig()
	enc.TimeKey = "ts"
	enc.EncodeTime = zapcore.ISO8601TimeEncoder

	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewJSONEncoder(enc), zapcore.Lock(os.Stderr), lvl),
	}
	var rotator *lumberjack.Logger
	if lc.File != "" {
		rotator = &lumberjack.Logger{
			Filename:   lc.File,
			MaxSize:    lc.MaxSizeMB,
			MaxBackups: lc.MaxBackups,
			Compress:   true,
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(enc), zapcore.AddSync(rotator), lvl))
	}
	logger := zap.New(zapcore.NewTee(cores...), zap.AddCaller())
	return logger, func() {
		_ = logger.Sync()
		if rotator != nil {
			_ = rotator.Close()
		}
	}, nil
}

func run(ctx context.Context, cfg config.Config, enablePprof bool, logger *zap.Logger) (err error) {
	geo := geometry.New(logger.Named("geometry"))
	rt := router.New(logger.Named("router"))
	mgr, err := hierarchy.New(cfg.MaxNodes, geo, rt, logger.Named("hierarchy"))
	if err != nil {
		return err
	}
	host := gpusync.NewHostBuffer(cfg.MaxNodes)

	mirror, err := openMirror(cfg, logger.Named("mirror"))
	if err != nil {
		return errors.Wrap(err, "open mirror")
	}
	defer func() {
		if mirror != nil {
			_ = mirror.Close()
			st := mirror.Stats()
			logger.Info("mirror closed", zap.Uint64("uploaded", st.UploadSuccessTotal), zap.Uint64("failed", st.UploadFailTotal), zap.Uint64("dropped", st.DroppedTotal))
		}
	}()

	lod := runtime.New(runtime.Config{
		TickRateHz:    cfg.TickRateHz,
		Strict:        cfg.Strict,
		ValidateEvery: cfg.ValidateEvery,
		ResultQueue:   cfg.Queues.Results,
		ChangeQueue:   cfg.Queues.ChildChanges,
		RequestQueue:  cfg.Queues.Requests,
		ControlQueue:  cfg.Queues.Control,
	}, mgr, host, logger.Named("runtime"))
	defer func() { err = multierr.Append(err, lod.Close()) }()

	world := builder.NewWorld(cfg.World.Seed, cfg.World.TopLevel, uint64(cfg.World.FillPermille))
	build := builder.New(world, rt, lod.Results(), lod.ChildChanges(), cfg.Builder.Workers, logger.Named("builder"))

	if cfg.EventLog.Enabled {
		lod.AddSink(persistlog.NewTickLogger(cfg.DataDir))
	}
	var idx *indexdb.SQLiteIndex
	if cfg.Index.Enabled {
		idx, err = indexdb.OpenSQLite(cfg.Index.Path)
		if err != nil {
			return errors.Wrap(err, "open index")
		}
		_ = idx.SetMeta("seed", strconv.FormatInt(cfg.World.Seed, 10))
		_ = idx.SetMeta("max_nodes", strconv.Itoa(cfg.MaxNodes))
		_ = idx.SetMeta("started_at", time.Now().UTC().Format(time.RFC3339))
		lod.AddSink(idx)
	}
	// Sinks close last-added first, so the dump sink drains before the index it records into.
	if cfg.Dump.EveryTicks > 0 {
		lod.AddSink(newDumpSink(cfg.Dump.EveryTicks, filepath.Join(cfg.DataDir, "dumps"), host, idx, mirror, logger.Named("dump")))
	}

	tops := topLevelGrid(cfg.World.TopLevel, cfg.World.Radius)
	obs := observer.NewServer(func() observerproto.BootstrapResponse {
		names := make([]string, 0, len(tops))
		for _, p := range tops {
			names = append(names, p.String())
		}
		return observerproto.BootstrapResponse{
			Params: observerproto.StreamParams{
				TickRateHz: cfg.TickRateHz,
				MaxNodes:   cfg.MaxNodes,
				RecordSize: nodestore.RecordSize,
				TopLevel:   cfg.World.TopLevel,
				MinLevel:   cfg.World.MinLevel,
				Seed:       cfg.World.Seed,
			},
			TopLevel: names,
		}
	}, host, logger.Named("observer"))
	lod.AddSink(obs)

	var edits *persistlog.EditLogger
	if cfg.EventLog.Enabled {
		edits = persistlog.NewEditLogger(cfg.DataDir)
		defer func() { err = multierr.Append(err, edits.Close()) }()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/observer/bootstrap", obs.BootstrapHandler())
	mux.HandleFunc("/observer/ws", obs.WSHandler())
	if enablePprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	srv := &http.Server{
		Addr:              cfg.Observer.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	drv := &driver{
		cfg:    cfg,
		lod:    lod,
		world:  world,
		router: rt,
		host:   host,
		edits:  edits,
		log:    logger.Named("driver"),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return lod.Run(gctx) })
	g.Go(func() error { return build.Run(gctx) })
	g.Go(func() error { return drv.run(gctx, tops) })
	g.Go(func() error { return drv.runEdits(gctx) })
	g.Go(func() error {
		if cfg.Observer.Addr == "" {
			return nil
		}
		logger.Info("observer listening", zap.String("addr", cfg.Observer.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return errors.Wrap(err, "observer listen")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		rt.Close()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		return srv.Shutdown(ctx2)
	})

	logger.Info("lodserver started",
		zap.Int("max_nodes", cfg.MaxNodes),
		zap.Int("tick_rate_hz", cfg.TickRateHz),
		zap.Int("top_level_nodes", len(tops)),
		zap.Bool("strict", cfg.Strict),
	)
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	if st, ok := lod.LastStats(); ok {
		logger.Info("final stats",
			zap.Uint64("tick", st.Tick),
			zap.Int("nodes", st.Manager.Nodes),
			zap.Uint64("merges", st.Manager.Merges),
			zap.Uint64("collapses", st.Manager.Collapses),
			zap.Uint64("stale_results", st.Manager.StaleResults),
			zap.Int("geometry_sections", geo.Stats().Sections),
			zap.Uint64("observer_dropped", obs.Dropped()),
		)
	}
	return nil
}

func openMirror(cfg config.Config, logger *zap.Logger) (*r2s3.Mirror, error) {
	if !cfg.Mirror.Enabled {
		return nil, nil
	}
	client, err := r2s3.New(r2s3.ClientConfig{
		Endpoint:        cfg.Mirror.Endpoint,
		Bucket:          cfg.Mirror.Bucket,
		Region:          cfg.Mirror.Region,
		AccessKeyID:     os.Getenv("VS_MIRROR_ACCESS_KEY_ID"),
		SecretAccessKey: os.Getenv("VS_MIRROR_SECRET_ACCESS_KEY"),
	})
	if err != nil {
		return nil, err
	}
	return r2s3.NewMirror(client, cfg.DataDir, cfg.Mirror.Prefix, r2s3.MirrorOptions{Workers: cfg.Mirror.Workers}, logger), nil
}

// topLevelGrid lists the top-level sections covering [-radius, radius) on x and z and two layers
// around y=0.
func topLevelGrid(level, radius int) []pos.Key {
	var out []pos.Key
	for y := -1; y <= 0; y++ {
		for z := -radius; z < radius; z++ {
			for x := -radius; x < radius; x++ {
				out = append(out, pos.Make(level, x, y, z))
			}
		}
	}
	return out
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}
