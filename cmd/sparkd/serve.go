package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/genai"

	"spark/internal/advisor"
	"spark/internal/bridge"
	"spark/internal/chips"
	"spark/internal/config"
	"spark/internal/contentlearn"
	"spark/internal/embedding"
	"spark/internal/insight"
	"spark/internal/logging"
	"spark/internal/mind"
	"spark/internal/outcome"
	"spark/internal/queue"
	"spark/internal/retrieval"
	"spark/internal/server"
)

var (
	flagPort        int
	flagToken       string
	flagListenAll   bool
	flagNewEra      bool
	flagInterval    time.Duration
	flagContextFile string
	flagEmbedding   string
	flagOllamaURL   string
	flagOllamaModel string
	flagSynthModel  string
	flagMindURL     string
	flagMindToken   string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the daemon: HTTP ingest server plus the bridge cycle worker",
	RunE:  runServe,
}

func init() {
	f := serveCmd.Flags()
	f.IntVar(&flagPort, "port", 0, "listen port (default $SPARKD_PORT or 8790)")
	f.StringVar(&flagToken, "token", "", "ingest bearer token (default $SPARKD_TOKEN or <state>/token)")
	f.BoolVar(&flagListenAll, "listen-all", false,
		"bind all interfaces instead of loopback (exposes ingest to the network)")
	f.BoolVar(&flagNewEra, "new-era", false,
		"archive the current state era and start fresh")
	f.DurationVar(&flagInterval, "bridge-interval", bridge.DefaultInterval,
		"bridge cycle interval (clamped to 10s-600s)")
	f.StringVar(&flagContextFile, "context-file", "",
		"frontend context file to render the marker-bounded region into")
	f.StringVar(&flagEmbedding, "embedding", "",
		"embedding backend for the semantic index: ollama, genai, or empty to disable")
	f.StringVar(&flagOllamaURL, "ollama-endpoint", "", "ollama endpoint override")
	f.StringVar(&flagOllamaModel, "ollama-model", "", "ollama embedding model override")
	f.StringVar(&flagSynthModel, "synth-model", "", "genai model for selective AI synthesis")
	f.StringVar(&flagMindURL, "mind-url", "", "optional Mind service base URL")
	f.StringVar(&flagMindToken, "mind-token", "", "bearer token for the Mind service")
}

func runServe(cmd *cobra.Command, args []string) error {
	stateDir, err := resolveStateDir()
	if err != nil {
		return err
	}
	paths, err := config.NewPaths(stateDir)
	if err != nil {
		return err
	}
	if err := logging.Initialize(stateDir, flagDebug); err != nil {
		return err
	}
	defer logging.Sync()
	log := logging.Named("sparkd")

	// Single-instance guard. A second sparkd on the same state dir would
	// corrupt the cursor and the JSON stores.
	lock, err := acquireLock(paths.StateLock())
	if err != nil {
		return fmt.Errorf("failed to lock state directory: %w", err)
	}
	defer lock.Release()

	var era *config.Era
	if flagNewEra {
		era, err = config.ArchiveEra(paths)
	} else {
		era, err = config.LoadEra(paths.Era())
	}
	if err != nil {
		return fmt.Errorf("era check failed: %w", err)
	}
	log.Info("starting", zap.String("version", version),
		zap.String("state_dir", stateDir), zap.String("era", era.ID))

	holder, err := config.NewTuneablesHolder(paths.Tuneables())
	if err != nil {
		return fmt.Errorf("failed to load tuneables: %w", err)
	}
	watcher, err := config.NewTuneablesWatcher(paths.Tuneables(), holder)
	if err != nil {
		return fmt.Errorf("failed to watch tuneables: %w", err)
	}

	q, err := queue.Open(paths.EventQueue())
	if err != nil {
		return fmt.Errorf("failed to open event queue: %w", err)
	}
	defer q.Close()

	store, err := insight.OpenStore(paths.InsightStore())
	if err != nil {
		return fmt.Errorf("failed to open insight store: %w", err)
	}
	distills, err := insight.OpenDistillations(paths.Distillations())
	if err != nil {
		return fmt.Errorf("failed to open distillations: %w", err)
	}
	gate := insight.NewGate(store, insight.NewMetaRalph(),
		paths.InsightQuarantine(), paths.RoastHistory(), true)
	eff, err := advisor.OpenEffectiveness(paths.Effectiveness())
	if err != nil {
		return fmt.Errorf("failed to open effectiveness state: %w", err)
	}

	semantic := openSemanticIndex(paths, log)

	var chipProc *chips.Processor
	var chipSource retrieval.ChipSource
	if config.ChipsDisabled() {
		log.Info("chips disabled via environment")
	} else if chipProc, err = chips.NewProcessor(paths.ChipsDir(), paths.ChipInsightStore()); err != nil {
		log.Warn("chips unavailable", zap.Error(err))
		chipProc = nil
	} else {
		chipSource = chipProc
	}

	mindClient := mind.NewClient(flagMindURL, flagMindToken)
	if mindClient.Enabled() {
		log.Info("mind sync enabled", zap.String("url", flagMindURL))
	}

	retriever := retrieval.New(store, distills, semantic, mindClient, chipSource, eff.BoostFor)

	var synthClient *genai.Client
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		synthClient, err = genai.NewClient(cmd.Context(), &genai.ClientConfig{APIKey: key})
		if err != nil {
			log.Warn("genai client unavailable, synthesis stays programmatic", zap.Error(err))
			synthClient = nil
		}
	}

	engine, err := advisor.NewEngine(advisor.EngineDeps{
		Retriever:     retriever,
		Synthesizer:   advisor.NewSynthesizer(synthClient, flagSynthModel),
		Predictor:     advisor.NewOutcomePredictor(config.OutcomePredictorEnabled()),
		Ledger:        advisor.NewLedger(paths.DecisionLedger()),
		Effectiveness: eff,
		Holder:        holder,
		GlobalDedupe:  paths.GlobalDedupe(),
		LowAuthDedupe: paths.LowAuthDedupe(),
		RecentAdvice:  paths.RecentAdvice(),
		Metrics:       paths.AdvisorMetrics(),
	})
	if err != nil {
		return fmt.Errorf("failed to build advisory engine: %w", err)
	}

	learner := contentlearn.NewLearner()
	defer learner.Close()

	cycle := bridge.NewCycle(bridge.Cycle{
		Queue:         q,
		CursorPath:    paths.QueueCursor(),
		Store:         store,
		Gate:          gate,
		Distills:      distills,
		Semantic:      semantic,
		Chips:         chipProc,
		Learner:       learner,
		Outcome:       outcome.NewLoop(store, distills, eff, paths.OutcomeLinks(), paths.RecentAdvice()),
		Mind:          mindClient,
		Holder:        holder,
		ContextPath:   flagContextFile,
		HeartbeatPath: paths.BridgeHeartbeat(),
	})
	worker := bridge.NewWorker(cycle, flagInterval)

	token := config.ResolveToken(flagToken, paths)
	if token == "" {
		log.Warn("no bearer token configured; ingest rejects every request until one is provisioned")
	}

	bind := "127.0.0.1"
	if flagListenAll {
		bind = "0.0.0.0"
		log.Warn("binding all interfaces; ingest is reachable from the network")
	}
	port := flagPort
	if port == 0 {
		port = config.ResolvePort()
	}
	addr := net.JoinHostPort(bind, strconv.Itoa(port))
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           server.New(q, engine, store, worker, token).Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("listening", zap.String("addr", addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(drainCtx)
	})
	g.Go(func() error {
		if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		watcher.Run(ctx)
		return nil
	})
	g.Go(func() error {
		heartbeatLoop(ctx, paths.DaemonHeartbeat(), era, port)
		return nil
	})
	g.Go(func() error {
		maintenanceLoop(ctx, q, paths.SchedulerHeartbeat(), log)
		return nil
	})

	err = g.Wait()
	writeDaemonHeartbeat(paths.DaemonHeartbeat(), era, port, true)
	if err != nil {
		log.Error("daemon stopped", zap.Error(err))
		return err
	}
	log.Info("daemon stopped")
	return nil
}

// openSemanticIndex builds the optional embedding backend and the chromem
// index over it. Any failure degrades retrieval to lexical-only.
func openSemanticIndex(paths *config.Paths, log *zap.Logger) *retrieval.SemanticIndex {
	cfg := embedding.DefaultConfig()
	cfg.Provider = flagEmbedding
	cfg.GenAIAPIKey = os.Getenv("GEMINI_API_KEY")
	if flagOllamaURL != "" {
		cfg.OllamaEndpoint = flagOllamaURL
	}
	if flagOllamaModel != "" {
		cfg.OllamaModel = flagOllamaModel
	}

	engine, err := embedding.NewEngine(cfg)
	if err != nil {
		log.Warn("embedding backend unavailable, retrieval degrades to lexical", zap.Error(err))
		return nil
	}
	if engine == nil {
		return nil
	}
	semantic, err := retrieval.NewSemanticIndex(paths.SemanticIndex(), engine)
	if err != nil {
		log.Warn("semantic index unavailable, retrieval degrades to lexical", zap.Error(err))
		return nil
	}
	log.Info("semantic index ready", zap.String("backend", engine.Name()))
	return semantic
}

// daemonHeartbeat is the liveness document sparkd status reads.
type daemonHeartbeat struct {
	TS       time.Time `json:"ts"`
	PID      int       `json:"pid"`
	Port     int       `json:"port"`
	Era      string    `json:"era"`
	Version  string    `json:"version"`
	Stopping bool      `json:"stopping,omitempty"`
}

const heartbeatInterval = 30 * time.Second

func heartbeatLoop(ctx context.Context, path string, era *config.Era, port int) {
	writeDaemonHeartbeat(path, era, port, false)
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			writeDaemonHeartbeat(path, era, port, false)
		}
	}
}

// Queue rotation policy: rotate only once the log is large and the bridge
// has drained it, so no unread events ride along into the rotated file.
const (
	maintenanceInterval = 10 * time.Minute
	rotateAboveBytes    = 64 << 20
)

// maintenanceLoop runs periodic housekeeping and writes the scheduler
// heartbeat each pass.
func maintenanceLoop(ctx context.Context, q *queue.Queue, heartbeatPath string, log *zap.Logger) {
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		stats := q.Stats()
		rotated := false
		if stats.SizeBytes > rotateAboveBytes && stats.PendingEstimate == 0 {
			if err := q.Rotate(); err != nil {
				log.Warn("queue rotation failed", zap.Error(err))
			} else {
				rotated = true
				log.Info("queue rotated", zap.Int64("size_bytes", stats.SizeBytes))
			}
		}

		data, err := json.MarshalIndent(map[string]interface{}{
			"ts":          time.Now().UTC(),
			"queue_bytes": stats.SizeBytes,
			"rotated":     rotated,
		}, "", "  ")
		if err != nil {
			continue
		}
		tmp := heartbeatPath + ".tmp"
		if err := os.WriteFile(tmp, data, 0o644); err != nil {
			continue
		}
		_ = os.Rename(tmp, heartbeatPath)
	}
}

func writeDaemonHeartbeat(path string, era *config.Era, port int, stopping bool) {
	data, err := json.MarshalIndent(daemonHeartbeat{
		TS:       time.Now().UTC(),
		PID:      os.Getpid(),
		Port:     port,
		Era:      era.ID,
		Version:  version,
		Stopping: stopping,
	}, "", "  ")
	if err != nil {
		return
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return
	}
	_ = os.Rename(tmp, path)
}
