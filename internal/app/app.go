// Package app wires all voicegate subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run executes the processing loops, and Shutdown tears
// everything down in order.
//
// For testing, inject doubles via functional options (WithPipeline,
// WithProvider, WithArchiveDB, etc.). When an option is not provided, New
// creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voicegate/internal/archive"
	"github.com/MrWong99/voicegate/internal/config"
	"github.com/MrWong99/voicegate/internal/health"
	"github.com/MrWong99/voicegate/internal/observe"
	"github.com/MrWong99/voicegate/internal/session"
	"github.com/MrWong99/voicegate/internal/turn"
	"github.com/MrWong99/voicegate/pkg/audio"
	"github.com/MrWong99/voicegate/pkg/provider/s2s"
	geminilive "github.com/MrWong99/voicegate/pkg/provider/s2s/gemini"
	oais2s "github.com/MrWong99/voicegate/pkg/provider/s2s/openai"
	"github.com/MrWong99/voicegate/pkg/vad"
)

// httpShutdownTimeout bounds how long the HTTP server may take to drain
// in-flight requests during Shutdown.
const httpShutdownTimeout = 5 * time.Second

// Pipeline is the turn-management surface the application drives. Satisfied
// by [turn.Manager]; tests inject a double.
type Pipeline interface {
	Initialize(ctx context.Context) error
	Start(ctx context.Context) error
	ProcessAudioChunk(frame audio.Frame) error
	SetVADConfig(v turn.VADSettings) error
	SetDebugSettings(d turn.DebugSettings)
	Stats() turn.Stats
	ModelAudio() <-chan []byte
	Transcripts() <-chan s2s.TranscriptEntry
	Events() <-chan s2s.Event
	Stop() error
}

// Compile-time interface check.
var _ Pipeline = (*turn.Manager)(nil)

// App owns all subsystem lifetimes and orchestrates the voicegate pipeline.
type App struct {
	cfg *config.Config

	pipeline  Pipeline
	recon     *session.Reconnector
	provider  s2s.Provider
	ingress   *audio.Ingress
	store     *archive.Store
	metrics   *observe.Metrics
	levelVar  *slog.LevelVar
	audioSink func([]byte)

	sessionID string

	// closers are called in reverse order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithPipeline injects a turn-management pipeline instead of building one
// from the config.
func WithPipeline(p Pipeline) Option {
	return func(a *App) { a.pipeline = p }
}

// WithProvider injects an endpoint provider instead of creating one via the
// registry.
func WithProvider(p s2s.Provider) Option {
	return func(a *App) { a.provider = p }
}

// WithArchiveDB injects a database handle for the transcript archive instead
// of dialing archive.postgres_dsn.
func WithArchiveDB(db archive.DB) Option {
	return func(a *App) { a.store = archive.New(db) }
}

// WithMetrics injects a metrics instance instead of using the global default.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogLevelVar hands the app the level var backing the process logger so
// that config reloads can adjust verbosity at runtime.
func WithLogLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.levelVar = v }
}

// WithModelAudioSink sets the callback receiving synthesised model audio
// (PCM16 at the endpoint's output rate). When unset, model audio is drained
// and discarded.
func WithModelAudioSink(sink func([]byte)) Option {
	return func(a *App) { a.audioSink = sink }
}

// RegisterBuiltinProviders wires the endpoint factories that ship with
// voicegate into reg.
func RegisterBuiltinProviders(reg *config.Registry) {
	reg.Register("openai-realtime", func(entry config.ProviderConfig) (s2s.Provider, error) {
		var opts []oais2s.Option
		if entry.Model != "" {
			opts = append(opts, oais2s.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, oais2s.WithBaseURL(entry.BaseURL))
		}
		return oais2s.New(entry.APIKey, opts...), nil
	})

	reg.Register("gemini-live", func(entry config.ProviderConfig) (s2s.Provider, error) {
		var opts []geminilive.Option
		if entry.Model != "" {
			opts = append(opts, geminilive.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, geminilive.WithBaseURL(entry.BaseURL))
		}
		return geminilive.New(entry.APIKey, opts...), nil
	})
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. Use Option functions
// to inject test doubles for any subsystem.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{
		cfg:       cfg,
		sessionID: fmt.Sprintf("session-%d", time.Now().Unix()),
	}
	for _, o := range opts {
		o(a)
	}

	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Endpoint provider ─────────────────────────────────────────────
	if a.provider == nil && a.pipeline == nil {
		reg := config.NewRegistry()
		RegisterBuiltinProviders(reg)
		p, err := reg.Create(cfg.Provider)
		if err != nil {
			return nil, fmt.Errorf("app: create provider %q: %w", cfg.Provider.Name, err)
		}
		a.provider = p
		slog.Info("provider created", "name", cfg.Provider.Name, "model", cfg.Provider.Model)
	}

	// ── 2. Turn pipeline ─────────────────────────────────────────────────
	if a.pipeline == nil {
		a.recon = session.NewReconnector(session.ReconnectorConfig{
			Provider: a.provider,
			SessionConfig: s2s.SessionConfig{
				Model:         cfg.Provider.Model,
				Voice:         cfg.Provider.Voice,
				Instructions:  cfg.Provider.Instructions,
				Transcription: cfg.Provider.Transcription,
			},
		})
		a.pipeline = turn.NewManager(a.recon, turn.Config{
			VAD:     vadSettings(cfg.VAD),
			Metrics: a.metrics,
		}, slog.Default())
	}

	// ── 3. Capture ingress ───────────────────────────────────────────────
	a.ingress = audio.NewIngress(cfg.Audio.IngressCapacity)

	// ── 4. Transcript archive (optional) ─────────────────────────────────
	if err := a.initArchive(ctx); err != nil {
		return nil, fmt.Errorf("app: init archive: %w", err)
	}

	return a, nil
}

// initArchive connects the Postgres transcript archive when a DSN is
// configured and no store was injected. An empty DSN disables archiving.
func (a *App) initArchive(ctx context.Context) error {
	if a.store == nil {
		dsn := a.cfg.Archive.PostgresDSN
		if dsn == "" {
			return nil
		}
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			return err
		}
		a.store = archive.New(pool)
		a.closers = append(a.closers, func() error {
			pool.Close()
			return nil
		})
	}

	if err := a.store.Migrate(ctx); err != nil {
		return err
	}
	slog.Info("transcript archive enabled", "session_id", a.sessionID)
	return nil
}

// ─── Audio entry point ───────────────────────────────────────────────────────

// Push hands one captured frame to the application. It never blocks: when the
// ingress buffer is full the frame is dropped and counted.
func (a *App) Push(f audio.Frame) {
	if !a.ingress.Push(f) {
		a.metrics.RecordChunk(context.Background(), "dropped")
	}
}

// SessionID returns the archive session identifier for this process run.
func (a *App) SessionID() string { return a.sessionID }

// Stats exposes the pipeline counters, plus ingress drops.
func (a *App) Stats() turn.Stats {
	s := a.pipeline.Stats()
	s.ChunksDropped += a.ingress.Dropped()
	return s
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run connects the endpoint session and blocks driving the processing loops
// until ctx is cancelled or a loop fails. The HTTP endpoints (when
// server.listen_addr is set) and the config watcher run for the same span.
func (a *App) Run(ctx context.Context) error {
	if err := a.pipeline.Initialize(ctx); err != nil {
		return fmt.Errorf("app: connect session: %w", err)
	}
	if err := a.pipeline.Start(ctx); err != nil {
		return fmt.Errorf("app: start pipeline: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.ingestLoop(gctx) })
	g.Go(func() error { a.archiveLoop(gctx); return nil })
	g.Go(func() error { a.eventLoop(gctx); return nil })
	g.Go(func() error { a.modelAudioLoop(gctx); return nil })

	if a.cfg.Server.ListenAddr != "" {
		srv := a.buildHTTPServer()
		g.Go(func() error { return a.serveHTTP(gctx, srv) })
	}

	slog.Info("voicegate running", "session_id", a.sessionID)
	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return ctx.Err()
}

// ingestLoop pulls captured frames off the ingress and feeds the pipeline.
func (a *App) ingestLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f, ok := <-a.ingress.Frames():
			if !ok {
				return nil
			}
			err := a.pipeline.ProcessAudioChunk(f)
			switch {
			case errors.Is(err, turn.ErrStopped):
				return nil
			case err != nil:
				slog.Warn("process chunk", "err", err)
			}
		}
	}
}

// archiveLoop persists final transcript entries. When no archive is
// configured the loop still drains the channel so the pipeline never stalls.
func (a *App) archiveLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-a.pipeline.Transcripts():
			if !ok {
				return
			}
			if !entry.Final {
				continue
			}
			a.metrics.RecordTranscript(ctx, string(entry.Role))
			if a.store == nil {
				continue
			}
			if err := a.store.Append(ctx, a.sessionID, entry); err != nil {
				slog.Warn("archive transcript", "err", err)
			}
		}
	}
}

// eventLoop observes session lifecycle events for metrics and logging.
func (a *App) eventLoop(ctx context.Context) {
	connected := false
	defer func() {
		if connected {
			a.metrics.ActiveSessions.Add(context.Background(), -1)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-a.pipeline.Events():
			if !ok {
				return
			}
			switch ev.Type {
			case s2s.EventSessionCreated:
				if !connected {
					connected = true
					a.metrics.ActiveSessions.Add(ctx, 1)
				}
			case s2s.EventReconnected:
				a.metrics.RecordReconnect(ctx, "ok")
			case s2s.EventReconnectFailed:
				a.metrics.RecordReconnect(ctx, "failed")
				if connected {
					connected = false
					a.metrics.ActiveSessions.Add(ctx, -1)
				}
				slog.Error("session permanently lost", "msg", ev.Message)
			case s2s.EventError:
				a.metrics.RecordProviderError(ctx, a.cfg.Provider.Name, ev.Message)
			}
		}
	}
}

// modelAudioLoop forwards synthesised audio to the configured sink.
func (a *App) modelAudioLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case pcm, ok := <-a.pipeline.ModelAudio():
			if !ok {
				return
			}
			if a.audioSink != nil {
				a.audioSink(pcm)
			}
		}
	}
}

// ─── HTTP endpoints ──────────────────────────────────────────────────────────

// buildHTTPServer assembles /healthz, /readyz and /metrics behind the
// observability middleware.
func (a *App) buildHTTPServer() *http.Server {
	mux := http.NewServeMux()

	h := health.New(
		health.Connected("session", func() bool { return a.pipeline.Stats().Connected }),
	)
	h.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	return &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           observe.Middleware(a.metrics)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// serveHTTP runs srv until ctx is cancelled, then shuts it down gracefully.
func (a *App) serveHTTP(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		errCh <- err
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("app: http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown", "err", err)
	}
	return ctx.Err()
}

// ─── Config reload ───────────────────────────────────────────────────────────

// ApplyConfig applies the reloadable sections of a changed config: log level,
// VAD parameters and debug flags. Sections that need a restart are logged and
// skipped.
func (a *App) ApplyConfig(old, next *config.Config) {
	diff := config.Diff(old, next)
	if diff.Empty() {
		return
	}

	if diff.LogLevelChanged && a.levelVar != nil {
		a.levelVar.Set(slogLevel(diff.NewLogLevel))
		slog.Info("log level changed", "level", diff.NewLogLevel)
	}
	if diff.VADChanged {
		if err := a.pipeline.SetVADConfig(vadSettings(diff.NewVAD)); err != nil {
			slog.Warn("rejected VAD config update", "err", err)
		} else {
			slog.Info("VAD config updated")
		}
	}
	if diff.DebugChanged {
		a.pipeline.SetDebugSettings(turn.DebugSettings{
			LogBuffers:     diff.NewDebug.LogBuffers,
			LogTransitions: diff.NewDebug.LogTransitions,
		})
	}
	if diff.RestartRequired {
		slog.Warn("changed config sections need a restart to apply")
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in reverse-init order. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down")

		a.ingress.Close()
		if err := a.pipeline.Stop(); err != nil {
			slog.Warn("pipeline stop error", "err", err)
		}

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// vadSettings converts the config representation to the pipeline's.
func vadSettings(v config.VADConfig) turn.VADSettings {
	return turn.VADSettings{
		Gate: vad.Config{
			HoldMs:             v.HoldMs,
			ReleaseMs:          v.ReleaseMs,
			Threshold:          v.Threshold,
			AdaptiveNoiseFloor: v.AdaptiveNoiseFloor,
			NoiseFloorAlpha:    v.NoiseFloorAlpha,
			NoiseFloorRatio:    v.NoiseFloorRatio,
		},
		Aggressiveness: v.Aggressiveness,
		SilenceTimeout: time.Duration(v.SilenceTimeoutMs) * time.Millisecond,
	}
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
