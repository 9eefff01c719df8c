package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"golang.org/x/term"

	"govstream/internal/adapter/stream"
	"govstream/internal/adapter/tui/console"
	"govstream/internal/adapter/tui/theme"
	"govstream/internal/adapter/tui/uxerror"
	"govstream/internal/domain"
	"govstream/internal/infra/config"
	"govstream/internal/infra/logger"
	"govstream/internal/infra/tracer"
	"govstream/internal/usecase/session"
)

// runStream follows one warm-up or refinement stream until it ends.
func runStream(command, target string, opts options, stdout, stderr io.Writer) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if opts.baseURL != "" {
		cfg.Stream.BaseURL = opts.baseURL
	}
	cfg.UI.Plain = cfg.UI.Plain || opts.plain
	cfg.UI.ASCII = cfg.UI.ASCII || opts.ascii
	theme.UseASCII(cfg.UI.ASCII)

	interactive := !cfg.UI.Plain && isTerminal(stdout)

	logCfg, traceCfg := cfg.Logger, cfg.Tracer
	if interactive {
		// The console owns the terminal.
		logCfg.Output = offTerminal(logCfg.Output)
		traceCfg.Output = offTerminal(traceCfg.Output)
	}
	log, closeLog, err := logger.New(logCfg)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown, err := tracer.Setup(ctx, traceCfg)
	if err != nil {
		return fmt.Errorf("setup tracer: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(sctx); err != nil {
			log.Warn("tracer shutdown failed", "error", err)
		}
	}()

	fetcher := stream.NewFetcher(cfg.Stream, tokenSource(cfg.Stream), log)
	ctrl, title := newController(command, cfg, fetcher, log)

	var s *session.Session
	if interactive {
		con := console.New(title, ctrl.Cancel, tea.WithOutput(stdout))
		ctrl.OnEvent(con.Observe)

		if s, err = ctrl.Start(ctx, target); err != nil {
			return err
		}
		if err := con.Run(context.Background()); err != nil {
			log.Warn("console exited with error", "error", err)
		}
		// The console may exit before the session does.
		ctrl.Cancel()
	} else {
		ctrl.OnEvent(console.NewPlain(stdout).Observe)
		if s, err = ctrl.Start(ctx, target); err != nil {
			return err
		}
	}

	_ = s.Wait(context.Background())
	if s.Status() == domain.StatusFailed {
		fmt.Fprintln(stderr, uxerror.Humanize(s.Err()).Render())
	}
	return outcome(command, s)
}

func newController(command string, cfg *config.Config, fetcher domain.Fetcher, log *slog.Logger) (*session.Controller, string) {
	if command == "refine" {
		return session.NewRefinement(cfg, fetcher, log), "AI refinement"
	}
	return session.NewWarmup(cfg, fetcher, log), "Model warm-up"
}

// outcome maps a finished session to the process result.
func outcome(command string, s *session.Session) error {
	snap := s.Snapshot()
	switch snap.Status {
	case domain.StatusSucceeded:
		return nil
	case domain.StatusCancelled:
		return &exitError{code: 130}
	default:
		return &exitError{
			code: 1,
			msg:  fmt.Sprintf("%s failed [%s]: %s", command, domain.ErrorCodeOf(s.Err()), snap.LastError),
		}
	}
}

// tokenSource reads the bearer token from the configured env var on every
// request, or falls back to the static config token.
func tokenSource(cfg config.StreamConfig) domain.TokenSource {
	if cfg.TokenEnv != "" {
		name := cfg.TokenEnv
		return domain.TokenFunc(func(context.Context) (string, error) {
			return os.Getenv(name), nil
		})
	}
	return domain.StaticToken(cfg.Token)
}

func offTerminal(output string) string {
	switch output {
	case "stdout", "stderr", "":
		return "discard"
	}
	return output
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
