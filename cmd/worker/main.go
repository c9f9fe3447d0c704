package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/LernaProject/tester/core"
)

var (
	flagConfig string
	flagForce  bool
	flagLogDir string
	flagName   string
)

func main() {
	root := &cobra.Command{
		Use:   "worker <cwd>",
		Short: "Judging worker daemon",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(args[0])
		},
	}

	root.Flags().StringVarP(&flagConfig, "config", "c", "config.yml", "path to the YAML configuration file")
	root.Flags().BoolVarP(&flagForce, "force", "f", false, "skip the confirmation prompt when <cwd> is non-empty")
	root.Flags().StringVarP(&flagLogDir, "log-dir", "l", "./", "directory to write worker.log into")
	root.Flags().StringVarP(&flagName, "name", "n", "", "tester name recorded on claimed attempts (defaults to a generated id)")

	if err := root.Execute(); err != nil {
		log.Fatal(err)
	}
}

func run(cwdArg string) error {
	if err := prepareCwd(cwdArg, flagForce); err != nil {
		return err
	}
	cwd, err := filepath.Abs(cwdArg)
	if err != nil {
		return err
	}

	initialDir, err := os.Getwd()
	if err != nil {
		return err
	}
	configPath, err := filepath.Abs(flagConfig)
	if err != nil {
		return err
	}

	lifecycle := core.NewLifecycle()
	installSignalHandlers(lifecycle)

	workerName := flagName
	if workerName == "" {
		workerName = core.NewWorkerID()
	}

	for {
		if err := os.Chdir(initialDir); err != nil {
			return err
		}

		cfg, err := core.LoadConfig(configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		logDir := flagLogDir
		if err := os.Chdir(logDir); err != nil {
			return fmt.Errorf("changing to log dir %q: %w", logDir, err)
		}
		logCloser, err := core.SetupLogging(".", "worker.log")
		if err != nil {
			return fmt.Errorf("setting up logging: %w", err)
		}

		if err := os.Chdir(cwd); err != nil {
			logCloser.Close()
			return fmt.Errorf("changing to working dir %q: %w", cwd, err)
		}

		restart, err := runOnce(cfg, cwd, workerName, lifecycle)
		logCloser.Close()
		if err != nil {
			return err
		}
		if !restart {
			return nil
		}
		log.Printf("worker %s: reloading configuration", workerName)
	}
}

func runOnce(cfg core.Config, cwd, workerName string, lifecycle *core.Lifecycle) (bool, error) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := core.Connect(ctx, cfg.DB.Locator)
	if err != nil {
		return false, fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	store := core.NewPgAttemptStore(db)

	bus, err := core.NewEventBus(cfg.Events.RedisURL)
	if err != nil {
		return false, fmt.Errorf("connecting to event bus: %w", err)
	}
	defer bus.Close()

	status := core.NewStatusState(workerName, lifecycle)
	if cfg.Status.ListenAddr != "" {
		statusServer := core.NewStatusServer(cfg.Status.ListenAddr, status)
		go func() {
			if err := statusServer.Serve(ctx); err != nil {
				log.Printf("status server: %v", err)
			}
		}()
	}

	pipeline := &core.Pipeline{
		Store: store,
		Cfg:   cfg,
		Cwd:   cwd,
		Bus:   bus,
	}

	loop := &core.Loop{
		Store:            store,
		Pipeline:         pipeline,
		Lifecycle:        lifecycle,
		Interval:         time.Duration(cfg.Behaviour.IntervalSeconds * float64(time.Second)),
		Status:           status,
		TesterName:       workerName,
		InitialResult:    "Queued",
		AllowedCompilers: allCodenames(cfg.Compilers),
		AllowedRunners:   allCodenames(cfg.Runners),
	}

	log.Printf("worker %s starting in %s", workerName, cwd)
	return loop.Run(ctx)
}

func allCodenames(r core.Registry) []string {
	names := make([]string, 0, len(r))
	for name := range r {
		names = append(names, name)
	}
	return names
}

// installSignalHandlers wires the four signals __main__.py handled onto
// lifecycle: SIGQUIT exits immediately, SIGINT/SIGTERM request a graceful
// shutdown (a second delivery force-exits), and SIGHUP requests a
// configuration reload on the next claim or sleep wakeup.
func installSignalHandlers(lifecycle *core.Lifecycle) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		shutdownRequested := false
		for sig := range sigCh {
			switch sig {
			case syscall.SIGQUIT:
				log.Printf("received SIGQUIT, exiting immediately")
				os.Exit(1)
			case syscall.SIGHUP:
				log.Printf("received SIGHUP, scheduling configuration reload")
				lifecycle.RequestRestart()
			case syscall.SIGINT, syscall.SIGTERM:
				if shutdownRequested {
					log.Printf("received second shutdown signal, exiting immediately")
					os.Exit(1)
				}
				shutdownRequested = true
				log.Printf("received shutdown signal, finishing current attempt")
				lifecycle.RequestShutdown()
			}
		}
	}()
}

// prepareCwd creates dir if it doesn't exist, or confirms reuse of a
// non-empty existing directory unless force is set.
func prepareCwd(dir string, force bool) error {
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		if err := os.MkdirAll(dir, 0o777); err != nil {
			return err
		}
		return nil
	}
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%q is not a directory", dir)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	if len(entries) == 0 || force {
		return nil
	}

	fmt.Printf("%q is not empty. Continue anyway? [y/N] ", dir)
	reader := bufio.NewReader(os.Stdin)
	answer, _ := reader.ReadString('\n')
	answer = strings.ToLower(strings.TrimSpace(answer))
	switch answer {
	case "y", "yes", "yessir", "yeah":
		return nil
	default:
		return fmt.Errorf("aborted: %q is not empty", dir)
	}
}
