package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/builderjer/ovos-core/pkg/dispatch"
	"github.com/builderjer/ovos-core/pkg/engine"
	"github.com/builderjer/ovos-core/pkg/utterance"
)

var version = "dev"

// defaultConfigs are tried in order when -config is not given.
var defaultConfigs = []string{"ovos.yaml", "ovos.yml", "ovos.toml", "ovos.json"}

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: ovos-core [flags]\n\nRun the intent and session orchestrator.\n\nFlags:\n")
		flag.PrintDefaults()
	}

	configPath := flag.String("config", "", "path to configuration file (default: first of "+fmt.Sprint(defaultConfigs)+")")
	envFile := flag.String("env", ".env", "path to .env file (ignored if missing)")
	say := flag.String("say", "", "dispatch one utterance, print the spoken reply and exit")
	flag.Parse()

	if err := loadDotEnv(*envFile); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	if err := run(*configPath, *say, os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func loadDotEnv(path string) error {
	err := godotenv.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// loadConfig reads path, or the first default file that exists. With
// neither, it returns the defaults: an in-process bus and memory sessions.
func loadConfig(path string) (engine.Config, error) {
	if path != "" {
		return engine.LoadConfig(path)
	}

	for _, p := range defaultConfigs {
		if _, err := os.Stat(p); err == nil {
			return engine.LoadConfig(p)
		}
	}

	return engine.Config{}.WithDefaults(), nil
}

func run(configPath, say string, stdout, stderr io.Writer) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	logger, err := engine.NewLogger(cfg.Log, stderr)
	if err != nil {
		return err
	}

	eng, err := engine.New(ctx, cfg, func(o *engine.Options) {
		o.Logger = logger
		o.Version = version
	})
	if err != nil {
		return err
	}
	defer func() { _ = eng.Close() }()

	if say != "" {
		return sayOnce(ctx, eng, say, cfg.Lang, stdout)
	}

	logger.InfoContext(ctx, "ovos-core started", "version", version)
	err = eng.Run(ctx)
	logger.InfoContext(ctx, "ovos-core stopped")

	return err
}

func sayOnce(ctx context.Context, eng *engine.Engine, text, lang string, out io.Writer) error {
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	res, err := eng.Orchestrator().Dispatch(ctx, utterance.New(text,
		utterance.WithLang(lang),
		utterance.WithSource("cli"),
	))
	if err != nil {
		return err
	}

	for _, ev := range res.Events {
		if ev.Topic == dispatch.TopicSpeak {
			fmt.Fprintln(out, ev.Data["utterance"])
		}
	}
	if res.State == dispatch.StateFailed {
		return res.Err
	}
	return nil
}
