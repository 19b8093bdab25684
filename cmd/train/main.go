package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/pixelclass/pixelclass/config"
	"github.com/pixelclass/pixelclass/pipeline"
)

func main() {
	cfgPath := flag.String("config", "", "Path to YAML config (defaults apply when empty)")
	config.RegisterFlags(flag.CommandLine)
	flag.Parse()

	cfg := config.Default()
	if *cfgPath != "" {
		var err error
		if cfg, err = config.Load(*cfgPath); err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
	}

	overrides, err := config.OverridesFromFlags(flag.CommandLine)
	if err != nil {
		log.Fatalf("invalid flags: %v", err)
	}
	cfg.ApplyOverrides(overrides)

	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}
	log.Printf("cpu: %s, workers=%d", config.DescribeCPU(), cfg.Workers)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	result, err := pipeline.Train(ctx, cfg, pipeline.Options{})
	if err != nil {
		log.Fatalf("training failed: %v", err)
	}
	if last, ok := result.History.Last(); ok {
		log.Printf("done: %d epochs, loss %.4f, accuracy %.4f, model in %s",
			last.Epoch, last.Loss, last.Accuracy, result.ModelDir)
	}
	if result.EventLog != "" {
		log.Printf("events: %s", result.EventLog)
	}
}
