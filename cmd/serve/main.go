package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pixelclass/pixelclass/config"
	"github.com/pixelclass/pixelclass/engine"
	"github.com/pixelclass/pixelclass/server"
)

func main() {
	modelDir := flag.String("model-dir", "./models", "Directory holding model.json and weights.bin")
	addr := flag.String("addr", ":8080", "Listen address")
	imageSize := flag.Int("image-size", 0, "Model input size (0 reads it from the model)")
	workers := flag.Int("workers", 0, "Compute workers per request")
	watch := flag.Bool("watch", true, "Reload the model when its files change")
	flag.Parse()

	if *workers <= 0 {
		*workers = config.DefaultWorkers()
	}
	log.Printf("cpu: %s, workers=%d", config.DescribeCPU(), *workers)

	store := server.NewModelStore(*modelDir, *imageSize, engine.Config{Workers: *workers})
	if err := store.Reload(); err != nil {
		log.Fatalf("failed to load model: %v", err)
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *watch {
		go func() {
			if err := server.Watch(ctx, store, nil); err != nil {
				log.Printf("model watcher stopped: %v", err)
			}
		}()
	}

	srv := &http.Server{Addr: *addr, Handler: server.NewRouter(store)}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Printf("serving %s on %s", *modelDir, *addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("server error: %v", err)
	}
}
