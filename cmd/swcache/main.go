package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"

	"swcache/internal/swcache"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", getenvDefault("SWCACHE_CONFIG", "/swcache.yaml"), "path to swcache.yaml")
	flag.Parse()

	cfg, err := swcache.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	w, err := swcache.NewWorker(cfg)
	if err != nil {
		log.Fatalf("init worker: %v", err)
	}
	defer w.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Until install succeeds the worker is uncontrolled: requests go straight
	// to the origin and partitions of the previous version stay untouched.
	installCtx, cancelInstall := context.WithTimeout(ctx, 2*time.Minute)
	if err := w.Install(installCtx); err != nil {
		log.Printf("install failed, serving pass-through and retrying: %v", err)
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = 5 * time.Second
		b.MaxInterval = 5 * time.Minute
		b.MaxElapsedTime = 0
		w.RetryInstall(b)
	}
	cancelInstall()

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		log.Printf("listen %s: %v", addr, err)
		return
	}

	srv := &http.Server{
		Handler:           w.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("swcache listening on %s, origin=%s, version=%s, state=%s", addr, cfg.Server.Origin, cfg.Version, w.State())
		err := srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("server error: %v", err)
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}
