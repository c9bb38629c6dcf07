// fileharbor-sweeper runs the permission-cache expiry sweep out of process,
// for deployments using a shared backend (redis, badger on a volume) where
// the API servers should not each run their own sweep.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/fileharbor/fileharbor/pkg/permissions"
	permcache "github.com/fileharbor/fileharbor/pkg/permissions/cache"
)

var (
	backend   = flag.String("backend", getEnv("FILEHARBOR_CACHE_BACKEND", "redis"), "Cache backend to sweep (redis or badger)")
	redisURL  = flag.String("redis-url", getEnv("FILEHARBOR_REDIS_URL", "redis://localhost:6379/0"), "Redis connection URL")
	badgerDir = flag.String("badger-dir", getEnv("FILEHARBOR_BADGER_DIR", ""), "Badger store directory")
	schedule  = flag.String("schedule", getEnv("FILEHARBOR_CACHE_SWEEP_INTERVAL", "@every 1m"), "Cron schedule for the expiry sweep")
	runOnce   = flag.Bool("run-once", false, "Run one sweep and exit")
)

func main() {
	flag.Parse()

	var (
		cache permissions.Cache
		err   error
	)
	switch *backend {
	case "redis":
		cache, err = permcache.NewRedisCache(*redisURL)
	case "badger":
		cache, err = permcache.NewBadgerCache(*badgerDir)
	default:
		log.Fatalf("Unknown cache backend %q (memory caches sweep in-process)", *backend)
	}
	if err != nil {
		log.Fatalf("Failed to open cache backend: %v", err)
	}
	defer cache.Close()

	sweep := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		purged, err := cache.PurgeExpired(ctx)
		if err != nil {
			log.Printf("Sweep failed: %v", err)
			return
		}
		log.Printf("Sweep complete: purged %d entries", purged)
	}

	if *runOnce {
		sweep()
		return
	}

	c := cron.New()
	if _, err := c.AddFunc(*schedule, sweep); err != nil {
		log.Fatalf("Invalid schedule %q: %v", *schedule, err)
	}
	c.Start()
	log.Printf("Sweeper started with schedule %q on %s backend", *schedule, *backend)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Println("Stopping sweeper")
	<-c.Stop().Done()
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
