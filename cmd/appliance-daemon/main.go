// Appliance daemon.
//
// The long-running process on each site appliance: phone-home checkin,
// AD discovery and enumeration, drift scanning over WinRM/SSH, the
// three-tier healing pipeline, signed evidence bundles with an offline
// queue, and the embedded gRPC server workstation agents report to.
//
// Usage:
//
//	appliance-daemon --config /var/lib/msp/config.yaml
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofrs/flock"

	"github.com/meridianmsp/fleet/internal/daemon"
)

var (
	flagConfig  = flag.String("config", "/var/lib/msp/config.yaml", "Config file path")
	flagVersion = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *flagVersion {
		log.Printf("appliance-daemon %s", daemon.Version)
		os.Exit(0)
	}

	log.SetFlags(log.LstdFlags | log.Lshortfile)

	cfg, err := daemon.LoadConfig(*flagConfig)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// One daemon per appliance. A stale lock from a crashed process is
	// released by the kernel, so there is no unlock-on-boot dance.
	lock := flock.New(cfg.LockPath())
	locked, err := lock.TryLock()
	if err != nil {
		log.Fatalf("Failed to acquire daemon lock %s: %v", cfg.LockPath(), err)
	}
	if !locked {
		log.Fatalf("Another appliance-daemon already holds %s", cfg.LockPath())
	}
	defer lock.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Printf("Shutdown signal: %v", sig)
		cancel()
	}()

	log.Printf("Appliance daemon %s starting (site %s)", daemon.Version, cfg.SiteID)
	if err := daemon.New(cfg).Run(ctx); err != nil {
		log.Fatalf("Daemon exited with error: %v", err)
	}
	log.Println("Appliance daemon stopped")
}
