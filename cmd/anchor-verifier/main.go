package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ILLUVRSE/anchor/internal/anchor"
	"github.com/ILLUVRSE/anchor/internal/app"
	"github.com/ILLUVRSE/anchor/internal/config"
)

const (
	exitPassed = 0
	exitFailed = 1
	exitInfra  = 2
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	cfg, err := config.Load()
	if err != nil {
		log.Printf("config: %v", err)
		os.Exit(exitInfra)
	}
	if err := cfg.ValidateVerifier(); err != nil {
		log.Printf("config: %v", err)
		os.Exit(exitInfra)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	os.Exit(run(ctx, cfg))
}

func run(ctx context.Context, cfg config.Config) int {
	store, err := app.OpenStore(ctx, cfg)
	if err != nil {
		log.Printf("open store: %v", err)
		return exitInfra
	}
	defer store.Close()

	resolver, err := app.Resolver(cfg)
	if err != nil {
		log.Printf("keys: %v", err)
		return exitInfra
	}
	wr, err := app.WitnessReader(ctx, cfg)
	if err != nil {
		log.Printf("witness: %v", err)
		return exitInfra
	}

	v := anchor.NewVerifier(store, resolver, anchor.VerifierConfig{
		MaxConcurrency: cfg.VerifyConcurrency,
		Witness:        wr,
	})
	since := cfg.VerifySince(time.Now().UTC())
	rep, err := v.VerifyWindow(ctx, cfg.TreeVersion, since)
	if err != nil {
		log.Printf("verification aborted: %v", err)
		return exitInfra
	}
	if err := rep.WriteFile(cfg.ReportPath); err != nil {
		log.Printf("write report: %v", err)
		return exitInfra
	}
	log.Printf("report written to %s", cfg.ReportPath)

	if err := json.NewEncoder(os.Stdout).Encode(map[string]interface{}{
		"passed":  rep.Passed,
		"checked": rep.Checked,
	}); err != nil {
		log.Printf("write summary: %v", err)
	}
	if !rep.Passed {
		for _, r := range rep.Failed() {
			log.Printf("anchor seq=%d failed: %v", r.Seq, r.Findings)
		}
		return exitFailed
	}
	return exitPassed
}
