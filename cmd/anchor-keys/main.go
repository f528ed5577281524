package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ILLUVRSE/anchor/internal/anchor"
	"github.com/ILLUVRSE/anchor/internal/app"
	"github.com/ILLUVRSE/anchor/internal/config"
	"github.com/ILLUVRSE/anchor/internal/httpserver"
	"github.com/ILLUVRSE/anchor/internal/keys"
	"github.com/ILLUVRSE/anchor/internal/tlsutil"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx := context.Background()

	// Keys come from anchor_signers when Postgres is configured, otherwise
	// from the pinned ANCHOR_PUB_JWK_JSON.
	var (
		keySet httpserver.KeySet
		db     httpserver.Pinger
	)
	if cfg.DatabaseURL != "" && cfg.DBDriver == config.DriverPostgres {
		store, err := app.OpenStore(ctx, cfg)
		if err != nil {
			log.Fatalf("open store: %v", err)
		}
		defer store.Close()
		pg := store.(*anchor.PGStore)
		ks := keys.NewStore(pg.DB())
		if cfg.EnsureSchema {
			if err := ks.EnsureSchema(ctx); err != nil {
				log.Fatalf("ensure anchor_signers: %v", err)
			}
		}
		keySet, db = ks, pg
		log.Println("serving keys from postgres")
	} else {
		reg := keys.NewRegistry()
		if cfg.PublicJWK != "" {
			n, err := reg.LoadJWKS([]byte(cfg.PublicJWK), cfg.KeyID)
			if err != nil {
				log.Fatalf("load ANCHOR_PUB_JWK_JSON: %v", err)
			}
			log.Printf("serving %d pinned key(s)", n)
		} else {
			log.Println("warning: no key source configured; JWKS will be empty")
		}
		keySet = reg
	}

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      httpserver.New(keySet, db, cfg.ReportPath).Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if cfg.TLSCertPath != "" {
		tlsCfg, err := tlsutil.ServerConfig(cfg.TLSCertPath, cfg.TLSKeyPath, cfg.TLSClientCAPath, cfg.RequireMTLS)
		if err != nil {
			log.Fatalf("failed to initialize TLS config: %v", err)
		}
		srv.TLSConfig = tlsCfg
		go func() {
			log.Printf("starting anchor key server (TLS) on %s", cfg.ListenAddr)
			if err := srv.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
				log.Fatalf("server failed: %v", err)
			}
		}()
	} else {
		go func() {
			log.Printf("starting anchor key server on %s", cfg.ListenAddr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("server failed: %v", err)
			}
		}()
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	log.Println("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
	log.Println("server stopped")
}
