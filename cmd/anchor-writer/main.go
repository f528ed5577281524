package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ILLUVRSE/anchor/internal/anchor"
	"github.com/ILLUVRSE/anchor/internal/app"
	"github.com/ILLUVRSE/anchor/internal/config"
	"github.com/ILLUVRSE/anchor/internal/keys"
	"github.com/ILLUVRSE/anchor/internal/signer"
	"github.com/ILLUVRSE/anchor/internal/witness"
)

// exitTempFail tells the scheduler the run may be retried (EX_TEMPFAIL).
const exitTempFail = 75

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := cfg.ValidateWriter(); err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	os.Exit(run(ctx, cfg))
}

func run(ctx context.Context, cfg config.Config) int {
	store, err := app.OpenStore(ctx, cfg)
	if err != nil {
		log.Printf("open store: %v", err)
		if anchor.Retryable(err) {
			return exitTempFail
		}
		return 1
	}
	defer store.Close()

	s, kid, err := app.Signer(cfg)
	if err != nil {
		log.Printf("signer: %v", err)
		return 1
	}

	sink, closeSinks, err := app.WitnessSink(ctx, cfg)
	if err != nil {
		log.Printf("witness: %v", err)
		return 1
	}
	defer func() {
		if err := closeSinks(); err != nil {
			log.Printf("close witness sinks: %v", err)
		}
	}()

	return anchorOnce(ctx, store, s, kid, sink, cfg.TreeVersion, os.Stdout)
}

// anchorOnce registers the signer key when the store is Postgres, writes
// one anchor and prints its summary to out. The result is a process exit
// code.
func anchorOnce(ctx context.Context, store anchor.Store, s signer.Signer, kid string, sink witness.Sink, treeVersion string, out io.Writer) int {
	if pg, ok := store.(*anchor.PGStore); ok {
		if err := registerKey(ctx, keys.NewStore(pg.DB()), s, kid); err != nil {
			if errors.Is(err, keys.ErrKeyConflict) {
				log.Printf("register signer kid=%s: %v", kid, err)
				return 1
			}
			// Verifiers can still be given the key out of band.
			log.Printf("warning: register signer kid=%s failed, anchoring anyway: %v", kid, err)
		}
	}

	w := anchor.NewWriter(store, s, anchor.WriterConfig{KeyID: kid, Witness: sink})
	res, err := w.WriteAnchor(ctx, treeVersion)
	if err != nil {
		log.Printf("anchor failed tree_version=%s kid=%s: %v", treeVersion, kid, err)
		if anchor.Retryable(err) {
			return exitTempFail
		}
		return 1
	}

	summary := map[string]interface{}{
		"seq":        res.Seq,
		"root":       res.Root.Hex(),
		"node_count": res.NodeCount,
	}
	if err := json.NewEncoder(out).Encode(summary); err != nil {
		log.Printf("write summary: %v", err)
	}
	return 0
}

// registerKey publishes the signer's public key in anchor_signers so
// verifiers and the key service can discover it. The table is created by
// the store's EnsureSchema.
func registerKey(ctx context.Context, ks *keys.Store, s signer.Signer, kid string) error {
	r, ok := s.(signer.KeyResolver)
	if !ok {
		return nil
	}
	pub, err := r.PublicKey(ctx, kid)
	if err != nil {
		return err
	}
	if err := ks.Register(ctx, kid, pub); err != nil {
		return err
	}
	log.Printf("registered signer %s", kid)
	return nil
}
