// collab-load drives a burst of local edits through a real replica
// stack against a running Redis, for smoke-testing convergence and
// measuring submit latency. Point two instances with different -site
// values at the same document and watch them weave.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/collabtext/collabd/internal/redis"
	"github.com/collabtext/collabd/internal/replica"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	// CLI flags
	docID := flag.String("doc", "", "document id to edit")
	site := flag.Uint64("site", 0, "site id for this load generator")
	ssn := flag.Uint64("ssn", 1, "session number")
	count := flag.Int("n", 100, "number of edits to submit")
	text := flag.String("text", "abcdefgh ", "characters to cycle through")
	redisAddr := flag.String("redis", "localhost:6379", "redis address")
	flag.Parse()

	if *docID == "" || *site == 0 || *count <= 0 || len(*text) == 0 {
		fmt.Println("Usage: ./collab-load -doc=<id> -site=<sid> [-n=<edits>]")
		os.Exit(1)
	}

	log := buildLogger()
	log = log.Named("main")

	rdb := redis.NewClient(*redisAddr, 0, log)
	defer rdb.Close()

	oplog := redis.NewOpLogRepository(rdb, log)
	snaps := redis.NewSnapshotRepository(rdb, log)
	bcast := redis.NewBroadcaster(rdb, "collabd:ops-feed:", log)

	mgr := replica.NewManager(*site, *ssn, oplog, snaps, bcast, replica.Options{}, log)
	r := mgr.GetOrCreate(*docID)

	ctx := context.Background()
	if err := r.Bootstrap(ctx); err != nil {
		log.Fatal("bootstrap failed", zap.Error(err))
	}

	chars := []rune(*text)
	for i := 0; i < *count; i++ {
		iterStart := time.Now()

		edit := replica.Edit{
			Kind:  replica.EditInsert,
			Index: r.Metadata().VisibleLen,
			Value: string(chars[i%len(chars)]),
		}
		op, err := r.SubmitLocal(ctx, edit)
		if err != nil {
			log.Fatal("submit failed",
				zap.Int("edit", i),
				zap.Error(err),
			)
		}

		log.Info("edit submitted",
			zap.Stringer("s4", op.S4),
			zap.Int("submitted", i+1),
			zap.Int("total", *count),
			zap.Duration("took", time.Since(iterStart)),
		)
	}

	if _, err := r.Snapshot(ctx); err != nil {
		log.Fatal("snapshot failed", zap.Error(err))
	}
	meta := r.Metadata()
	log.Info("done",
		zap.Int("visible_len", meta.VisibleLen),
		zap.String("state_hash", meta.StateHash),
	)
}

func buildLogger() *zap.Logger {
	logConfig := zap.NewDevelopmentConfig()
	logConfig.EncoderConfig.TimeKey = ""
	logConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	logConfig.DisableStacktrace = true
	logConfig.DisableCaller = true
	logConfig.Level.SetLevel(zap.DebugLevel)
	return zap.Must(logConfig.Build())
}
