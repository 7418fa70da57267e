package main

import (
	"context"
	"database/sql"
	"flag"
	"net/http"
	"os"

	"github.com/decred/slog"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"sealbox/internal/dirserver"
)

func main() {
	var (
		listen    = flag.String("listen", ":8080", "address to listen on")
		pgDSN     = flag.String("postgres", "", "postgres DSN for the bundle registry (in-memory if empty)")
		redisAddr = flag.String("redis", "", "redis address for envelope queues (in-memory if empty)")
		debug     = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	log := slog.NewBackend(os.Stderr).Logger("DIRS")
	log.SetLevel(slog.LevelInfo)
	if *debug {
		log.SetLevel(slog.LevelDebug)
	}

	reg := dirserver.NewMemRegistry()
	if *pgDSN != "" {
		db, err := sql.Open("postgres", *pgDSN)
		if err != nil {
			log.Errorf("open postgres: %v", err)
			os.Exit(1)
		}
		pg := dirserver.NewPGRegistry(db)
		if err := pg.Migrate(context.Background()); err != nil {
			log.Errorf("migrate: %v", err)
			os.Exit(1)
		}
		reg = pg
		log.Infof("using postgres registry")
	}

	q := dirserver.NewMemQueue()
	if *redisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: *redisAddr})
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			log.Errorf("ping redis: %v", err)
			os.Exit(1)
		}
		q = dirserver.NewRedisQueue(rdb)
		log.Infof("using redis queue")
	}

	srv := dirserver.New(reg, q, log)
	log.Infof("directory listening on %s", *listen)
	if err := http.ListenAndServe(*listen, srv.Router()); err != nil {
		log.Errorf("serve: %v", err)
		os.Exit(1)
	}
}
