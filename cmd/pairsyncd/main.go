package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/danmuck/pairsync/internal/config"
	"github.com/danmuck/pairsync/internal/daemon"
	"github.com/danmuck/pairsync/internal/logging"
	"github.com/danmuck/pairsync/internal/observability"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

func main() {
	path := flag.String("config", "", "path to pairsyncd config (defaults apply when empty)")
	flag.Parse()

	logging.ConfigureRuntime()
	observability.InitLogger("pairsyncd")
	gin.SetMode(gin.ReleaseMode)

	cfg := config.DefaultConfig()
	if *path != "" {
		loaded, err := config.Load(*path)
		if err != nil {
			fail(err)
		}
		cfg = loaded
	}
	if len(cfg.Pairings) == 0 {
		log.Warn().Msg("no pairings configured; every request will be rejected")
	}

	svc, err := daemon.NewService(cfg)
	if err != nil {
		fail(err)
	}
	if err := svc.Run(); err != nil {
		fail(err)
	}
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "pairsyncd: %v\n", err)
	os.Exit(1)
}
