package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/npezzotti/go-drawboard/internal/api"
	"github.com/npezzotti/go-drawboard/internal/config"
	"github.com/npezzotti/go-drawboard/internal/database"
	"github.com/npezzotti/go-drawboard/internal/server"
	"github.com/npezzotti/go-drawboard/internal/stats"
)

type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSliceFlag) Set(value string) error {
	*s = append(*s, strings.Split(value, ",")...)
	return nil
}

var (
	addr           string
	dsn            string
	flushInterval  time.Duration
	allowedOrigins stringSliceFlag
)

func main() {
	flag.StringVar(&addr, "addr", "localhost:8000", "server address")
	flag.StringVar(&dsn, "dsn", "host=localhost user=postgres password=postgres dbname=postgres sslmode=disable", "database connection string")
	flag.DurationVar(&flushInterval, "flush-interval", server.DefaultFlushInterval, "debounce window for room persistence")
	flag.Var(&allowedOrigins, "allowed-origins", "comma-separated list of allowed origins for CORS")
	flag.Parse()

	logger := log.New(os.Stderr, "[drawboard] ", log.LstdFlags)

	cfg, err := config.NewConfig(addr, dsn, flushInterval, allowedOrigins)
	if err != nil {
		logger.Fatal("config:", err)
	}

	dbConn, err := database.NewPgDrawboardRepository(cfg.DatabaseDSN)
	if err != nil {
		logger.Fatal("db open:", err)
	}
	defer func() {
		if err := dbConn.Close(); err != nil {
			logger.Fatal("db close:", err)
		}
	}()

	if err := dbConn.Migrate(); err != nil {
		logger.Fatal("db migrate:", err)
	}

	mux := http.NewServeMux()

	statsUpdater := stats.NewStatsUpdater(mux)

	drawServer, err := server.NewDrawServer(logger, dbConn, statsUpdater, cfg.FlushInterval)
	if err != nil {
		logger.Fatal("new draw server:", err)
	}

	srv := api.NewDrawboardApp(mux, logger, drawServer, dbConn, cfg)

	statsUpdater.Run()
	defer statsUpdater.Stop()

	go drawServer.Run()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Printf("received signal: %s\n", sig)
	case err := <-errCh:
		logger.Println("server:", err)
	}

	shutDownCtx, cancel := context.WithTimeout(
		context.Background(),
		10*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutDownCtx); err != nil {
		logger.Fatalln("HTTP server shutdown:", err)
	}

	logger.Println("shutting down draw server...")
	if err := drawServer.Shutdown(shutDownCtx); err != nil {
		logger.Fatalln("draw server shutdown:", err)
	}

	logger.Println("shutdown complete")
}
