// Package server exposes the engine over a JSON HTTP API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/kinship-auth/kinship"
	"github.com/kinship-auth/kinship/storage/memory"
	"github.com/kinship-auth/kinship/storage/pebble"
	"github.com/kinship-auth/kinship/storage/postgres"
	"github.com/kinship-auth/kinship/storage/sqlite3"
)

func NewServerCmd(log *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server [flags] model-file",
		Short: "Serve the relationship-based access control API over HTTP",
		Args:  cobra.ExactArgs(1),
	}

	var (
		port        int
		backend     string
		databaseURL string
		dataDir     string
		maxDepth    int
		concurrency int
	)

	flags := cmd.Flags()
	flags.IntVar(&port, "port", 4000, "port the server is listening on")
	flags.StringVar(&backend, "backend", "memory", "storage backend: memory, pebble, sqlite3 or postgres")
	flags.StringVar(&databaseURL, "database-url", "", "database URL (postgres backend)")
	flags.StringVar(&dataDir, "data-dir", "./data", "data directory (pebble and sqlite3 backends)")
	flags.IntVar(&maxDepth, "max-depth", 0, "maximum rewrite traversal depth (0 = default)")
	flags.IntVar(&concurrency, "concurrency", 0, "concurrent subproblems per query (0 = default)")

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		model, err := loadModel(args[0])
		if err != nil {
			return err
		}

		storage, err := openStorage(backend, databaseURL, dataDir)
		if err != nil {
			return err
		}
		defer storage.Close()

		options := []kinship.ResolverOption{kinship.WithLogger(log.WithGroup("resolver"))}
		if maxDepth > 0 {
			options = append(options, kinship.WithMaxDepth(maxDepth))
		}
		if concurrency > 0 {
			options = append(options, kinship.WithConcurrencyLimit(concurrency))
		}
		resolver, err := kinship.NewResolver(model, storage, options...)
		if err != nil {
			return err
		}

		mux := http.NewServeMux()
		mux.Handle("/v1/", NewKinshipServiceHandler(log.WithGroup("handler"), model, storage, resolver))

		server := http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: h2c.NewHandler(mux, &http2.Server{}),
			BaseContext: func(l net.Listener) context.Context {
				return ctx
			},
		}

		log.Info(fmt.Sprintf("started server on 0.0.0.0:%d, http://localhost:%d", port, port))
		go func() {
			err := server.ListenAndServe()
			if errors.Is(err, http.ErrServerClosed) {
				log.Info("server gracefully closed")
			} else if err != nil {
				log.Error("error listening on server", slog.Any("error", err))
			}
		}()

		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(ctxShutdown); err != nil {
			log.Error("error on server shutdown", slog.Any("error", err))
			return err
		}
		return nil
	}

	return cmd
}

func loadModel(path string) (*kinship.Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read model file: %w", err)
	}
	var om kinship.ObjectMap
	if err := json.Unmarshal(data, &om); err != nil {
		return nil, fmt.Errorf("failed to parse model file: %w", err)
	}
	return kinship.NewModel(om)
}

func openStorage(backend, databaseURL, dataDir string) (kinship.Storage, error) {
	switch backend {
	case "memory":
		return memory.NewMemoryStorage(), nil
	case "pebble":
		return pebble.NewPebbleStorage(dataDir)
	case "sqlite3":
		return sqlite3.NewSQLite3Storage(dataDir + "/kinship.db")
	case "postgres":
		if databaseURL == "" {
			return nil, errors.New("postgres backend requires --database-url")
		}
		if err := postgres.RunMigrations(databaseURL); err != nil {
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
		return postgres.NewPostgresStorage(databaseURL)
	default:
		return nil, fmt.Errorf("unknown backend %q", backend)
	}
}
