package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/EmpoweredVote/district-places/internal/api"
	"github.com/EmpoweredVote/district-places/internal/cache"
	"github.com/EmpoweredVote/district-places/internal/db"
	"github.com/EmpoweredVote/district-places/internal/districts"
	"github.com/EmpoweredVote/district-places/internal/middleware"
	"github.com/EmpoweredVote/district-places/internal/placesdb"
	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load(".env.local")
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	port := os.Getenv("PORT")
	if port == "" {
		port = "5050"
	}

	catalog, err := districts.SourceFromEnv().Load()
	if err != nil {
		log.Fatal("Failed to load districts: ", err)
	}

	c, err := cache.Open(ctx, cache.LoadConfigFromEnv())
	if err != nil {
		log.Fatal("Failed to open cache: ", err)
	}

	kind := os.Getenv("PLACES_DEFAULT_KIND")
	if kind == "" {
		kind = "pharmacy"
	}
	srv := &api.Server{
		Catalog:     catalog,
		Cache:       c,
		DefaultKind: kind,
		AdminToken:  os.Getenv("PLACES_ADMIN_TOKEN"),
		Origins:     middleware.OriginsFromEnv(),
	}

	if os.Getenv("DATABASE_URL") != "" {
		gdb, err := db.ConnectFromEnv()
		if err != nil {
			log.Fatal("Failed to connect to database: ", err)
		}
		if err := placesdb.Migrate(gdb); err != nil {
			log.Fatal("Failed to migrate places archive: ", err)
		}
		srv.Archive = placesdb.Archive{DB: gdb}
	}

	server := &http.Server{
		Addr:              "0.0.0.0:" + port,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdown)
	}()

	log.Printf("Server listening on port :%s (%d districts, cache %s)", port, catalog.Len(), c.Stats().Location)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal(err)
	}
}
