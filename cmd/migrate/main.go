package main

import (
	"log/slog"
	"os"

	"github.com/joho/godotenv"

	"teamchat/internal/config"
	"teamchat/internal/database"
	"teamchat/internal/store"
)

func main() {
	godotenv.Load()
	cfg := config.Load()

	db, err := database.NewPostgresConnection(cfg.Database.URI)
	if err != nil {
		slog.Error("failed to connect to PostgreSQL", "error", err)
		os.Exit(1)
	}

	if err := store.New(db).Migrate(); err != nil {
		slog.Error("migration failed", "error", err)
		os.Exit(1)
	}
	slog.Info("migration complete")
}
