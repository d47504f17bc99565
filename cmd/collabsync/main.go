package main

import (
	"bufio"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"
	_ "modernc.org/sqlite"

	"collab-sync/internal/broadcast"
	"collab-sync/internal/config"
	"collab-sync/internal/handlers"
	httpapi "collab-sync/internal/http"
	"collab-sync/internal/models"
	"collab-sync/internal/presence"
	"collab-sync/internal/repos"
	"collab-sync/internal/services"
)

func main() {
	cfg := config.Load()
	db, err := sql.Open("sqlite", cfg.DatabaseURL)
	if err != nil {
		panic(err)
	}
	defer db.Close()

	if err := runMigrations(db, cfg.MigrationsDir); err != nil {
		panic(err)
	}

	store := repos.NewStore(db)
	hub := broadcast.NewHub(cfg.SubscriberQueue)

	var bc broadcast.Broadcaster = hub
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		relay := broadcast.NewRedisRelay(hub, rdb)
		defer relay.Close()
		bc = relay
	}

	registry := presence.NewRegistry(store, bc, presence.Thresholds{
		Away:    cfg.AwayAfter,
		Offline: cfg.OfflineAfter,
		Remove:  cfg.RemoveAfter,
	})
	fileSvc := services.NewFileService(store, bc)
	chatSvc := services.NewChatService(store, bc)

	hub.SetSnapshotFunc(func(roomID string) (*models.Snapshot, error) {
		files, err := fileSvc.ListFiles(roomID)
		if err != nil {
			return nil, err
		}
		chat, err := chatSvc.Recent(roomID, cfg.ChatSnapshotSize)
		if err != nil {
			return nil, err
		}
		return &models.Snapshot{
			Files:    files,
			Sessions: registry.RoomSessions(roomID),
			Chat:     chat,
		}, nil
	})

	done := make(chan struct{})
	defer close(done)
	go presence.NewReaper(registry, cfg.SweepInterval).Run(done)

	h := handlers.NewRoomHandler(fileSvc, chatSvc, registry, bc)
	r := httpapi.NewRouter(cfg, h)

	addr := ":" + cfg.Port
	fmt.Printf("collab-sync listening on %s\n", addr)
	if err := r.Run(addr); err != nil {
		panic(err)
	}
}

func runMigrations(db *sql.DB, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	files := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasSuffix(strings.ToLower(e.Name()), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)
	for _, f := range files {
		path := filepath.Join(dir, f)
		if err := applySQLFile(db, path); err != nil {
			return fmt.Errorf("apply migration %s: %w", f, err)
		}
	}
	return nil
}

func applySQLFile(db *sql.DB, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 1024), 1024*1024)
	var sb strings.Builder
	for scanner.Scan() {
		sb.WriteString(scanner.Text())
		sb.WriteString("\n")
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	_, err = db.Exec(sb.String())
	return err
}
