// dmchat is a terminal client for two-party direct messaging. It keeps one
// conversation in view, resolves the correspondent's handle as you type,
// and stays usable across restarts by persisting the session locally.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"dmchat/internal/api"
	"dmchat/internal/chatclient"
	"dmchat/internal/kv"
	"dmchat/internal/session"
)

func main() {
	_ = godotenv.Load()

	defaultServer := os.Getenv("DMCHAT_SERVER")
	if defaultServer == "" {
		defaultServer = "http://localhost:8080"
	}
	server := flag.String("server", defaultServer, "collaborator server base URL")
	flag.Parse()

	dir, err := sessionDir()
	if err != nil {
		log.Fatalf("❌ Cannot resolve session directory: %v", err)
	}
	local, err := kv.NewFile(dir)
	if err != nil {
		log.Fatalf("❌ Cannot open session store: %v", err)
	}
	sessionStore := session.NewStore(local)

	// A Redis address is optional. With one, logins announce themselves to
	// every other running instance; without, the client works standalone.
	var notifier *session.Notifier
	if redisAddr := os.Getenv("REDIS_ADDR"); redisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
		if _, err := rdb.Ping(context.Background()).Result(); err != nil {
			log.Printf("⚠️ Redis unavailable, running standalone: %v", err)
		} else {
			notifier = session.NewNotifier(
				kv.NewRedis(rdb, "dmchat"),
				kv.NewRedisBus(rdb, "dmchat:logins"),
			)
		}
	}

	ctx := context.Background()

	var program *tea.Program
	client, err := chatclient.New(chatclient.Config{
		API:       api.NewClient(*server),
		Session:   sessionStore,
		Notifier:  notifier,
		SocketURL: socketURL(*server),
		Reconnect: true,
		OnChange: func() {
			if program != nil {
				program.Send(refreshMsg{})
			}
		},
	})
	if err != nil {
		log.Fatalf("❌ %v", err)
	}

	restored, err := client.Restore(ctx)
	if err != nil {
		log.Printf("⚠️ Session restore failed: %v", err)
	}

	program = tea.NewProgram(newModel(ctx, client, restored), tea.WithAltScreen())

	if notifier != nil {
		stop := notifier.Watch(ctx, func(n session.Notice) {
			program.Send(noticeMsg{handle: n.Handle})
		})
		defer stop()
	}

	if _, err := program.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error running dmchat: %v\n", err)
		os.Exit(1)
	}
}

func sessionDir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "dmchat"), nil
}

// socketURL derives the realtime endpoint from the server base URL.
func socketURL(server string) string {
	ws := server
	switch {
	case strings.HasPrefix(ws, "https://"):
		ws = "wss://" + strings.TrimPrefix(ws, "https://")
	case strings.HasPrefix(ws, "http://"):
		ws = "ws://" + strings.TrimPrefix(ws, "http://")
	}
	return strings.TrimRight(ws, "/") + "/ws"
}
