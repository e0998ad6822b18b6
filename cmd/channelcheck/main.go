package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/park285/chess-robot-sync/internal/channel"
	"github.com/park285/chess-robot-sync/internal/persist"
	"github.com/park285/chess-robot-sync/pkg/syncdto"
	"github.com/redis/go-redis/v9"
)

// channelcheck checks the persistence API and the robot channel, then prints
// inbound messages for a short window.
func main() {
	baseURL := strings.TrimSpace(os.Getenv("PERSIST_BASE_URL"))
	wsURL := strings.TrimSpace(os.Getenv("ROBOT_WS_URL"))
	redisURL := strings.TrimSpace(os.Getenv("REDIS_URL"))
	boardID := strings.TrimSpace(os.Getenv("ROBOT_BOARD_ID"))
	userID := os.Getenv("X_USER_ID")
	sessionID := os.Getenv("X_SESSION_ID")

	window := 10 * time.Second
	if v, err := time.ParseDuration(os.Getenv("CHECK_WINDOW")); err == nil && v > 0 {
		window = v
	}

	headers := func() map[string]string {
		m := map[string]string{}
		if userID != "" {
			m["X-User-Id"] = userID
		}
		if sessionID != "" {
			m["X-Session-Id"] = sessionID
		}
		return m
	}

	if baseURL != "" {
		client := persist.NewHTTPClient(baseURL,
			persist.WithHeaderProvider(headers),
			persist.WithTimeout(8*time.Second),
			persist.WithRetry(1),
		)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := client.Ping(ctx); err != nil {
			log.Printf("persist /healthz error: %v", err)
		} else {
			log.Printf("persist /healthz ok: %s", baseURL)
		}
		cancel()
	} else {
		log.Println("PERSIST_BASE_URL not set; skipping persistence check")
	}

	var ch interface {
		channel.Channel
		Connect(ctx context.Context) error
	}
	switch {
	case wsURL != "":
		ch = channel.NewWebSocket(wsURL, channel.WSOptions{MaxReconnectAttempts: 1, Headers: headers})
	case redisURL != "" && boardID != "":
		opts, err := persist.ParseRedisURL(redisURL)
		if err != nil {
			log.Fatalf("REDIS_URL: %v", err)
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()
		ch = channel.NewRedisBus(rdb, boardID, nil)
	default:
		log.Println("neither ROBOT_WS_URL nor REDIS_URL+ROBOT_BOARD_ID set; skipping channel check")
		return
	}

	ch.OnStateChange(func(state channel.ConnState) {
		log.Printf("channel state: %s", state)
	})
	ch.Subscribe(func(msg syncdto.Message) {
		fmt.Printf("msg type=%s fen=%q from=%s to=%s san=%s reason=%q\n",
			msg.Type, msg.FEN, msg.From, msg.To, msg.SAN, msg.Reason)
	})

	cctx, ccancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer ccancel()
	if err := ch.Connect(cctx); err != nil {
		log.Printf("channel connect error: %v", err)
		return
	}

	t := time.NewTimer(window)
	<-t.C

	_ = ch.Close(context.Background())
}
