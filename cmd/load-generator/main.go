// Command load-generator drives the pipeline end to end: it opens WebSocket
// clients against the fanout service, posts task changes to the gateway, and
// reports how many update frames came back.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/todostream/project/internal/app/fanout"
	"github.com/todostream/project/internal/app/gateway"
	"github.com/todostream/project/internal/contracts"
	"github.com/todostream/project/internal/platform/auth"
	"github.com/todostream/project/internal/platform/env"
	"github.com/todostream/project/internal/platform/logging"
)

func main() {
	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := logging.New("load-generator")

	gatewayURL := env.String("GATEWAY_URL", "http://localhost:8080")
	wsURL := env.String("WS_URL", "ws://localhost:8082/ws")
	users := env.Int("USERS", 5)
	mutations := env.Int("MUTATIONS", 20)
	settle := env.Duration("SETTLE", 3*time.Second)

	tokens := auth.NewManager(env.String("JWT_SECRET", "dev-insecure-change-me"), time.Hour)

	var (
		received atomic.Int64
		wg       sync.WaitGroup
		conns    []*websocket.Conn
	)

	for i := 0; i < users; i++ {
		userID := fmt.Sprintf("load-user-%d", i)
		token, err := tokens.Sign(userID, userID)
		if err != nil {
			logger.Fatal().Err(err).Msg("token signing failed")
		}

		conn, _, err := websocket.DefaultDialer.DialContext(runCtx, wsURL+"?token="+token, nil)
		if err != nil {
			logger.Fatal().Err(err).Str("url", wsURL).Msg("websocket dial failed")
		}
		conns = append(conns, conn)

		if err := conn.WriteJSON(fanout.ClientMessage{
			Type:   fanout.MsgSubscribe,
			Scopes: []string{fanout.ScopeOwnTasks},
		}); err != nil {
			logger.Fatal().Err(err).Msg("subscribe failed")
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				var msg fanout.ServerMessage
				_ = conn.SetReadDeadline(time.Now().Add(30 * time.Second))
				if err := conn.ReadJSON(&msg); err != nil {
					return
				}
				if msg.Type == fanout.MsgUpdate {
					received.Add(1)
				}
			}
		}()
	}

	httpClient := &http.Client{Timeout: 10 * time.Second}
	sent := 0
	for i := 0; i < mutations; i++ {
		userID := fmt.Sprintf("load-user-%d", i%users)
		token, err := tokens.Sign("load-generator", "load-generator")
		if err != nil {
			logger.Fatal().Err(err).Msg("token signing failed")
		}

		body, _ := json.Marshal(gateway.ChangeRequest{
			ChangeType: "updated",
			Task: contracts.TaskSnapshot{
				TaskID: fmt.Sprintf("load-task-%d", i),
				UserID: userID,
				Title:  fmt.Sprintf("synthetic change %d", i),
			},
		})
		req, err := http.NewRequestWithContext(runCtx, http.MethodPost,
			gatewayURL+"/internal/v1/task-changes", bytes.NewReader(body))
		if err != nil {
			logger.Fatal().Err(err).Msg("request build failed")
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+token)

		resp, err := httpClient.Do(req)
		if err != nil {
			logger.Error().Err(err).Int("mutation", i).Msg("gateway post failed")
			continue
		}
		_ = resp.Body.Close()
		if resp.StatusCode != http.StatusAccepted {
			logger.Error().Int("status", resp.StatusCode).Int("mutation", i).Msg("gateway rejected change")
			continue
		}
		sent++
	}

	// Give the stream time to fan the updates back out.
	select {
	case <-time.After(settle):
	case <-runCtx.Done():
	}
	for _, conn := range conns {
		_ = conn.Close()
	}
	wg.Wait()

	logger.Info().
		Int("users", users).
		Int("mutations_sent", sent).
		Int64("updates_received", received.Load()).
		Msg("load run complete")
	if int64(sent) != received.Load() {
		logger.Warn().Msg("sent and received counts differ; check fanout service logs")
	}
}
