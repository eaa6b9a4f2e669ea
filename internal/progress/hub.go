package progress

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Subscriber は利用者単位で進捗イベントを購読できるものです。
type Subscriber interface {
	Subscribe(ctx context.Context, userID string) (<-chan Event, func() error)
}

// Hub は WebSocket 接続へ進捗を中継します。
type Hub struct {
	sub      Subscriber
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

// NewHub は Hub を作成します。allowOrigin が nil の場合は全オリジンを許可します。
func NewHub(sub Subscriber, allowOrigin func(origin string) bool, logger zerolog.Logger) *Hub {
	return &Hub{
		sub: sub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				if allowOrigin == nil {
					return true
				}
				origin := r.Header.Get("Origin")
				return origin == "" || allowOrigin(origin)
			},
		},
		logger: logger,
	}
}

// Serve は接続をアップグレードし、切断されるまで利用者の進捗を送り続けます。
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, userID string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Str("user_id", userID).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	events, closeSub := h.sub.Subscribe(ctx, userID)
	defer func() {
		if err := closeSub(); err != nil {
			h.logger.Debug().Err(err).Str("user_id", userID).Msg("failed to close subscription")
		}
	}()

	// クライアントからの受信は切断検知とPongのためだけに読む
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	order := NewMonotonic()
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			ev, accept := order.Accept(ev)
			if !accept {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				h.logger.Debug().Err(err).Str("user_id", userID).Msg("websocket write failed")
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
