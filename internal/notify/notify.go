// Package notify は動画の生成完了を他サービスへ知らせます。
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/yourusername/motion-forge/internal/video"
)

// Ready は生成完了の通知内容です。
type Ready struct {
	JobID        string        `json:"job_id"`
	UserID       string        `json:"user_id"`
	Variant      video.Variant `json:"variant"`
	PrimaryURL   string        `json:"primary_url"`
	ThumbnailURL string        `json:"thumbnail_url"`
	PreviewURL   string        `json:"preview_url"`
	CompletedAt  time.Time     `json:"completed_at"`
}

// Notifier は完了通知の送信先です。
type Notifier interface {
	PublishReady(ctx context.Context, msg Ready) error
}

type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// RabbitNotifier は RabbitMQ の永続キューに完了通知を流します。
type RabbitNotifier struct {
	conn  *amqp.Connection
	mu    sync.Mutex
	ch    channel
	queue string
}

// NewRabbitNotifier は接続してキューを宣言します。
func NewRabbitNotifier(url, queue string) (*RabbitNotifier, error) {
	if queue == "" {
		return nil, errors.New("notify: queue name is required")
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if _, err := ch.QueueDeclare(
		queue,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false,
		nil,
	); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	return &RabbitNotifier{conn: conn, ch: ch, queue: queue}, nil
}

// Close は接続を閉じます。
func (n *RabbitNotifier) Close() error {
	if n.ch != nil {
		_ = n.ch.Close()
	}
	if n.conn != nil {
		return n.conn.Close()
	}
	return nil
}

// PublishReady は Notifier を実装します。
func (n *RabbitNotifier) PublishReady(ctx context.Context, msg Ready) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	// amqp のチャンネルは同時送信に向かないので直列化する
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.ch.PublishWithContext(cctx,
		"",      // default exchange
		n.queue, // routing key = queue
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    msg.JobID,
			Body:         body,
			Timestamp:    time.Now(),
		},
	)
}

// LogNotifier はログに書くだけの Notifier です（ローカル開発用）。
type LogNotifier struct {
	Logger zerolog.Logger
}

// PublishReady は Notifier を実装します。
func (n LogNotifier) PublishReady(ctx context.Context, msg Ready) error {
	n.Logger.Info().
		Str("job_id", msg.JobID).
		Str("user_id", msg.UserID).
		Str("variant", string(msg.Variant)).
		Str("primary_url", msg.PrimaryURL).
		Msg("video ready")
	return nil
}
