package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"vpnhub/pkg/config"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/segmentio/kafka-go"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

//go:generate mockgen -source=notify.go -destination=mock_notify.go -package=notify

// Sender delivers a plain text message to a telegram user.
type Sender interface {
	Send(ctx context.Context, telegramID int64, text string) error
}

// EventPublisher emits domain events to downstream consumers.
type EventPublisher interface {
	Publish(ctx context.Context, key string, event any) error
}

type TelegramSender struct {
	bot *tgbotapi.BotAPI
}

func NewTelegramSender(token string) (*TelegramSender, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, err
	}
	return &TelegramSender{bot: bot}, nil
}

func (s *TelegramSender) Send(ctx context.Context, telegramID int64, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if telegramID == 0 {
		return errors.New("telegram id is required")
	}
	_, err := s.bot.Send(tgbotapi.NewMessage(telegramID, text))
	return err
}

type NopSender struct{}

func (NopSender) Send(context.Context, int64, string) error { return nil }

type KafkaPublisher struct {
	writer *kafka.Writer
}

func NewKafkaPublisher(brokers []string, topic string) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka publisher requires at least one broker")
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka publisher requires a topic")
	}
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			RequiredAcks: kafka.RequireAll,
			Balancer:     &kafka.Hash{},
		},
	}, nil
}

func (p *KafkaPublisher) Publish(ctx context.Context, key string, event any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: payload,
		Time:  time.Now().UTC(),
	})
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, string, any) error { return nil }

// NewSender returns the telegram sender, or a no-op one when no bot token is
// configured or the bot cannot be reached at startup.
func NewSender(cfg *config.Config) Sender {
	if cfg.Telegram.BotToken == "" {
		zap.L().Info("telegram bot token not set, notifications disabled")
		return NopSender{}
	}
	sender, err := NewTelegramSender(cfg.Telegram.BotToken)
	if err != nil {
		zap.L().Error("failed to init telegram bot, notifications disabled", zap.Error(err))
		return NopSender{}
	}
	return sender
}

func NewPublisher(lc fx.Lifecycle, cfg *config.Config) EventPublisher {
	brokers := splitBrokers(cfg.Kafka.Brokers)
	if len(brokers) == 0 {
		zap.L().Info("kafka brokers not set, ledger events disabled")
		return NopPublisher{}
	}

	pub, err := NewKafkaPublisher(brokers, cfg.Kafka.Topic)
	if err != nil {
		zap.L().Error("failed to init kafka publisher, ledger events disabled", zap.Error(err))
		return NopPublisher{}
	}

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return pub.Close()
		},
	})
	return pub
}

func splitBrokers(raw string) []string {
	var out []string
	for _, b := range strings.Split(raw, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}
