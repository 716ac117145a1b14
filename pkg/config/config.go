package config

import (
	"context"
	"errors"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/vault-client-go"
	"github.com/spf13/viper"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var config = viper.New()

type Config struct {
	AppEnv     string `mapstructure:"APP_ENV"`
	AppName    string `mapstructure:"APP_NAME"`
	AppVersion string `mapstructure:"APP_VERSION"`
	NodeID     int64  `mapstructure:"NODE_ID"`
	TLS        struct {
		Enable   bool   `mapstructure:"ENABLE"`
		CertPath string `mapstructure:"CERT_PATH"`
		KeyPath  string `mapstructure:"KEY_PATH"`
	} `mapstructure:"TLS"`
	Otel struct {
		Addr string `mapstructure:"ADDR"`
	} `mapstructure:"OTEL"`
	Pyroscope struct {
		Addr string `mapstructure:"ADDR"`
	} `mapstructure:"PYROSCOPE"`
	Server struct {
		Addr         string        `mapstructure:"ADDR"`
		ReadTimeout  time.Duration `mapstructure:"READ_TIMEOUT"`
		WriteTimeout time.Duration `mapstructure:"WRITE_TIMEOUT"`
		IdleTimeout  time.Duration `mapstructure:"IDLE_TIMEOUT"`
	} `mapstructure:"HTTP_SERVER"`
	Database struct {
		Type           string `mapstructure:"TYPE"`
		Host           string `mapstructure:"HOST"`
		Port           string `mapstructure:"PORT"`
		DBNAME         string `mapstructure:"DBNAME"`
		User           string `mapstructure:"USER"`
		Password       string `mapstructure:"PASSWORD"`
		SSLMode        string `mapstructure:"SSLMODE"`
		Timezone       string `mapstructure:"TIMEZONE"`
		ConnectionPool struct {
			MaxIdleConn     int           `mapstructure:"MAX_IDLE_CONN"`
			MaxOpenConns    int           `mapstructure:"MAX_OPEN_CONNS"`
			ConnMaxLifetime time.Duration `mapstructure:"CONN_MAX_LIFETIME"`
			ConnMaxIdleTime time.Duration `mapstructure:"CONN_MAX_IDLE_TIME"`
		} `mapstructure:"CONNECTION_POOL"`
	} `mapstructure:"DATABASE"`
	Redis struct {
		Addr        string        `mapstructure:"ADDR"`
		Password    string        `mapstructure:"PASSWORD"`
		DB          int           `mapstructure:"DB"`
		PoolSize    int           `mapstructure:"POOL_SIZE"`
		PoolTimeout time.Duration `mapstructure:"POOL_TIMEOUT"`
	} `mapstructure:"REDIS"`
	Kafka struct {
		Brokers string `mapstructure:"BROKERS"`
		Topic   string `mapstructure:"TOPIC"`
	} `mapstructure:"KAFKA"`
	Telegram struct {
		BotToken string `mapstructure:"BOT_TOKEN"`
	} `mapstructure:"TELEGRAM"`
	Idempotency struct {
		Secret        string        `mapstructure:"SECRET"`
		DefaultTTL    time.Duration `mapstructure:"DEFAULT_TTL"`
		RetryAttempts int           `mapstructure:"RETRY_ATTEMPTS"`
		RetryInterval time.Duration `mapstructure:"RETRY_INTERVAL"`
	} `mapstructure:"IDEMPOTENCY"`
	Ledger struct {
		HoldDays       int           `mapstructure:"HOLD_DAYS"`
		PaymentTimeout time.Duration `mapstructure:"PAYMENT_TIMEOUT"`
	} `mapstructure:"LEDGER"`
	Sweep struct {
		Interval    time.Duration `mapstructure:"INTERVAL"`
		BatchSize   int           `mapstructure:"BATCH_SIZE"`
		Concurrency int           `mapstructure:"CONCURRENCY"`
	} `mapstructure:"SWEEP"`
	Payment struct {
		WebhookSecret string `mapstructure:"WEBHOOK_SECRET"`
	} `mapstructure:"PAYMENT"`
	Reward struct {
		TokenSecret string `mapstructure:"TOKEN_SECRET"`
		MaxAttempts int64  `mapstructure:"MAX_ATTEMPTS"`
	} `mapstructure:"REWARD"`
	Vault struct {
		Addr  string `mapstructure:"ADDR"`
		Token string `mapstructure:"TOKEN"`
		Path  string `mapstructure:"PATH"`
	} `mapstructure:"VAULT"`
}

var Module = fx.Module("config", fx.Provide(LoadConfig))

func setDefaults(v *viper.Viper) {
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("APP_NAME", "vpnhub")
	v.SetDefault("NODE_ID", 1)
	v.SetDefault("HTTP_SERVER.ADDR", "8080")
	v.SetDefault("HTTP_SERVER.READ_TIMEOUT", 15*time.Second)
	v.SetDefault("HTTP_SERVER.WRITE_TIMEOUT", 15*time.Second)
	v.SetDefault("HTTP_SERVER.IDLE_TIMEOUT", 60*time.Second)
	v.SetDefault("DATABASE.TYPE", "postgres")
	v.SetDefault("DATABASE.SSLMODE", "disable")
	v.SetDefault("DATABASE.TIMEZONE", "UTC")
	v.SetDefault("REDIS.ADDR", "127.0.0.1:6379")
	v.SetDefault("REDIS.POOL_SIZE", 20)
	v.SetDefault("REDIS.POOL_TIMEOUT", 5*time.Second)
	v.SetDefault("KAFKA.TOPIC", "ledger.events")
	v.SetDefault("IDEMPOTENCY.DEFAULT_TTL", 60*time.Second)
	v.SetDefault("IDEMPOTENCY.RETRY_ATTEMPTS", 10)
	v.SetDefault("IDEMPOTENCY.RETRY_INTERVAL", 200*time.Millisecond)
	v.SetDefault("LEDGER.HOLD_DAYS", 21)
	v.SetDefault("LEDGER.PAYMENT_TIMEOUT", 30*time.Minute)
	v.SetDefault("SWEEP.INTERVAL", time.Minute)
	v.SetDefault("SWEEP.BATCH_SIZE", 200)
	v.SetDefault("SWEEP.CONCURRENCY", 8)
	v.SetDefault("REWARD.MAX_ATTEMPTS", 20)
	v.SetDefault("VAULT.PATH", "vpnhub")
}

func LoadConfig() (*Config, error) {
	config.SetConfigName("config")
	config.SetConfigType("yaml")
	config.AddConfigPath(".")

	config.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	config.AutomaticEnv()
	setDefaults(config)

	if err := config.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		zap.L().Warn("config.yaml not found, using env and defaults")
	}

	var cfg Config
	if err := config.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if addr := firstNonEmpty(os.Getenv("VAULT_ADDR"), cfg.Vault.Addr); addr != "" {
		if err := loadSecrets(context.Background(), &cfg, addr); err != nil {
			zap.L().Error("failed get secret from vault", zap.Error(err))
			return nil, err
		}
	}

	return &cfg, nil
}

func loadSecrets(ctx context.Context, cfg *Config, addr string) error {
	client, err := vault.New(vault.WithAddress(addr), vault.WithRequestTimeout(10*time.Second))
	if err != nil {
		return err
	}

	token := firstNonEmpty(os.Getenv("VAULT_TOKEN"), cfg.Vault.Token)
	if err := client.SetToken(token); err != nil {
		return err
	}

	zap.L().Info("Starting Get Secrets", zap.String("path", cfg.Vault.Path))
	secret, err := client.Secrets.KvV2Read(ctx, cfg.Vault.Path, vault.WithMountPath("secret"))
	if err != nil {
		return err
	}
	zap.L().Info("Success Get Secret")

	get := func(key, fallback string) string {
		if val, ok := secret.Data.Data[key].(string); ok && val != "" {
			return val
		}
		return fallback
	}

	cfg.Database.User = get("postgres_user", cfg.Database.User)
	cfg.Database.Password = get("postgres_password", cfg.Database.Password)
	cfg.Redis.Password = get("redis_password", cfg.Redis.Password)
	cfg.Idempotency.Secret = get("idempotency_secret", cfg.Idempotency.Secret)
	cfg.Reward.TokenSecret = get("reward_token_secret", cfg.Reward.TokenSecret)
	cfg.Payment.WebhookSecret = get("payment_webhook_secret", cfg.Payment.WebhookSecret)
	cfg.Telegram.BotToken = get("telegram_bot_token", cfg.Telegram.BotToken)
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
