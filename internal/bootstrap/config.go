package bootstrap

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/andrej220/sshgate/pkg/config"
	"github.com/andrej220/sshgate/pkg/config/filestore"
	"github.com/andrej220/sshgate/pkg/executor"
	"github.com/andrej220/sshgate/pkg/kafkautil"
	"github.com/andrej220/sshgate/pkg/serverutil"
	"github.com/joho/godotenv"
)

const (
	EnvPort          = "PORT"
	EnvAccounts      = "ACCOUNTS_JSON"
	EnvTelegramToken = "TELEGRAM_BOT_TOKEN"
	EnvTelegramChat  = "TELEGRAM_CHAT_ID"
	EnvKafkaBrokers  = "KAFKA_BROKERS"
	EnvHelper        = "SSHGATE_HELPER"
	EnvEagerFallback = "SSHGATE_EAGER_FALLBACK"
)

type ExecutorConfig struct {
	Helper         string        `yaml:"helper"`
	SSHBinary      string        `yaml:"sshBinary"`
	CommandTimeout time.Duration `yaml:"commandTimeout"`
	ReadyTimeout   time.Duration `yaml:"readyTimeout"`
	ExecTimeout    time.Duration `yaml:"execTimeout"`
	EagerFallback  bool          `yaml:"eagerFallback"`
	MaxDialRetries uint64        `yaml:"maxDialRetries"`
}

type TelegramConfig struct {
	Token  string `yaml:"token"`
	ChatID string `yaml:"chatId"`
}

type KafkaConfig struct {
	Brokers     []string `yaml:"brokers"`
	NotifyTopic string   `yaml:"notifyTopic"`
	QueueTopic  string   `yaml:"queueTopic"`
	GroupID     string   `yaml:"groupId"`
}

func (k KafkaConfig) Notify() kafkautil.Config {
	return kafkautil.Config{Brokers: k.Brokers, Topic: k.NotifyTopic}
}

func (k KafkaConfig) Queue() kafkautil.Config {
	return kafkautil.Config{Brokers: k.Brokers, Topic: k.QueueTopic, GroupID: k.GroupID}
}

// Config is the YAML document shared by the gateway and the worker.
type Config struct {
	Service  serverutil.ServerConfig `yaml:"service"`
	Executor ExecutorConfig          `yaml:"executor"`
	// Servers is used only when ACCOUNTS_JSON is unset.
	Servers       *config.StoreConfig `yaml:"servers,omitempty"`
	Telegram      TelegramConfig      `yaml:"telegram"`
	Kafka         KafkaConfig         `yaml:"kafka"`
	NotifyWorkers int                 `yaml:"notifyWorkers"`

	// Accounts holds the raw ACCOUNTS_JSON value.
	Accounts string `yaml:"-"`
}

func Defaults() Config {
	return Config{
		Service: serverutil.DefaultServerConfig(),
		Executor: ExecutorConfig{
			Helper:         executor.DefaultHelper,
			SSHBinary:      executor.DefaultSSHBinary,
			CommandTimeout: executor.DefaultCommandTimeout,
			ReadyTimeout:   executor.DefaultReadyTimeout,
			ExecTimeout:    executor.DefaultExecTimeout,
			MaxDialRetries: executor.DefaultResilienceConfig().MaxDialRetries,
		},
		Kafka: KafkaConfig{
			NotifyTopic: "sshgate-results",
			QueueTopic:  "sshgate-commands",
			GroupID:     "sshgate-worker",
		},
		NotifyWorkers: 4,
	}
}

// Load reads the optional .env file and the optional YAML file at path,
// then applies environment overrides.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := Defaults()
	if path != "" {
		if err := filestore.New(path).Load(&cfg); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvPort); ok && v != "" {
		c.Service.Port = v
	}
	if v, ok := lookup(EnvAccounts); ok {
		c.Accounts = v
	}
	if v, ok := lookup(EnvTelegramToken); ok && v != "" {
		c.Telegram.Token = v
	}
	if v, ok := lookup(EnvTelegramChat); ok && v != "" {
		c.Telegram.ChatID = v
	}
	if v, ok := lookup(EnvKafkaBrokers); ok && v != "" {
		c.Kafka.Brokers = kafkautil.ParseBrokers(v)
	}
	if v, ok := lookup(EnvHelper); ok && v != "" {
		c.Executor.Helper = v
	}
	if v, ok := lookup(EnvEagerFallback); ok && v != "" {
		eager, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvEagerFallback, err)
		}
		c.Executor.EagerFallback = eager
	}
	return nil
}
