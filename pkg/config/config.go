package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"github.com/caarlos0/env/v11"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g.
// UABOT_CHANNELS_TELEGRAM_TOKEN.
const EnvPrefix = "UABOT_"

const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderBridge    = "bridge"
)

type Config struct {
	Agent      AgentConfig      `json:"agent" mapstructure:"agent" envPrefix:"AGENT_"`
	Correlator CorrelatorConfig `json:"correlator" mapstructure:"correlator" envPrefix:"CORRELATOR_"`
	Provider   ProviderConfig   `json:"provider" mapstructure:"provider" envPrefix:"PROVIDER_"`
	Bridge     BridgeConfig     `json:"bridge" mapstructure:"bridge" envPrefix:"BRIDGE_"`
	Channels   ChannelsConfig   `json:"channels" mapstructure:"channels" envPrefix:"CHANNELS_"`
	Status     StatusConfig     `json:"status" mapstructure:"status" envPrefix:"STATUS_"`
	Logging    LoggingConfig    `json:"logging" mapstructure:"logging" envPrefix:"LOGGING_"`
}

type AgentConfig struct {
	MaxInFlight     int    `json:"max_in_flight" mapstructure:"max_in_flight" env:"MAX_IN_FLIGHT"`
	GenerateWorkers int    `json:"generate_workers" mapstructure:"generate_workers" env:"GENERATE_WORKERS"`
	ReplyPrefix     string `json:"reply_prefix" mapstructure:"reply_prefix" env:"REPLY_PREFIX"`
	Greeting        string `json:"greeting" mapstructure:"greeting" env:"GREETING"`
	StopReply       string `json:"stop_reply" mapstructure:"stop_reply" env:"STOP_REPLY"`
	AllowRemoteStop bool   `json:"allow_remote_stop" mapstructure:"allow_remote_stop" env:"ALLOW_REMOTE_STOP"`
	MaxReplyRunes   int    `json:"max_reply_runes" mapstructure:"max_reply_runes" env:"MAX_REPLY_RUNES"`
	SystemPrompt    string `json:"system_prompt" mapstructure:"system_prompt" env:"SYSTEM_PROMPT"`
}

type CorrelatorConfig struct {
	Timeout       time.Duration `json:"timeout" mapstructure:"timeout" env:"TIMEOUT"`
	Fallback      string        `json:"fallback" mapstructure:"fallback" env:"FALLBACK"`
	ReplyTTL      time.Duration `json:"reply_ttl" mapstructure:"reply_ttl" env:"REPLY_TTL"`
	SweepInterval time.Duration `json:"sweep_interval" mapstructure:"sweep_interval" env:"SWEEP_INTERVAL"`
}

type ProviderConfig struct {
	Kind        string  `json:"kind" mapstructure:"kind" env:"KIND"`
	Model       string  `json:"model" mapstructure:"model" env:"MODEL"`
	APIKey      string  `json:"api_key" mapstructure:"api_key" env:"API_KEY"`
	APIBase     string  `json:"api_base" mapstructure:"api_base" env:"API_BASE"`
	MaxTokens   int     `json:"max_tokens" mapstructure:"max_tokens" env:"MAX_TOKENS"`
	Temperature float64 `json:"temperature" mapstructure:"temperature" env:"TEMPERATURE"`
}

type BridgeConfig struct {
	Enabled        bool     `json:"enabled" mapstructure:"enabled" env:"ENABLED"`
	Listen         string   `json:"listen" mapstructure:"listen" env:"LISTEN"`
	AuthToken      string   `json:"auth_token" mapstructure:"auth_token" env:"AUTH_TOKEN"`
	AllowedOrigins []string `json:"allowed_origins" mapstructure:"allowed_origins" env:"ALLOWED_ORIGINS"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram" mapstructure:"telegram" envPrefix:"TELEGRAM_"`
	Discord  DiscordConfig  `json:"discord" mapstructure:"discord" envPrefix:"DISCORD_"`
	Slack    SlackConfig    `json:"slack" mapstructure:"slack" envPrefix:"SLACK_"`
	Feishu   FeishuConfig   `json:"feishu" mapstructure:"feishu" envPrefix:"FEISHU_"`
	Console  ConsoleConfig  `json:"console" mapstructure:"console" envPrefix:"CONSOLE_"`
}

type TelegramConfig struct {
	Enabled   bool     `json:"enabled" mapstructure:"enabled" env:"ENABLED"`
	Token     string   `json:"token" mapstructure:"token" env:"TOKEN"`
	AllowFrom []string `json:"allow_from" mapstructure:"allow_from" env:"ALLOW_FROM"`
}

type DiscordConfig struct {
	Enabled   bool     `json:"enabled" mapstructure:"enabled" env:"ENABLED"`
	Token     string   `json:"token" mapstructure:"token" env:"TOKEN"`
	AllowFrom []string `json:"allow_from" mapstructure:"allow_from" env:"ALLOW_FROM"`
}

type SlackConfig struct {
	Enabled   bool     `json:"enabled" mapstructure:"enabled" env:"ENABLED"`
	BotToken  string   `json:"bot_token" mapstructure:"bot_token" env:"BOT_TOKEN"`
	AppToken  string   `json:"app_token" mapstructure:"app_token" env:"APP_TOKEN"`
	AllowFrom []string `json:"allow_from" mapstructure:"allow_from" env:"ALLOW_FROM"`
}

type FeishuConfig struct {
	Enabled   bool     `json:"enabled" mapstructure:"enabled" env:"ENABLED"`
	AppID     string   `json:"app_id" mapstructure:"app_id" env:"APP_ID"`
	AppSecret string   `json:"app_secret" mapstructure:"app_secret" env:"APP_SECRET"`
	AllowFrom []string `json:"allow_from" mapstructure:"allow_from" env:"ALLOW_FROM"`
}

type ConsoleConfig struct {
	Prompt      string `json:"prompt" mapstructure:"prompt" env:"PROMPT"`
	HistoryFile string `json:"history_file" mapstructure:"history_file" env:"HISTORY_FILE"`
}

type StatusConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled" env:"ENABLED"`
	Cron    string `json:"cron" mapstructure:"cron" env:"CRON"`
	Channel string `json:"channel" mapstructure:"channel" env:"CHANNEL"`
	ChatID  string `json:"chat_id" mapstructure:"chat_id" env:"CHAT_ID"`
}

type LoggingConfig struct {
	Level  string `json:"level" mapstructure:"level" env:"LEVEL"`
	Format string `json:"format" mapstructure:"format" env:"FORMAT"`
}

func DefaultConfig() *Config {
	return &Config{
		Agent: AgentConfig{
			MaxInFlight:     16,
			GenerateWorkers: 2,
			ReplyPrefix:     "🔹UAserver AI: ",
			Greeting:        "Hey ✌️ I am UAserver AI 9.7.0!",
			StopReply:       "Stopped.",
			AllowRemoteStop: true,
			MaxReplyRunes:   4000,
		},
		Correlator: CorrelatorConfig{
			Timeout:       15 * time.Second,
			Fallback:      "Sorry, I could not generate a reply.",
			ReplyTTL:      5 * time.Minute,
			SweepInterval: time.Minute,
		},
		Provider: ProviderConfig{
			Kind:        ProviderOpenAI,
			Model:       "mistralai/Mistral-7B-Instruct-v0.2",
			APIBase:     "http://127.0.0.1:8000/v1",
			MaxTokens:   150,
			Temperature: 0.7,
		},
		Bridge: BridgeConfig{
			Listen: "127.0.0.1:18790",
		},
		Channels: ChannelsConfig{
			Console: ConsoleConfig{
				Prompt: "you> ",
			},
		},
		Status: StatusConfig{
			Cron: "*/30 * * * *",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadConfig layers an optional config file (any format viper reads:
// yaml, json, toml) and then UABOT_* environment variables over
// DefaultConfig.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path = strings.TrimSpace(path); path != "" {
		v := viper.New()
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := v.Unmarshal(cfg); err != nil {
			return nil, fmt.Errorf("decode config %s: %w", path, err)
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error

	switch c.Provider.Kind {
	case ProviderOpenAI, ProviderAnthropic:
		if strings.TrimSpace(c.Provider.Model) == "" {
			errs = append(errs, errors.New("provider.model is required"))
		}
	case ProviderBridge:
		if !c.Bridge.Enabled {
			errs = append(errs, errors.New("provider.kind=bridge requires bridge.enabled"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown provider.kind %q", c.Provider.Kind))
	}
	if c.Provider.Kind == ProviderAnthropic && c.Provider.APIKey == "" {
		errs = append(errs, errors.New("provider.api_key is required for anthropic"))
	}

	if c.Correlator.Timeout <= 0 {
		errs = append(errs, errors.New("correlator.timeout must be positive"))
	}
	if c.Agent.MaxInFlight <= 0 {
		errs = append(errs, errors.New("agent.max_in_flight must be positive"))
	}

	ch := c.Channels
	if ch.Telegram.Enabled && ch.Telegram.Token == "" {
		errs = append(errs, errors.New("channels.telegram.token is required"))
	}
	if ch.Discord.Enabled && ch.Discord.Token == "" {
		errs = append(errs, errors.New("channels.discord.token is required"))
	}
	if ch.Slack.Enabled && (ch.Slack.BotToken == "" || ch.Slack.AppToken == "") {
		errs = append(errs, errors.New("channels.slack.bot_token and app_token are required"))
	}
	if ch.Feishu.Enabled && (ch.Feishu.AppID == "" || ch.Feishu.AppSecret == "") {
		errs = append(errs, errors.New("channels.feishu.app_id and app_secret are required"))
	}

	if c.Bridge.Enabled && strings.TrimSpace(c.Bridge.Listen) == "" {
		errs = append(errs, errors.New("bridge.listen is required"))
	}

	if c.Status.Enabled {
		if !gronx.New().IsValid(c.Status.Cron) {
			errs = append(errs, fmt.Errorf("status.cron %q is not a valid cron expression", c.Status.Cron))
		}
		if c.Status.Channel == "" || c.Status.ChatID == "" {
			errs = append(errs, errors.New("status.channel and status.chat_id are required"))
		}
	}

	return errors.Join(errs...)
}

// EnabledChannels lists the chat platforms turned on in config, in start
// order. The console is never listed; it is started by its own command.
func (c *Config) EnabledChannels() []string {
	var names []string
	if c.Channels.Telegram.Enabled {
		names = append(names, "telegram")
	}
	if c.Channels.Discord.Enabled {
		names = append(names, "discord")
	}
	if c.Channels.Slack.Enabled {
		names = append(names, "slack")
	}
	if c.Channels.Feishu.Enabled {
		names = append(names, "feishu")
	}
	return names
}
