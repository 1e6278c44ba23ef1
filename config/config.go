package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// ZeroAddress is the placeholder user for the account-level startup feed.
const ZeroAddress = "0x0000000000000000000000000000000000000000"

// Key modes for the channel registry.
const (
	KeyModeChannel      = "channel"
	KeyModeSubscription = "subscription"
)

type Config struct {
	Server struct {
		Host string `yaml:"host"`
		Port int    `yaml:"port"`
	} `yaml:"server"`

	Hyperliquid struct {
		MainnetURL string `yaml:"mainnet_url"`
		TestnetURL string `yaml:"testnet_url"`
		Network    string `yaml:"network"` // "mainnet" or "testnet"
	} `yaml:"hyperliquid"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Feed struct {
		KeyMode             string `yaml:"key_mode"` // "channel" or "subscription"
		SendBuffer          int    `yaml:"send_buffer"`
		HandshakeTimeout    int    `yaml:"handshake_timeout"`
		EnableHeartbeat     bool   `yaml:"enable_heartbeat"`
		HeartbeatInterval   int    `yaml:"heartbeat_interval"`
		EnableReconnect     bool   `yaml:"enable_reconnect"`
		ReconnectMaxRetries int    `yaml:"reconnect_max_retries"`
		ReconnectInterval   int    `yaml:"reconnect_interval"`
	} `yaml:"feed"`

	Bootstrap struct {
		Enabled bool            `yaml:"enabled"`
		Feeds   []BootstrapFeed `yaml:"feeds"`
	} `yaml:"bootstrap"`

	Relay struct {
		Enabled    bool `yaml:"enabled"`
		MaxClients int  `yaml:"max_clients"`
	} `yaml:"relay"`
}

// BootstrapFeed is one baseline subscription issued whenever the feed opens.
type BootstrapFeed struct {
	Channel string `yaml:"channel"`
	Type    string `yaml:"type"`
	User    string `yaml:"user,omitempty"`
	Coin    string `yaml:"coin,omitempty"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	config := &Config{}

	config.Server.Host = "0.0.0.0"
	config.Server.Port = 8080
	config.Hyperliquid.MainnetURL = "wss://api.hyperliquid.xyz/ws"
	config.Hyperliquid.TestnetURL = "wss://api.hyperliquid-testnet.xyz/ws"
	config.Hyperliquid.Network = "mainnet"
	config.Logging.Level = "info"
	config.Logging.Format = "text"
	config.Feed.KeyMode = KeyModeChannel
	config.Feed.SendBuffer = 256
	config.Feed.HandshakeTimeout = 10
	config.Feed.EnableHeartbeat = false
	config.Feed.HeartbeatInterval = 50
	config.Feed.EnableReconnect = false
	config.Feed.ReconnectMaxRetries = 5
	config.Feed.ReconnectInterval = 5
	config.Bootstrap.Enabled = true
	config.Bootstrap.Feeds = []BootstrapFeed{
		{Channel: "allMids", Type: "allMids"},
		{Channel: "webData2", Type: "webData2", User: ZeroAddress},
	}
	config.Relay.Enabled = true
	config.Relay.MaxClients = 1000

	return config
}

func LoadConfig(configPath string) (*Config, error) {
	config := Default()

	if configPath == "" {
		return config, nil
	}

	file, err := os.Open(configPath)
	if err != nil {
		return nil, fmt.Errorf("error opening config file: %w", err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	if err := decoder.Decode(config); err != nil {
		return nil, fmt.Errorf("error decoding config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate checks the values that would otherwise fail later at runtime.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	switch c.Hyperliquid.Network {
	case "mainnet", "testnet":
	default:
		return fmt.Errorf("invalid network %q (want mainnet or testnet)", c.Hyperliquid.Network)
	}
	switch c.Feed.KeyMode {
	case KeyModeChannel, KeyModeSubscription:
	default:
		return fmt.Errorf("invalid feed key_mode %q (want %s or %s)", c.Feed.KeyMode, KeyModeChannel, KeyModeSubscription)
	}
	if c.Feed.SendBuffer <= 0 {
		return fmt.Errorf("invalid feed send_buffer: %d", c.Feed.SendBuffer)
	}
	if c.Feed.EnableHeartbeat && c.Feed.HeartbeatInterval <= 0 {
		return fmt.Errorf("invalid feed heartbeat_interval: %d", c.Feed.HeartbeatInterval)
	}
	for i, f := range c.Bootstrap.Feeds {
		if f.Channel == "" || f.Type == "" {
			return fmt.Errorf("bootstrap feed %d: channel and type are required", i)
		}
	}
	if c.Relay.MaxClients <= 0 {
		return fmt.Errorf("invalid relay max_clients: %d", c.Relay.MaxClients)
	}
	return nil
}

func (c *Config) GetHyperliquidURL() string {
	if c.Hyperliquid.Network == "testnet" {
		return c.Hyperliquid.TestnetURL
	}
	return c.Hyperliquid.MainnetURL
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
