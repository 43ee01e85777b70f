package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/life-stream-dev/life-stream-go-lobby-relay/internal/utils"
)

const DefaultPath = "config.json"

type DirectoryConfig struct {
	Backend           string `json:"backend"` // "http" or "local"
	BaseURL           string `json:"base_url"`
	Token             string `json:"token"`
	RequestTimeout    string `json:"request_timeout"`
	QueryInterval     string `json:"query_interval"`
	HeartbeatInterval string `json:"heartbeat_interval"`
	PushInterval      string `json:"push_interval"`
	SessionExpiry     string `json:"session_expiry"`
}

type DatabaseConfig struct {
	Host               string `json:"host"`
	Port               uint64 `json:"port"`
	Username           string `json:"username"`
	Password           string `json:"password"`
	Database           string `json:"database"`
	UseTLS             bool   `json:"use_tls"`
	ConnectTimeout     string `json:"connect_timeout"`
	SocketTimeout      string `json:"socket_timeout"`
	ConnectIdleTimeout string `json:"connect_idle_timeout"`
	OperationTimeout   string `json:"operation_timeout"`
	Heartbeat          string `json:"heartbeat"`
	MinPoolSize        uint64 `json:"min_pool_size"`
	MaxPoolSize        uint64 `json:"max_pool_size"`
}

type RelayConfig struct {
	Driver            string `json:"driver"` // "websocket" or "memory"
	AllocationURL     string `json:"allocation_url"`
	Token             string `json:"token"`
	Region            string `json:"region"`
	KeepAliveInterval string `json:"keep_alive_interval"`
	ConnectTimeout    string `json:"connect_timeout"`
	RetryDelay        string `json:"retry_delay"`
	JoinCacheSize     int    `json:"join_cache_size"`
	JoinCacheTTL      string `json:"join_cache_ttl"`
}

type ReadyConfig struct {
	Timeout        string `json:"timeout"`
	CancelBuffer   string `json:"cancel_buffer"`
	SampleInterval string `json:"sample_interval"`
}

type LoopConfig struct {
	FrameInterval string `json:"frame_interval"` // game loop frame, drives sync and transport
	TickInterval  string `json:"tick_interval"`  // expiry sweep of the local directory
}

type PlayerConfig struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type Config struct {
	Player     PlayerConfig    `json:"player"`
	Directory  DirectoryConfig `json:"directory"`
	Database   DatabaseConfig  `json:"database"`
	Relay      RelayConfig     `json:"relay"`
	Ready      ReadyConfig     `json:"ready"`
	Loop       LoopConfig      `json:"loop"`
	MaxPlayers int             `json:"max_players"`
	DebugMode  bool            `json:"debug_mode"`
	AppName    string          `json:"app_name"`
	LogPath    string          `json:"log_path"`
}

var config = Defaults()
var initialized = false

var ErrConfigCreated = errors.New("the configuration file does not exist and has been created. Please try again after editing the configuration file")

func Defaults() Config {
	return Config{
		Player: PlayerConfig{Name: "Player"},
		Directory: DirectoryConfig{
			Backend:           "http",
			BaseURL:           "http://127.0.0.1:8080/v1",
			RequestTimeout:    "10s",
			QueryInterval:     "1500ms",
			HeartbeatInterval: "8s",
			PushInterval:      "1s",
			SessionExpiry:     "30s",
		},
		Database: DatabaseConfig{
			Host:               "127.0.0.1",
			Port:               27017,
			Database:           "lobby",
			ConnectTimeout:     "10s",
			SocketTimeout:      "10s",
			ConnectIdleTimeout: "5m",
			OperationTimeout:   "5s",
			Heartbeat:          "10s",
			MinPoolSize:        1,
			MaxPoolSize:        10,
		},
		Relay: RelayConfig{
			Driver:            "websocket",
			AllocationURL:     "http://127.0.0.1:8081/v1",
			KeepAliveInterval: "1s",
			ConnectTimeout:    "10s",
			RetryDelay:        "5s",
			JoinCacheSize:     32,
			JoinCacheTTL:      "1m",
		},
		Ready: ReadyConfig{
			Timeout:        "5s",
			CancelBuffer:   "500ms",
			SampleInterval: "500ms",
		},
		Loop: LoopConfig{
			FrameInterval: "50ms",
			TickInterval:  "500ms",
		},
		MaxPlayers: 4,
		AppName:    "lobby-relay",
		LogPath:    "logs",
	}
}

// ReadConfig loads path, writing a default file when it is missing. Values from a .env file
// and the process environment override the file.
func ReadConfig(path string) (Config, error) {
	bytes, err := os.ReadFile(path)

	if err != nil {
		writer, _ := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
		data, _ := json.MarshalIndent(Defaults(), "", "\t")
		_, _ = writer.Write(data)
		_ = writer.Close()
		return config, ErrConfigCreated
	}

	loaded := Defaults()
	if err = json.Unmarshal(bytes, &loaded); err != nil {
		return config, fmt.Errorf("the configuration file does not contain valid JSON: %w", err)
	}

	_ = godotenv.Load()
	applyEnv(&loaded)

	if err := loaded.Validate(); err != nil {
		return config, err
	}

	config = loaded
	initialized = true
	return config, nil
}

func GetConfig() (Config, error) {
	if initialized {
		return config, nil
	}
	return ReadConfig(DefaultPath)
}

func applyEnv(cfg *Config) {
	if v, ok := os.LookupEnv("LOBBY_PLAYER_ID"); ok {
		cfg.Player.ID = v
	}
	if v, ok := os.LookupEnv("LOBBY_PLAYER_NAME"); ok {
		cfg.Player.Name = v
	}
	if v, ok := os.LookupEnv("LOBBY_DIRECTORY_TOKEN"); ok {
		cfg.Directory.Token = v
	}
	if v, ok := os.LookupEnv("LOBBY_RELAY_TOKEN"); ok {
		cfg.Relay.Token = v
	}
	if v, ok := os.LookupEnv("LOBBY_DATABASE_PASSWORD"); ok {
		cfg.Database.Password = v
	}
}

func (c Config) Validate() error {
	if c.MaxPlayers < 1 || c.MaxPlayers > 255 {
		return fmt.Errorf("max_players must be within 1..255, got %d", c.MaxPlayers)
	}
	if len(c.Player.Name) > 255 {
		return errors.New("player name must not exceed 255 bytes")
	}
	switch c.Directory.Backend {
	case "http", "local":
	default:
		return fmt.Errorf("unknown directory backend %q", c.Directory.Backend)
	}
	switch c.Relay.Driver {
	case "websocket", "memory":
	default:
		return fmt.Errorf("unknown relay driver %q", c.Relay.Driver)
	}

	positive := []struct{ key, value string }{
		{"directory.request_timeout", c.Directory.RequestTimeout},
		{"directory.query_interval", c.Directory.QueryInterval},
		{"directory.heartbeat_interval", c.Directory.HeartbeatInterval},
		{"directory.push_interval", c.Directory.PushInterval},
		{"relay.keep_alive_interval", c.Relay.KeepAliveInterval},
		{"relay.connect_timeout", c.Relay.ConnectTimeout},
		{"relay.retry_delay", c.Relay.RetryDelay},
		{"ready.timeout", c.Ready.Timeout},
		{"ready.sample_interval", c.Ready.SampleInterval},
		{"loop.frame_interval", c.Loop.FrameInterval},
		{"loop.tick_interval", c.Loop.TickInterval},
	}
	for _, d := range positive {
		if utils.ParseStringTime(d.value) <= 0 {
			return fmt.Errorf("%s must be a positive duration, got %q", d.key, d.value)
		}
	}
	if c.Directory.Expiry() < 0 {
		return fmt.Errorf("directory.session_expiry must not be negative, got %q", c.Directory.SessionExpiry)
	}
	if buffer := c.Ready.Buffer(); buffer < 0 || buffer >= c.Ready.TimeoutDuration() {
		return fmt.Errorf("ready.cancel_buffer must be within [0, ready.timeout), got %q", c.Ready.CancelBuffer)
	}
	return nil
}

func (d DirectoryConfig) Timeout() time.Duration   { return utils.ParseStringTime(d.RequestTimeout) }
func (d DirectoryConfig) Query() time.Duration     { return utils.ParseStringTime(d.QueryInterval) }
func (d DirectoryConfig) Heartbeat() time.Duration { return utils.ParseStringTime(d.HeartbeatInterval) }
func (d DirectoryConfig) Push() time.Duration      { return utils.ParseStringTime(d.PushInterval) }
func (d DirectoryConfig) Expiry() time.Duration    { return utils.ParseStringTime(d.SessionExpiry) }

func (r RelayConfig) KeepAlive() time.Duration { return utils.ParseStringTime(r.KeepAliveInterval) }
func (r RelayConfig) Connect() time.Duration   { return utils.ParseStringTime(r.ConnectTimeout) }
func (r RelayConfig) Retry() time.Duration     { return utils.ParseStringTime(r.RetryDelay) }
func (r RelayConfig) CacheTTL() time.Duration  { return utils.ParseStringTime(r.JoinCacheTTL) }

func (r ReadyConfig) TimeoutDuration() time.Duration { return utils.ParseStringTime(r.Timeout) }
func (r ReadyConfig) Buffer() time.Duration          { return utils.ParseStringTime(r.CancelBuffer) }
func (r ReadyConfig) Sample() time.Duration          { return utils.ParseStringTime(r.SampleInterval) }

func (l LoopConfig) Frame() time.Duration { return utils.ParseStringTime(l.FrameInterval) }
func (l LoopConfig) Tick() time.Duration  { return utils.ParseStringTime(l.TickInterval) }
