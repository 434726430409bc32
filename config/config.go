package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the settings of one crynet process.
type Config struct {
	// Listen is the UDP bind address of the nub, e.g. "0.0.0.0:51820".
	Listen string `yaml:"listen"`
	// Peer, when set, is dialled at startup with ConnectString.
	Peer          string `yaml:"peer"`
	ConnectString string `yaml:"connect_string"`

	Engine Engine `yaml:"engine"`
	Nub    Nub    `yaml:"nub"`
	Tun    Tun    `yaml:"tun"`
}

// Engine configures the dispatch loop, both timers and the socket I/O layer.
type Engine struct {
	TimerHz       int           `yaml:"timer_hz"`
	WheelSlots    int           `yaml:"wheel_slots"`
	MaxIdleWait   time.Duration `yaml:"max_idle_wait"`
	LinearMaxWait time.Duration `yaml:"linear_max_wait"`

	MinWait time.Duration `yaml:"min_wait"`
	MaxWait time.Duration `yaml:"max_wait"`

	// Multiplayer keeps polling until PollBudget is spent instead of
	// polling once per tick.
	Multiplayer bool          `yaml:"multiplayer"`
	PollBudget  time.Duration `yaml:"poll_budget"`
	MaxBatch    int           `yaml:"max_batch"`
	QueueSize   int           `yaml:"queue_size"`

	WorkBacklogThreshold int           `yaml:"work_backlog_threshold"`
	ForceLockAfter       time.Duration `yaml:"force_lock_after"`
	StrictTimerCoupling  bool          `yaml:"strict_timer_coupling"`

	ReadBuffer int `yaml:"read_buffer"`
}

// Nub configures the handshake state machine.
type Nub struct {
	MaxHandshakes      int           `yaml:"max_handshakes"`
	MaxSetupRetries    int           `yaml:"max_setup_retries"`
	RetryInterval      time.Duration `yaml:"retry_interval"`
	SetupTimeout       time.Duration `yaml:"setup_timeout"`
	KeyExchangeTimeout time.Duration `yaml:"key_exchange_timeout"`

	DisconnectRetryInterval time.Duration `yaml:"disconnect_retry_interval"`
	MaxDisconnectRetries    int           `yaml:"max_disconnect_retries"`
	DisconnectTimeout       time.Duration `yaml:"disconnect_timeout"`
	DisconnectBacklog       int           `yaml:"disconnect_backlog"`

	// StallClamp bounds the time between two nub ticks that counts against
	// handshake and disconnect deadlines.
	StallClamp time.Duration `yaml:"stall_clamp"`

	Capabilities uint32 `yaml:"capabilities"`
}

// Tun configures the optional TUN bridge. An empty Name disables it.
type Tun struct {
	Name    string `yaml:"name"`
	Address string `yaml:"address"`
}

// Default returns a Config with every tunable set.
func Default() Config {
	return Config{
		Engine: Engine{
			TimerHz:              100,
			WheelSlots:           1024,
			MaxIdleWait:          30 * time.Second,
			LinearMaxWait:        10 * time.Millisecond,
			MinWait:              0,
			MaxWait:              50 * time.Millisecond,
			PollBudget:           5 * time.Millisecond,
			MaxBatch:             64,
			QueueSize:            1024,
			WorkBacklogThreshold: 32,
			ForceLockAfter:       100 * time.Millisecond,
			ReadBuffer:           1 << 20,
		},
		Nub: Nub{
			MaxHandshakes:           64,
			MaxSetupRetries:         10,
			RetryInterval:           250 * time.Millisecond,
			SetupTimeout:            5 * time.Second,
			KeyExchangeTimeout:      5 * time.Second,
			DisconnectRetryInterval: 500 * time.Millisecond,
			MaxDisconnectRetries:    5,
			DisconnectTimeout:       5 * time.Second,
			DisconnectBacklog:       4,
			StallClamp:              time.Second,
		},
	}
}

// Validate rejects inconsistent bounds.
func (e Engine) Validate() error {
	var problems []string
	if e.TimerHz <= 0 {
		problems = append(problems, "timer_hz must be positive")
	}
	if e.WheelSlots <= 0 {
		problems = append(problems, "wheel_slots must be positive")
	}
	if e.MaxWait <= 0 {
		problems = append(problems, "max_wait must be positive")
	}
	if e.MinWait < 0 || e.MinWait > e.MaxWait {
		problems = append(problems, "min_wait must be within [0, max_wait]")
	}
	if e.MaxBatch <= 0 {
		problems = append(problems, "max_batch must be positive")
	}
	if e.QueueSize < e.MaxBatch {
		problems = append(problems, "queue_size must be at least max_batch")
	}
	if e.Multiplayer && e.PollBudget <= 0 {
		problems = append(problems, "poll_budget must be positive in multiplayer mode")
	}
	return joinProblems("engine", problems)
}

// Validate rejects inconsistent bounds.
func (n Nub) Validate() error {
	var problems []string
	if n.MaxHandshakes <= 0 {
		problems = append(problems, "max_handshakes must be positive")
	}
	if n.RetryInterval <= 0 {
		problems = append(problems, "retry_interval must be positive")
	}
	if n.MaxSetupRetries < 0 || n.MaxDisconnectRetries < 0 {
		problems = append(problems, "retry counts must not be negative")
	}
	if n.SetupTimeout <= 0 || n.KeyExchangeTimeout <= 0 {
		problems = append(problems, "handshake timeouts must be positive")
	}
	if n.DisconnectRetryInterval <= 0 || n.DisconnectTimeout <= 0 {
		problems = append(problems, "disconnect retry interval and timeout must be positive")
	}
	if n.DisconnectBacklog <= 0 {
		problems = append(problems, "disconnect_backlog must be positive")
	}
	if n.StallClamp <= 0 {
		problems = append(problems, "stall_clamp must be positive")
	}
	return joinProblems("nub", problems)
}

// Validate checks required values and every section.
func (c *Config) Validate() error {
	var missing []string
	if c.Listen == "" {
		missing = append(missing, "listen")
	}
	if c.Tun.Name != "" && c.Tun.Address == "" {
		missing = append(missing, "tun.address")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration values: %v", missing)
	}
	if err := c.Engine.Validate(); err != nil {
		return err
	}
	return c.Nub.Validate()
}

// Load reads a YAML configuration file. Values absent from the file keep
// their Default.
func Load(configFile string) (*Config, error) {
	cleanPath := filepath.Clean(configFile)
	if strings.Contains(cleanPath, "..") {
		return nil, fmt.Errorf("invalid config file path: directory traversal not allowed")
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML on top of Default and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func joinProblems(section string, problems []string) error {
	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("invalid %s configuration: %s", section, strings.Join(problems, "; "))
}
