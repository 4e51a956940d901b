package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config is the fully resolved configuration for a master or worker
// process.
type Config struct {
	Master     MasterConfig
	Worker     WorkerConfig
	RPC        RPCConfig
	Worktree   WorktreeConfig
	ControlAPI ControlAPIConfig
	Metrics    MetricsConfig
	Auth       AuthConfig
	LogLevel   string
}

// MasterConfig governs scheduling and state persistence on the master.
type MasterConfig struct {
	MaxWorkers         int
	SchedulingStrategy string
	TaskTimeout        time.Duration
	StateSnapshotPath  string
	StateSaveInterval  time.Duration
}

// WorkerConfig identifies a worker process and its runtime behavior.
// Only meaningful to cmd/worker.
type WorkerConfig struct {
	ID                string
	MainBranch        string
	HeartbeatInterval time.Duration
	ShutdownTimeout   time.Duration
}

// RPCConfig governs the duplex socket transport between master and
// workers.
type RPCConfig struct {
	SocketPort        int
	MasterHost        string
	ConnectTimeout    time.Duration
	RequestTimeout    time.Duration
	ReconnectBackoff  time.Duration
	ReconnectMaxDelay time.Duration
	EnableEncryption  bool
	SharedKey         string
}

// WorktreeConfig governs per-task git worktree provisioning.
type WorktreeConfig struct {
	Dir             string
	CleanOnShutdown bool
}

// ControlAPIConfig governs the HTTP/WebSocket control surface.
type ControlAPIConfig struct {
	Enabled bool
	Host    string
	Port    int
}

// MetricsConfig governs the Prometheus exposition endpoint.
type MetricsConfig struct {
	Enabled bool
	Path    string
}

// AuthConfig governs bearer-token auth on the control API. The RPC
// connect handshake carries a token too, but the Master does not check it.
type AuthConfig struct {
	Enabled   bool
	JWTSecret string
}

// Load reads configuration from (in increasing precedence) defaults,
// an optional config file, and PARALLELCTL_-prefixed environment variables.
// Unknown keys in the config file are rejected.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/parallelctl")

	setDefaults(v)

	v.SetEnvPrefix("PARALLELCTL")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("config: read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.UnmarshalExact(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("master.maxworkers", 8)
	v.SetDefault("master.schedulingstrategy", "priority_first")
	v.SetDefault("master.tasktimeout", 30*time.Minute)
	v.SetDefault("master.statesnapshotpath", ".parallelctl/state.json")
	v.SetDefault("master.statesaveinterval", 30*time.Second)

	v.SetDefault("worker.id", "")
	v.SetDefault("worker.mainbranch", "main")
	v.SetDefault("worker.heartbeatinterval", 5*time.Second)
	v.SetDefault("worker.shutdowntimeout", 10*time.Second)

	v.SetDefault("rpc.socketport", 7711)
	v.SetDefault("rpc.masterhost", "127.0.0.1")
	v.SetDefault("rpc.connecttimeout", 10*time.Second)
	v.SetDefault("rpc.requesttimeout", 30*time.Second)
	v.SetDefault("rpc.reconnectbackoff", 1*time.Second)
	v.SetDefault("rpc.reconnectmaxdelay", 5*time.Second)
	v.SetDefault("rpc.enableencryption", false)
	v.SetDefault("rpc.sharedkey", "")

	v.SetDefault("worktree.dir", ".parallelctl/worktrees")
	v.SetDefault("worktree.cleanonshutdown", true)

	v.SetDefault("controlapi.enabled", true)
	v.SetDefault("controlapi.host", "0.0.0.0")
	v.SetDefault("controlapi.port", 8080)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.jwtsecret", "")

	v.SetDefault("loglevel", "info")
}
