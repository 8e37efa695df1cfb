package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/annel0/cellgrid/internal/topology"
	"gopkg.in/yaml.v3"
)

// Config корневая структура конфигурации дочернего и родительского серверов.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Grid         GridConfig         `yaml:"grid"`
	Propagation  PropagationConfig  `yaml:"propagation"`
	Registration RegistrationConfig `yaml:"registration"`
	EventBus     EventBusConfig     `yaml:"eventbus"`
	Storage      StorageConfig      `yaml:"storage"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
	Logging      LoggingConfig      `yaml:"logging"`
}

type ServerConfig struct {
	ID         string              `yaml:"id"`
	Coordinate topology.Coordinate `yaml:"coordinate"`
	// Address - адрес, который сервер сообщает соседям
	Address string `yaml:"address"`

	KCPPort  int `yaml:"kcp_port"`
	RESTPort int `yaml:"rest_port"`
}

type GridConfig struct {
	CellSize     float64 `yaml:"cell_size"`
	ChunkSize    int     `yaml:"chunk_size"`
	RegionChunks int     `yaml:"region_chunks"`
}

type PropagationConfig struct {
	MaxHops        int           `yaml:"max_hops"`
	ForwardTimeout time.Duration `yaml:"forward_timeout"`
	ForwardWorkers int           `yaml:"forward_workers"`
	ForwardQueue   int           `yaml:"forward_queue"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	MaxMisses      int           `yaml:"max_misses"`
}

type RegistrationConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

// EventBusConfig - пустой URL означает in-memory шину (один процесс)
type EventBusConfig struct {
	URL  string `yaml:"url"`
	Name string `yaml:"name"`
}

type StorageConfig struct {
	WorldPath string      `yaml:"world_path"`
	Redis     RedisConfig `yaml:"redis"`
	MySQLDSN  string      `yaml:"mysql_dsn"`
	Mongo     MongoConfig `yaml:"mongo"`
}

type MongoConfig struct {
	URI        string `yaml:"uri"`
	Database   string `yaml:"database"`
	Collection string `yaml:"collection"`
}

type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	Files bool   `yaml:"files"`
}

// Default возвращает конфигурацию одиночного сервера в ячейке (0,0,0)
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Server.ID == "" {
		if host, err := os.Hostname(); err == nil {
			c.Server.ID = host
		} else {
			c.Server.ID = "child-0"
		}
	}
	if c.Grid.CellSize <= 0 {
		c.Grid.CellSize = 64
	}
	if c.Grid.ChunkSize <= 0 {
		c.Grid.ChunkSize = topology.DefaultRegionLayout.ChunkSize
	}
	if c.Grid.RegionChunks <= 0 {
		c.Grid.RegionChunks = topology.DefaultRegionLayout.RegionChunks
	}

	p := &c.Propagation
	if p.MaxHops <= 0 {
		p.MaxHops = 64
	}
	if p.ForwardTimeout <= 0 {
		p.ForwardTimeout = 500 * time.Millisecond
	}
	if p.ForwardWorkers <= 0 {
		p.ForwardWorkers = 4
	}
	if p.ForwardQueue <= 0 {
		p.ForwardQueue = 1024
	}
	if p.PingInterval <= 0 {
		p.PingInterval = 2 * time.Second
	}
	if p.MaxMisses <= 0 {
		p.MaxMisses = 3
	}

	r := &c.Registration
	if r.MaxAttempts <= 0 {
		r.MaxAttempts = 5
	}
	if r.InitialBackoff <= 0 {
		r.InitialBackoff = 200 * time.Millisecond
	}
	if r.MaxBackoff <= 0 {
		r.MaxBackoff = 5 * time.Second
	}

	if c.EventBus.Name == "" {
		c.EventBus.Name = "cellgrid-" + c.Server.ID
	}
	if c.Storage.Redis.KeyPrefix == "" {
		c.Storage.Redis.KeyPrefix = "cellgrid:pos:"
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "cellgrid"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate проверяет значения, которые нельзя исправить дефолтами
func (c *Config) Validate() error {
	if _, err := topology.NewGrid(c.Grid.CellSize); err != nil {
		return fmt.Errorf("grid: %w", err)
	}
	if c.Registration.MaxBackoff < c.Registration.InitialBackoff {
		return fmt.Errorf("registration: max_backoff %v < initial_backoff %v",
			c.Registration.MaxBackoff, c.Registration.InitialBackoff)
	}
	return nil
}

// RegionLayout - раскладка регионов из секции grid
func (g GridConfig) RegionLayout() topology.RegionLayout {
	return topology.RegionLayout{ChunkSize: g.ChunkSize, RegionChunks: g.RegionChunks}
}

// GetKCPPort возвращает KCP порт с поддержкой fallback значений
func (s *ServerConfig) GetKCPPort() int {
	return getPortWithEnvFallback(s.KCPPort, "CELLGRID_KCP_PORT", 7777)
}

// GetRESTPort возвращает REST API порт с поддержкой fallback значений
func (s *ServerConfig) GetRESTPort() int {
	return getPortWithEnvFallback(s.RESTPort, "CELLGRID_REST_PORT", 8088)
}

// getPortWithEnvFallback возвращает порт с приоритетом: config -> env -> default
func getPortWithEnvFallback(configPort int, envVar string, defaultPort int) int {
	if configPort > 0 {
		return configPort
	}
	if envVal := os.Getenv(envVar); envVal != "" {
		if port, err := strconv.Atoi(envVal); err == nil && port > 0 {
			return port
		}
	}
	return defaultPort
}

// Load читает YAML файл конфигурации.
// Если path == "", берёт путь из ENV CELLGRID_CONFIG; без него возвращает Default().
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("CELLGRID_CONFIG")
		if path == "" {
			return Default(), nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("ошибка разбора %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
