package models

// MConfig Structure
type MConfig struct {
	Name     string         `yaml:"name"`
	Host     string         `yaml:"host"`
	Port     int            `yaml:"port"`
	LogLevel string         `yaml:"log_level"`
	GrpcHost string         `yaml:"grpc_host"`
	GrpcPort int            `yaml:"grpc_port"`
	Cache    MCacheConfig   `yaml:"cache"`
	Storage  MStorageConfig `yaml:"storage"`
	Network  MNetworkConfig `yaml:"network"`
	Catalog  MCatalogConfig `yaml:"catalog"`
	Feed     MFeedConfig    `yaml:"feed"`
	History  MHistoryConfig `yaml:"history"`
}

type MCacheConfig struct {
	Backend       string `yaml:"backend"` // "redis" or "memory"
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
}

type MStorageConfig struct {
	DBType               string `yaml:"db_type"` // "postgres" or "sqlite"
	DBPath               string `yaml:"db_path"`
	DBConnectionString   string `yaml:"db_connection_string"`
	CandleRetentionHours int    `yaml:"candle_retention_hours"`
}

type MNetworkConfig struct {
	RequestTimeout     int    `yaml:"timeout"`
	MaxRetries         int    `yaml:"retries"`
	ConcurrentRequests int    `yaml:"concurrent_requests"`
	UserAgent          string `yaml:"user_agent"`
}

type MCatalogConfig struct {
	ListLimit           int                    `yaml:"list_limit"`
	ListTTLSeconds      int                    `yaml:"list_ttl_seconds"`
	RankingSize         int                    `yaml:"ranking_size"`
	RankingTTLSeconds   int                    `yaml:"ranking_ttl_seconds"`
	SecondarySize       int                    `yaml:"secondary_size"`
	SymbolSetURL        string                 `yaml:"symbol_set_url"`
	SymbolSetTTLSeconds int                    `yaml:"symbol_set_ttl_seconds"`
	RatePerMinute       int                    `yaml:"rate_limit_per_minute"`
	Sources             []MCatalogSourceConfig `yaml:"sources"`
}

type MCatalogSourceConfig struct {
	Name    string `yaml:"name"`
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"` // Optional
}

type MFeedConfig struct {
	WsURL             string `yaml:"ws_url"`
	ThrottleWindowMs  int    `yaml:"throttle_window_ms"`
	ReconnectMinMs    int    `yaml:"reconnect_min_ms"`
	ReconnectMaxMs    int    `yaml:"reconnect_max_ms"`
	ReconnectAttempts int    `yaml:"reconnect_attempts"` // 0 = unlimited
}

type MHistoryConfig struct {
	PrimaryURL         string   `yaml:"primary_url"`
	FallbackURL        string   `yaml:"fallback_url"`
	FallbackAPIKey     string   `yaml:"fallback_api_key"`
	ProviderOrder      []string `yaml:"provider_order"`
	RaceTimeoutSeconds int      `yaml:"race_timeout_seconds"`
	BarsTTLSeconds     int      `yaml:"bars_ttl_seconds"`
	MaxLimit           int      `yaml:"max_limit"`
}
