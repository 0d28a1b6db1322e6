package config

import "time"

type Config struct {
	Server    ServerConfig
	Transport TransportConfig
	Room      RoomConfig
	Store     StoreConfig
	Blob      BlobConfig
	Log       LogConfig
}

type ServerConfig struct {
	Address          string
	AllowedOrigins   []string      `mapstructure:"allowedOrigins"`
	MaxPanelsPerRoom int           `mapstructure:"maxPanelsPerRoom"`
	ShutdownTimeout  time.Duration `mapstructure:"shutdownTimeout"`
}

type TransportConfig struct {
	ReadTimeout  time.Duration `mapstructure:"readTimeout"`
	SendBuffer   int           `mapstructure:"sendBuffer"`
	PingInterval time.Duration `mapstructure:"pingInterval"`
}

type RoomConfig struct {
	// IdleSuspend drops a room's in-memory actors after this long without
	// traffic. Zero disables suspension.
	IdleSuspend time.Duration `mapstructure:"idleSuspend"`
	MailboxSize int           `mapstructure:"mailboxSize"`
}

type StoreConfig struct {
	Driver string `mapstructure:"driver"` // "memory", "sqlite" or "redis"
	SQLite SQLiteConfig
	Redis  RedisConfig
}

type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type BlobConfig struct {
	Dir            string `mapstructure:"dir"`
	MaxUploadBytes int64  `mapstructure:"maxUploadBytes"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}
