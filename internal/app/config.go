package app

import (
	"os"
	"strconv"
	"strings"
)

type Config struct {
	GatewayAddr       string
	GatewayPort       int
	GatewayDocRoot    string
	MongoURI          string
	MongoDatabase     string
	MongoCollection   string
	LogLevel          string
	LogFormat         string
	TorrentDataDir    string
	MaxSessions       int   // 0 = unlimited
	MinDiskSpaceBytes int64 // minimum free disk space; 0 = disabled
	MemoryLimitBytes  int64 // 0 = disk-backed storage, no in-memory cache
	MemorySpillDir    string
}

func LoadConfig() Config {
	return Config{
		GatewayAddr:       getEnv("GATEWAY_ADDR", "0.0.0.0"),
		GatewayPort:       int(getEnvInt64("GATEWAY_PORT", 8889)),
		GatewayDocRoot:    getEnv("GATEWAY_DOC_ROOT", "."),
		MongoURI:          getEnv("MONGO_URI", "mongodb://localhost:27017"),
		MongoDatabase:     getEnv("MONGO_DB", "torrentstream"),
		MongoCollection:   getEnv("MONGO_COLLECTION", "torrents"),
		LogLevel:          strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFormat:         strings.ToLower(getEnv("LOG_FORMAT", "text")),
		TorrentDataDir:    getEnv("TORRENT_DATA_DIR", "data"),
		MaxSessions:       int(getEnvInt64("TORRENT_MAX_SESSIONS", 0)),
		MinDiskSpaceBytes: getEnvInt64("GATEWAY_MIN_DISK_SPACE_BYTES", 0),
		MemoryLimitBytes:  getEnvInt64("TORRENT_MEMORY_LIMIT_BYTES", 0),
		MemorySpillDir:    getEnv("TORRENT_MEMORY_SPILL_DIR", ""),
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return fallback
	}
	if parsed < 0 {
		return fallback
	}
	return parsed
}
