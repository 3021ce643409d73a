package config

import (
	"fmt"
	"time"
)

type Config struct {
	DatabaseDSN    string
	ServerAddr     string
	FlushInterval  time.Duration
	AllowedOrigins []string
}

func NewConfig(serverAddr, databaseDSN string, flushInterval time.Duration, allowedOrigins []string) (*Config, error) {
	if serverAddr == "" {
		return nil, fmt.Errorf("server address cannot be empty")
	}
	if databaseDSN == "" {
		return nil, fmt.Errorf("database DSN cannot be empty")
	}
	if flushInterval <= 0 {
		return nil, fmt.Errorf("flush interval must be positive, got %s", flushInterval)
	}

	return &Config{
		DatabaseDSN:    databaseDSN,
		ServerAddr:     serverAddr,
		FlushInterval:  flushInterval,
		AllowedOrigins: allowedOrigins,
	}, nil
}
