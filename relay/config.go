package relay

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port             int
	SnapshotPath     string
	SnapshotInterval time.Duration
}

// env config, optionally seeded from a .env file
func LoadConfig() *Config {
	godotenv.Load()

	port := 8765
	if v := os.Getenv("RELAY_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			port = p
		}
	}

	snapshotInterval := 60 * time.Second
	if v := os.Getenv("RELAY_SNAPSHOT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			snapshotInterval = d
		}
	}

	return &Config{
		Port:             port,
		SnapshotPath:     os.Getenv("RELAY_SNAPSHOT"),
		SnapshotInterval: snapshotInterval,
	}
}
