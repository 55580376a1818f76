// Package config loads piecestored's configuration from a key=value file
// overlaid with environment variables, in the same shape the teacher's
// internal/config package uses.
package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds all daemon configuration.
type Config struct {
	// Storage root configuration
	RootDir     string
	TorrentFile string
	PieceSize   int64

	// Merge journal database configuration
	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string
	UseJournal bool

	// Monitoring surface
	MonitorPort int

	// Disk watcher
	DiskWatchEnabled bool
}

// Load reads configuration from path, if non-empty, then overlays
// environment variables, which take precedence over file values.
func Load(configPath string) (*Config, error) {
	cfg := &Config{
		RootDir:          "./data",
		PieceSize:        262144,
		DBHost:           "localhost",
		DBPort:           5432,
		DBName:           "piecestore",
		UseJournal:       false,
		MonitorPort:      10870,
		DiskWatchEnabled: true,
	}

	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	cfg.loadFromEnv()

	if cfg.RootDir == "" {
		return nil, fmt.Errorf("ROOT_DIR must be set (in config file or environment)")
	}
	if cfg.PieceSize <= 0 {
		return nil, fmt.Errorf("PIECE_SIZE must be positive, got %d", cfg.PieceSize)
	}
	if cfg.UseJournal {
		if cfg.DBUser == "" {
			return nil, fmt.Errorf("DB_USER must be set when USE_JOURNAL is enabled")
		}
		if cfg.DBPassword == "" {
			return nil, fmt.Errorf("DB_PASSWORD must be set when USE_JOURNAL is enabled")
		}
	}

	return cfg, nil
}

// loadFromFile reads key=value pairs from path.
func (cfg *Config) loadFromFile(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		switch key {
		case "root_dir":
			cfg.RootDir = value
		case "torrent_file":
			cfg.TorrentFile = value
		case "piece_size":
			if n, err := strconv.ParseInt(value, 10, 64); err == nil {
				cfg.PieceSize = n
			}
		case "db_host":
			cfg.DBHost = value
		case "db_port":
			if port, err := strconv.Atoi(value); err == nil {
				cfg.DBPort = port
			}
		case "db_name":
			cfg.DBName = value
		case "db_user":
			cfg.DBUser = value
		case "db_password":
			cfg.DBPassword = value
		case "use_journal":
			cfg.UseJournal = value == "true" || value == "1" || value == "yes"
		case "monitor_port":
			if port, err := strconv.Atoi(value); err == nil {
				cfg.MonitorPort = port
			}
		case "disk_watch_enabled":
			cfg.DiskWatchEnabled = value == "true" || value == "1" || value == "yes"
		}
	}

	return scanner.Err()
}

// loadFromEnv overlays configuration from environment variables.
func (cfg *Config) loadFromEnv() {
	if v := os.Getenv("ROOT_DIR"); v != "" {
		cfg.RootDir = v
	}
	if v := os.Getenv("TORRENT_FILE"); v != "" {
		cfg.TorrentFile = v
	}
	if v := os.Getenv("PIECE_SIZE"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.PieceSize = n
		}
	}
	if v := os.Getenv("DB_HOST"); v != "" {
		cfg.DBHost = v
	}
	if v := os.Getenv("DB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.DBPort = port
		}
	}
	if v := os.Getenv("DB_NAME"); v != "" {
		cfg.DBName = v
	}
	if v := os.Getenv("DB_USER"); v != "" {
		cfg.DBUser = v
	}
	if v := os.Getenv("DB_PASSWORD"); v != "" {
		cfg.DBPassword = v
	}
	if v := os.Getenv("USE_JOURNAL"); v != "" {
		cfg.UseJournal = v == "true" || v == "1" || v == "yes"
	}
	if v := os.Getenv("MONITOR_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.MonitorPort = port
		}
	}
	if v := os.Getenv("DISK_WATCH_ENABLED"); v != "" {
		cfg.DiskWatchEnabled = v == "true" || v == "1" || v == "yes"
	}
}

// ConnectionString returns a PostgreSQL connection string for the merge
// journal database.
func (cfg *Config) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		cfg.DBHost, cfg.DBPort, cfg.DBUser, cfg.DBPassword, cfg.DBName,
	)
}
