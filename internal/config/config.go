package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config holds the configuration for the engine.
type Config struct {
	DB struct {
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		User     string `mapstructure:"user"`
		Password string `mapstructure:"password"`
		Name     string `mapstructure:"name"`
		SSLMode  string `mapstructure:"sslmode"`
	} `mapstructure:"db"`
	Server struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"server"`
	Engine struct {
		CatalogDir       string        `mapstructure:"catalog_dir"`
		DefaultOwner     string        `mapstructure:"default_owner"`
		AbandonAfter     time.Duration `mapstructure:"abandon_after"`
		SweepCron        string        `mapstructure:"sweep_cron"`
		HistoryPageLimit int           `mapstructure:"history_page_limit"`
	} `mapstructure:"engine"`
}

// LoadConfig loads the configuration from a file and the environment.
// path overrides the default search locations when non-empty.
func LoadConfig(path string) (*Config, error) {
	if path != "" {
		viper.SetConfigFile(path)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("./config")
	}
	viper.AutomaticEnv()

	viper.SetDefault("db.host", "localhost")
	viper.SetDefault("db.port", 5432)
	viper.SetDefault("db.sslmode", "disable")
	viper.SetDefault("server.addr", ":8080")
	viper.SetDefault("engine.catalog_dir", "./config/catalog")
	viper.SetDefault("engine.abandon_after", 30*24*time.Hour)
	viper.SetDefault("engine.sweep_cron", "0 3 * * *")
	viper.SetDefault("engine.history_page_limit", 50)

	if err := viper.ReadInConfig(); err != nil {
		return nil, err
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}
	return &config, nil
}
