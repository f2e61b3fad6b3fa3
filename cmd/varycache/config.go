package main

import (
	"os"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Port               int    `yaml:"port"`
	Origin             string `yaml:"origin"`
	Provider           string `yaml:"provider"`
	SQLitePath         string `yaml:"sqlitePath"`
	RedisURL           string `yaml:"redisUrl"`
	MaximumBodySize    int64  `yaml:"maximumBodySize"`
	SizeLimit          int64  `yaml:"sizeLimit"`
	CaseSensitivePaths bool   `yaml:"caseSensitivePaths"`
}

func defaultConfig() Config {
	return Config{
		Port:       8080,
		Provider:   "memory",
		SQLitePath: "./cache.db",
		RedisURL:   "redis://localhost:6379",
	}
}

// overlay returns c with every field set in other replaced by it.
func (c Config) overlay(other Config) Config {
	if other.Port != 0 {
		c.Port = other.Port
	}
	if other.Origin != "" {
		c.Origin = other.Origin
	}
	if other.Provider != "" {
		c.Provider = other.Provider
	}
	if other.SQLitePath != "" {
		c.SQLitePath = other.SQLitePath
	}
	if other.RedisURL != "" {
		c.RedisURL = other.RedisURL
	}
	if other.MaximumBodySize != 0 {
		c.MaximumBodySize = other.MaximumBodySize
	}
	if other.SizeLimit != 0 {
		c.SizeLimit = other.SizeLimit
	}
	if other.CaseSensitivePaths {
		c.CaseSensitivePaths = true
	}
	return c
}

func getConfig(filename string) (Config, error) {
	var config Config
	configBytes, err := os.ReadFile(filename)
	if err != nil {
		return config, err
	}
	err = yaml.Unmarshal(configBytes, &config)
	return config, err
}
