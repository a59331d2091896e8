package config

import (
	"strings"
	"testing"
)

func validTestConfig() *Config {
	return &Config{
		Server:     ServerConfig{Port: "8080"},
		Database:   DatabaseConfig{Path: "./test.db"},
		Dispatcher: DispatcherConfig{TimeoutSeconds: 5},
		Throttle:   DefaultThrottleConfig(),
	}
}

func TestValidate_AcceptsDefaults(t *testing.T) {
	if err := validTestConfig().Validate(); err != nil {
		t.Fatalf("Validate rejected a valid config: %v", err)
	}
}

func TestValidate_RejectsInvalidThrottleSeed(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"quiet hours start out of range", func(c *Config) { c.Throttle.QuietHoursStart = "25:00" }},
		{"quiet hours end malformed", func(c *Config) { c.Throttle.QuietHoursEnd = "8pm" }},
		{"weekly limit below daily", func(c *Config) { c.Throttle.MaxPerDay = 5; c.Throttle.MaxPerWeek = 2 }},
		{"negative interval", func(c *Config) { c.Throttle.MinIntervalMinutes = -1 }},
		{"unknown timezone", func(c *Config) { c.Throttle.Timezone = "Mars/Olympus" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validTestConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if err == nil {
				t.Fatal("Expected validation error at startup, got nil")
			}
			if !strings.Contains(err.Error(), "throttle seed config") {
				t.Errorf("Error should name the throttle seed: %v", err)
			}
		})
	}
}
