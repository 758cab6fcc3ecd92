package queue

import (
	"errors"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.MaxSize != 0 {
		t.Errorf("MaxSize = %d, want 0", cfg.MaxSize)
	}

	if cfg.FastMode {
		t.Error("FastMode = true, want false")
	}

	if cfg.LeaseDuration != 30*time.Second {
		t.Errorf("LeaseDuration = %v, want 30s", cfg.LeaseDuration)
	}

	if cfg.PollInterval != 25*time.Millisecond {
		t.Errorf("PollInterval = %v, want 25ms", cfg.PollInterval)
	}

	if cfg.MaxPollInterval != time.Second {
		t.Errorf("MaxPollInterval = %v, want 1s", cfg.MaxPollInterval)
	}

	if cfg.BusyTimeout != 5*time.Second {
		t.Errorf("BusyTimeout = %v, want 5s", cfg.BusyTimeout)
	}

	if cfg.CacheSizeKiB != 64000 {
		t.Errorf("CacheSizeKiB = %d, want 64000", cfg.CacheSizeKiB)
	}

	if cfg.Retention != 0 {
		t.Errorf("Retention = %v, want 0", cfg.Retention)
	}

	if cfg.MaxConcurrency != 10 {
		t.Errorf("MaxConcurrency = %d, want 10", cfg.MaxConcurrency)
	}

	if cfg.MaxQueue != 100 {
		t.Errorf("MaxQueue = %d, want 100", cfg.MaxQueue)
	}

	if cfg.BatchSize != 10 {
		t.Errorf("BatchSize = %d, want 10", cfg.BatchSize)
	}

	if cfg.ExecutionTimeout != 5*time.Minute {
		t.Errorf("ExecutionTimeout = %v, want 5m", cfg.ExecutionTimeout)
	}

	if cfg.ShutdownTimeout != 30*time.Second {
		t.Errorf("ShutdownTimeout = %v, want 30s", cfg.ShutdownTimeout)
	}

	if cfg.ReapInterval != 5*time.Second {
		t.Errorf("ReapInterval = %v, want 5s", cfg.ReapInterval)
	}

	if cfg.StatsInterval != 15*time.Second {
		t.Errorf("StatsInterval = %v, want 15s", cfg.StatsInterval)
	}

	if cfg.ReleaseOnFailure {
		t.Error("ReleaseOnFailure = true, want false")
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr error
	}{
		{
			name:   "valid config",
			config: DefaultConfig(),
		},
		{
			name:   "zero values get defaults",
			config: Config{},
		},
		{
			name:    "negative max size",
			config:  Config{MaxSize: -1},
			wantErr: ErrInvalidMaxSize,
		},
		{
			name:    "negative retention",
			config:  Config{Retention: -time.Hour},
			wantErr: ErrInvalidRetention,
		},
		{
			name:    "negative lease duration",
			config:  Config{LeaseDuration: -time.Second},
			wantErr: ErrNegativeSetting,
		},
		{
			name:    "negative poll interval",
			config:  Config{PollInterval: -time.Millisecond},
			wantErr: ErrNegativeSetting,
		},
		{
			name:    "negative shutdown timeout",
			config:  Config{ShutdownTimeout: -1},
			wantErr: ErrNegativeSetting,
		},
		{
			name:    "negative max concurrency",
			config:  Config{MaxConcurrency: -4},
			wantErr: ErrNegativeSetting,
		},
		{
			name: "batch size exceeds max queue",
			config: Config{
				MaxQueue:  10,
				BatchSize: 20,
			},
			wantErr: ErrInvalidBatchSize,
		},
		{
			name: "default batch size shrinks to a small max queue",
			config: Config{
				MaxQueue: 4,
			},
		},
		{
			name: "max poll interval less than poll interval",
			config: Config{
				PollInterval:    time.Second,
				MaxPollInterval: 100 * time.Millisecond,
			},
			wantErr: ErrInvalidPollInterval,
		},
		{
			name: "large poll interval raises default max",
			config: Config{
				PollInterval: 5 * time.Second,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr == nil && err != nil {
				t.Errorf("Validate() unexpected error: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfigValidateAppliesDefaults(t *testing.T) {
	cfg := Config{}
	defaults := DefaultConfig()

	err := cfg.Validate()
	if err != nil {
		t.Fatalf("Validate() unexpected error: %v", err)
	}

	if cfg != defaults {
		t.Errorf("Validate() = %+v, want %+v", cfg, defaults)
	}
}

func TestConfigValidatePreservesValidValues(t *testing.T) {
	cfg := Config{
		MaxSize:          500,
		FastMode:         true,
		LeaseDuration:    45 * time.Second,
		PollInterval:     10 * time.Millisecond,
		MaxPollInterval:  2 * time.Second,
		BusyTimeout:      time.Second,
		CacheSizeKiB:     2048,
		Retention:        24 * time.Hour,
		MaxConcurrency:   25,
		MaxQueue:         500,
		BatchSize:        50,
		ExecutionTimeout: 10 * time.Minute,
		ShutdownTimeout:  60 * time.Second,
		ReapInterval:     time.Second,
		StatsInterval:    time.Minute,
		ReleaseOnFailure: true,
	}
	want := cfg

	err := cfg.Validate()
	if err != nil {
		t.Fatalf("Validate() unexpected error: %v", err)
	}

	if cfg != want {
		t.Errorf("Validate() = %+v, want %+v", cfg, want)
	}
}
