package cli

import (
	"errors"
	"strings"

	"github.com/spf13/viper"

	"github.com/nickqweaver/litequeue/pkg/queue"
)

const envPrefix = "LITEQUEUE"

// Config keys. Each one can also be set as LITEQUEUE_<KEY> with dots turned
// into underscores, e.g. LITEQUEUE_QUEUE_MAX_SIZE.
const (
	keyDB          = "db"
	keyRedisAddr   = "redis.addr"
	keyRedisPrefix = "redis.prefix"
	keyMetricsAddr = "metrics.addr"

	keyMaxSize         = "queue.max_size"
	keyFastMode        = "queue.fast_mode"
	keyLeaseDuration   = "queue.lease_duration"
	keyPollInterval    = "queue.poll_interval"
	keyMaxPollInterval = "queue.max_poll_interval"
	keyBusyTimeout     = "queue.busy_timeout"
	keyCacheSizeKiB    = "queue.cache_size_kib"
	keyRetention       = "queue.retention"

	keyMaxConcurrency   = "runtime.max_concurrency"
	keyMaxQueue         = "runtime.max_queue"
	keyBatchSize        = "runtime.batch_size"
	keyExecutionTimeout = "runtime.execution_timeout"
	keyShutdownTimeout  = "runtime.shutdown_timeout"
	keyReapInterval     = "runtime.reap_interval"
	keyStatsInterval    = "runtime.stats_interval"
	keyReleaseOnFailure = "runtime.release_on_failure"
)

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	d := queue.DefaultConfig()
	v.SetDefault(keyDB, "litequeue.db")
	v.SetDefault(keyRedisPrefix, "litequeue")

	v.SetDefault(keyMaxSize, d.MaxSize)
	v.SetDefault(keyFastMode, d.FastMode)
	v.SetDefault(keyLeaseDuration, d.LeaseDuration)
	v.SetDefault(keyPollInterval, d.PollInterval)
	v.SetDefault(keyMaxPollInterval, d.MaxPollInterval)
	v.SetDefault(keyBusyTimeout, d.BusyTimeout)
	v.SetDefault(keyCacheSizeKiB, d.CacheSizeKiB)
	v.SetDefault(keyRetention, d.Retention)

	v.SetDefault(keyMaxConcurrency, d.MaxConcurrency)
	v.SetDefault(keyMaxQueue, d.MaxQueue)
	v.SetDefault(keyBatchSize, d.BatchSize)
	v.SetDefault(keyExecutionTimeout, d.ExecutionTimeout)
	v.SetDefault(keyShutdownTimeout, d.ShutdownTimeout)
	v.SetDefault(keyReapInterval, d.ReapInterval)
	v.SetDefault(keyStatsInterval, d.StatsInterval)
	v.SetDefault(keyReleaseOnFailure, d.ReleaseOnFailure)
	return v
}

// readConfig loads file when given, or litequeue.yaml from the working
// directory or $HOME/.litequeue when present.
func readConfig(v *viper.Viper, file string) error {
	if file != "" {
		v.SetConfigFile(file)
		return v.ReadInConfig()
	}

	v.SetConfigName("litequeue")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.litequeue")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return err
		}
	}
	return nil
}

func queueConfig(v *viper.Viper) queue.Config {
	return queue.Config{
		MaxSize:          v.GetInt(keyMaxSize),
		FastMode:         v.GetBool(keyFastMode),
		LeaseDuration:    v.GetDuration(keyLeaseDuration),
		PollInterval:     v.GetDuration(keyPollInterval),
		MaxPollInterval:  v.GetDuration(keyMaxPollInterval),
		BusyTimeout:      v.GetDuration(keyBusyTimeout),
		CacheSizeKiB:     v.GetInt(keyCacheSizeKiB),
		Retention:        v.GetDuration(keyRetention),
		MaxConcurrency:   v.GetInt(keyMaxConcurrency),
		MaxQueue:         v.GetInt(keyMaxQueue),
		BatchSize:        v.GetInt(keyBatchSize),
		ExecutionTimeout: v.GetDuration(keyExecutionTimeout),
		ShutdownTimeout:  v.GetDuration(keyShutdownTimeout),
		ReapInterval:     v.GetDuration(keyReapInterval),
		StatsInterval:    v.GetDuration(keyStatsInterval),
		ReleaseOnFailure: v.GetBool(keyReleaseOnFailure),
	}
}
