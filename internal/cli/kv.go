package cli

import (
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/nickqweaver/litequeue/pkg/kv"
)

type kvStore interface {
	kv.Counter
	kv.Dict
}

// withStore opens the Redis store when an address is configured and the
// SQLite file otherwise.
func (o *rootOptions) withStore(fn func(s kvStore) error) error {
	var (
		s       kvStore
		closeFn func() error
	)

	if addr := o.v.GetString(keyRedisAddr); addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: addr})
		rs, err := kv.NewRedis(rdb, kv.WithPrefix(o.v.GetString(keyRedisPrefix)))
		if err != nil {
			_ = rdb.Close()
			return err
		}
		s = rs
		closeFn = func() error {
			_ = rs.Close()
			return rdb.Close()
		}
	} else {
		ss, err := kv.OpenSQLite(o.v.GetString(keyDB), kv.SQLiteOptions{
			FastMode:    o.v.GetBool(keyFastMode),
			BusyTimeout: o.v.GetDuration(keyBusyTimeout),
		})
		if err != nil {
			return err
		}
		s = ss
		closeFn = ss.Close
	}

	defer func() {
		if err := closeFn(); err != nil {
			klog.ErrorS(err, "Failed to close store")
		}
	}()
	return fn(s)
}

// newCounterCommand constructs the `counter` command and its subcommands.
func newCounterCommand(o *rootOptions) *cobra.Command {
	counterCmd := &cobra.Command{
		Use:   "counter",
		Short: "Persistent named counters",
	}

	counterOp := func(use, short string, op func(cmd *cobra.Command, s kvStore, key string) (int64, error)) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <key>",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return o.withStore(func(s kvStore) error {
					n, err := op(cmd, s, args[0])
					if err != nil {
						return err
					}
					_, _ = fmt.Fprintln(cmd.OutOrStdout(), n)
					return nil
				})
			},
		}
	}

	counterCmd.AddCommand(
		counterOp("incr", "Add one and print the new value", func(cmd *cobra.Command, s kvStore, key string) (int64, error) {
			return s.Incr(cmd.Context(), key)
		}),
		counterOp("decr", "Subtract one and print the new value", func(cmd *cobra.Command, s kvStore, key string) (int64, error) {
			return s.Decr(cmd.Context(), key)
		}),
		counterOp("get", "Print the value, 0 when unset", func(cmd *cobra.Command, s kvStore, key string) (int64, error) {
			return s.Count(cmd.Context(), key)
		}),
		counterOp("reset", "Set the value to 0", func(cmd *cobra.Command, s kvStore, key string) (int64, error) {
			return 0, s.Reset(cmd.Context(), key)
		}),
	)
	return counterCmd
}

// newKVCommand constructs the `kv` command and its subcommands.
func newKVCommand(o *rootOptions) *cobra.Command {
	kvCmd := &cobra.Command{
		Use:   "kv",
		Short: "Persistent dictionary of JSON values",
	}

	kvCmd.AddCommand(
		&cobra.Command{
			Use:   "get <key>",
			Short: "Print the value stored under key",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return o.withStore(func(s kvStore) error {
					return printValue(cmd, args[0], func(dst *json.RawMessage) (bool, error) {
						return s.Get(cmd.Context(), args[0], dst)
					})
				})
			},
		},
		&cobra.Command{
			Use:   "glob <pattern>",
			Short: "Print the value of the lowest key matching pattern",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return o.withStore(func(s kvStore) error {
					return printValue(cmd, args[0], func(dst *json.RawMessage) (bool, error) {
						return s.Glob(cmd.Context(), args[0], dst)
					})
				})
			},
		},
		&cobra.Command{
			Use:   "set <key> <value>",
			Short: "Store value under key. Values that are not JSON are stored as strings",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return o.withStore(func(s kvStore) error {
					var value any = args[1]
					if json.Valid([]byte(args[1])) {
						value = json.RawMessage(args[1])
					}
					return s.Set(cmd.Context(), args[0], value)
				})
			},
		},
		&cobra.Command{
			Use:   "len",
			Short: "Print the number of keys",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return o.withStore(func(s kvStore) error {
					n, err := s.Len(cmd.Context())
					if err != nil {
						return err
					}
					_, _ = fmt.Fprintln(cmd.OutOrStdout(), n)
					return nil
				})
			},
		},
	)
	return kvCmd
}

func printValue(cmd *cobra.Command, key string, lookup func(dst *json.RawMessage) (bool, error)) error {
	var raw json.RawMessage
	found, err := lookup(&raw)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("no value for %q", key)
	}
	_, _ = fmt.Fprintln(cmd.OutOrStdout(), string(raw))
	return nil
}
