// Package cli implements the litequeue command line.
package cli

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"k8s.io/klog/v2"

	"github.com/nickqweaver/litequeue/internal/client"
	"github.com/nickqweaver/litequeue/pkg/queue"
)

type rootOptions struct {
	configFile string
	v          *viper.Viper
}

// NewRootCommand builds the litequeue command tree.
func NewRootCommand() *cobra.Command {
	o := &rootOptions{v: newViper()}

	rootCmd := &cobra.Command{
		Use:   "litequeue",
		Short: "A durable work queue in a single SQLite file",
		Long: `litequeue stores messages in a SQLite file and hands each one to
exactly one consumer at a time. A consumer that does not complete its
message before the lease runs out loses it to the next one.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := readConfig(o.v, o.configFile); err != nil {
				return fmt.Errorf("read config: %w", err)
			}
			if used := o.v.ConfigFileUsed(); used != "" {
				klog.V(2).InfoS("Loaded config", "file", used)
			}
			return nil
		},
	}

	addGlobalFlags(rootCmd.PersistentFlags(), o)

	rootCmd.AddCommand(
		newPutCommand(o),
		newPopCommand(o),
		newCompleteCommand(o),
		newReleaseCommand(o),
		newPeekCommand(o),
		newStatsCommand(o),
		newReapCommand(o),
		newVacuumCommand(o),
		newWorkCommand(o),
		newCounterCommand(o),
		newKVCommand(o),
	)
	return rootCmd
}

func addGlobalFlags(fs *pflag.FlagSet, o *rootOptions) {
	fs.StringVar(&o.configFile, "config", "", "Config file (default is ./litequeue.yaml or $HOME/.litequeue/litequeue.yaml)")
	fs.String("db", "litequeue.db", "Path of the SQLite database file")
	fs.Int("max-size", 0, "Maximum number of pending messages, 0 for unbounded")
	fs.Bool("fast", false, "Trade durability for speed")
	_ = o.v.BindPFlag(keyDB, fs.Lookup("db"))
	_ = o.v.BindPFlag(keyMaxSize, fs.Lookup("max-size"))
	_ = o.v.BindPFlag(keyFastMode, fs.Lookup("fast"))

	fs.String("redis-addr", "", "Keep counters and kv values on the Redis server at this address instead of the SQLite file")
	fs.String("redis-prefix", "litequeue", "Prefix of every Redis key")
	_ = o.v.BindPFlag(keyRedisAddr, fs.Lookup("redis-addr"))
	_ = o.v.BindPFlag(keyRedisPrefix, fs.Lookup("redis-prefix"))

	klogFlags := flag.NewFlagSet("klog", flag.ContinueOnError)
	klog.InitFlags(klogFlags)
	fs.AddGoFlagSet(klogFlags)
}

func (o *rootOptions) config() queue.Config {
	return queueConfig(o.v)
}

// withClient opens the queue for the duration of fn.
func (o *rootOptions) withClient(fn func(c *client.Client) error) error {
	q, err := queue.Open(o.v.GetString(keyDB), o.config())
	if err != nil {
		return err
	}

	c := client.NewClient(q)
	defer func() {
		if err := c.Close(); err != nil {
			klog.ErrorS(err, "Failed to close queue")
		}
	}()
	return fn(c)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
