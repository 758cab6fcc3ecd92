package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/nickqweaver/litequeue/internal/client"
	"github.com/nickqweaver/litequeue/internal/metrics"
	"github.com/nickqweaver/litequeue/pkg/queue"
)

// newWorkCommand constructs the `work` subcommand.
func newWorkCommand(o *rootOptions) *cobra.Command {
	workCmd := &cobra.Command{
		Use:   "work [-- command [args...]]",
		Short: "Consume messages until interrupted",
		Long: `Consume messages until interrupted. With a command, each payload is
written to the standard input of a fresh process and the message is
completed when the process exits with status 0. Without one, payloads
are printed and completed.
Use Ctrl+C to stop.`,
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var handler queue.HandlerFunc
			if len(args) > 0 {
				handler = execHandler(args)
			} else {
				handler = printHandler(cmd.OutOrStdout())
			}

			if addr := o.v.GetString(keyMetricsAddr); addr != "" {
				stop := serveMetrics(addr)
				defer stop()
			}

			return o.withClient(func(c *client.Client) error {
				rt := queue.NewRuntime(c.Queue())
				if err := rt.RegisterFunc(handler); err != nil {
					return err
				}

				klog.InfoS("Worker started", "db", o.v.GetString(keyDB), "concurrency", c.Queue().Config().MaxConcurrency)
				return rt.Run(cmd.Context())
			})
		},
	}

	fs := workCmd.Flags()
	fs.Int("concurrency", 0, "Maximum number of messages handled at once (default from config)")
	fs.Bool("release-on-failure", false, "Return a failed message to pending at once instead of waiting for its lease")
	fs.String("metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9090")
	_ = o.v.BindPFlag(keyMaxConcurrency, fs.Lookup("concurrency"))
	_ = o.v.BindPFlag(keyReleaseOnFailure, fs.Lookup("release-on-failure"))
	_ = o.v.BindPFlag(keyMetricsAddr, fs.Lookup("metrics-addr"))
	return workCmd
}

func printHandler(w io.Writer) queue.HandlerFunc {
	var mu sync.Mutex
	return func(_ context.Context, msg queue.Message) error {
		mu.Lock()
		defer mu.Unlock()
		_, err := fmt.Fprintf(w, "%d\t%s\n", msg.ID, msg.Payload)
		return err
	}
}

func execHandler(argv []string) queue.HandlerFunc {
	return func(ctx context.Context, msg queue.Message) error {
		c := exec.CommandContext(ctx, argv[0], argv[1:]...)
		c.Stdin = bytes.NewReader(msg.Payload)
		c.Env = append(os.Environ(), "LITEQUEUE_MESSAGE_ID="+strconv.FormatInt(msg.ID, 10))

		out, err := c.CombinedOutput()
		if err != nil {
			return fmt.Errorf("run %s: %w: %s", argv[0], err, bytes.TrimSpace(out))
		}
		klog.V(2).InfoS("Handled message", "id", msg.ID, "output", string(bytes.TrimSpace(out)))
		return nil
	}
}

func serveMetrics(addr string) (stop func()) {
	metrics.Register()

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		klog.InfoS("Serving metrics", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			klog.ErrorS(err, "Metrics server failed", "addr", addr)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
