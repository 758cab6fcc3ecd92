package cli

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/nickqweaver/litequeue/internal/client"
	"github.com/nickqweaver/litequeue/pkg/queue"
)

type messageView struct {
	ID          int64      `json:"id"`
	State       string     `json:"state"`
	Token       string     `json:"token,omitempty"`
	Payload     string     `json:"payload"`
	EnqueuedAt  time.Time  `json:"enqueued_at"`
	ClaimedAt   *time.Time `json:"claimed_at,omitempty"`
	LeaseUntil  *time.Time `json:"lease_until,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func newMessageView(m queue.Message) messageView {
	return messageView{
		ID:          m.ID,
		State:       m.State.String(),
		Token:       m.Token,
		Payload:     string(m.Payload),
		EnqueuedAt:  m.EnqueuedAt,
		ClaimedAt:   optionalTime(m.ClaimedAt),
		LeaseUntil:  optionalTime(m.LeaseUntil),
		CompletedAt: optionalTime(m.CompletedAt),
	}
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// newPutCommand constructs the `put` subcommand.
func newPutCommand(o *rootOptions) *cobra.Command {
	putCmd := &cobra.Command{
		Use:   "put [payload...]",
		Short: "Append messages to the queue",
		Long: `Append each argument as a message. Without arguments every non-empty
line of standard input becomes a message.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			timeout, _ := cmd.Flags().GetDuration("timeout")
			if timeout < 0 {
				timeout = queue.WaitForever
			}

			return o.withClient(func(c *client.Client) error {
				var (
					ids []int64
					err error
				)
				if len(args) == 0 {
					ids, err = c.EnqueueLines(cmd.Context(), cmd.InOrStdin(), timeout)
				} else {
					payloads := make([][]byte, len(args))
					for i, a := range args {
						payloads[i] = []byte(a)
					}
					ids, err = c.Enqueue(cmd.Context(), timeout, payloads...)
				}

				// Report what made it in even on failure.
				for _, id := range ids {
					_, _ = fmt.Fprintln(cmd.OutOrStdout(), id)
				}
				return err
			})
		},
	}
	putCmd.Flags().Duration("timeout", queue.NoWait, "How long to wait for room in a full queue, negative to wait forever")
	return putCmd
}

// newPopCommand constructs the `pop` subcommand.
func newPopCommand(o *rootOptions) *cobra.Command {
	popCmd := &cobra.Command{
		Use:   "pop",
		Short: "Claim the oldest pending message",
		Long: `Claim the oldest pending message and print it with its lock token.
Pass the id and token to "complete" once it has been handled, or to
"release" to hand it back.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			lease, _ := cmd.Flags().GetDuration("lease")
			timeout, _ := cmd.Flags().GetDuration("timeout")
			if timeout < 0 {
				timeout = queue.WaitForever
			}

			return o.withClient(func(c *client.Client) error {
				msg, err := c.Queue().Pop(cmd.Context(), lease, timeout)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), newMessageView(msg))
			})
		},
	}
	popCmd.Flags().Duration("lease", 0, "Lease duration (default from config)")
	popCmd.Flags().Duration("timeout", 0, "How long to wait for a message, negative to wait forever")
	return popCmd
}

// newCompleteCommand constructs the `complete` subcommand.
func newCompleteCommand(o *rootOptions) *cobra.Command {
	return newSettleCommand(o, "complete", "Mark a claimed message done",
		func(c *client.Client, cmd *cobra.Command, id int64, token string) (bool, error) {
			return c.Queue().CompleteID(cmd.Context(), id, token)
		})
}

// newReleaseCommand constructs the `release` subcommand.
func newReleaseCommand(o *rootOptions) *cobra.Command {
	return newSettleCommand(o, "release", "Return a claimed message to pending",
		func(c *client.Client, cmd *cobra.Command, id int64, token string) (bool, error) {
			return c.Queue().ReleaseID(cmd.Context(), id, token)
		})
}

type settleFunc func(c *client.Client, cmd *cobra.Command, id int64, token string) (bool, error)

func newSettleCommand(o *rootOptions, use, short string, settle settleFunc) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id> <token>",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid id %q: %w", args[0], err)
			}

			return o.withClient(func(c *client.Client) error {
				ok, err := settle(c, cmd, id, args[1])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{"id": id, "ok": ok})
			})
		},
	}
}

// newPeekCommand constructs the `peek` subcommand.
func newPeekCommand(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "peek [id]",
		Short: "Show the oldest pending message, or the message with the given id",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withClient(func(c *client.Client) error {
				var (
					msg   queue.Message
					found bool
					err   error
				)
				if len(args) == 1 {
					id, perr := strconv.ParseInt(args[0], 10, 64)
					if perr != nil {
						return fmt.Errorf("invalid id %q: %w", args[0], perr)
					}
					msg, found, err = c.Queue().Get(cmd.Context(), id)
				} else {
					msg, found, err = c.Queue().Peek(cmd.Context())
				}
				if err != nil {
					return err
				}
				if !found {
					return queue.ErrQueueEmpty
				}
				return printJSON(cmd.OutOrStdout(), newMessageView(msg))
			})
		},
	}
}

// newStatsCommand constructs the `stats` subcommand.
func newStatsCommand(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Count messages per state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return o.withClient(func(c *client.Client) error {
				s, err := c.Queue().Stats(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]int{
					"pending":  s.Pending,
					"claimed":  s.Claimed,
					"done":     s.Done,
					"max_size": s.MaxSize,
				})
			})
		},
	}
}

// newReapCommand constructs the `reap` subcommand.
func newReapCommand(o *rootOptions) *cobra.Command {
	reapCmd := &cobra.Command{
		Use:   "reap",
		Short: "Return messages with lapsed leases to pending",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			lease, _ := cmd.Flags().GetDuration("lease")

			return o.withClient(func(c *client.Client) error {
				n, err := c.Queue().Reap(cmd.Context(), lease)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]int{"released": n})
			})
		},
	}
	reapCmd.Flags().Duration("lease", 0, "Treat claims older than this as lapsed, 0 to use each claim's own lease")
	return reapCmd
}

// newVacuumCommand constructs the `vacuum` subcommand.
func newVacuumCommand(o *rootOptions) *cobra.Command {
	vacuumCmd := &cobra.Command{
		Use:   "vacuum",
		Short: "Prune done messages past retention and compact the file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("retention") {
				retention, _ := cmd.Flags().GetDuration("retention")
				o.v.Set(keyRetention, retention)
			}

			return o.withClient(func(c *client.Client) error {
				n, err := c.Queue().Vacuum(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]int{"pruned": n})
			})
		},
	}
	vacuumCmd.Flags().Duration("retention", 0, "Keep done messages younger than this (default from config, 0 keeps all)")
	return vacuumCmd
}
