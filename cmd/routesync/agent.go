package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/routesync/internal/config"
	"github.com/kimhsiao/routesync/internal/kv"
	"github.com/kimhsiao/routesync/internal/logging"
	"github.com/kimhsiao/routesync/internal/metrics"
	"github.com/kimhsiao/routesync/internal/models"
	"github.com/kimhsiao/routesync/internal/services"
	syncclient "github.com/kimhsiao/routesync/internal/sync"
	"github.com/kimhsiao/routesync/internal/sync/conflict"
	"github.com/kimhsiao/routesync/internal/sync/connectivity"
	"github.com/kimhsiao/routesync/internal/sync/scheduler"
)

// session is one worker's local state opened from config.
type session struct {
	svc    *services.SyncService
	store  *kv.SQLiteStore
	prober *connectivity.Prober
}

func openSession(ctx context.Context, c *config.Config, presenter conflict.Presenter) (*session, error) {
	store, err := kv.OpenSQLite(ctx, c.Client.DataDir, "client.db")
	if err != nil {
		return nil, err
	}

	client := syncclient.NewAPIClient(syncclient.ClientConfig{
		BaseURL: c.Client.ServerURL,
		Timeout: c.Client.RequestTimeout,
	}, c.TokenSource())
	prober := connectivity.NewProber(nil, client.HealthURL(), c.Client.ProbeInterval)

	svc := services.NewSyncService(store, client, prober, services.SyncServiceConfig{
		Scheduler: c.SchedulerConfig(),
		Presenter: presenter,
		Metrics:   metrics.New(),
	})
	return &session{svc: svc, store: store, prober: prober}, nil
}

func (s *session) Close() {
	s.svc.Stop()
	if err := s.store.Close(); err != nil {
		logging.Error("Failed to close client store", err)
	}
}

// withSession opens a session for the duration of fn.
func withSession(cmd *cobra.Command, presenter conflict.Presenter, fn func(ctx context.Context, s *session) error) error {
	ctx := cmd.Context()
	s, err := openSession(ctx, cfg, presenter)
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(ctx, s)
}

func parseID(arg, name string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer, got %q", name, arg)
	}
	return id, nil
}

var agentCmd = &cobra.Command{
	Use:     "agent",
	GroupID: "worker",
	Short:   "Run the background sync agent",
	Long: `Run the worker sync agent. It probes the server, flushes the queue on
reconnect and on every sync interval, and logs each pass until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		s, err := openSession(ctx, cfg, nil)
		if err != nil {
			return err
		}
		defer s.Close()

		go s.prober.Run(ctx)
		defer s.svc.OnPass(func(r scheduler.PassResult) {
			fmt.Printf("pass: %d synced, %d failed, %d conflicts, %d skipped\n",
				r.Success, r.Failed, r.Conflicts, r.Skipped)
		})()

		if err := s.svc.Start(ctx); err != nil {
			return err
		}
		<-ctx.Done()
		return nil
	},
}

var deliverCmd = &cobra.Command{
	Use:     "deliver <route-id> <subscriber-id>",
	GroupID: "worker",
	Short:   "Record a delivery (queued until the next sync)",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		routeID, err := parseID(args[0], "route-id")
		if err != nil {
			return err
		}
		subscriberID, err := parseID(args[1], "subscriber-id")
		if err != nil {
			return err
		}
		undo, _ := cmd.Flags().GetBool("undo")
		remove, _ := cmd.Flags().GetBool("clear")
		notes, _ := cmd.Flags().GetString("notes")

		return withSession(cmd, nil, func(ctx context.Context, s *session) error {
			var id int64
			if remove {
				id, err = s.svc.ClearDelivery(ctx, routeID, subscriberID)
			} else {
				id, err = s.svc.RecordDelivery(ctx, routeID, subscriberID, !undo, notes)
			}
			if err != nil {
				return err
			}
			fmt.Printf("queued #%d\n", id)
			return nil
		})
	},
}

var routeCmd = &cobra.Command{
	Use:     "route <route-id> <not-started|in-progress|completed|cancelled>",
	GroupID: "worker",
	Short:   "Move a route to a new status",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		routeID, err := parseID(args[0], "route-id")
		if err != nil {
			return err
		}
		return withSession(cmd, nil, func(ctx context.Context, s *session) error {
			id, err := s.svc.UpdateRouteStatus(ctx, routeID, models.RouteStatus(args[1]))
			if err != nil {
				return err
			}
			fmt.Printf("queued #%d\n", id)
			return nil
		})
	},
}

var messageCmd = &cobra.Command{
	Use:     "message <route-id|0> <body>",
	GroupID: "worker",
	Short:   "Send a message, optionally about a route",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		routeID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil || routeID < 0 {
			return fmt.Errorf("route-id must be a non-negative integer, got %q", args[0])
		}
		return withSession(cmd, nil, func(ctx context.Context, s *session) error {
			uid, err := s.svc.SendMessage(ctx, routeID, args[1])
			if err != nil {
				return err
			}
			fmt.Printf("queued message %s\n", uid)
			return nil
		})
	},
}

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "worker",
	Short:   "Run one sync pass now",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, nil, func(ctx context.Context, s *session) error {
			if !s.prober.Probe(ctx) {
				fmt.Println("server unreachable; attempting anyway")
			}
			r, err := s.svc.ForceSync(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("%d synced, %d failed, %d conflicts, %d skipped\n", r.Success, r.Failed, r.Conflicts, r.Skipped)
			return nil
		})
	},
}

var queueCmd = &cobra.Command{
	Use:     "queue",
	GroupID: "worker",
	Short:   "List queued changes that have not synced",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, nil, func(ctx context.Context, s *session) error {
			items, err := s.svc.Pending(ctx)
			if err != nil {
				return err
			}
			if len(items) == 0 {
				fmt.Println("queue is empty")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTYPE\tACTION\tSTATUS\tRETRIES\tCREATED\tLAST ERROR")
			for _, item := range items {
				status := string(item.Status)
				if item.Blocked() {
					status = "blocked"
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%s\t%s\n",
					item.ID, item.EntityType, item.Action, status, item.RetryCount,
					time.UnixMilli(item.CreatedAt).Format(time.RFC3339), item.LastError)
			}
			return w.Flush()
		})
	},
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "worker",
	Short:   "Show queue and conflict counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, nil, func(ctx context.Context, s *session) error {
			online := s.prober.Probe(ctx)
			st, err := s.svc.GetStatus(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("online:     %v\n", online)
			fmt.Printf("queued:     %d (%d failed, %d blocked)\n", st.Queue.Total, st.Queue.Failed, st.Queue.Blocked)
			fmt.Printf("conflicts:  %d unresolved\n", st.Unresolved)
			return nil
		})
	},
}

func init() {
	deliverCmd.Flags().Bool("undo", false, "mark the subscriber not delivered")
	deliverCmd.Flags().Bool("clear", false, "remove the delivery record")
	deliverCmd.Flags().String("notes", "", "delivery notes")
}
