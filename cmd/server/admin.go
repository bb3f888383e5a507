package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentoven/agentoven/query-gateway/internal/api/handlers"
	"github.com/agentoven/agentoven/query-gateway/internal/auth"
	"github.com/agentoven/agentoven/query-gateway/internal/config"
	"github.com/agentoven/agentoven/query-gateway/internal/journal"
	"github.com/agentoven/agentoven/query-gateway/internal/metrics"
	"github.com/agentoven/agentoven/query-gateway/internal/providers"
	"github.com/agentoven/agentoven/query-gateway/internal/retention"
	"github.com/agentoven/agentoven/query-gateway/internal/store"
	"github.com/agentoven/agentoven/query-gateway/pkg/contracts"
	"github.com/agentoven/agentoven/query-gateway/pkg/models"
)

// ── Retention ────────────────────────────────────────────────

var retentionCmd = &cobra.Command{
	Use:   "retention",
	Short: "Run one chat state retention cycle and print its stats",
	RunE: func(cmd *cobra.Command, args []string) error {
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		cfg := config.Load()
		return withStore(cmd.Context(), cfg, func(ctx context.Context, st store.Store) error {
			j := retention.NewJanitor(st, retention.PolicyFromConfig(cfg.Retention),
				time.Duration(cfg.Retention.IntervalSec)*time.Second, metrics.NewRegistry())
			return printJSON(j.RunCycle(ctx, dryRun))
		})
	},
}

// ── Rewrite Failures ─────────────────────────────────────────

var failuresCmd = &cobra.Command{
	Use:   "failures",
	Short: "Inspect and replay journaled rewrite failures",
}

var failuresListCmd = &cobra.Command{
	Use:   "list",
	Short: "List journaled rewrite failures, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")
		since, _ := cmd.Flags().GetString("since")
		limit, _ := cmd.Flags().GetInt("limit")

		filter := models.FailureFilter{Reason: reason, Limit: limit}
		if since != "" {
			t, err := handlers.ParseSince(since)
			if err != nil {
				return fmt.Errorf("--since must be RFC 3339 or epoch milliseconds: %w", err)
			}
			filter.Since = t
		}

		cfg := config.Load()
		return withStore(cmd.Context(), cfg, func(ctx context.Context, st store.Store) error {
			j := journal.New(st, cfg.Journal.QueueSize, metrics.NewRegistry())
			defer j.Close()
			items, err := j.List(ctx, filter)
			if err != nil {
				return err
			}
			return printJSON(map[string]interface{}{"items": items, "count": len(items)})
		})
	},
}

var failuresReplayCmd = &cobra.Command{
	Use:   "replay <id>",
	Short: "Re-run a journaled failure against the configured providers",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()
		return withStore(cmd.Context(), cfg, func(ctx context.Context, st store.Store) error {
			j := journal.New(st, cfg.Journal.QueueSize, metrics.NewRegistry())
			defer j.Close()
			sp, rp := providers.NewRegistry().FromConfig(cfg.Providers)
			res, err := j.Replay(ctx, args[0], sp, rp)
			if err != nil {
				if store.IsNotFound(err) {
					return fmt.Errorf("failure %s not found", args[0])
				}
				return err
			}
			return printJSON(res)
		})
	},
}

// ── Service Tokens ───────────────────────────────────────────

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a signed service token (X-Service-Token)",
	RunE: func(cmd *cobra.Command, args []string) error {
		subject, _ := cmd.Flags().GetString("subject")
		tenant, _ := cmd.Flags().GetString("tenant")
		role, _ := cmd.Flags().GetString("role")
		ttl, _ := cmd.Flags().GetDuration("ttl")

		secret := config.Load().ServiceTokenSecret
		if secret == "" {
			return errors.New("QS_SERVICE_TOKEN_SECRET is not set")
		}
		if role != contracts.RoleClient && role != contracts.RoleAdmin {
			return fmt.Errorf("--role must be %q or %q", contracts.RoleClient, contracts.RoleAdmin)
		}
		token, err := auth.GenerateToken([]byte(secret), subject, tenant, role, ttl)
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	},
}

func init() {
	retentionCmd.Flags().Bool("dry-run", false, "count eligible rows without deleting")

	failuresListCmd.Flags().String("reason", "", "match reason or failure tag")
	failuresListCmd.Flags().String("since", "", "only failures at or after this time (RFC 3339 or epoch ms)")
	failuresListCmd.Flags().Int("limit", 50, "maximum rows to return")
	failuresCmd.AddCommand(failuresListCmd, failuresReplayCmd)

	tokenCmd.Flags().String("subject", "", "token subject, e.g. svc:replayer")
	tokenCmd.Flags().String("tenant", "", "tenant the token is scoped to")
	tokenCmd.Flags().String("role", contracts.RoleClient, "client or admin")
	tokenCmd.Flags().Duration("ttl", 24*time.Hour, "token lifetime")
	_ = tokenCmd.MarkFlagRequired("subject")
}

func withStore(ctx context.Context, cfg *config.Config, fn func(context.Context, store.Store) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	st, err := store.Open(ctx, cfg.ChatState.Driver, cfg.ChatState.DSN, cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	return fn(ctx, st)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
