package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/botloader/scriptruntime/internal/compiler"
	"github.com/botloader/scriptruntime/internal/domain"
	"github.com/botloader/scriptruntime/internal/store"
)

// scriptCmd groups the thin administrative subcommands a deployer runs
// out-of-band from the daemon: applying a script file to a tenant and
// listing a tenant's persisted scripts. Both talk to the config
// store directly rather than through the running daemon, matching
// the CLI/admin surface's scope: a thin external interface for script lifecycle operations.
func scriptCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "script",
		Short: "Manage tenant scripts",
	}
	cmd.AddCommand(scriptApplyCmd())
	cmd.AddCommand(scriptListCmd())
	return cmd
}

func scriptApplyCmd() *cobra.Command {
	var tenant uint64
	var name string
	var path string
	var contextKind string
	var contextID uint64

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Compile a source file and persist it for a tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" || path == "" {
				return fmt.Errorf("script apply: --name and --source are required")
			}
			source, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("script apply: reading %s: %w", path, err)
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := context.Background()

			configStore, err := store.NewPostgresConfigStore(ctx, cfg.Postgres.DSN)
			if err != nil {
				return fmt.Errorf("script apply: connect config store: %w", err)
			}
			comp := compiler.New(compiler.Config{Command: []string{cfg.Compiler.Command}, Timeout: cfg.Compiler.Timeout})

			result, err := comp.Compile(ctx, string(source))
			if err != nil {
				return fmt.Errorf("script apply: compile: %w", err)
			}

			sc := domain.Script{
				TenantID:   domain.TenantID(tenant),
				Name:       name,
				Source:     string(source),
				CompiledJS: result.JS,
				SourceMap:  result.SourceMap,
				Enabled:    true,
			}
			if err := sc.Validate(); err != nil {
				return fmt.Errorf("script apply: %w", err)
			}

			kind, err := parseContextKind(contextKind)
			if err != nil {
				return fmt.Errorf("script apply: %w", err)
			}

			stored, err := configStore.CreateScript(ctx, sc)
			if err != nil {
				return fmt.Errorf("script apply: persisting script: %w", err)
			}
			link := domain.ScriptContext{Kind: kind, ID: contextID}
			if err := configStore.AddLink(ctx, domain.TenantID(tenant), store.ScriptLink{ScriptID: stored.ID, Context: link}); err != nil {
				return fmt.Errorf("script apply: linking script: %w", err)
			}

			fmt.Printf("applied script %q (id=%d) to tenant %d\n", stored.Name, stored.ID, tenant)
			fmt.Println("note: the running daemon picks this up on its own LoadScript path or at next restart; this command only persists it")
			return nil
		},
	}
	cmd.Flags().Uint64Var(&tenant, "tenant", 0, "tenant id")
	cmd.Flags().StringVar(&name, "name", "", "script name, unique per tenant")
	cmd.Flags().StringVar(&path, "source", "", "path to the script's source file")
	cmd.Flags().StringVar(&contextKind, "context", "guild", "context kind this script is linked to (guild, channel, role)")
	cmd.Flags().Uint64Var(&contextID, "context-id", 0, "context id, 0 for the guild-wide context")
	cmd.MarkFlagRequired("tenant")
	return cmd
}

func scriptListCmd() *cobra.Command {
	var tenant uint64

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a tenant's persisted scripts",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := context.Background()
			configStore, err := store.NewPostgresConfigStore(ctx, cfg.Postgres.DSN)
			if err != nil {
				return fmt.Errorf("script list: connect config store: %w", err)
			}

			scripts, err := configStore.ListScripts(ctx, domain.TenantID(tenant))
			if err != nil {
				return fmt.Errorf("script list: %w", err)
			}
			for _, sc := range scripts {
				fmt.Printf("%d\t%s\tenabled=%v\n", sc.ID, sc.Name, sc.Enabled)
			}
			return nil
		},
	}
	cmd.Flags().Uint64Var(&tenant, "tenant", 0, "tenant id")
	cmd.MarkFlagRequired("tenant")
	return cmd
}

func parseContextKind(s string) (domain.ScriptContextKind, error) {
	switch s {
	case "guild":
		return domain.ContextGuild, nil
	case "channel":
		return domain.ContextChannel, nil
	case "role":
		return domain.ContextRole, nil
	default:
		return 0, fmt.Errorf("unknown context kind %q (want guild, channel, or role)", s)
	}
}
