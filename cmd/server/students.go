package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"school-registry/internal/app"
	"school-registry/internal/identity"
	"school-registry/internal/model"
	"school-registry/internal/output"
	"school-registry/internal/tracing"
)

var (
	callerIdentity string
	noColor        bool
)

var studentsCmd = &cobra.Command{
	Use:   "students",
	Short: "Operate on the student registry",
}

var studentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered students",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withReconciler(cmd, false, func(ctx context.Context, rec *app.Reconciler, out *output.Renderer) error {
			if err := rec.ListAll(ctx); err != nil {
				return err
			}
			return out.Records(rec.Snapshot().Records)
		})
	},
}

var studentsRegisterCmd = &cobra.Command{
	Use:   "register <id> <name>",
	Short: "Register a student and wait for the ledger to commit it",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := model.ParseStudentID(args[0])
		if err != nil {
			return err
		}
		return withReconciler(cmd, true, func(ctx context.Context, rec *app.Reconciler, out *output.Renderer) error {
			if err := rec.Register(ctx, id, args[1]); err != nil {
				return err
			}
			if err := out.Success(fmt.Sprintf("Registered student %d.", id)); err != nil {
				return err
			}
			return reportReload(rec, out)
		})
	},
}

var studentsRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Remove a student and wait for the ledger to commit it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := model.ParseStudentID(args[0])
		if err != nil {
			return err
		}
		return withReconciler(cmd, true, func(ctx context.Context, rec *app.Reconciler, out *output.Renderer) error {
			if err := rec.Remove(ctx, id); err != nil {
				return err
			}
			if err := out.Success(fmt.Sprintf("Removed student %d.", id)); err != nil {
				return err
			}
			return reportReload(rec, out)
		})
	},
}

var studentsSearchCmd = &cobra.Command{
	Use:   "search <id>",
	Short: "Look up one student",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := model.ParseStudentID(args[0])
		if err != nil {
			return err
		}
		return withReconciler(cmd, false, func(ctx context.Context, rec *app.Reconciler, out *output.Renderer) error {
			r, err := rec.Search(ctx, id)
			if err != nil {
				return err
			}
			return out.Record(r)
		})
	},
}

func init() {
	studentsCmd.PersistentFlags().StringVarP(&callerIdentity, "identity", "i", "", "identity to act as")
	studentsCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
	studentsCmd.AddCommand(studentsListCmd, studentsRegisterCmd, studentsRemoveCmd, studentsSearchCmd)
}

// withReconciler opens the configured backend and runs fn against a fresh
// reconciler. Mutating commands connect first.
func withReconciler(cmd *cobra.Command, connect bool, fn func(context.Context, *app.Reconciler, *output.Renderer) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tp, err := tracing.NewProvider(cfg.Tracing)
	if err != nil {
		return err
	}
	defer func() { _ = tp.Shutdown(context.Background()) }()

	b, err := openBackend(ctx, cfg, tp.Tracer())
	if err != nil {
		return err
	}
	defer b.close()
	// A local ledger only commits while some process produces blocks.
	if b.produce != nil {
		go b.produce(ctx)
	}

	out := output.NewRenderer(cmd.OutOrStdout(), noColor)
	rec := app.NewReconciler(b.store, identity.Static(callerIdentity), reconcilerConfig(cfg, nil))
	if connect {
		if err := rec.Connect(ctx); err != nil {
			if errors.Is(err, app.ErrConnection) {
				return fmt.Errorf("%w (pass --identity)", err)
			}
			return err
		}
	}
	return fn(ctx, rec, out)
}

// reportReload surfaces a failed post-commit reload without failing the command.
func reportReload(rec *app.Reconciler, out *output.Renderer) error {
	if msg := rec.Snapshot().LastError; msg != "" {
		return out.Error(errors.New(msg))
	}
	return nil
}
