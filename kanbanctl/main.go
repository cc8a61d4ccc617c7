package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang-jwt/jwt/v4"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/x7ddf74479jn5/simple-kanban-planner/bootstrap"
	"github.com/x7ddf74479jn5/simple-kanban-planner/cascade"
	"github.com/x7ddf74479jn5/simple-kanban-planner/config"
	"github.com/x7ddf74479jn5/simple-kanban-planner/syncer"
)

var Version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "kanbanctl",
		Short:         "Administration commands for the kanban board service",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(storageInitCmd())
	root.AddCommand(seedCmd())
	root.AddCommand(cascadeWorkerCmd())
	root.AddCommand(tokenCmd())
	root.AddCommand(streamLoadCmd())
	return root
}

// open loads configuration and the store backend. Authentication settings
// are not required by admin commands.
func open() (config.Config, *bootstrap.Backend, error) {
	cfg, err := config.Load()
	if err != nil && !(errors.Is(err, config.ErrMissingAuth) && onlyAuthMissing(cfg)) {
		return cfg, nil, err
	}
	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	}
	b, err := bootstrap.Open(cfg, log.StandardLogger())
	return cfg, b, err
}

func onlyAuthMissing(cfg config.Config) bool {
	cfg.LocalAuthSecret = "unused"
	return cfg.Validate() == nil
}

func storageInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "storage-init",
		Short: "Create the boards table and the cascade queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, b, err := open()
			if err != nil {
				return err
			}
			defer b.Close()
			if b.Tables == nil {
				return errors.New("storage-init requires STORE_BACKEND=azure")
			}
			log.Info("storage init starting")
			if err := b.Tables.EnsureTable(cmd.Context()); err != nil {
				return fmt.Errorf("create table: %w", err)
			}
			if err := b.Queue.EnsureQueue(cmd.Context()); err != nil {
				return fmt.Errorf("create queue: %w", err)
			}
			log.Info("storage init complete")
			return nil
		},
	}
}

func seedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed [user-id]",
		Short: "Create the welcome board for a user unless it exists",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, b, err := open()
			if err != nil {
				return err
			}
			defer b.Close()
			disp := syncer.NewDispatcher(b.Store, cfg.DispatcherConfig(), log.StandardLogger())
			defer disp.Close()
			boards := syncer.NewBoardService(b.Store, disp, b.Cascades, 0, log.StandardLogger())
			board, err := boards.SeedWelcomeBoard(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", board.ID, board.Name)
			return nil
		},
	}
}

func cascadeWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cascade-worker",
		Short: "Delete columns and tasks of deleted boards from the cascade queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, b, err := open()
			if err != nil {
				return err
			}
			defer b.Close()
			if b.Queue == nil {
				return errors.New("cascade-worker requires STORE_BACKEND=azure")
			}
			w := cascade.NewWorker(b.Queue, b.Cleaner, cfg.CascadePollDelay.D(), log.StandardLogger())
			log.Info("cascade worker started")
			if err := w.Run(cmd.Context()); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			log.Info("cascade worker stopped")
			return nil
		},
	}
}

func tokenCmd() *cobra.Command {
	var (
		audience string
		ttl      time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token [user-id]",
		Short: "Print a token accepted by LOCAL_AUTH_SECRET authentication",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := os.Getenv("LOCAL_AUTH_SECRET")
			if secret == "" {
				return errors.New("LOCAL_AUTH_SECRET must be set")
			}
			return writeToken(cmd.OutOrStdout(), []byte(secret), args[0], audience, ttl)
		},
	}
	cmd.Flags().StringVar(&audience, "audience", os.Getenv("AUTH0_AUDIENCE"), "Token audience")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "Token lifetime")
	return cmd
}

func writeToken(w io.Writer, secret []byte, userID, audience string, ttl time.Duration) error {
	claims := jwt.MapClaims{
		"sub": userID,
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(ttl).Unix(),
	}
	if audience != "" {
		claims["aud"] = audience
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, signed)
	return err
}
