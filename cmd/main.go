package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/yungbote/supplements-backend/internal/app"
	"github.com/yungbote/supplements-backend/internal/platform/logger"
)

var rootCmd = &cobra.Command{
	Use:           "supplements",
	Short:         "Supplemental action service for survey submissions",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (yaml, json or toml)")
	rootCmd.PersistentFlags().String("log-mode", "", "development or production")
	_ = viper.BindPFlag("log_mode", rootCmd.PersistentFlags().Lookup("log-mode"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(configsCmd())
}

func loadConfig(cmd *cobra.Command) (app.Config, *logger.Logger, error) {
	file, _ := cmd.Flags().GetString("config")
	cfg, err := app.LoadConfig(viper.GetViper(), file)
	if err != nil {
		return app.Config{}, nil, err
	}
	log, err := app.NewLogger(cfg)
	if err != nil {
		return app.Config{}, nil, err
	}
	return cfg, log, nil
}

func serveCmd() *cobra.Command {
	var withWorker bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			a, err := app.New(log, cfg)
			if err != nil {
				log.Sync()
				return err
			}
			defer a.Close()
			if withWorker {
				if err := a.StartWorkers(cmd.Context()); err != nil {
					return err
				}
			}
			return a.Run(cmd.Context(), viper.GetString("http.addr"))
		},
	}
	cmd.Flags().String("addr", "", "listen address (overrides http.addr)")
	cmd.Flags().BoolVar(&withWorker, "with-worker", false, "also consume poll chains in this process")
	_ = viper.BindPFlag("http.addr", cmd.Flags().Lookup("addr"))
	return cmd
}

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Consume background poll chains (db or temporal scheduler)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.Async.Scheduler == app.SchedulerInline {
				log.Sync()
				return fmt.Errorf("async.scheduler=inline runs polls inside serve; nothing to do")
			}
			a, err := app.New(log, cfg)
			if err != nil {
				log.Sync()
				return err
			}
			defer a.Close()
			if err := a.StartWorkers(cmd.Context()); err != nil {
				return err
			}
			log.Info("Worker running", "scheduler", cfg.Async.Scheduler)
			<-cmd.Context().Done()
			log.Info("Worker shutting down")
			return nil
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			defer log.Sync()
			pg, err := app.OpenDB(log, cfg)
			if err != nil {
				return err
			}
			defer pg.Close()
			log.Info("Schema is up to date", "driver", cfg.DB.Driver)
			return nil
		},
	}
}
