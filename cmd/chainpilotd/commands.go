package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"ChainPilot/internal/config"
	"ChainPilot/internal/scheduler"
	"ChainPilot/pkg/logger"
)

func newRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "chainpilotd",
		Short:         "ChainPilot 智能体调度守护进程",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "配置文件路径（默认读取 "+config.EnvConfigPath+"）")

	root.AddCommand(newServeCmd(&configPath), newTriggerCmd(&configPath), newApplyCmd(&configPath))
	return root
}

func newServeCmd(configPath *string) *cobra.Command {
	var agentsPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "启动调度器、触发消费者与指标服务",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			defer logger.Sync()
			return serve(cmd.Context(), cfg, agentsPath)
		},
	}
	cmd.Flags().StringVar(&agentsPath, "agents", "", "启动时写入账本的智能体种子文件")
	return cmd
}

func newTriggerCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "trigger AGENT_ID",
		Short: "立即运行一次指定智能体",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			defer logger.Sync()
			if cfg.Trigger.Driver == "memory" {
				return errors.New("memory 触发队列只在 serve 进程内可用，请配置 redis 或 rabbitmq")
			}
			return trigger(cmd.Context(), cfg, args[0])
		},
	}
}

func newApplyCmd(configPath *string) *cobra.Command {
	var agentsPath string
	cmd := &cobra.Command{
		Use:   "apply",
		Short: "把智能体种子文件写入账本",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			defer logger.Sync()
			store, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer store.Close()
			n, err := seedAgents(cmd.Context(), store, agentsPath)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "已写入 %d 个智能体\n", n)
			return nil
		},
	}
	cmd.Flags().StringVarP(&agentsPath, "file", "f", "", "智能体种子文件")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		path = config.PathFromEnv()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.Outputs,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
		},
	}); err != nil {
		return nil, fmt.Errorf("初始化日志失败: %w", err)
	}
	logger.L().Info("配置已加载", slog.String("path", path))
	return cfg, nil
}

func trigger(ctx context.Context, cfg *config.Config, agentID string) error {
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	queue, err := openTriggerQueue(ctx, cfg)
	if err != nil {
		return err
	}
	defer queue.Close()

	sched := scheduler.New(store, nil, queue, schedulerConfig(cfg))
	if err := sched.RunNow(ctx, agentID); err != nil {
		return err
	}
	logger.L().Info("已投递手动触发", slog.String("agent_id", agentID))
	return nil
}
