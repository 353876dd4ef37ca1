package cmd

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"github.com/urfave/cli/v2"

	"github.com/relaychat/internal/api"
	"github.com/relaychat/internal/chat"
	"github.com/relaychat/internal/config"
	"github.com/relaychat/internal/database"
	"github.com/relaychat/internal/jobqueue"
	"github.com/relaychat/internal/logging"
	"github.com/relaychat/internal/model"
	"github.com/relaychat/internal/resume"
	"github.com/relaychat/internal/tools"
	"github.com/relaychat/internal/turn"
)

// ServeCommand returns the CLI command for starting the API server
func ServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the RelayChat API server",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port for the API server (overrides config)",
			},
		},
		Action: func(c *cli.Context) error {
			cfg, err := config.LoadConfig(c.String("config"))
			if err != nil {
				return err
			}

			logging.Setup(cfg.Logging.Level, cfg.Logging.Pretty)

			if err := config.Validate(cfg); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			port := cfg.Server.Port
			if c.IsSet("port") {
				port = c.Int("port")
			}

			ctx := context.Background()

			db, err := database.NewDB(cfg.Database.URL)
			if err != nil {
				return err
			}
			defer db.Close()

			store := chat.NewStore(db)
			if err := store.EnsureSchema(ctx); err != nil {
				return err
			}

			llmOpts := []openai.Option{
				openai.WithToken(cfg.Model.APIKey),
				openai.WithModel(cfg.Model.Default),
			}
			if cfg.Model.BaseURL != "" {
				llmOpts = append(llmOpts, openai.WithBaseURL(cfg.Model.BaseURL))
			}
			llm, err := openai.New(llmOpts...)
			if err != nil {
				return fmt.Errorf("failed to create model client: %w", err)
			}

			provider := model.NewLangchainProvider(llm, cfg.Model.Temperature)
			titler := model.NewTitleGenerator(llm, cfg.Model.TitleModel)

			completer := func(ctx context.Context, prompt string) (string, error) {
				return llms.GenerateFromSinglePrompt(ctx, llm, prompt,
					llms.WithModel(cfg.Model.TitleModel))
			}
			toolsFor := func(userID string) model.ToolRegistry {
				return tools.NewRegistry(
					tools.NewWeatherTool(""),
					tools.NewCreateDocumentTool(store, userID),
					tools.NewUpdateDocumentTool(store, userID),
					tools.NewRequestSuggestionsTool(store, completer),
				)
			}

			var registry resume.Registry = resume.NewNoopRegistry()
			if cfg.ResumableStreamsEnabled() {
				redisRegistry, err := resume.NewRedisRegistry(cfg.Redis.URL)
				if err != nil {
					// Resumability is optional: run without it.
					log.Warn().Err(err).Msg("failed to connect to redis, resumable streams disabled")
				} else {
					registry = redisRegistry
					log.Info().Msg("resumable streams enabled")
				}
			}

			orch := turn.NewOrchestrator(store, provider, titler, registry, toolsFor)

			queue, err := jobqueue.NewJobQueue(cfg.Database.URL)
			if err != nil {
				log.Warn().Err(err).Msg("failed to create job queue, stream cleanup disabled")
			} else {
				if err := queue.Start(ctx); err != nil {
					log.Warn().Err(err).Msg("failed to start job queue")
				} else {
					defer queue.Stop(ctx)
				}
			}

			log.Info().Int("port", port).Msg("starting relaychat API server")
			server := api.NewServer(port, cfg.Auth.JWTSecret, api.NewChatHandler(orch, store, registry))
			return server.Start()
		},
	}
}
