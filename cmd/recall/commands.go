package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/normanking/recall/internal/app"
	"github.com/normanking/recall/internal/logging"
	"github.com/normanking/recall/internal/resilience"
	"github.com/normanking/recall/internal/resolver"
	"github.com/normanking/recall/internal/server"
	"github.com/normanking/recall/internal/store"
	"github.com/normanking/recall/pkg/types"
	"github.com/normanking/recall/pkg/voice"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SERVE COMMAND
// ═══════════════════════════════════════════════════════════════════════════════

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the resolution service over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr != "" {
				cfg.Server.Addr = addr
			}

			a, err := app.New(cfg, app.WithLogger(logging.Component(log.Logger, "app")))
			if err != nil {
				return err
			}
			defer a.Close()
			a.Start()

			opts := []server.Option{
				server.WithHealth(a),
				server.WithGatherer(a.Registry),
				server.WithLogger(logging.Component(log.Logger, "server")),
			}
			if a.Store != nil {
				opts = append(opts, server.WithHistory(a.Store))
			}
			srvCfg := server.DefaultConfig()
			srvCfg.Addr = cfg.Server.Addr
			srv := server.New(srvCfg, a.Resolver, opts...)

			ctx, stop := signalContext()
			defer stop()
			return srv.ListenAndServe(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	return cmd
}

// ═══════════════════════════════════════════════════════════════════════════════
// ASK COMMAND (in-process turns)
// ═══════════════════════════════════════════════════════════════════════════════

type askOptions struct {
	conversationID string
	userID         string
	modality       string
	audioPath      string
	interactive    bool
	timeout        time.Duration
}

func askCmd() *cobra.Command {
	var opts askOptions
	cmd := &cobra.Command{
		Use:   "ask [text]",
		Short: "Resolve a turn in process",
		Long: `Resolve one turn without running the service.

Examples:
  recall ask "who sang the song from the Twitch ad with the saxophone"
  recall ask --modality hummed-audio --audio hum.pcm
  recall ask -i "that 80s song with the keyboard riff"

In interactive mode, type answers to follow-up questions, /reject to mark the
last answer wrong, /reset to start over and /quit to exit.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAsk(cmd.Context(), opts, strings.Join(args, " "))
		},
	}
	cmd.Flags().StringVar(&opts.conversationID, "conversation", "", "conversation id (default: new)")
	cmd.Flags().StringVar(&opts.userID, "user", "cli", "user id")
	cmd.Flags().StringVar(&opts.modality, "modality", "", "text, voice, hummed-audio, background-audio or image")
	cmd.Flags().StringVar(&opts.audioPath, "audio", "", "file with raw 16 kHz mono PCM audio")
	cmd.Flags().BoolVarP(&opts.interactive, "interactive", "i", false, "keep the conversation open")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "turn deadline hint (default: resolver.turn_deadline)")
	return cmd
}

func runAsk(ctx context.Context, opts askOptions, text string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := app.New(cfg, app.WithLogger(logging.Component(log.Logger, "app")))
	if err != nil {
		return err
	}
	defer a.Close()

	arbiter := voice.NewArbiter(voice.ArbiterConfig{SettleDelay: cfg.Voice.SettleDelay},
		voice.WithLogger(logging.Component(log.Logger, "voice")))

	if opts.conversationID == "" {
		opts.conversationID = "cli-" + uuid.NewString()[:8]
	}

	req := resolver.TurnRequest{
		UserID:         opts.userID,
		ConversationID: opts.conversationID,
		Modality:       types.Modality(opts.modality),
		Text:           text,
		DeadlineHint:   opts.timeout,
	}
	if opts.audioPath != "" {
		// Capture holds the device in record mode.
		err := arbiter.With(ctx, voice.ModeRecord, func(context.Context) error {
			data, err := os.ReadFile(opts.audioPath)
			req.Audio = data
			return err
		})
		if err != nil {
			return fmt.Errorf("failed to read audio: %w", err)
		}
		if req.Modality == "" {
			req.Modality = types.ModalityVoice
		}
	}
	if req.Modality == "" {
		req.Modality = types.ModalityText
	}

	var lastAnswer string
	turn := func(req resolver.TurnRequest) error {
		result, err := a.Resolver.ResolveTurn(ctx, req)
		if err != nil {
			var rl *resilience.RateLimitError
			if errors.As(err, &rl) {
				return errors.New(types.UserMessage(types.ErrKindRateLimited, rl.RetryAfter))
			}
			return err
		}
		if result.Outcome == types.OutcomeResolved && result.Candidate != nil {
			lastAnswer = result.Candidate.Label
		}
		// Playback holds the device until the answer has been presented.
		return arbiter.With(ctx, voice.ModePlayback, func(context.Context) error {
			fmt.Println(renderTurn(result))
			return nil
		})
	}

	if text != "" || len(req.Audio) > 0 {
		if err := turn(req); err != nil {
			return err
		}
	}
	if !opts.interactive {
		return nil
	}

	fmt.Println(styles.faint.Render("conversation " + opts.conversationID + " · /reject /reset /quit"))
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print(styles.title.Render("› "))
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		case "/reset":
			if err := a.Resolver.StartFresh(ctx, opts.userID, opts.conversationID); err != nil {
				return err
			}
			lastAnswer = ""
			fmt.Println(styles.faint.Render("starting fresh"))
			continue
		case "/reject":
			if lastAnswer == "" {
				fmt.Println(styles.faint.Render("nothing to reject"))
				continue
			}
			if err := a.Resolver.Reject(ctx, opts.userID, opts.conversationID, lastAnswer); err != nil {
				return err
			}
			fmt.Println(styles.faint.Render("won't suggest " + lastAnswer + " again"))
			lastAnswer = ""
			continue
		}

		if err := turn(resolver.TurnRequest{
			UserID:         opts.userID,
			ConversationID: opts.conversationID,
			Modality:       types.ModalityText,
			Text:           line,
			DeadlineHint:   opts.timeout,
		}); err != nil {
			fmt.Println(styles.err.Render(err.Error()))
		}
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// HISTORY COMMAND
// ═══════════════════════════════════════════════════════════════════════════════

func historyCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history <conversation-id>",
		Short: "Show journaled turns of a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cfg.Store.Enabled {
				return errors.New("the turn journal is disabled (store.enabled: false)")
			}
			st, err := store.Open(cfg.Store.Path)
			if err != nil {
				return err
			}
			defer st.Close()

			records, err := st.ListByConversation(context.Background(), args[0], limit)
			if err != nil {
				return err
			}
			fmt.Println(renderHistory(args[0], records))
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "show at most N turns")
	return cmd
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Summarize journaled turn outcomes",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cfg.Store.Enabled {
				return errors.New("the turn journal is disabled (store.enabled: false)")
			}
			st, err := store.Open(cfg.Store.Path)
			if err != nil {
				return err
			}
			defer st.Close()

			counts, err := st.CountByOutcome(context.Background())
			if err != nil {
				return err
			}
			fmt.Println(renderStats(counts))
			return nil
		},
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// CONFIG COMMANDS
// ═══════════════════════════════════════════════════════════════════════════════

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}

	// Show command
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show current configuration (secrets redacted)",
		RunE: func(cmd *cobra.Command, args []string) error {
			shown := *cfg
			redact := func(s *string) {
				if *s != "" {
					*s = "********"
				}
			}
			redact(&shown.Providers.Transcriber.APIKey)
			redact(&shown.Providers.ShortReasoner.APIKey)
			redact(&shown.Providers.Reasoner.APIKey)
			redact(&shown.Providers.Humming.APIKey)
			redact(&shown.Providers.Fingerprint.APIKey)
			redact(&shown.RateLimit.Password)

			data, err := yaml.Marshal(&shown)
			if err != nil {
				return fmt.Errorf("failed to render config: %w", err)
			}
			fmt.Println(styles.title.Render("recall configuration") + styles.faint.Render("  "+getConfigPath()))
			fmt.Print(string(data))

			if err := cfg.Validate(); err != nil {
				fmt.Println(styles.err.Render("invalid: ") + err.Error())
			}
			return nil
		},
	})

	// Path command
	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show configuration file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(getConfigPath())
		},
	})

	return cmd
}
