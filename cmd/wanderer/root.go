package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/mossy-p/proximity-chat/internal/call"
	"github.com/mossy-p/proximity-chat/internal/logging"
	"github.com/mossy-p/proximity-chat/internal/models"
	"github.com/mossy-p/proximity-chat/internal/participant"
)

const defaultSTUN = "stun:stun.l.google.com:19302"

var (
	flagServer   string
	flagRoom     string
	flagSteps    int
	flagInterval time.Duration
	flagStride   float64
	flagSTUN     string
	flagNoMedia  bool
	flagLogLevel string
)

var rootCmd = &cobra.Command{
	Use:   "wanderer",
	Short: "Headless participant that random-walks a proximity chat room",
	Long: `wanderer joins a room on the signaling server, walks around at random and
places or drops WebRTC calls as other participants come in and out of range.

Examples:
  wanderer --room lobby
  wanderer --server ws://localhost:3001/ws --steps 50 --interval 500ms`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logging.Init(flagLogLevel, "development")
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		return wander(ctx)
	},
}

func init() {
	rootCmd.Flags().StringVar(&flagServer, "server", "ws://localhost:3001/ws", "Signaling websocket URL")
	rootCmd.Flags().StringVarP(&flagRoom, "room", "r", "lobby", "Room to join")
	rootCmd.Flags().IntVarP(&flagSteps, "steps", "n", 0, "Number of steps to take, 0 walks until interrupted")
	rootCmd.Flags().DurationVarP(&flagInterval, "interval", "i", time.Second, "Time between steps")
	rootCmd.Flags().Float64Var(&flagStride, "stride", 40, "Largest step along each axis")
	rootCmd.Flags().StringVarP(&flagSTUN, "stun", "s", defaultSTUN, "STUN server, empty for host candidates only")
	rootCmd.Flags().BoolVar(&flagNoMedia, "no-media", false, "Join without local media and refuse every call")
	rootCmd.Flags().StringVar(&flagLogLevel, "log-level", "info", "Log level")
}

// Execute runs the root command.
func Execute() {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func wander(ctx context.Context) error {
	session, err := participant.Dial(ctx, flagServer, participant.WithChatHandler(func(m models.ChatMessage) {
		log.Info().Str("from", m.Sender).Str("text", m.Text).Msg("chat")
	}))
	if err != nil {
		return err
	}
	defer session.Close()

	var iceServers []webrtc.ICEServer
	if flagSTUN != "" {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{flagSTUN}})
	}
	transport := call.NewPionTransport(session, iceServers)
	surface := participant.NewLogSurface()
	calls := call.NewManager(transport, surface)
	defer calls.Close()

	if !flagNoMedia {
		local, err := call.NewLocalStream(uuid.NewString())
		if err != nil {
			log.Warn().Err(err).Msg("no local media, calls will be refused")
		} else {
			calls.SetLocalStream(local)
		}
	}

	runErr := make(chan error, 1)
	go func() { runErr <- session.Run(ctx, calls, transport) }()

	if err := session.Join(flagRoom); err != nil {
		return fmt.Errorf("join %s: %w", flagRoom, err)
	}

	ticker := time.NewTicker(flagInterval)
	defer ticker.Stop()

	for step := 0; flagSteps == 0 || step < flagSteps; {
		select {
		case <-ctx.Done():
			return nil
		case err := <-runErr:
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		case <-ticker.C:
			if session.ID() == "" {
				continue
			}
			if err := session.Move(stride(), stride()); err != nil {
				return err
			}
			step++
			report(session, calls, surface)
		}
	}
	return nil
}

func stride() float64 {
	return (rand.Float64()*2 - 1) * flagStride
}

func report(session *participant.Session, calls *call.Manager, surface *participant.LogSurface) {
	me, ok := session.Self()
	if !ok {
		return
	}
	ledger := calls.Ledger()
	log.Info().
		Str("self", me.ID).
		Float64("x", me.X).
		Float64("y", me.Y).
		Int("peers", len(session.Snapshot())-1).
		Strs("calls", ledger.Remotes()).
		Strs("showing", surface.Showing()).
		Msg("step")
}
