package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/dkeye/meshroom/internal/adapters/presence"
	"github.com/dkeye/meshroom/internal/adapters/rtc"
	"github.com/dkeye/meshroom/internal/client/controller"
	"github.com/dkeye/meshroom/internal/config"
	"github.com/dkeye/meshroom/internal/core"
	"github.com/dkeye/meshroom/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newJoinCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "join [room]",
		Short: "Join a room and stay until interrupted",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runJoin,
	}
	f := cmd.Flags()
	f.String("server", "localhost:9000", "signaling server host:port")
	f.Bool("secure", false, "use wss:// for the signaling sockets")
	f.String("room", "test-room-1", "room to join")
	f.String("name", "", "display name shown to the other participants")
	f.Bool("audio", true, "publish audio")
	f.Bool("video", false, "publish video")
	f.Duration("call-setup-timeout", 0, "give up on calls that do not produce media in time (0 keeps the config value)")
	f.String("stun-server", "", "STUN server url")
	f.String("log-level", "info", "log level")
	return cmd
}

func runJoin(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadClient(cmd.Flags())
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(config.ParseLevel(cfg.LogLevel))

	room := domain.RoomID(cfg.Room)
	if len(args) == 1 {
		room = domain.RoomID(args[0])
	}
	name := cfg.Name
	if name == "" {
		host, _ := os.Hostname()
		name = fmt.Sprintf("meshroom@%s", host)
	}

	var ice []string
	if cfg.STUNServer != "" {
		ice = []string{cfg.STUNServer}
	}
	engine := rtc.NewEngine(rtc.Config{IdentityURL: cfg.IdentityURL(), ICEServers: ice})
	dialer := presence.NewDialer(cfg.PresenceURL())

	ctrl := controller.New(engine, dialer, controller.Options{
		Constraints:      core.Constraints{Audio: cfg.Audio, Video: cfg.Video},
		CallSetupTimeout: cfg.CallSetupTimeout,
	})
	defer ctrl.Close()

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := ctrl.ConnectToRoom(ctx, room, name); err != nil {
		return fmt.Errorf("join %s: %w", room, err)
	}
	log.Info().Str("room", string(room)).Str("name", name).Msg("joined; type 'help' for commands")

	go readCommands(ctx, cancel, ctrl, room, name)
	<-ctx.Done()

	log.Info().Msg("leaving room")
	ctrl.Disconnect()
	return nil
}

// readCommands drives the controller from stdin until ctx ends or stdin closes.
func readCommands(ctx context.Context, cancel context.CancelFunc, ctrl *controller.Controller, room domain.RoomID, name string) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "mute", "m":
			enabled, err := ctrl.ToggleAudio()
			if err != nil {
				log.Warn().Err(err).Msg("toggle audio")
				continue
			}
			log.Info().Bool("audio", enabled).Msg("microphone")
		case "peers", "p":
			ctrl.Flush()
			local := ctrl.Local()
			log.Info().Str("state", ctrl.State().String()).Str("me", string(local.ParticipantID)).Msg("local")
			for _, s := range ctrl.Sessions() {
				log.Info().
					Str("remote", string(s.Remote)).
					Str("name", s.DisplayName).
					Str("direction", s.Direction.String()).
					Str("state", s.State.String()).
					Msg("peer")
			}
		case "hangup", "h":
			if len(fields) != 2 {
				log.Warn().Msg("usage: hangup <participant-id>")
				continue
			}
			ctrl.HangUp(domain.ParticipantID(fields[1]))
		case "rejoin", "r":
			if err := ctrl.Reconnect(ctx, room, name); err != nil {
				log.Error().Err(err).Msg("rejoin")
				continue
			}
			log.Info().Str("room", string(room)).Msg("rejoined")
		case "quit", "q":
			cancel()
			return
		default:
			log.Info().Msg("commands: mute | peers | hangup <id> | rejoin | quit")
		}
	}
}
