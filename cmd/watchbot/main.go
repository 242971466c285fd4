// Command watchbot joins a room as a simulated participant. It keeps a
// clock-driven player in step with the room, which makes it handy for load
// and soak tests of a running server.
package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/dkeye/watchparty/internal/client"
	"github.com/dkeye/watchparty/internal/domain"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	flags := pflag.NewFlagSet("watchbot", pflag.ExitOnError)
	flags.String("server", "ws://localhost:8080/api/ws", "signalling websocket url")
	flags.String("room", "", "room to join")
	flags.String("name", "watchbot", "display name")
	flags.String("user-id", "", "durable user id to claim")
	flags.String("token", "", "identity token (JWT)")
	flags.String("url", "", "video url to start when hosting")
	flags.Bool("autoplay", true, "start playback when hosting")
	flags.Duration("tick", 250*time.Millisecond, "player callback interval")
	flags.String("log-level", "info", "log level")
	_ = flags.Parse(os.Args[1:])

	v := viper.New()
	v.SetEnvPrefix("WATCHBOT")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(flags); err != nil {
		log.Fatal().Err(err).Msg("bind flags")
	}

	if level, err := zerolog.ParseLevel(v.GetString("log-level")); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	room, err := domain.ParseRoomID(v.GetString("room"))
	if err != nil {
		log.Fatal().Err(err).Msg("--room")
	}

	if err := run(ctx, v, room); err != nil && ctx.Err() == nil {
		log.Fatal().Err(err).Msg("watchbot failed")
	}
}

func run(ctx context.Context, v *viper.Viper, room domain.RoomID) error {
	endpoint, err := url.Parse(v.GetString("server"))
	if err != nil {
		return fmt.Errorf("parse --server: %w", err)
	}
	if token := v.GetString("token"); token != "" {
		q := endpoint.Query()
		q.Set("token", token)
		endpoint.RawQuery = q.Encode()
	}
	sess, err := client.Dial(ctx, endpoint.String(), nil)
	if err != nil {
		return err
	}
	defer sess.Close()

	player := client.NewSimPlayer(time.Now)
	coord := client.NewCoordinator(player, sess, client.Options{})

	videoURL := v.GetString("url")
	if err := coord.Join(room, v.GetString("name"), v.GetString("user-id"), videoURL); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sess.Run(gctx, coord.HandleFrame)
	})
	g.Go(func() error {
		t := time.NewTicker(v.GetDuration("tick"))
		defer t.Stop()
		started := false
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-t.C:
			}
			if !started && coord.IsHost() && player.Ready() {
				started = true
				if v.GetBool("autoplay") && player.Paused() {
					if err := player.Play(); err != nil {
						log.Warn().Err(err).Str("module", "watchbot").Msg("autoplay")
					}
				}
			}
			for _, ev := range player.Drain() {
				if _, err := coord.HandleLocal(ev); err != nil {
					return err
				}
			}
			if _, err := coord.Heartbeat(); err != nil {
				return err
			}
		}
	})

	log.Info().Str("module", "watchbot").Str("room", string(room)).Msg("joined")
	return g.Wait()
}
