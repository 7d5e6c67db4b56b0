package commands

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/replkit/replkit/internal/event"
	"github.com/replkit/replkit/internal/logging"
	"github.com/replkit/replkit/internal/server"
	"github.com/replkit/replkit/internal/session"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the session pool with its admin API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if serveAddr != "" {
			cfg.HTTP.Addr = serveAddr
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		provider, closeProvider, err := buildProvider(ctx, cfg)
		if err != nil {
			return err
		}
		defer closeProvider()

		bus := event.NewBus()
		defer bus.Close()

		log := logging.Component("serve")
		bus.SubscribeAll(func(e event.Event) {
			log.Debug().Str("event", string(e.Type)).Str("session", e.SessionID).Msg("kernel event")
		})

		manager := session.NewManager(cfg, provider, bus)
		defer manager.Close()

		err = server.New(manager).Start(ctx, cfg.HTTP.Addr)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Admin API listen address (overrides config)")
}
