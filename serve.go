package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mrmod/gerrit-verify/config"
	"github.com/mrmod/gerrit-verify/gerrit"
	"github.com/mrmod/gerrit-verify/unverify"
	"github.com/mrmod/gerrit-verify/verifytrigger"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Listen for Gerrit events and serve the verify trigger endpoint",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	v, c, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	store := config.NewStore(c)
	if v.ConfigFileUsed() != "" {
		store.Watch(v)
	}

	rest, err := newRESTClient(c)
	if err != nil {
		return err
	}
	b, err := newBackend(c)
	if err != nil {
		return err
	}
	defer closeBackend(b)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	if c.Unverify.Enabled {
		client, err := gerrit.NewSSHClient(c.Gerrit.SshURL, c.Gerrit.SshKeyPath)
		if err != nil {
			return errors.Wrap(err, "create gerrit ssh client")
		}
		propagator := unverify.New(rest, rest, rest, b, c.PropagatorConfig())
		router := NewEventRouter(propagator)
		router.Settings = func() unverify.Config { return store.Get().PropagatorConfig() }

		// Buffer up to 16 events in the stream
		events := make(chan gerrit.Event, 16)
		g.Go(func() error {
			gerrit.Handle(ctx, events, router)
			return nil
		})
		g.Go(func() error {
			log.Info().Str("gerrit", client.Host).Msg("Listening for Gerrit events")
			return client.Listen(ctx, events)
		})
	}

	var handler *verifytrigger.Handler
	if c.VerifyTrigger.Enabled {
		handler = &verifytrigger.Handler{
			Gateway: &verifytrigger.Gateway{
				Changes:    rest,
				Groups:     rest,
				Backend:    b,
				Settings:   func() verifytrigger.Settings { return store.Get().TriggerSettings() },
				HTTPClient: &http.Client{Timeout: 30 * time.Second},
			},
			Auth: rest,
		}
	}
	server := &http.Server{
		Addr:              c.HTTP.Listen,
		Handler:           verifytrigger.NewRouter(handler),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		log.Info().Str("listen", server.Addr).Bool("verifyTrigger", handler != nil).Msg("Serving HTTP")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "serve http")
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdown)
	})

	err = g.Wait()
	log.Info().Msg("Stopped")
	return err
}
