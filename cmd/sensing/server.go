package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mdouchement/sensing/internal/scheduler"
	"github.com/mdouchement/sensing/internal/webserver"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	binding string
	port    string

	serverCmd = &cobra.Command{
		Use:   "server",
		Short: "Start the control API and the synchronization scheduler",
		Args:  cobra.ExactArgs(0),
		RunE: func(c *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := open(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			if binding == "" {
				binding = a.cfg.Server.Binding
			}
			if port == "" {
				port = a.cfg.Server.Port
			}

			//

			sched, err := scheduler.New(scheduler.Controller{
				Logger:        a.logger,
				Synchronizer:  a.synchronizer,
				Storage:       a.storage,
				Specification: a.cfg.Sync.Schedule,
				Retry: scheduler.Retry{
					InitialInterval: a.cfg.Sync.Retry.InitialInterval,
					MaxInterval:     a.cfg.Sync.Retry.MaxInterval,
					MaxRetries:      a.cfg.Sync.Retry.MaxRetries,
				},
			})
			if err != nil {
				return err
			}

			//

			engine := webserver.EchoEngine(webserver.Controller{
				Version:      c.Parent().Version,
				Logger:       a.logger,
				Database:     a.db,
				Storage:      a.storage,
				Manager:      a.manager,
				Synchronizer: a.synchronizer,
				Scheduler:    sched,
				Token:        a.cfg.Server.Token,
				Debug:        debug,
			})
			webserver.PrintRoutes(engine)

			//

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				sched.Start(ctx)
				<-ctx.Done()
				sched.Stop()
				return nil
			})
			g.Go(func() error {
				listen := fmt.Sprintf("%s:%s", binding, port)
				a.logger.Infof("Server listening on %s", listen)

				err := engine.Start(listen)
				if err == http.ErrServerClosed {
					return nil
				}
				return errors.Wrap(err, "could not run server")
			})
			g.Go(func() error {
				<-ctx.Done()

				sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()

				if err := a.manager.Shutdown(sctx); err != nil {
					a.logger.Error(err)
				}
				return errors.Wrap(engine.Shutdown(sctx), "could not shutdown server")
			})

			return g.Wait()
		},
	}
)
