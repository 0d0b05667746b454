package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	httpinfra "trellis-signer/internal/infra/http"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func Run(st *state) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start one signing worker per token and the admin server",
		Long: `Start one signing worker per configured token. Each worker handles
"sign" jobs from its own queue until SIGINT or SIGTERM. The admin server
listens on HTTP_ADDR unless it is set empty.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := st.cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runService(ctx, st)
		},
	}
}

func runService(ctx context.Context, st *state) error {
	a := newApp(st.cfg, st.logger)
	defer a.Close()

	pool, receipts, err := a.buildPool(ctx)
	if err != nil {
		return err
	}
	st.logger.Info("starting signer",
		"domain", st.cfg.Domain,
		"workers", len(pool.Workers()),
		"queue_backend", st.cfg.QueueBackend,
		"signature_type", st.cfg.SignatureType,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return pool.Run(gctx)
	})
	if st.cfg.HTTPAddr != "" {
		limiter, err := a.submitLimiter()
		if err != nil {
			return err
		}
		gin.SetMode(gin.ReleaseMode)
		srv := httpinfra.NewServer(httpinfra.ServerDeps{
			Addr:         st.cfg.HTTPAddr,
			Pool:         pool,
			Receipts:     receipts,
			AdminAPIKey:  st.cfg.AdminAPIKey,
			Logger:       st.logger,
			Limiter:      limiter,
			SubmitLimit:  st.cfg.SubmitRateLimit,
			SubmitWindow: st.cfg.SubmitRateWindow(),
		})
		g.Go(func() error {
			return srv.Run(gctx)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	st.logger.Info("signer stopped")
	return nil
}
