package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/waypost/waypost/internal/admin"
	"github.com/waypost/waypost/internal/config"
	"github.com/waypost/waypost/internal/logger"
	"github.com/waypost/waypost/internal/relay"
)

func main() {
	var configFlag string
	var wsAddrFlag string
	var restAddrFlag string

	root := &cobra.Command{
		Use:   "waypostd",
		Short: "waypost relay daemon",
		Long:  "Routes signed envelopes between agents over WebSocket and REST, with presence fan-out and store-and-forward buffering.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if configFlag == "" {
				configFlag = config.DefaultPath()
			}
			cfg, err := config.Load(configFlag)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if wsAddrFlag != "" {
				cfg.Listen.WS = wsAddrFlag
			}
			if restAddrFlag != "" {
				cfg.Listen.REST = restAddrFlag
			}
			return serve(cfg)
		},
	}

	root.Flags().StringVar(&configFlag, "config", "", "config file path (default ~/.waypost/config.yaml when present)")
	root.Flags().StringVar(&wsAddrFlag, "ws-addr", "", "WebSocket listen address (overrides config)")
	root.Flags().StringVar(&restAddrFlag, "rest-addr", "", "REST listen address (overrides config)")

	root.AddCommand(keygenCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func serve(cfg *config.Config) error {
	if err := logger.Init(cfg.Logging.Level, cfg.Logging.File); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	srv, err := relay.NewServer(cfg)
	if err != nil {
		return fmt.Errorf("start relay: %w", err)
	}
	defer srv.Shutdown()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// One listener when the REST address is empty or shared, two
	// otherwise.
	combined := cfg.Listen.REST == "" || cfg.Listen.REST == cfg.Listen.WS
	wsSrv := &http.Server{Addr: cfg.Listen.WS, Handler: srv}
	var restSrv *http.Server
	if !combined {
		wsSrv.Handler = srv.WSHandler()
		restSrv = &http.Server{Addr: cfg.Listen.REST, Handler: srv.RESTHandler()}
	}

	errCh := make(chan error, 2)
	go func() {
		if combined {
			fmt.Printf("waypostd listening on %s\n", cfg.Listen.WS)
		} else {
			fmt.Printf("waypostd ws listening on %s\n", cfg.Listen.WS)
		}
		errCh <- wsSrv.ListenAndServe()
	}()
	if restSrv != nil {
		go func() {
			fmt.Printf("waypostd rest listening on %s\n", cfg.Listen.REST)
			errCh <- restSrv.ListenAndServe()
		}()
	}

	if cfg.Admin.Socket != "" {
		adminSrv := admin.NewServer(srv, cfg.Admin.Socket)
		go func() {
			if err := adminSrv.ListenAndServe(ctx); err != nil {
				logger.Error("Admin socket failed", "error", err)
			}
		}()
	}

	go func() {
		if err := cfg.WatchStoredFor(ctx, srv.SetStoredFor); err != nil {
			logger.Error("Stored-for watch failed", "error", err)
		}
	}()

	select {
	case <-ctx.Done():
		fmt.Println("shutting down...")
		srv.Shutdown()
		wsSrv.Close()
		if restSrv != nil {
			restSrv.Close()
		}
		return nil
	case err := <-errCh:
		return err
	}
}
