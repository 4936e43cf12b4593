package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/matst80/airfire/internal/config"
	"github.com/matst80/airfire/internal/events"
	"github.com/matst80/airfire/internal/media"
	"github.com/matst80/airfire/internal/obs"
	"github.com/matst80/airfire/internal/relay"
	"github.com/matst80/airfire/internal/server"
	"github.com/matst80/airfire/internal/state"
)

func main() {
	flag.Parse()
	resolved, err := config.Resolve(flag.CommandLine, configPath)
	if err != nil {
		obs.Error("receiver.config", obs.Fields{"err": err.Error()})
		os.Exit(2)
	}
	if err := run(resolved); err != nil {
		obs.Error("receiver.exit", obs.Fields{"err": err.Error(), "bind": errors.Is(err, server.ErrListenerBindFailed)})
		os.Exit(1)
	}
}

func run(cfg config.Config) error {
	if lvl, ok := obs.ParseLevel(cfg.LogLevel); ok {
		obs.SetLevel(lvl)
	}
	if cfg.Debug {
		obs.EnableDebug(true)
	}
	sc, err := cfg.Server()
	if err != nil {
		return err
	}
	obs.Info("receiver.start", obs.Fields{
		"custom":    sc.CustomAddr,
		"control":   sc.ControlAddr,
		"mode":      sc.ControlMode.String(),
		"device_id": sc.ServerInfo.DeviceID,
		"metrics":   cfg.MetricsAddr,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := state.New(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return err
	}
	defer store.Close()

	hub := relay.NewHub(cfg.RelayQueue)
	defer hub.Close()

	var tee media.Tee
	if cfg.RecordPath != "" {
		rec, err := media.NewFileSink(cfg.RecordPath, cfg.RecordAnnexB)
		if err != nil {
			return err
		}
		defer func() {
			obs.Info("record.close", obs.Fields{"path": cfg.RecordPath, "bytes": rec.Written()})
			_ = rec.Close()
		}()
		tee = append(tee, rec)
	}
	tee = append(tee, hub)
	sink := media.Metered{Next: tee}

	bus := events.NewBus(cfg.EventQueue)
	consumed := make(chan struct{})
	go func() {
		defer close(consumed)
		state.Run(context.Background(), bus.Events(), store, hub)
	}()
	defer func() {
		bus.Close()
		<-consumed
	}()

	ln, err := server.New(sc, sink, bus)
	if err != nil {
		return err
	}
	if err := ln.Start(ctx); err != nil {
		return err
	}
	store.SetReady(true)

	g, gctx := errgroup.WithContext(ctx)
	if rs, ok := store.(*state.Redis); ok {
		g.Go(func() error { rs.Maintain(gctx); return nil })
	}
	if cfg.MetricsAddr != "" {
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: newMux(ln, store, hub), ReadHeaderTimeout: 10 * time.Second}
		g.Go(func() error {
			obs.Info("metrics.listen", obs.Fields{"addr": cfg.MetricsAddr})
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				obs.Error("metrics.server", obs.Fields{"err": err.Error(), "addr": cfg.MetricsAddr})
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		obs.Info("receiver.shutdown.signal", nil)
		store.SetReady(false)
		ln.Stop()
		return nil
	})

	err = g.Wait()
	obs.Info("receiver.shutdown.complete", nil)
	return err
}
