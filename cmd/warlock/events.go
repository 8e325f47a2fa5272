package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mirkobrombin/go-warlock/v1/client"
	"github.com/mirkobrombin/go-warlock/v1/metrics"
	"github.com/mirkobrombin/go-warlock/v1/syncbus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newEventsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Publish or follow events on namespaced channels",
	}

	publish := &cobra.Command{
		Use:   "publish [channel] [payload]",
		Short: "Publish one event",
		Long:  "Publish one event. Valid JSON is sent as is, anything else as a JSON string.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := a.clients()
			if err != nil {
				return err
			}
			pub := f.Client(client.Publisher).Client
			bus := syncbus.NewRedisBus(pub, pub, syncbus.WithNamespacer(a.keys()), syncbus.WithLogger(a.logger))
			defer bus.Close()

			var payload any = args[1]
			if json.Valid([]byte(args[1])) {
				payload = json.RawMessage(args[1])
			}
			if err := bus.Publish(cmd.Context(), args[0], payload); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "published=%s\n", syncbus.ChannelName(a.keys(), args[0]))
			return nil
		},
	}

	var (
		limit       int
		metricsAddr string
	)
	subscribe := &cobra.Command{
		Use:   "subscribe [channel]",
		Short: "Print events as they arrive until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			f, err := a.clients()
			if err != nil {
				return err
			}
			bopts := []syncbus.Option{syncbus.WithNamespacer(a.keys()), syncbus.WithLogger(a.logger)}
			if metricsAddr != "" {
				reg := metrics.NewRegistry()
				bopts = append(bopts, syncbus.WithMetrics(reg))
				srv, err := serveMetrics(metricsAddr, reg, a.logger)
				if err != nil {
					return err
				}
				defer func() {
					sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
					defer cancel()
					_ = srv.Shutdown(sctx)
				}()
			}

			sub := f.Client(client.Subscriber).Client
			pub := f.Client(client.Publisher).Client
			bus := syncbus.NewRedisBus(pub, sub, bopts...)
			defer bus.Close()

			ch, err := bus.Subscribe(ctx, args[0])
			if err != nil {
				return err
			}
			a.logger.Info("subscribed", zap.String("channel", syncbus.ChannelName(a.keys(), args[0])))

			seen := 0
			for {
				select {
				case <-ctx.Done():
					return nil
				case msg, ok := <-ch:
					if !ok {
						return nil
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", msg.Channel, msg.Payload)
					seen++
					if limit > 0 && seen >= limit {
						return nil
					}
				}
			}
		},
	}
	subscribe.Flags().IntVar(&limit, "count", 0, "exit after this many events (0 runs until interrupted)")
	subscribe.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address, e.g. :2112")

	var serveAddr string
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Stream events to browsers over SSE and WebSocket",
		Long: `Stream events to browsers. GET /sse?channel=NAME answers with
Server-Sent Events, /ws?channel=NAME with a WebSocket. Prometheus metrics are
served on /metrics.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			f, err := a.clients()
			if err != nil {
				return err
			}
			reg := metrics.NewRegistry()
			pub := f.Client(client.Publisher).Client
			sub := f.Client(client.Subscriber).Client
			bus := syncbus.NewRedisBus(pub, sub,
				syncbus.WithNamespacer(a.keys()),
				syncbus.WithLogger(a.logger),
				syncbus.WithMetrics(reg))
			defer bus.Close()

			srv, err := serveEvents(serveAddr, bus, reg, a.logger)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "listening=%s\n", srv.addr)
			<-ctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return srv.Shutdown(sctx)
		},
	}
	serve.Flags().StringVar(&serveAddr, "addr", ":8080", "listen address")

	cmd.AddCommand(publish, subscribe, serve)
	return cmd
}

type eventServer struct {
	*http.Server
	addr string
}

func serveEvents(addr string, bus syncbus.Bus, reg *prometheus.Registry, logger *zap.Logger) (*eventServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("events listener: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/sse", syncbus.SSEHandler(bus))
	mux.Handle("/ws", syncbus.WebSocketHandler(bus))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &eventServer{
		Server: &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		addr:   ln.Addr().String(),
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("events server stopped", zap.Error(err))
		}
	}()
	logger.Info("serving events", zap.String("addr", srv.addr))
	return srv, nil
}

func serveMetrics(addr string, reg *prometheus.Registry, logger *zap.Logger) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listener: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()
	logger.Info("serving metrics", zap.String("addr", ln.Addr().String()))
	return srv, nil
}
