// Copyright 2025 Warden Labs
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package ops serves the operational gRPC endpoints: health checks
// that track the platform session and server reflection, over h2c so
// probes work without TLS.
package ops

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"connectrpc.com/connect"
	"connectrpc.com/grpchealth"
	"connectrpc.com/grpcreflect"
	"github.com/wardenlabs/warden/event"
	"github.com/wardenlabs/warden/gateway"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// GatewayServiceName is the health service reporting the platform
// session: NOT_SERVING until the session identifies, SERVING while
// connected. The overall check (empty service name) reports process
// liveness only.
const GatewayServiceName = "warden.gateway"

type Config struct {
	Logger          *slog.Logger
	EventBus        *event.EventBus
	Host            string
	Port            uint
	TlsCertFilePath string
	TlsKeyFilePath  string
}

type Ops struct {
	config  Config
	checker *grpchealth.StaticChecker
	server  *http.Server
}

func New(cfg Config) *Ops {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	cfg.Logger = cfg.Logger.With("component", "ops")
	if cfg.Host == "" {
		cfg.Host = "0.0.0.0"
	}
	o := &Ops{
		config:  cfg,
		checker: grpchealth.NewStaticChecker(GatewayServiceName),
	}
	o.checker.SetStatus(GatewayServiceName, grpchealth.StatusNotServing)
	if cfg.EventBus != nil {
		cfg.EventBus.SubscribeFunc(
			gateway.ReadyEventType,
			func(_ event.Event) {
				o.checker.SetStatus(
					GatewayServiceName,
					grpchealth.StatusServing,
				)
			},
		)
		cfg.EventBus.SubscribeFunc(
			gateway.DisconnectEventType,
			func(_ event.Event) {
				o.checker.SetStatus(
					GatewayServiceName,
					grpchealth.StatusNotServing,
				)
			},
		)
	}
	return o
}

func (o *Ops) handler() http.Handler {
	mux := http.NewServeMux()
	compress1KB := connect.WithCompressMinBytes(1024)
	mux.Handle(grpchealth.NewHandler(o.checker, compress1KB))
	reflector := grpcreflect.NewStaticReflector(
		grpchealth.HealthV1ServiceName,
	)
	mux.Handle(grpcreflect.NewHandlerV1(reflector, compress1KB))
	mux.Handle(grpcreflect.NewHandlerV1Alpha(reflector, compress1KB))
	return mux
}

// Start binds the listener and serves in the background. A zero Port
// binds an ephemeral port. Serve errors after a successful bind are
// logged, not returned.
func (o *Ops) Start() error {
	mux := o.handler()
	addr := fmt.Sprintf("%s:%d", o.config.Host, o.config.Port)
	useTls := o.config.TlsCertFilePath != "" && o.config.TlsKeyFilePath != ""
	o.server = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 60 * time.Second,
	}
	if !useTls {
		// Use h2c so we can serve HTTP/2 without TLS
		o.server.Handler = h2c.NewHandler(mux, &http2.Server{})
	}
	// SO_REUSEADDR/SO_REUSEPORT so a restarting bot can rebind the
	// health port without waiting out TIME_WAIT
	listenConfig := net.ListenConfig{
		Control: socketControl,
	}
	listener, err := listenConfig.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return fmt.Errorf("start ops listener: %w", err)
	}
	if useTls {
		o.config.Logger.Info(
			fmt.Sprintf(
				"starting gRPC health TLS listener on %s",
				listener.Addr(),
			),
		)
	} else {
		o.config.Logger.Info(
			fmt.Sprintf(
				"starting gRPC health listener on %s",
				listener.Addr(),
			),
		)
	}
	go func() {
		var serveErr error
		if useTls {
			serveErr = o.server.ServeTLS(
				listener,
				o.config.TlsCertFilePath,
				o.config.TlsKeyFilePath,
			)
		} else {
			serveErr = o.server.Serve(listener)
		}
		if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			o.config.Logger.Error(
				"ops listener failed",
				"error", serveErr,
			)
		}
	}()
	return nil
}

// Stop drains in-flight requests and closes the listener.
func (o *Ops) Stop(ctx context.Context) error {
	if o.server == nil {
		return nil
	}
	if err := o.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown ops listener: %w", err)
	}
	return nil
}
