/*
Copyright 2026 Calliq Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package resilience

import (
	"context"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/mailgun/holster/v4/clock"
	"github.com/mailgun/holster/v4/syncutil"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Daemon serves prometheus metrics and the admin API of a Coordinator over HTTP.
type Daemon struct {
	HTTPListener net.Listener
	Coordinator  *Coordinator

	log     logrus.FieldLogger
	conf    Config
	httpSrv *http.Server
	wg      syncutil.WaitGroup
}

// SpawnDaemon creates a Coordinator from conf and starts serving on HTTPListenAddress. This
// function blocks until the daemon responds to connections.
func SpawnDaemon(ctx context.Context, conf Config) (*Daemon, error) {
	if err := conf.SetDefaults(); err != nil {
		return nil, err
	}
	d := Daemon{
		conf: conf,
		log:  conf.Logger.WithField("instance", conf.InstanceID),
	}
	if err := d.Start(ctx); err != nil {
		d.Close()
		return nil, err
	}
	return &d, nil
}

func (d *Daemon) Start(ctx context.Context) error {
	var err error

	d.Coordinator, err = NewCoordinator(ctx, d.conf)
	if err != nil {
		return errors.Wrap(err, "while creating coordinator")
	}

	d.HTTPListener, err = net.Listen("tcp", d.conf.HTTPListenAddress)
	if err != nil {
		return errors.Wrap(err, "while starting HTTP listener")
	}

	errLog := log.New(&logWriter{log: d.log}, "", 0)
	d.httpSrv = &http.Server{Handler: d.newHandler(), ErrorLog: errLog}

	d.wg.Go(func() {
		d.log.Infof("HTTP Listening on %s ...", d.Address())
		if err := d.httpSrv.Serve(d.HTTPListener); err != nil {
			if err != http.ErrServerClosed {
				d.log.WithError(err).Error("while starting HTTP server")
			}
		}
	})

	return WaitForConnect(ctx, []string{d.Address()})
}

// Address is the address the HTTP listener is bound to.
func (d *Daemon) Address() string {
	if d.HTTPListener == nil {
		return d.conf.HTTPListenAddress
	}
	return d.HTTPListener.Addr().String()
}

// Close gracefully stops the HTTP server and the coordinator.
func (d *Daemon) Close() {
	if d.httpSrv != nil {
		d.log.Infof("HTTP close for %s ...", d.Address())
		if err := d.httpSrv.Shutdown(context.Background()); err != nil {
			d.log.WithError(err).Error("during shutdown")
		}
		d.wg.Stop()
		d.httpSrv = nil
	}
	if d.Coordinator != nil {
		if err := d.Coordinator.Close(); err != nil {
			d.log.WithError(err).Debug("while closing the shared store")
		}
		d.Coordinator = nil
	}
}

// WaitForConnect returns nil if the list of addresses is listening
// for connections; will block until context is cancelled.
func WaitForConnect(ctx context.Context, addresses []string) error {
	var dialer net.Dialer
	for {
		var errs []string
		for _, addr := range addresses {
			if addr == "" {
				continue
			}
			conn, err := dialer.DialContext(ctx, "tcp", addr)
			if err != nil {
				errs = append(errs, err.Error())
				continue
			}
			_ = conn.Close()
		}

		if len(errs) == 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), strings.Join(errs, "\n"))
		case <-clock.After(100 * time.Millisecond):
		}
	}
}

type logWriter struct {
	log logrus.FieldLogger
}

func (w *logWriter) Write(p []byte) (int, error) {
	w.log.Error(strings.TrimSpace(string(p)))
	return len(p), nil
}
