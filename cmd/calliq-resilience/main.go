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

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/mailgun/holster/v4/clock"
	"github.com/mailgun/holster/v4/setter"
	"github.com/mailgun/holster/v4/syncutil"
	resilience "github.com/oadotman/calliq-sub001"
	"github.com/oadotman/calliq-sub001/logging"
	"github.com/oadotman/calliq-sub001/ratelimit"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"golang.org/x/time/rate"
)

var log = logrus.WithField("category", "cli")

func main() {
	app := cli.App{
		Name:  "calliq-resilience",
		Usage: "operate the shared rate limits, cache and circuit breakers",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "environment config file",
				EnvVars: []string{"CALLIQ_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "addr",
				Usage: "address of a running daemon, overrides CALLIQ_HTTP_ADDRESS",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the daemon serving metrics and the admin API",
				Action: runServe,
			},
			{
				Name:  "status",
				Usage: "print rate limit, cache and circuit breaker metrics from the shared store",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "dump", Usage: "dump the metrics with go-spew instead of JSON"},
				},
				Action: runStatus,
			},
			{
				Name:   "clear-cache",
				Usage:  "delete every cache entry and tag",
				Action: runClearCache,
			},
			{
				Name:      "invalidate-tag",
				Usage:     "delete every cache entry stored with a tag",
				ArgsUsage: "<tag>",
				Action:    runInvalidateTag,
			},
			{
				Name:      "reset-limit",
				Usage:     "forget the requests an identifier made under a policy",
				ArgsUsage: "<policy> <identifier>",
				Action:    runResetLimit,
			},
			{
				Name:   "pause",
				Usage:  "reject every request admitted by the daemon",
				Action: daemonAction("/v1/admin/pause"),
			},
			{
				Name:   "resume",
				Usage:  "resume admission on the daemon",
				Action: daemonAction("/v1/admin/resume"),
			},
			{
				Name:      "reset-breaker",
				Usage:     "close a circuit breaker on the daemon",
				ArgsUsage: "<name>",
				Action: func(cctx *cli.Context) error {
					name := cctx.Args().First()
					if name == "" {
						return errors.New("need to provide the breaker name as an argument")
					}
					return daemonAction("/v1/admin/breakers/reset?name=" + url.QueryEscape(name))(cctx)
				},
			},
			{
				Name:   "reset-breakers",
				Usage:  "close every circuit breaker on the daemon",
				Action: daemonAction("/v1/admin/breakers/reset"),
			},
			{
				Name:  "load",
				Usage: "send requests through a rate limit policy and report how many were admitted",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "policy", Value: ratelimit.PolicyAPI.Name},
					&cli.StringFlag{Name: "id", Value: "calliq-cli"},
					&cli.IntFlag{Name: "requests", Value: 200},
					&cli.IntFlag{Name: "concurrency", Value: 4},
					&cli.Float64Flag{Name: "rate", Usage: "requests per second, 0 = no limit"},
				},
				Action: runLoad,
			},
		},
	}
	app.RunAndExitOnError()
}

func setupConfig(cctx *cli.Context) (resilience.Config, error) {
	var r io.Reader
	if path := cctx.String("config"); path != "" {
		f, err := os.Open(path)
		if err != nil {
			return resilience.Config{}, errors.Wrapf(err, "while opening config file '%s'", path)
		}
		defer f.Close()
		r = f
	}

	conf, err := resilience.SetupConfig(log, r)
	if err != nil {
		return conf, err
	}
	setter.SetOverride(&conf.HTTPListenAddress, cctx.String("addr"))

	if err := logging.Setup(os.Stderr, conf.LogLevel, conf.LogFormat); err != nil {
		return conf, err
	}
	return conf, nil
}

// coordinator connects to the shared store without the background work of a daemon.
func coordinator(cctx *cli.Context) (*resilience.Coordinator, error) {
	conf, err := setupConfig(cctx)
	if err != nil {
		return nil, err
	}
	conf.TagCleanupInterval = -1
	return resilience.NewCoordinator(cctx.Context, conf)
}

func runServe(cctx *cli.Context) error {
	conf, err := setupConfig(cctx)
	if err != nil {
		return err
	}
	log.Infof("Command line: %s", strings.Join(os.Args[1:], " "))

	ctx, cancel := context.WithTimeout(cctx.Context, 10*time.Second)
	d, err := resilience.SpawnDaemon(ctx, conf)
	cancel()
	if err != nil {
		return errors.Wrap(err, "while starting daemon")
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	sig := <-c
	log.WithField("signal", sig.String()).Info("caught signal; shutting down")
	d.Close()
	return nil
}

func runStatus(cctx *cli.Context) error {
	c, err := coordinator(cctx)
	if err != nil {
		return err
	}
	defer c.Close()

	m := c.Metrics(cctx.Context)
	if cctx.Bool("dump") {
		spew.Dump(m)
		return nil
	}
	return printJSON(m)
}

func runClearCache(cctx *cli.Context) error {
	c, err := coordinator(cctx)
	if err != nil {
		return err
	}
	defer c.Close()

	fmt.Printf("deleted %d keys\n", c.ClearCache(cctx.Context))
	return nil
}

func runInvalidateTag(cctx *cli.Context) error {
	tag := cctx.Args().First()
	if tag == "" {
		return errors.New("need to provide the tag as an argument")
	}
	c, err := coordinator(cctx)
	if err != nil {
		return err
	}
	defer c.Close()

	fmt.Printf("invalidated %d entries tagged '%s'\n", c.InvalidateCacheTag(cctx.Context, tag), tag)
	return nil
}

func runResetLimit(cctx *cli.Context) error {
	if cctx.NArg() != 2 {
		return errors.New("need to provide the policy and the identifier as arguments")
	}
	policy, id := cctx.Args().Get(0), cctx.Args().Get(1)

	c, err := coordinator(cctx)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.ResetRateLimit(cctx.Context, policy, id); err != nil {
		return err
	}
	fmt.Printf("reset '%s' on policy '%s'\n", id, policy)
	return nil
}

// daemonAction POSTs to the admin API of the daemon. Pausing and breaker state belong to
// the daemon process, they can't be changed through the shared store.
func daemonAction(path string) cli.ActionFunc {
	return func(cctx *cli.Context) error {
		conf, err := setupConfig(cctx)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cctx.Context, 10*time.Second)
		defer cancel()

		u := fmt.Sprintf("http://%s%s", conf.HTTPListenAddress, path)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, nil)
		if err != nil {
			return err
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return errors.Wrapf(err, "while contacting daemon at '%s'", conf.HTTPListenAddress)
		}
		defer resp.Body.Close()

		b, err := io.ReadAll(resp.Body)
		if err != nil {
			return errors.Wrap(err, "while reading daemon response")
		}
		if resp.StatusCode != http.StatusOK {
			return errors.Errorf("daemon returned %s: %s", resp.Status, strings.TrimSpace(string(b)))
		}
		fmt.Println(strings.TrimSpace(string(b)))
		return nil
	}
}

func runLoad(cctx *cli.Context) error {
	c, err := coordinator(cctx)
	if err != nil {
		return err
	}
	defer c.Close()

	l, err := c.Limiter(cctx.String("policy"))
	if err != nil {
		return err
	}

	var limiter *rate.Limiter
	if r := cctx.Float64("rate"); r > 0 {
		limiter = rate.NewLimiter(rate.Limit(r), 1)
	}

	var allowed, denied, failedOpen int64
	ctx := cctx.Context
	id := cctx.String("id")
	start := clock.Now()

	fan := syncutil.NewFanOut(cctx.Int("concurrency"))
	for i := 0; i < cctx.Int("requests"); i++ {
		fan.Run(func(interface{}) error {
			if limiter != nil {
				if err := limiter.Wait(ctx); err != nil {
					return err
				}
			}
			res, err := l.Take(ctx, id)
			switch {
			case res.FailedOpen:
				atomic.AddInt64(&failedOpen, 1)
			case err == nil:
				atomic.AddInt64(&allowed, 1)
			case errors.Is(err, ratelimit.ErrRateLimited):
				atomic.AddInt64(&denied, 1)
			default:
				return err
			}
			return nil
		}, nil)
	}
	if errs := fan.Wait(); len(errs) != 0 {
		return errs[0]
	}

	return printJSON(map[string]interface{}{
		"policy":     l.Policy().String(),
		"allowed":    allowed,
		"denied":     denied,
		"failedOpen": failedOpen,
		"elapsed":    clock.Since(start).String(),
		"status":     l.Status(ctx, id),
	})
}

func printJSON(obj interface{}) error {
	b, err := json.MarshalIndent(obj, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}
