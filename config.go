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
	"bufio"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mailgun/holster/v4/setter"
	"github.com/oadotman/calliq-sub001/logging"
	"github.com/oadotman/calliq-sub001/ratelimit"
	"github.com/oadotman/calliq-sub001/store"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const envPrefix = "CALLIQ_"

type Config struct {
	// Identifies this process in logs. Default: the hostname
	InstanceID string

	// Address the daemon serves metrics and the admin API on. Default: localhost:9080
	HTTPListenAddress string

	// The shared store, overrides RedisURL. Mostly useful for tests.
	Store store.Store

	// IE: `redis://:password@localhost:6379/0`. No shared store is used when empty; the rate
	// limiter then fails open, the cache passes through and breakers only keep local state.
	RedisURL string

	// Max duration of a single store operation. Default: 500ms
	RedisTimeout time.Duration

	RedisPoolSize int

	// Default: 300s
	CacheTTL time.Duration

	// Share fetches between concurrent GetOrSet() callers of this process
	CacheCoalesce bool

	// Default: 10
	CacheWarmConcurrency int

	// How often stale tag members are pruned, negative disables. Default: 10m
	TagCleanupInterval time.Duration

	// Rate limit policies, the default policies are used when empty
	Policies []ratelimit.Policy

	MetricFlags MetricFlags

	LogLevel  logging.LogLevelJSON
	LogFormat string

	Logger logrus.FieldLogger
}

func (c *Config) SetDefaults() error {
	setter.SetDefault(&c.InstanceID, instanceID())
	setter.SetDefault(&c.HTTPListenAddress, "localhost:9080")
	setter.SetDefault(&c.RedisTimeout, 500*time.Millisecond)
	setter.SetDefault(&c.CacheTTL, 300*time.Second)
	setter.SetDefault(&c.CacheWarmConcurrency, 10)
	setter.SetDefault(&c.TagCleanupInterval, 10*time.Minute)
	setter.SetDefault(&c.Policies, ratelimit.DefaultPolicies())
	setter.SetDefault(&c.LogFormat, "text")
	setter.SetDefault(&c.Logger, logrus.WithField("category", "resilience"))

	seen := make(map[string]struct{}, len(c.Policies))
	for _, p := range c.Policies {
		if err := p.Validate(); err != nil {
			return err
		}
		if _, ok := seen[p.Name]; ok {
			return errors.Errorf("duplicate rate limit policy '%s'", p.Name)
		}
		seen[p.Name] = struct{}{}
	}
	return nil
}

// SetupConfig builds a Config from the environment. If configFile is not nil it is read first
// and each `CALLIQ_ITEM=value` line is put into the environment. Lines that begin with `#` are ignored.
func SetupConfig(log logrus.FieldLogger, configFile io.Reader) (Config, error) {
	var conf Config
	setter.SetDefault(&log, logrus.WithField("category", "resilience"))

	if configFile != nil {
		if err := fromEnvFile(log, configFile); err != nil {
			return conf, err
		}
	}

	setter.SetDefault(&conf.InstanceID, os.Getenv("CALLIQ_INSTANCE_ID"))
	setter.SetDefault(&conf.HTTPListenAddress, os.Getenv("CALLIQ_HTTP_ADDRESS"))
	setter.SetDefault(&conf.RedisURL, os.Getenv("CALLIQ_REDIS_URL"))
	setter.SetDefault(&conf.RedisTimeout, getEnvDuration(log, "CALLIQ_REDIS_TIMEOUT"))
	setter.SetDefault(&conf.RedisPoolSize, getEnvInteger(log, "CALLIQ_REDIS_POOL_SIZE"))
	setter.SetDefault(&conf.CacheTTL, getEnvDuration(log, "CALLIQ_CACHE_TTL"))
	setter.SetDefault(&conf.CacheCoalesce, getEnvBool(log, "CALLIQ_CACHE_COALESCE"))
	setter.SetDefault(&conf.CacheWarmConcurrency, getEnvInteger(log, "CALLIQ_CACHE_WARM_CONCURRENCY"))
	setter.SetDefault(&conf.TagCleanupInterval, getEnvDuration(log, "CALLIQ_CACHE_TAG_CLEANUP_INTERVAL"))
	setter.SetDefault(&conf.LogFormat, os.Getenv("CALLIQ_LOG_FORMAT"))
	conf.MetricFlags = getEnvMetricFlags(log, "CALLIQ_METRIC_FLAGS")

	if v := os.Getenv("CALLIQ_LOG_LEVEL"); v != "" {
		lvl, err := logrus.ParseLevel(v)
		if err != nil {
			return conf, errors.Wrap(err, "while parsing 'CALLIQ_LOG_LEVEL'")
		}
		conf.LogLevel = logging.LogLevelJSON{Level: lvl}
	} else {
		conf.LogLevel = logging.LogLevelJSON{Level: logrus.InfoLevel}
	}

	policies, err := policiesFromEnv()
	if err != nil {
		return conf, err
	}
	conf.Policies = policies
	conf.Logger = log

	if err := conf.SetDefaults(); err != nil {
		return conf, err
	}
	return conf, nil
}

// policiesFromEnv starts from the default policies, `CALLIQ_RATE_LIMIT_<NAME>=<limit>/<window>`
// overrides one or adds a new one.
func policiesFromEnv() ([]ratelimit.Policy, error) {
	const prefix = envPrefix + "RATE_LIMIT_"
	policies := ratelimit.DefaultPolicies()
	index := make(map[string]int, len(policies))
	for i, p := range policies {
		index[p.Name] = i
	}

	for _, kv := range os.Environ() {
		if !strings.HasPrefix(kv, prefix) {
			continue
		}
		parts := strings.SplitN(kv, "=", 2)
		name := strings.ToLower(strings.TrimPrefix(parts[0], prefix))
		if name == "" || len(parts) != 2 {
			continue
		}

		p, err := ratelimit.ParsePolicy(name, parts[1])
		if err != nil {
			return nil, errors.Wrapf(err, "while parsing '%s'", parts[0])
		}
		if i, ok := index[name]; ok {
			policies[i] = p
			continue
		}
		index[name] = len(policies)
		policies = append(policies, p)
	}
	return policies, nil
}

func instanceID() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return uuid.NewString()
}

func getEnvBool(log logrus.FieldLogger, name string) bool {
	v := os.Getenv(name)
	if v == "" {
		return false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.WithError(err).Errorf("while parsing '%s' as a boolean", name)
		return false
	}
	return b
}

func getEnvInteger(log logrus.FieldLogger, name string) int {
	v := os.Getenv(name)
	if v == "" {
		return 0
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		log.WithError(err).Errorf("while parsing '%s' as an integer", name)
		return 0
	}
	return int(i)
}

func getEnvDuration(log logrus.FieldLogger, name string) time.Duration {
	v := os.Getenv(name)
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.WithError(err).Errorf("while parsing '%s' as a duration", name)
		return 0
	}
	return d
}

func getEnvSlice(name string) []string {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	return strings.Split(v, ",")
}

// Take values from a reader in the format `CALLIQ_CONF_ITEM=my-value` and put them into the
// environment. Lines that begin with `#` are ignored.
func fromEnvFile(log logrus.FieldLogger, configFile io.Reader) error {
	scanner := bufio.NewScanner(configFile)
	for i := 1; scanner.Scan(); i++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		log.Debugf("config: [%d] '%s'", i, line)
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 || parts[0] == "" {
			return errors.Errorf("malformed key=value on line '%d'", i)
		}

		if err := os.Setenv(strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])); err != nil {
			return errors.Wrapf(err, "while setting environ for '%s=%s'", parts[0], parts[1])
		}
	}
	return errors.Wrap(scanner.Err(), "while reading config file")
}
