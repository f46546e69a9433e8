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

package resilience_test

import (
	"os"
	"strings"
	"testing"
	"time"

	resilience "github.com/oadotman/calliq-sub001"
	"github.com/oadotman/calliq-sub001/ratelimit"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsesRedisURL(t *testing.T) {
	os.Clearenv()
	s := `
# a comment
CALLIQ_REDIS_URL=redis://localhost:6379/2
CALLIQ_REDIS_TIMEOUT=2s
CALLIQ_CACHE_TTL=1m
CALLIQ_CACHE_COALESCE=true`
	conf, err := resilience.SetupConfig(logrus.StandardLogger(), strings.NewReader(s))
	require.NoError(t, err)
	assert.Equal(t, "redis://localhost:6379/2", conf.RedisURL)
	assert.Equal(t, 2*time.Second, conf.RedisTimeout)
	assert.Equal(t, time.Minute, conf.CacheTTL)
	assert.True(t, conf.CacheCoalesce)
}

func TestDefaultConfig(t *testing.T) {
	os.Clearenv()
	conf, err := resilience.SetupConfig(logrus.StandardLogger(), nil)
	require.NoError(t, err)
	assert.NotEmpty(t, conf.InstanceID)
	assert.Empty(t, conf.RedisURL)
	assert.Equal(t, "localhost:9080", conf.HTTPListenAddress)
	assert.Equal(t, 500*time.Millisecond, conf.RedisTimeout)
	assert.Equal(t, 300*time.Second, conf.CacheTTL)
	assert.Equal(t, 10, conf.CacheWarmConcurrency)
	assert.Equal(t, 10*time.Minute, conf.TagCleanupInterval)
	assert.Equal(t, ratelimit.DefaultPolicies(), conf.Policies)
	assert.Equal(t, logrus.InfoLevel, conf.LogLevel.Level)
	assert.Equal(t, "text", conf.LogFormat)
	assert.Equal(t, "none", conf.MetricFlags.String())
}

func TestRateLimitPoliciesFromEnv(t *testing.T) {
	os.Clearenv()
	s := `
CALLIQ_RATE_LIMIT_API=50/30s
CALLIQ_RATE_LIMIT_EXPORT=2/1h`
	conf, err := resilience.SetupConfig(logrus.StandardLogger(), strings.NewReader(s))
	require.NoError(t, err)

	policies := make(map[string]ratelimit.Policy)
	for _, p := range conf.Policies {
		policies[p.Name] = p
	}
	assert.Len(t, policies, 5)
	assert.Equal(t, ratelimit.Policy{Name: "api", Limit: 50, Window: 30 * time.Second}, policies["api"])
	assert.Equal(t, ratelimit.Policy{Name: "export", Limit: 2, Window: time.Hour}, policies["export"])
	assert.Equal(t, ratelimit.PolicyAuth, policies["auth"])

	os.Clearenv()
	_, err = resilience.SetupConfig(logrus.StandardLogger(), strings.NewReader("CALLIQ_RATE_LIMIT_API=lots"))
	assert.Error(t, err)
}

func TestMetricFlagsFromEnv(t *testing.T) {
	os.Clearenv()
	conf, err := resilience.SetupConfig(logrus.StandardLogger(),
		strings.NewReader("CALLIQ_METRIC_FLAGS=os,golang,bogus"))
	require.NoError(t, err)
	assert.True(t, conf.MetricFlags.Has(resilience.FlagOSMetrics))
	assert.True(t, conf.MetricFlags.Has(resilience.FlagGolangMetrics))
	assert.Equal(t, "os,golang", conf.MetricFlags.String())

	conf.MetricFlags.Set(resilience.FlagOSMetrics, false)
	assert.False(t, conf.MetricFlags.Has(resilience.FlagOSMetrics))
	assert.True(t, conf.MetricFlags.Has(resilience.FlagGolangMetrics))
}

func TestLogLevelFromEnv(t *testing.T) {
	os.Clearenv()
	conf, err := resilience.SetupConfig(logrus.StandardLogger(), strings.NewReader("CALLIQ_LOG_LEVEL=debug"))
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, conf.LogLevel.Level)

	os.Clearenv()
	_, err = resilience.SetupConfig(logrus.StandardLogger(), strings.NewReader("CALLIQ_LOG_LEVEL=chatty"))
	assert.Error(t, err)
}

func TestMalformedConfigFile(t *testing.T) {
	os.Clearenv()
	_, err := resilience.SetupConfig(logrus.StandardLogger(), strings.NewReader("CALLIQ_REDIS_URL"))
	assert.Error(t, err)

	// Values may contain '='
	os.Clearenv()
	conf, err := resilience.SetupConfig(logrus.StandardLogger(),
		strings.NewReader("CALLIQ_REDIS_URL=redis://:p=ss@localhost:6379"))
	require.NoError(t, err)
	assert.Equal(t, "redis://:p=ss@localhost:6379", conf.RedisURL)
}

func TestDuplicatePolicies(t *testing.T) {
	conf := resilience.Config{Policies: []ratelimit.Policy{ratelimit.PolicyAPI, ratelimit.PolicyAPI}}
	assert.Error(t, conf.SetDefaults())
}
