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

package breaker

import (
	"context"
	"time"
)

const (
	Transcription = "transcription"
	AIExtraction  = "ai-extraction"
	Payments      = "payments"
	Email         = "email"
	Database      = "database"
)

// Deferred is the fallback result of a dependency whose work can be retried later.
type Deferred struct {
	Service string `json:"service"`
	Message string `json:"message"`
}

func deferred(service, msg string) Fallback {
	return func(context.Context, error) (interface{}, error) {
		return &Deferred{Service: service, Message: msg}, nil
	}
}

// Presets returns the options tuned for each external dependency.
func Presets() map[string]Options {
	return map[string]Options{
		// Long running jobs, few of them.
		Transcription: {
			FailureThreshold:         3,
			VolumeThreshold:          5,
			ErrorThresholdPercentage: 50,
			ResetTimeout:             2 * time.Minute,
			RequestTimeout:           5 * time.Minute,
		},
		AIExtraction: {
			FailureThreshold:         5,
			VolumeThreshold:          10,
			ErrorThresholdPercentage: 50,
			ResetTimeout:             time.Minute,
			RequestTimeout:           2 * time.Minute,
			Fallback:                 deferred(AIExtraction, "extraction queued for later"),
		},
		// Never fall back on money, a single probe at a time.
		Payments: {
			FailureThreshold:         3,
			VolumeThreshold:          5,
			ErrorThresholdPercentage: 40,
			ResetTimeout:             30 * time.Second,
			RequestTimeout:           15 * time.Second,
			HalfOpenMaxProbes:        1,
		},
		Email: {
			FailureThreshold:         5,
			VolumeThreshold:          10,
			ErrorThresholdPercentage: 50,
			ResetTimeout:             time.Minute,
			RequestTimeout:           10 * time.Second,
			Fallback:                 deferred(Email, "queued for later"),
		},
		Database: {
			FailureThreshold:         10,
			VolumeThreshold:          20,
			ErrorThresholdPercentage: 25,
			ResetTimeout:             10 * time.Second,
			RequestTimeout:           5 * time.Second,
			HalfOpenMaxProbes:        1,
		},
	}
}

// Preset returns the options tuned for name, or the defaults if name has no preset.
func Preset(name string) Options {
	return Presets()[name]
}

// RegisterPresets creates a breaker for every preset.
func (f *Factory) RegisterPresets(ctx context.Context) {
	for name, opts := range Presets() {
		f.GetBreaker(ctx, name, opts)
	}
}
