// Copyright 2024 The LUCI Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics defines the commit queue monitoring metrics.
package metrics

import (
	"math"
	"time"

	"go.chromium.org/luci/common/tsmon/distribution"
	"go.chromium.org/luci/common/tsmon/field"
	"go.chromium.org/luci/common/tsmon/metric"
	"go.chromium.org/luci/common/tsmon/types"
)

const numBucket = 100

// Public contains the metrics describing what the commit queue does to
// changes.
var Public = struct {
	Committed     metric.Counter
	Discarded     metric.Counter
	Verifications metric.Counter
	QueueLength   metric.Int
}{
	Committed: metric.NewCounter(
		"commitqueue/committed",
		"Number of changes committed.",
		nil,

		field.String("project"),
	),
	Discarded: metric.NewCounter(
		"commitqueue/discarded",
		"Number of changes removed from the queue without being committed.",
		nil,

		field.String("project"),
		field.String("state"), // combined state of the change when discarded.
	),
	Verifications: metric.NewCounter(
		"commitqueue/verifications",
		"Number of verifier runs by outcome.",
		nil,

		field.String("verifier"),
		field.String("state"),
	),
	QueueLength: metric.NewInt(
		"commitqueue/queue_length",
		"Number of changes in the queue at the end of a cycle.",
		nil,

		field.String("project"),
	),
}

// Internal contains metrics about the commit queue internals.
var Internal = struct {
	PresubmitDurations   metric.CumulativeDistribution
	StatusPacketsSent    metric.Counter
	StatusPacketsDropped metric.Counter
	CycleDurations       metric.CumulativeDistribution
}{
	PresubmitDurations: metric.NewCumulativeDistribution(
		"commitqueue/internal/presubmit/durations",
		"Distribution of presubmit check durations (in milliseconds).",
		&types.MetricMetadata{Units: types.Milliseconds},
		// 1ms..1h.
		distribution.GeometricBucketer(math.Pow(float64(time.Hour/time.Millisecond), 1.0/numBucket), numBucket),

		field.Bool("timed_out"),
	),
	StatusPacketsSent: metric.NewCounter(
		"commitqueue/internal/status/sent",
		"Number of status packets delivered to the dashboard.",
		nil,
	),
	StatusPacketsDropped: metric.NewCounter(
		"commitqueue/internal/status/dropped",
		"Number of status packets abandoned.",
		nil,
	),
	CycleDurations: metric.NewCumulativeDistribution(
		"commitqueue/internal/cycle/durations",
		"Distribution of polling cycle durations (in milliseconds).",
		&types.MetricMetadata{Units: types.Milliseconds},
		distribution.GeometricBucketer(math.Pow(float64(time.Hour/time.Millisecond), 1.0/numBucket), numBucket),

		field.String("project"),
	),
}
