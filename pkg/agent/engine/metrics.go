/*
Copyright 2022 The Everflow Authors.

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

package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricIterations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "everflow_engine_iterations_total",
		Help: "Number of engine iterations run.",
	})
	metricRecomputes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "everflow_engine_recomputes_total",
		Help: "Number of iterations that ran as a full recompute.",
	})
	metricAborts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "everflow_engine_aborts_total",
		Help: "Number of iterations that ended aborted.",
	})
)
