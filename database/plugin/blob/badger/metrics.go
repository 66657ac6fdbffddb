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

package badger

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricNamePrefix = "warden_blob_"

type blobMetrics struct {
	ops   *prometheus.CounterVec
	bytes *prometheus.CounterVec
}

func registerBlobMetrics(registry prometheus.Registerer) *blobMetrics {
	if registry == nil {
		return &blobMetrics{}
	}
	promautoFactory := promauto.With(registry)
	return &blobMetrics{
		ops: promautoFactory.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricNamePrefix + "ops_total",
				Help: "total number of blob store operations",
			},
			[]string{"op"},
		),
		bytes: promautoFactory.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricNamePrefix + "bytes_total",
				Help: "total bytes transferred by blob store operations",
			},
			[]string{"op"},
		),
	}
}

func (m *blobMetrics) observe(op string, size int) {
	if m == nil || m.ops == nil {
		return
	}
	m.ops.WithLabelValues(op).Inc()
	if size > 0 {
		m.bytes.WithLabelValues(op).Add(float64(size))
	}
}
