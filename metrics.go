// Copyright 2024 The imagecache authors.
// SPDX-License-Identifier: Apache-2.0

package imagecache

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	imageCacheHitCount = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "image_cache_hits",
			Help: "Number of lookups served from the decoded image cache.",
		})
	imageCacheMissCount = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "image_cache_misses",
			Help: "Number of lookups that fell through to a fetch and decode.",
		})
	imageCacheEvictionCount = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "image_cache_evictions",
			Help: "Number of entries evicted to stay under the cost ceiling.",
		})
	imageCacheFlushCount = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "image_cache_flushes",
			Help: "Number of full cache flushes, typically from memory pressure.",
		})
	remoteImageFetchErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "remote_image_fetch_errors",
			Help: "Total image fetch failures",
		})
	imageTransformationSummary = prometheus.NewSummary(
		prometheus.SummaryOpts{
			Name: "image_transformation_seconds",
			Help: "Time taken for image transformations in seconds.",
		})
	httpRequestsResponseTime = prometheus.NewSummary(
		prometheus.SummaryOpts{
			Namespace: "http",
			Name:      "response_time_seconds",
			Help:      "Request response times",
		})
)

func init() {
	prometheus.MustRegister(imageCacheHitCount)
	prometheus.MustRegister(imageCacheMissCount)
	prometheus.MustRegister(imageCacheEvictionCount)
	prometheus.MustRegister(imageCacheFlushCount)
	prometheus.MustRegister(remoteImageFetchErrors)
	prometheus.MustRegister(imageTransformationSummary)
	prometheus.MustRegister(httpRequestsResponseTime)
}
