// Flasher metrics
//
// Copyright (C) 2026 Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

import (
	"strings"
	"time"

	"klipper-go-flasher/pkg/errors"
)

// FlasherMetrics tracks flash requests and per-MCU results.
type FlasherMetrics struct {
	registry *Registry

	FlashRequests   *Counter
	MCUFlashes      *Counter
	FlashDuration   *Histogram
	FlashInProgress *Gauge
}

// NewFlasherMetrics creates the flasher metrics in their own registry.
func NewFlasherMetrics() *FlasherMetrics {
	fm := &FlasherMetrics{
		registry: NewRegistry(),
		FlashRequests: NewCounter("mcu_flasher_requests_total",
			"Flash requests by result"),
		MCUFlashes: NewCounter("mcu_flasher_mcu_flashes_total",
			"Per-MCU flash attempts by final state"),
		// 5s .. ~21min
		FlashDuration: NewHistogram("mcu_flasher_flash_duration_seconds",
			"Time spent building and flashing one MCU",
			ExponentialBuckets(5, 2, 9)),
		FlashInProgress: NewGauge("mcu_flasher_in_progress",
			"1 while a flash request is running"),
	}
	fm.registry.MustRegister(fm.FlashRequests)
	fm.registry.MustRegister(fm.MCUFlashes)
	fm.registry.MustRegister(fm.FlashDuration)
	fm.registry.MustRegister(fm.FlashInProgress)
	return fm
}

// Registry returns the registry holding the flasher metrics.
func (fm *FlasherMetrics) Registry() *Registry {
	return fm.registry
}

// RequestResult returns the result label for a finished request.
func RequestResult(err error) string {
	if err == nil {
		return "ok"
	}
	if code := errors.CodeOf(err); code != "" {
		return strings.ToLower(string(code))
	}
	return "error"
}

// RecordRequest counts a finished flash request.
func (fm *FlasherMetrics) RecordRequest(err error) {
	if fm == nil {
		return
	}
	fm.FlashRequests.Inc(Labels{"result": RequestResult(err)})
}

// RecordMCU records the final state and duration of one MCU flash.
func (fm *FlasherMetrics) RecordMCU(mcu, state string, elapsed time.Duration) {
	if fm == nil {
		return
	}
	fm.MCUFlashes.Inc(Labels{"mcu": mcu, "state": state})
	fm.FlashDuration.Observe(Labels{"mcu": mcu}, elapsed.Seconds())
}

// SetInProgress updates the in-progress gauge.
func (fm *FlasherMetrics) SetInProgress(running bool) {
	if fm == nil {
		return
	}
	v := 0.0
	if running {
		v = 1
	}
	fm.FlashInProgress.Set(nil, v)
}

// Gather renders the flasher metrics in Prometheus text format.
func (fm *FlasherMetrics) Gather() string {
	return fm.registry.Gather()
}
