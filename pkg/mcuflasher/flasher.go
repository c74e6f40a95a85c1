// Package mcuflasher builds and flashes Klipper firmware onto the MCUs
// declared by [mcu_flasher <name>] sections.
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package mcuflasher

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode"

	"github.com/google/uuid"

	"klipper-go-flasher/pkg/config"
	"klipper-go-flasher/pkg/errors"
	"klipper-go-flasher/pkg/log"
	"klipper-go-flasher/pkg/metrics"
)

const (
	sectionPrefix = "mcu_flasher"

	// TargetAll selects every registered MCU.
	TargetAll = "all"

	MethodFlashMCU = "flash_mcu"
	MethodList     = "machine.mcu_flasher.list"
)

// StatusChecker reports whether the printer is running a job.
type StatusChecker interface {
	IsPrinting(ctx context.Context) (bool, error)
}

// ServiceManager starts and stops host services.
type ServiceManager interface {
	DoServiceAction(ctx context.Context, action, service string) error
	KlipperService() string
}

// Restarter asks Klippy for a RESTART or FIRMWARE_RESTART.
type Restarter interface {
	DoRestart(ctx context.Context, gc string) error
}

// Host is the API server the flasher plugs into.
type Host interface {
	EventSink
	AddWarning(msg string)
	RegisterMethod(name string, handler func(ctx context.Context, params map[string]any) (any, error))
}

// Deps are the collaborators of a Flasher.
type Deps struct {
	// KlipperPath is the firmware source tree shared by every MCU.
	KlipperPath string

	Status   StatusChecker
	Services ServiceManager
	Printer  Restarter
	Runner   CommandRunner
	Host     Host

	// Metrics is optional.
	Metrics *metrics.FlasherMetrics
}

// Flasher is the registry of MCU controllers and serves flash requests.
type Flasher struct {
	deps   Deps
	mcus   map[string]*MCU
	order  []string
	busy   atomic.Bool
	logger *log.Logger

	mu      sync.Mutex
	results map[string]State
	closed  bool
	running sync.WaitGroup
}

// New constructs one MCU per mcu_flasher section in declaration order.
// Sections that fail to load are skipped and reported as server warnings.
// When deps.Host is set the flash_mcu remote method is registered.
func New(cfg *config.Config, deps Deps) *Flasher {
	f := &Flasher{
		deps:    deps,
		mcus:    make(map[string]*MCU),
		logger:  log.GetLogger("mcu_flasher"),
		results: make(map[string]State),
	}

	sections := cfg.GetPrefixSections(sectionPrefix)
	names := make([]string, 0, len(sections))
	for _, sec := range sections {
		names = append(names, sec.GetName())
	}
	f.logger.Info("Loading MCU flashers: %v", names)

	for _, sec := range sections {
		name := mcuKey(sec.GetName())
		if _, dup := f.mcus[name]; dup {
			f.warn(name, errors.ConfigError(sec.GetName(), fmt.Errorf("duplicate MCU name '%s'", name)))
			continue
		}
		mcu, err := NewMCU(name, deps.KlipperPath, sec, deps.Runner, deps.Host)
		if err != nil {
			f.warn(name, err)
			continue
		}
		f.mcus[name] = mcu
		f.order = append(f.order, name)
		f.logger.Info("Flashers for MCU '%s' registered", name)
	}

	if deps.Host != nil {
		deps.Host.RegisterMethod(MethodFlashMCU, f.callFlashMCU)
		deps.Host.RegisterMethod(MethodList, f.callList)
	}
	return f
}

// mcuKey returns the registry key of a section: everything after the
// first word, lowercased. A bare [mcu_flasher] keys as "mcu_flasher".
func mcuKey(section string) string {
	section = strings.TrimSpace(section)
	if i := strings.IndexFunc(section, unicode.IsSpace); i >= 0 {
		section = strings.TrimSpace(section[i:])
	}
	return strings.ToLower(section)
}

func (f *Flasher) warn(name string, err error) {
	msg := fmt.Sprintf("Failed to load MCU flasher [%s]\n%v", name, err)
	f.logger.Warn("%s", msg)
	if f.deps.Host != nil {
		f.deps.Host.AddWarning(msg)
	}
}

// MCUs returns the registered MCU names in declaration order.
func (f *Flasher) MCUs() []string {
	return append([]string(nil), f.order...)
}

// Lookup returns the controller registered under name.
func (f *Flasher) Lookup(name string) (*MCU, bool) {
	mcu, ok := f.mcus[strings.ToLower(name)]
	return mcu, ok
}

// LastState returns the outcome of the most recent flash of name.
func (f *Flasher) LastState(name string) State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.results[strings.ToLower(name)]
}

// Busy reports whether a flash request is running.
func (f *Flasher) Busy() bool {
	return f.busy.Load()
}

func (f *Flasher) resolve(target string) ([]string, error) {
	target = strings.ToLower(strings.TrimSpace(target))
	if target == "" || target == TargetAll {
		return f.MCUs(), nil
	}
	if _, ok := f.mcus[target]; !ok {
		return nil, errors.UnknownMCUError(target)
	}
	return []string{target}, nil
}

// FlashMCU stops the Klipper service, flashes target ("all" or an MCU
// name) and starts the service again followed by a FIRMWARE_RESTART.
//
// The request is refused without side effects while printing, for an
// unknown target or while another request runs. An MCU whose build or
// flash fails is reported on the console and the remaining MCUs still
// run. A kconfig write failure or a failed service action aborts the
// request and is returned.
func (f *Flasher) FlashMCU(ctx context.Context, target string) (err error) {
	defer func() { f.deps.Metrics.RecordRequest(err) }()

	// A flash must run to completion even if the caller goes away.
	ctx = context.WithoutCancel(ctx)

	printing, err := f.deps.Status.IsPrinting(ctx)
	if err != nil {
		return err
	}
	if printing {
		return errors.PrinterBusyError()
	}
	keys, err := f.resolve(target)
	if err != nil {
		return err
	}
	if err := f.begin(); err != nil {
		return err
	}
	defer f.end()

	logger := f.logger.WithFields(log.Fields{
		"request_id": uuid.New().String(),
		"target":     target,
	})
	logger.Info("Flashing MCUs %v", keys)

	service := f.deps.Services.KlipperService()
	if err := f.deps.Services.DoServiceAction(ctx, "stop", service); err != nil {
		logger.WithError(err).Error("Failed to stop %s", service)
		return err
	}

	var failed []string
	for _, key := range keys {
		start := time.Now()
		state, err := f.mcus[key].Flash(ctx)
		f.record(key, state)
		f.deps.Metrics.RecordMCU(key, state.String(), time.Since(start))
		if err != nil {
			logger.WithError(err).WithField("stderr", errors.StderrOf(err)).
				Error("Aborting flash request at '%s'", key)
			return err
		}
		if state != StateSucceeded {
			failed = append(failed, key)
		}
	}

	if err := f.deps.Services.DoServiceAction(ctx, "start", service); err != nil {
		logger.WithError(err).Error("Failed to start %s", service)
		return err
	}
	if err := f.deps.Printer.DoRestart(ctx, "FIRMWARE_RESTART"); err != nil {
		logger.WithError(err).Error("FIRMWARE_RESTART failed")
		return err
	}

	if len(failed) > 0 {
		logger.Warn("Flash request finished, failed MCUs: %v", failed)
	} else {
		logger.Info("Flash request finished")
	}
	return nil
}

// begin claims the flasher for one request.
func (f *Flasher) begin() error {
	if !f.busy.CompareAndSwap(false, true) {
		return errors.FlashInProgressError()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		f.busy.Store(false)
		return errors.RuntimeError("MCU flasher is shutting down")
	}
	f.running.Add(1)
	f.deps.Metrics.SetInProgress(true)
	return nil
}

func (f *Flasher) end() {
	f.deps.Metrics.SetInProgress(false)
	f.busy.Store(false)
	f.running.Done()
}

// Close refuses new flash requests and waits for a running one to
// finish, so the Klipper service is always started again.
func (f *Flasher) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	if f.Busy() {
		f.logger.Info("Waiting for the running flash request to finish")
	}
	f.running.Wait()
}

func (f *Flasher) record(name string, state State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[name] = state
}

// callFlashMCU serves flash_mcu with an optional "mcu" parameter.
func (f *Flasher) callFlashMCU(ctx context.Context, params map[string]any) (any, error) {
	target := TargetAll
	if v, ok := params["mcu"]; ok && v != nil {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("parameter 'mcu' must be a string")
		}
		target = s
	}
	if err := f.FlashMCU(ctx, target); err != nil {
		return nil, err
	}
	return "ok", nil
}

func (f *Flasher) callList(ctx context.Context, params map[string]any) (any, error) {
	mcus := make([]map[string]any, 0, len(f.order))
	for _, name := range f.order {
		mcu := f.mcus[name]
		mcus = append(mcus, map[string]any{
			"name":       name,
			"silent":     mcu.Silent(),
			"timeout":    mcu.Timeout().Seconds(),
			"flash_cmd":  mcu.FlashCommands(),
			"last_state": f.LastState(name).String(),
		})
	}
	return map[string]any{
		"mcus": mcus,
		"busy": f.Busy(),
	}, nil
}
