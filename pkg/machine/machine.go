// Package machine controls the host's system services, used to stop and
// start the printer controller around firmware updates.
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.
package machine

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"klipper-go-flasher/pkg/config"
	"klipper-go-flasher/pkg/errors"
	"klipper-go-flasher/pkg/log"
	"klipper-go-flasher/pkg/shell"
)

// Service providers
const (
	ProviderSystemdCLI = "systemd_cli"
	ProviderNone       = "none"
)

var (
	validActions = map[string]bool{"start": true, "stop": true, "restart": true}
	serviceName  = regexp.MustCompile(`^[A-Za-z0-9_.@-]+$`)
)

// CommandRunner executes a shell command line.
type CommandRunner interface {
	Run(ctx context.Context, cmd string, opts shell.Options) error
}

// Manager performs service actions through the configured provider.
type Manager struct {
	provider       string
	commandPrefix  string
	klipperService string
	timeout        time.Duration
	runner         CommandRunner
	logger         *log.Logger
}

// New reads the [machine] section. A missing section selects systemd
// via "sudo systemctl".
func New(cfg *config.Config, runner CommandRunner) (*Manager, error) {
	sec := cfg.GetSectionOptional("machine")
	provider, err := sec.GetChoice("provider", []string{ProviderSystemdCLI, ProviderNone}, ProviderSystemdCLI)
	if err != nil {
		return nil, err
	}
	prefix, err := sec.Get("command_prefix", "sudo systemctl")
	if err != nil {
		return nil, err
	}
	svc, err := sec.Get("klipper_service", "klipper")
	if err != nil {
		return nil, err
	}
	if !serviceName.MatchString(svc) {
		return nil, config.ErrInvalidValue(sec.GetName(), "klipper_service", svc, "a systemd unit name")
	}
	zero := 0.0
	timeout, err := sec.GetFloatWithBounds("service_timeout", config.FloatBounds{Above: &zero}, 60)
	if err != nil {
		return nil, err
	}
	return &Manager{
		provider:       provider,
		commandPrefix:  prefix,
		klipperService: svc,
		timeout:        time.Duration(timeout * float64(time.Second)),
		runner:         runner,
		logger:         log.GetLogger("machine"),
	}, nil
}

// KlipperService returns the unit name of the printer controller.
func (m *Manager) KlipperService() string {
	return m.klipperService
}

// Provider returns the configured service provider.
func (m *Manager) Provider() string {
	return m.provider
}

// DoServiceAction runs action (start, stop or restart) on service and
// waits for the provider to finish.
func (m *Manager) DoServiceAction(ctx context.Context, action, service string) error {
	if !validActions[action] {
		return errors.ServiceActionError(action, service, fmt.Errorf("invalid action"))
	}
	if !serviceName.MatchString(service) {
		return errors.ServiceActionError(action, service, fmt.Errorf("invalid service name"))
	}

	if m.provider == ProviderNone {
		m.logger.Info("Service provider disabled, skipping %s of %s", action, service)
		return nil
	}

	cmd := fmt.Sprintf("%s %s %s", m.commandPrefix, action, service)
	m.logger.Info("Service action: %s", cmd)
	err := m.runner.Run(ctx, cmd, shell.Options{Timeout: m.timeout})
	if err != nil {
		herr := errors.ServiceActionError(action, service, err)
		if cerr, ok := err.(*shell.CommandError); ok {
			herr.SetStderr(cerr.Stderr)
		}
		return herr
	}
	return nil
}
