// MCU controller: writes the kconfig, builds the firmware and runs the
// flash command lines for a single microcontroller.
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package mcuflasher

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"klipper-go-flasher/pkg/config"
	"klipper-go-flasher/pkg/errors"
	"klipper-go-flasher/pkg/log"
	"klipper-go-flasher/pkg/shell"
)

// DefaultTimeout bounds every command a flash run executes.
const DefaultTimeout = 300 * time.Second

// Sink line markers
const (
	MarkerInfo  = "//"
	MarkerError = "!!"
)

// GCodeResponseEvent is the server event carrying console output.
const GCodeResponseEvent = "server:gcode_response"

const (
	kconfigFile    = ".config"
	kconfigTmpFile = ".defconfig.tmp"
)

// State is the progress of one flash run.
type State int

const (
	StateIdle State = iota
	StateWritingConfig
	StateConfiguring
	StateBuilding
	StateFlashing
	StateSucceeded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWritingConfig:
		return "writing_config"
	case StateConfiguring:
		return "configuring"
	case StateBuilding:
		return "building"
	case StateFlashing:
		return "flashing"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// CommandRunner executes a shell command line.
type CommandRunner interface {
	Run(ctx context.Context, cmd string, opts shell.Options) error
}

// EventSink delivers server events to connected clients.
type EventSink interface {
	SendEvent(event string, data any)
}

// MCU flashes one microcontroller. It is immutable after NewMCU.
type MCU struct {
	name        string
	klipperPath string
	kconfig     string
	flashCmd    string
	silent      bool
	timeout     time.Duration

	runner CommandRunner
	events EventSink
	logger *log.Logger
}

// NewMCU reads an [mcu_flasher <name>] section. kconfig and flash_cmd are
// required and must not be empty.
func NewMCU(name, klipperPath string, sec *config.Section, runner CommandRunner, events EventSink) (*MCU, error) {
	kconfig, err := sec.Get("kconfig")
	if err != nil {
		return nil, errors.ConfigError(sec.GetName(), err)
	}
	kconfig = strings.TrimSpace(kconfig)
	if kconfig == "" {
		return nil, errors.ConfigError(sec.GetName(), config.ErrEmptyOption(sec.GetName(), "kconfig"))
	}

	flashCmd, err := sec.Get("flash_cmd")
	if err != nil {
		return nil, errors.ConfigError(sec.GetName(), err)
	}
	if strings.TrimSpace(flashCmd) == "" {
		return nil, errors.ConfigError(sec.GetName(), config.ErrEmptyOption(sec.GetName(), "flash_cmd"))
	}

	silent, err := sec.GetBool("silent", false)
	if err != nil {
		return nil, errors.ConfigError(sec.GetName(), err)
	}
	zero := 0.0
	timeout, err := sec.GetFloatWithBounds("timeout", config.FloatBounds{Above: &zero}, DefaultTimeout.Seconds())
	if err != nil {
		return nil, errors.ConfigError(sec.GetName(), err)
	}

	return &MCU{
		name:        name,
		klipperPath: klipperPath,
		kconfig:     kconfig,
		flashCmd:    flashCmd,
		silent:      silent,
		timeout:     time.Duration(timeout * float64(time.Second)),
		runner:      runner,
		events:      events,
		logger:      log.GetLogger("mcu_flasher").WithPrefix("mcu_flasher." + name),
	}, nil
}

// Name returns the registry key of this MCU.
func (m *MCU) Name() string { return m.name }

// Silent reports whether build and flash stdout is suppressed.
func (m *MCU) Silent() bool { return m.silent }

// Timeout returns the per-command timeout.
func (m *MCU) Timeout() time.Duration { return m.timeout }

// FlashCommands returns the non-blank flash command lines in order.
func (m *MCU) FlashCommands() []string {
	var cmds []string
	for _, line := range strings.Split(m.flashCmd, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			cmds = append(cmds, line)
		}
	}
	return cmds
}

func (m *MCU) configPath() string {
	return filepath.Join(m.klipperPath, kconfigFile)
}

// Flash writes the kconfig, builds the firmware and runs each flash
// command. Build and flash failures are reported to the console and
// yield (StateFailed, nil). A kconfig that cannot be written or
// normalized is returned as an ErrConfigWrite error.
func (m *MCU) Flash(ctx context.Context) (State, error) {
	m.emit(MarkerInfo, fmt.Sprintf("<<<<<<<<<<<<<<< %s: start flashing... >>>>>>>>>>>>>>", m.name))

	m.enter(StateWritingConfig)
	if err := m.writeConfig(); err != nil {
		m.logger.WithError(err).Error("Failed to write kconfig file")
		return StateFailed, errors.ConfigWriteError(m.name, err)
	}

	m.enter(StateConfiguring)
	if err := m.normalizeConfig(ctx); err != nil {
		m.logger.WithError(err).Error("Failed to normalize kconfig file")
		return StateFailed, withStderr(errors.ConfigWriteError(m.name, err))
	}

	state := m.enter(StateBuilding)
	m.logger.Info("Compile firmware for '%s'...", m.name)
	makeCmd := fmt.Sprintf("make KCONFIG_CONFIG=%s", m.configPath())
	for _, cmd := range []string{makeCmd + " olddefconfig", makeCmd} {
		if err := m.runCmd(ctx, cmd); err != nil {
			return m.failed(state, errors.BuildFailedError(m.name, err)), nil
		}
	}

	state = m.enter(StateFlashing)
	m.logger.Info("Flash firmware on '%s'...", m.name)
	for _, cmd := range m.FlashCommands() {
		if err := m.runCmd(ctx, cmd); err != nil {
			return m.failed(state, errors.FlashFailedError(m.name, err)), nil
		}
	}

	m.logger.Info("Firmware flashed successfully on '%s'", m.name)
	m.emit(MarkerInfo, fmt.Sprintf("  %s: flashing SUCCEED\n", m.name))
	return StateSucceeded, nil
}

func (m *MCU) enter(s State) State {
	m.logger.Debug("%s: %s", m.name, s)
	return s
}

func (m *MCU) failed(at State, herr *errors.HostError) State {
	m.logger.WithFields(log.Fields{
		"state":  at.String(),
		"stderr": errors.StderrOf(withStderr(herr)),
	}).Error("Flashing of '%s' failed: %v", m.name, herr)
	m.emit(MarkerError, fmt.Sprintf("  %s: flashing FAILED\n", m.name))
	return StateFailed
}

// withStderr attaches the stderr of a failed shell command to herr.
func withStderr(herr *errors.HostError) *errors.HostError {
	var cerr *shell.CommandError
	if stderrors.As(herr.Err, &cerr) {
		herr.SetStderr(cerr.Stderr)
	}
	return herr
}

// writeConfig places the kconfig at <tree>/.config. The source is a file
// when it resolves to one, otherwise literal kconfig text staged through
// a temporary file. A source that already is <tree>/.config is used as is.
func (m *MCU) writeConfig() error {
	dst := m.configPath()
	src := config.ExpandUser(m.kconfig)
	if !filepath.IsAbs(src) {
		src = filepath.Join(m.klipperPath, src)
	}
	if info, err := os.Stat(src); err == nil && info.Mode().IsRegular() {
		if cur, err := os.Stat(dst); err == nil && os.SameFile(info, cur) {
			m.logger.Debug("kconfig '%s' already is %s", m.kconfig, dst)
			return nil
		}
		return copyFile(src, dst)
	}

	tmp := filepath.Join(m.klipperPath, kconfigTmpFile)
	if err := os.WriteFile(tmp, []byte(m.kconfig+"\n"), 0o644); err != nil {
		return err
	}
	defer os.Remove(tmp)
	return copyFile(tmp, dst)
}

// normalizeConfig fills in defaults for unset kconfig options.
func (m *MCU) normalizeConfig(ctx context.Context) error {
	script := filepath.Join("lib", "kconfiglib", "olddefconfig.py")
	schema := filepath.Join("src", "Kconfig")
	return m.runner.Run(ctx, fmt.Sprintf("python3 %s %s", script, schema), shell.Options{
		Dir:     m.klipperPath,
		Env:     []string{"KCONFIG_CONFIG=" + m.configPath()},
		Timeout: m.timeout,
	})
}

// runCmd echoes cmd to the console and runs it in the firmware tree.
func (m *MCU) runCmd(ctx context.Context, cmd string) error {
	cmd = strings.Trim(cmd, " \n")
	if cmd == "" {
		return nil
	}
	m.emit(MarkerInfo, "> "+cmd)

	opts := shell.Options{
		Dir:     m.klipperPath,
		Timeout: m.timeout,
		Stderr:  func(line string) { m.emit(MarkerError, "  "+line) },
	}
	if !m.silent {
		opts.Stdout = func(line string) { m.emit(MarkerInfo, "  "+line) }
	}
	return m.runner.Run(ctx, cmd, opts)
}

// emit sends a console line prefixed with marker and logs it.
func (m *MCU) emit(marker, msg string) {
	line := marker + " " + msg
	if marker == MarkerError {
		m.logger.Warn("%s", line)
	} else {
		m.logger.Info("%s", line)
	}
	if m.events != nil {
		m.events.SendEvent(GCodeResponseEvent, line)
	}
}

// copyFile replaces dst with a copy of src through a temporary file in
// the destination directory, so dst is never left truncated.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.CreateTemp(filepath.Dir(dst), filepath.Base(dst)+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(out.Name())

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Chmod(0o644); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Rename(out.Name(), dst)
}
