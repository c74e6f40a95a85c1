package mcuflasher

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"klipper-go-flasher/pkg/errors"
	"klipper-go-flasher/pkg/metrics"
	"klipper-go-flasher/pkg/shell"
)

const registryConfig = `
[mcu_flasher Octopus]
kconfig: CONFIG_MACH_STM32=y
flash_cmd:
  echo octopus-1
  echo octopus-2
  echo octopus-3

[mcu_flasher broken]
kconfig: CONFIG_MACH_RP2040=y

[mcu_flasher EBB36]
kconfig: CONFIG_MACH_STM32G0B1=y
flash_cmd: echo ebb36
`

func newFlasher(t *testing.T, conf string, r *recorder) *Flasher {
	t.Helper()
	return New(loadConfig(t, conf), r.deps(t.TempDir()))
}

// flashRuns filters the recorded calls down to service actions, flash
// command lines and restarts.
func flashRuns(r *recorder) []string {
	var out []string
	for _, c := range r.gotCalls() {
		switch {
		case c == "is_printing":
		case strings.HasPrefix(c, "run python3"), strings.HasPrefix(c, "run make"):
		default:
			out = append(out, c)
		}
	}
	return out
}

func TestRegistryLoad(t *testing.T) {
	r := newRecorder()
	f := newFlasher(t, registryConfig, r)

	assert.Equal(t, []string{"octopus", "ebb36"}, f.MCUs())

	mcu, ok := f.Lookup("OCTOPUS")
	require.True(t, ok)
	assert.Equal(t, "octopus", mcu.Name())
	_, ok = f.Lookup("broken")
	assert.False(t, ok)

	require.Len(t, r.warnings, 1)
	assert.True(t, strings.HasPrefix(r.warnings[0], "Failed to load MCU flasher [broken]\n"))
	assert.Contains(t, r.warnings[0], "flash_cmd")

	assert.Contains(t, r.methods, MethodFlashMCU)
	assert.Contains(t, r.methods, MethodList)
}

func TestRegistryBareAndDuplicateSections(t *testing.T) {
	r := newRecorder()
	f := newFlasher(t, `
[mcu_flasher]
kconfig: a.cfg
flash_cmd: make flash

[mcu_flasher toolhead]
kconfig: b.cfg
flash_cmd: make flash

[mcu_flasher ToolHead]
kconfig: c.cfg
flash_cmd: make flash

[mcu_flasher spare ToolHead]
kconfig: d.cfg
flash_cmd: make flash
`, r)

	assert.Equal(t, []string{"mcu_flasher", "toolhead", "spare toolhead"}, f.MCUs())
	_, ok := f.Lookup("Spare Toolhead")
	assert.True(t, ok)
	require.Len(t, r.warnings, 1)
	assert.Contains(t, r.warnings[0], "duplicate MCU name 'toolhead'")
}

func TestMCUKey(t *testing.T) {
	assert.Equal(t, "octopus", mcuKey("mcu_flasher Octopus"))
	assert.Equal(t, "mcu_flasher", mcuKey("mcu_flasher"))
	assert.Equal(t, "a octopus", mcuKey("mcu_flasher  a Octopus"))
}

func TestFlashAllInOrder(t *testing.T) {
	r := newRecorder()
	f := newFlasher(t, registryConfig, r)

	require.NoError(t, f.FlashMCU(context.Background(), "ALL"))
	assert.Equal(t, []string{
		"stop klipper",
		"run echo octopus-1",
		"run echo octopus-2",
		"run echo octopus-3",
		"run echo ebb36",
		"start klipper",
		"FIRMWARE_RESTART",
	}, flashRuns(r))
	assert.Equal(t, StateSucceeded, f.LastState("octopus"))
	assert.Equal(t, StateSucceeded, f.LastState("ebb36"))
	assert.False(t, f.Busy())
}

func TestFlashSingleTarget(t *testing.T) {
	r := newRecorder()
	f := newFlasher(t, registryConfig, r)

	require.NoError(t, f.FlashMCU(context.Background(), "Ebb36"))
	assert.Equal(t, []string{"stop klipper", "run echo ebb36", "start klipper", "FIRMWARE_RESTART"}, flashRuns(r))
	assert.Equal(t, StateIdle, f.LastState("octopus"))
}

func TestFlashUnknownMCU(t *testing.T) {
	r := newRecorder()
	f := newFlasher(t, registryConfig, r)

	err := f.FlashMCU(context.Background(), "broken")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrUnknownMCU))
	assert.Equal(t, []string{"is_printing"}, r.gotCalls())
}

func TestFlashPrinterBusy(t *testing.T) {
	r := newRecorder()
	r.printing = true
	f := newFlasher(t, registryConfig, r)

	err := f.FlashMCU(context.Background(), "all")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrPrinterBusy))
	assert.Equal(t, "[PRINTER_BUSY] Flashing Refused: Klippy is printing", err.Error())
	assert.Equal(t, []string{"is_printing"}, r.gotCalls())
	assert.Empty(t, r.gotEvents())
}

func TestFlashFailureDoesNotStopSiblings(t *testing.T) {
	r := newRecorder()
	r.script = failOn("octopus-2")
	f := newFlasher(t, registryConfig, r)

	require.NoError(t, f.FlashMCU(context.Background(), "all"))
	assert.Equal(t, []string{
		"stop klipper",
		"run echo octopus-1",
		"run echo octopus-2",
		"run echo ebb36",
		"start klipper",
		"FIRMWARE_RESTART",
	}, flashRuns(r))
	assert.Equal(t, StateFailed, f.LastState("octopus"))
	assert.Equal(t, StateSucceeded, f.LastState("ebb36"))

	events := r.gotEvents()
	assert.Contains(t, events, "!!   octopus: flashing FAILED\n")
	assert.Contains(t, events, "//   ebb36: flashing SUCCEED\n")
}

func TestFlashRecordsMetrics(t *testing.T) {
	r := newRecorder()
	r.script = failOn("octopus-2")
	fm := metrics.NewFlasherMetrics()
	d := r.deps(t.TempDir())
	d.Metrics = fm
	f := New(loadConfig(t, registryConfig), d)

	require.NoError(t, f.FlashMCU(context.Background(), "all"))
	r.printing = true
	assert.Error(t, f.FlashMCU(context.Background(), "all"))

	assert.Equal(t, uint64(1), fm.FlashRequests.Get(metrics.Labels{"result": "ok"}))
	assert.Equal(t, uint64(1), fm.FlashRequests.Get(metrics.Labels{"result": "printer_busy"}))
	assert.Equal(t, uint64(1), fm.MCUFlashes.Get(metrics.Labels{"mcu": "octopus", "state": "failed"}))
	assert.Equal(t, uint64(1), fm.MCUFlashes.Get(metrics.Labels{"mcu": "ebb36", "state": "succeeded"}))
	assert.Equal(t, uint64(1), fm.FlashDuration.Count(metrics.Labels{"mcu": "ebb36"}))
	assert.Equal(t, 0.0, fm.FlashInProgress.Get(nil))
}

func TestFlashConfigWriteAbortsRequest(t *testing.T) {
	r := newRecorder()
	r.script = failOn("olddefconfig.py")
	f := newFlasher(t, registryConfig, r)

	err := f.FlashMCU(context.Background(), "all")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrConfigWrite))
	assert.Equal(t, []string{"stop klipper"}, flashRuns(r))
	assert.Equal(t, StateFailed, f.LastState("octopus"))
	assert.False(t, f.Busy())
}

func TestFlashServiceStopFailure(t *testing.T) {
	r := newRecorder()
	r.stopErr = errors.ServiceActionError("stop", "klipper", fmt.Errorf("exit status 1"))
	f := newFlasher(t, registryConfig, r)

	err := f.FlashMCU(context.Background(), "all")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrServiceAction))
	assert.Equal(t, []string{"stop klipper"}, flashRuns(r))
}

func TestFlashRestartFailure(t *testing.T) {
	r := newRecorder()
	r.restartErr = errors.KlippyError("gcode/script", fmt.Errorf("timed out"))
	f := newFlasher(t, registryConfig, r)

	err := f.FlashMCU(context.Background(), "ebb36")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrKlippy))
}

func TestFlashInProgress(t *testing.T) {
	r := newRecorder()
	started := make(chan struct{})
	release := make(chan struct{})
	r.script = func(cmd string, opts shell.Options) error {
		if cmd == "echo ebb36" {
			close(started)
			<-release
		}
		return nil
	}
	f := newFlasher(t, registryConfig, r)

	done := make(chan error, 1)
	go func() { done <- f.FlashMCU(context.Background(), "ebb36") }()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("flash did not start")
	}
	assert.True(t, f.Busy())

	err := f.FlashMCU(context.Background(), "octopus")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrFlashInProgress))

	close(release)
	require.NoError(t, <-done)
	assert.False(t, f.Busy())
}

func TestCloseWaitsForRunningRequest(t *testing.T) {
	r := newRecorder()
	started := make(chan struct{})
	release := make(chan struct{})
	r.script = func(cmd string, opts shell.Options) error {
		if cmd == "echo ebb36" {
			close(started)
			<-release
		}
		return nil
	}
	f := newFlasher(t, registryConfig, r)

	done := make(chan error, 1)
	go func() { done <- f.FlashMCU(context.Background(), "ebb36") }()
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("flash did not start")
	}

	closed := make(chan struct{})
	go func() {
		f.Close()
		close(closed)
	}()
	select {
	case <-closed:
		t.Fatal("Close returned while a flash was running")
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not return")
	}
	require.NoError(t, <-done)
	assert.Equal(t, []string{"stop klipper", "run echo ebb36", "start klipper", "FIRMWARE_RESTART"}, flashRuns(r))

	err := f.FlashMCU(context.Background(), "ebb36")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrRuntime))
	assert.False(t, f.Busy())
	assert.Equal(t, []string{"stop klipper", "run echo ebb36", "start klipper", "FIRMWARE_RESTART"}, flashRuns(r))
}

func TestCloseIdle(t *testing.T) {
	f := newFlasher(t, registryConfig, newRecorder())
	f.Close()
	assert.Error(t, f.FlashMCU(context.Background(), "all"))
}

func TestFlashIgnoresCallerCancellation(t *testing.T) {
	r := newRecorder()
	ctx, cancel := context.WithCancel(context.Background())
	r.script = func(cmd string, opts shell.Options) error {
		cancel()
		return nil
	}
	f := newFlasher(t, registryConfig, r)

	require.NoError(t, f.FlashMCU(ctx, "all"))
	assert.Equal(t, StateSucceeded, f.LastState("ebb36"))
}

func TestRemoteFlashMCU(t *testing.T) {
	r := newRecorder()
	newFlasher(t, registryConfig, r)
	call := r.methods[MethodFlashMCU]

	result, err := call(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Contains(t, flashRuns(r), "run echo octopus-1")

	_, err = call(context.Background(), map[string]any{"mcu": "nope"})
	assert.True(t, errors.Is(err, errors.ErrUnknownMCU))

	_, err = call(context.Background(), map[string]any{"mcu": 3})
	assert.Error(t, err)
}

func TestRemoteList(t *testing.T) {
	r := newRecorder()
	newFlasher(t, registryConfig, r)

	result, err := r.methods[MethodList](context.Background(), nil)
	require.NoError(t, err)

	info := result.(map[string]any)
	assert.Equal(t, false, info["busy"])
	mcus := info["mcus"].([]map[string]any)
	require.Len(t, mcus, 2)
	assert.Equal(t, "octopus", mcus[0]["name"])
	assert.Equal(t, []string{"echo octopus-1", "echo octopus-2", "echo octopus-3"}, mcus[0]["flash_cmd"])
	assert.Equal(t, 300.0, mcus[0]["timeout"])
	assert.Equal(t, "idle", mcus[1]["last_state"])
}
