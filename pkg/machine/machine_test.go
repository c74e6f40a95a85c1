package machine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"klipper-go-flasher/pkg/config"
	"klipper-go-flasher/pkg/errors"
	"klipper-go-flasher/pkg/shell"
)

type mockRunner struct {
	mock.Mock
}

func (m *mockRunner) Run(ctx context.Context, cmd string, opts shell.Options) error {
	return m.Called(cmd, opts.Timeout).Error(0)
}

func newManager(t *testing.T, conf string, runner CommandRunner) *Manager {
	t.Helper()
	cfg, err := config.LoadString(conf)
	require.NoError(t, err)
	m, err := New(cfg, runner)
	require.NoError(t, err)
	return m
}

func TestDefaults(t *testing.T) {
	m := newManager(t, "", &mockRunner{})
	assert.Equal(t, ProviderSystemdCLI, m.Provider())
	assert.Equal(t, "klipper", m.KlipperService())
	assert.Equal(t, 60*time.Second, m.timeout)
}

func TestDoServiceAction(t *testing.T) {
	runner := &mockRunner{}
	runner.On("Run", "sudo systemctl stop klipper", 60*time.Second).Return(nil).Once()
	runner.On("Run", "sudo systemctl start klipper", 60*time.Second).Return(nil).Once()

	m := newManager(t, "", runner)
	require.NoError(t, m.DoServiceAction(context.Background(), "stop", "klipper"))
	require.NoError(t, m.DoServiceAction(context.Background(), "start", "klipper"))
	runner.AssertExpectations(t)
}

func TestDoServiceActionCustomPrefix(t *testing.T) {
	runner := &mockRunner{}
	runner.On("Run", "systemctl --user restart klipper-1", 5*time.Second).Return(nil).Once()

	m := newManager(t, `
[machine]
command_prefix: systemctl --user
klipper_service: klipper-1
service_timeout: 5
`, runner)
	require.NoError(t, m.DoServiceAction(context.Background(), "restart", m.KlipperService()))
	runner.AssertExpectations(t)
}

func TestDoServiceActionFailure(t *testing.T) {
	runner := &mockRunner{}
	runner.On("Run", mock.Anything, mock.Anything).Return(&shell.CommandError{
		Cmd:        "sudo systemctl stop klipper",
		ReturnCode: 1,
		Stderr:     "Failed to stop klipper.service: Access denied",
	})

	m := newManager(t, "", runner)
	err := m.DoServiceAction(context.Background(), "stop", "klipper")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrServiceAction))
	assert.Equal(t, "Failed to stop klipper.service: Access denied", errors.StderrOf(err))
}

func TestDoServiceActionValidation(t *testing.T) {
	runner := &mockRunner{}
	m := newManager(t, "", runner)

	assert.Error(t, m.DoServiceAction(context.Background(), "reload", "klipper"))
	assert.Error(t, m.DoServiceAction(context.Background(), "stop", "klipper; rm -rf /"))
	runner.AssertNotCalled(t, "Run", mock.Anything, mock.Anything)
}

func TestProviderNone(t *testing.T) {
	runner := &mockRunner{}
	m := newManager(t, "[machine]\nprovider: none\n", runner)

	require.NoError(t, m.DoServiceAction(context.Background(), "stop", "klipper"))
	runner.AssertNotCalled(t, "Run", mock.Anything, mock.Anything)
}

func TestInvalidConfig(t *testing.T) {
	for _, conf := range []string{
		"[machine]\nprovider: supervisord\n",
		"[machine]\nklipper_service: kli pper\n",
		"[machine]\nservice_timeout: 0\n",
	} {
		cfg, err := config.LoadString(conf)
		require.NoError(t, err)
		_, err = New(cfg, &mockRunner{})
		assert.Error(t, err, conf)
	}
}
