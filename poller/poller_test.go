package poller

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cepro/mppgateway/command"
	"github.com/cepro/mppgateway/inverter"
	"github.com/cepro/mppgateway/telemetry"
	"github.com/cepro/mppgateway/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// silentFor answers every command with its test fixture, except the listed ones which never get an answer.
type silentFor map[string]bool

func (s silentFor) Kind() transport.Kind { return transport.KindSerial }
func (s silentFor) Address() string      { return "/dev/ttyUSB0" }

func (s silentFor) Exchange(_ context.Context, cmd *command.Matched) ([]byte, error) {
	if s[cmd.Descriptor.Name] {
		return nil, nil
	}
	fixture, _ := cmd.Descriptor.TestResponse()
	return []byte(fixture), nil
}

type pollRecorder struct {
	mu    sync.Mutex
	polls []string
}

func (r *pollRecorder) ObservePoll(device string, _ time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.polls = append(r.polls, device)
}

func newTestDevice(t *testing.T) *inverter.Device {
	t.Helper()
	device, err := inverter.New("TEST")
	require.NoError(t, err)
	return device
}

func newSilentDevice(t *testing.T, silent silentFor) *inverter.Device {
	t.Helper()
	device, err := inverter.New("", inverter.WithTransport(silent), inverter.WithRetry(2, 0))
	require.NoError(t, err)
	return device
}

func TestPollOnce(t *testing.T) {
	device := newTestDevice(t)
	observer := &pollRecorder{}
	p := New(device, []string{"QPIGS", "QMOD"}, observer)

	reading, err := p.PollOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "9293333010501", reading.SerialNumber)
	assert.Equal(t, device.ID(), reading.DeviceID)
	assert.Equal(t, telemetry.Value{Value: 230.0, Unit: "V"}, reading.Values["AC_Output_Voltage"])
	assert.Equal(t, telemetry.Value{Value: 57.5, Unit: "V"}, reading.Values["Battery_Voltage"])
	assert.Equal(t, "Battery", reading.Values["Device_Mode"].Value)
	assert.Equal(t, []string{"TEST"}, observer.polls)
}

func TestPollOnce_FailingQueryIsSkipped(t *testing.T) {
	p := New(newSilentDevice(t, silentFor{"QMOD": true}), []string{"QMOD", "QPIGS"}, nil)

	reading, err := p.PollOnce(context.Background())
	require.NoError(t, err)

	assert.NotContains(t, reading.Values, "Device_Mode")
	assert.Contains(t, reading.Values, "AC_Output_Voltage")
}

func TestPollOnce_Errors(t *testing.T) {
	p := New(newSilentDevice(t, silentFor{"QID": true}), nil, nil)
	_, err := p.PollOnce(context.Background())
	assert.ErrorIs(t, err, inverter.ErrExecutionFailed)

	observer := &pollRecorder{}
	p = New(newSilentDevice(t, silentFor{"QPIGS": true, "Q1": true}), nil, observer)
	_, err = p.PollOnce(context.Background())
	assert.ErrorIs(t, err, ErrNoData)
	assert.Empty(t, observer.polls)
}

func TestRun(t *testing.T) {
	p := New(newTestDevice(t), []string{"QPIGS"}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		p.Run(ctx, 5*time.Millisecond)
		close(done)
	}()

	for i := 0; i < 2; i++ {
		select {
		case reading := <-p.Readings:
			assert.Equal(t, "9293333010501", reading.SerialNumber)
			assert.Contains(t, reading.Values, "PV_Input_Voltage")
		case <-time.After(5 * time.Second):
			t.Fatal("no reading polled")
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestSettings(t *testing.T) {
	p := New(newTestDevice(t), nil, nil)

	settings, err := p.Settings(context.Background())
	require.NoError(t, err)

	tests := []struct {
		key  string
		want telemetry.Setting
	}{
		{key: "AC_Output_Voltage", want: telemetry.Setting{Value: 230.0, Default: 230.0, Unit: "V"}},
		{key: "Max_Charging_Current", want: telemetry.Setting{Value: int64(10), Default: int64(60), Unit: "A"}},
		{key: "Battery_Type", want: telemetry.Setting{Value: "User", Default: "AGM"}},
		{key: "Battery_Float_Charge_Voltage", want: telemetry.Setting{Value: 54.0, Default: 54.0, Unit: "V"}},
		{key: "AC_Input_Current", want: telemetry.Setting{Value: 21.7, Unit: "A"}},
		{key: "Buzzer", want: telemetry.Setting{Value: "enabled"}},
		{key: "Overload_Bypass", want: telemetry.Setting{Value: "disabled"}},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			assert.Equal(t, tt.want, settings[tt.key])
		})
	}
}

func TestSettings_Error(t *testing.T) {
	p := New(newSilentDevice(t, silentFor{"QDI": true}), nil, nil)

	_, err := p.Settings(context.Background())

	assert.ErrorIs(t, err, inverter.ErrExecutionFailed)
	assert.ErrorContains(t, err, "read default settings")
}
