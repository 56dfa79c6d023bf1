package modem

import (
	"testing"
	"time"

	"github.com/sensorsafrica/airnode/helpers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gpio "github.com/temoto/gpio-cdev-go"
	gpio_mock "github.com/temoto/gpio-cdev-go/mock"
)

func TestPowerLinePulse(t *testing.T) {
	t.Parallel()

	const line uint32 = 17
	var levels []byte
	lines := &gpio_mock.MockLines{}
	lines.On("SetFunc", line).Return(gpio.LineSetFunc(func(v byte) { levels = append(levels, v) }))
	lines.On("Flush").Return(nil)
	lines.On("Close").Return(nil)
	chip := &gpio_mock.MockChip{}
	chip.On("OpenLines", gpio.GPIOHANDLE_REQUEST_OUTPUT, "modem-pwrkey", line).Return(lines, nil)
	chip.On("Close").Return(nil)

	pl, err := NewPowerLine(chip, line, "modem-pwrkey")
	require.NoError(t, err)
	clock := helpers.NewMockClock(time.Time{})
	require.NoError(t, Pulse(pl, clock, true, time.Second))
	assert.Equal(t, []byte{1, 0}, levels)
	assert.Equal(t, time.Second, clock.Slept())
	lines.AssertNumberOfCalls(t, "Flush", 2)

	require.NoError(t, pl.Close())
	lines.AssertCalled(t, "Close")
	chip.AssertCalled(t, "Close")
	chip.AssertExpectations(t)
}
