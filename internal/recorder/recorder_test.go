package recorder

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/veloterm/internal/metrics"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newFixture() (*Recorder, *metrics.Buffer, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 8, 26, 7, 0, 0, 0, time.UTC)}
	buffer := metrics.NewBuffer(nil)
	buffer.SetClock(clock.now)
	r := New(testLogger(), buffer, nil)
	r.SetClock(clock.now)
	return r, buffer, clock
}

func TestTickRecordsSnapshot(t *testing.T) {
	r, buffer, clock := newFixture()

	buffer.Update(metrics.Power, 250)
	buffer.Update(metrics.HeartRate, 140)
	r.Tick()

	rows := r.Rows()
	require.Len(t, rows, 1)
	assert.Equal(t, clock.t, rows[0].At)
	assert.Equal(t, 250.0, rows[0].Values["power"])
	assert.Equal(t, 140.0, rows[0].Values["heart_rate"])
}

func TestTickSkipsEmptySnapshot(t *testing.T) {
	r, _, _ := newFixture()
	r.Tick()
	assert.Zero(t, r.Len())
}

func TestRowsAreIndependentCopies(t *testing.T) {
	r, buffer, _ := newFixture()
	buffer.Update(metrics.Power, 250)
	r.Tick()

	rows := r.Rows()
	rows[0].Values["power"] = 0

	assert.Equal(t, 250.0, r.Rows()[0].Values["power"])
}

func TestRetentionWindow(t *testing.T) {
	r, buffer, clock := newFixture()

	buffer.Update(metrics.Power, 100)
	r.Tick()

	// Ride on past the retention window; old rows fall out.
	clock.advance(61 * time.Minute)
	buffer.Update(metrics.Power, 200)
	r.Tick()

	rows := r.Rows()
	require.Len(t, rows, 1)
	assert.Equal(t, 200.0, rows[0].Values["power"])
}

func TestRowsStayOrdered(t *testing.T) {
	r, buffer, clock := newFixture()

	for i := 0; i < 5; i++ {
		buffer.Update(metrics.Cadence, float64(80+i))
		r.Tick()
		clock.advance(time.Second)
	}

	rows := r.Rows()
	require.Len(t, rows, 5)
	for i := 1; i < len(rows); i++ {
		assert.True(t, rows[i].At.After(rows[i-1].At))
	}
	assert.Equal(t, 84.0, rows[4].Values["cadence"])
}
