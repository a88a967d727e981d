package gossip

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
)

func TestFailureDetector(t *testing.T) {
	tests := []struct {
		Name        string
		ExpectedPhi float64
		Reports     []int64
		Now         int64
		SampleSize  int
	}{
		{
			Name:        "bootstrap phi",
			ExpectedPhi: 0.05,
			Reports:     []int64{100},
			Now:         200,
			SampleSize:  10,
		},
		{
			Name:        "low phi",
			ExpectedPhi: 1.0,
			Reports:     []int64{100, 200, 300, 400, 500, 600},
			Now:         700,
			SampleSize:  5,
		},
		{
			Name:        "high phi",
			ExpectedPhi: 14.0,
			Reports:     []int64{100, 200, 300, 400, 500, 600},
			Now:         2000,
			SampleSize:  5,
		},
	}
	for _, tt := range tests {
		t.Run(tt.Name, func(t *testing.T) {
			d := newFailureDetector(2000, tt.SampleSize, clock.New())
			for _, ts := range tt.Reports {
				d.ReportAt("peer-1", time.Unix(0, ts))
			}

			assert.InEpsilon(
				t,
				tt.ExpectedPhi,
				d.PhiAt("peer-1", time.Unix(0, tt.Now)),
				0.01,
			)
		})
	}

	t.Run("unknown peer", func(t *testing.T) {
		d := newFailureDetector(time.Second, 10, clock.New())
		assert.Equal(t, 0.0, d.Phi("unknown"))
	})

	t.Run("remove", func(t *testing.T) {
		c := clock.NewMock()
		d := newFailureDetector(time.Second, 10, c)
		d.Report("peer-1")
		c.Add(time.Minute)
		assert.Greater(t, d.Phi("peer-1"), 50.0)

		d.Remove("peer-1")
		assert.Equal(t, 0.0, d.Phi("peer-1"))
	})
}
