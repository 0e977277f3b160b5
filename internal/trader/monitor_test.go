package trader

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestReversalMonitor(t *testing.T) {
	testCases := []struct {
		name    string
		prices  []string
		want    []monitorOutcome
		wantLow string
	}{
		{
			name:    "fires on bounce off the start price",
			prices:  []string{"100.4", "100.5"},
			want:    []monitorOutcome{monitorWaiting, monitorFired},
			wantLow: "100",
		},
		{
			name:    "new low moves the trigger down",
			prices:  []string{"97", "97.4", "97.5"},
			want:    []monitorOutcome{monitorWaiting, monitorWaiting, monitorFired},
			wantLow: "97",
		},
		{
			name:    "times out without a new low",
			prices:  []string{"100.1", "100.2", "100.3", "100.4", "100.45", "100.49"},
			want:    []monitorOutcome{monitorWaiting, monitorWaiting, monitorWaiting, monitorWaiting, monitorWaiting, monitorAbandoned},
			wantLow: "100",
		},
		{
			name:    "a new low restarts the timeout",
			prices:  []string{"100.1", "100.2", "100.3", "100.4", "99", "99.1"},
			want:    []monitorOutcome{monitorWaiting, monitorWaiting, monitorWaiting, monitorWaiting, monitorWaiting, monitorWaiting},
			wantLow: "99",
		},
		{
			name:    "a new low after the deadline abandons",
			prices:  []string{"100.1", "100.2", "100.3", "100.4", "100.45", "99"},
			want:    []monitorOutcome{monitorWaiting, monitorWaiting, monitorWaiting, monitorWaiting, monitorWaiting, monitorAbandoned},
			wantLow: "100",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			m := newReversalMonitor(d("100"), t0, d("0.005"), 5*time.Minute)
			for i, price := range tc.prices {
				got := m.observe(d(price), t0.Add(time.Duration(i+1)*time.Minute))
				assert.Equal(t, tc.want[i], got, "observation %d at %s", i, price)
			}
			assert.True(t, m.low.Equal(d(tc.wantLow)))
		})
	}
}

func TestReversalMonitor_State(t *testing.T) {
	var none *reversalMonitor
	assert.Nil(t, none.state())

	m := newReversalMonitor(d("200"), t0, d("0.01"), time.Minute)
	state := m.state()
	assert.Equal(t, t0, state.Since)
	assert.True(t, state.Trigger.Equal(d("202")))
}
