package timeparse

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToMinutes(t *testing.T) {
	tests := []struct {
		label string
		want  int
	}{
		{"12:00 AM", 0},
		{"12:30 AM", 30},
		{"8:00 AM", 480},
		{"08:15 am", 495},
		{"12:00 PM", 720},
		{"1:00 PM", 780},
		{"11:30 PM", 1410},
		{" 9:05PM ", 1265},
	}

	for _, tt := range tests {
		t.Run(tt.label, func(t *testing.T) {
			got, err := ToMinutes(tt.label)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestToMinutes_Invalid(t *testing.T) {
	for _, label := range []string{"", "8 AM", "13:00 PM", "0:30 AM", "8:60 AM", "8:00", "08:00:00 AM", "noon"} {
		t.Run(label, func(t *testing.T) {
			_, err := ToMinutes(label)
			require.Error(t, err)
			var fe *FormatError
			assert.ErrorAs(t, err, &fe)
			assert.Equal(t, label, fe.Label)
		})
	}
}

func TestFormatMinutes(t *testing.T) {
	assert.Equal(t, "12:00 AM", FormatMinutes(0))
	assert.Equal(t, "9:00 AM", FormatMinutes(540))
	assert.Equal(t, "12:00 PM", FormatMinutes(720))
	assert.Equal(t, "11:30 PM", FormatMinutes(1410))
	assert.Equal(t, "1:00 AM", FormatMinutes(1440+60))
	assert.Equal(t, "11:00 PM", FormatMinutes(-60))
}

func TestAddDuration(t *testing.T) {
	tests := []struct {
		name  string
		label string
		hours float64
		want  string
	}{
		{"whole hours", "9:00 AM", 2, "11:00 AM"},
		{"crosses noon", "11:00 AM", 1.5, "12:30 PM"},
		{"test package", "1:00 PM", 2.5, "3:30 PM"},
		{"wraps past midnight", "11:30 PM", 1, "12:30 AM"},
		{"zero", "7:45 AM", 0, "7:45 AM"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := AddDuration(tt.label, tt.hours)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := AddDuration("later", 1)
	assert.Error(t, err)
}

func TestRoundTrip(t *testing.T) {
	for m := 0; m < MinutesPerDay; m += 15 {
		got, err := ToMinutes(FormatMinutes(m))
		require.NoError(t, err)
		assert.Equal(t, m, got)
	}
}
