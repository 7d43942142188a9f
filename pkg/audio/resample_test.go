package audio_test

import (
	"math"
	"testing"

	"github.com/MrWong99/personaflow/pkg/audio"
)

func TestResample(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		in       []float32
		from, to int
		want     []float32
	}{
		{"same rate", []float32{0.1, 0.2}, 16000, 16000, []float32{0.1, 0.2}},
		{"zero source rate", []float32{0.1, 0.2}, 0, 16000, []float32{0.1, 0.2}},
		{"negative target rate", []float32{0.1, 0.2}, 16000, -1, []float32{0.1, 0.2}},
		{"empty", nil, 48000, 16000, nil},
		{"upsample 2x", []float32{0, 0.5}, 8000, 16000, []float32{0, 0.25, 0.5, 0.5}},
		{"upsample 1.5x", []float32{0, 0.3}, 16000, 24000, []float32{0, 0.2, 0.3}},
		{"downsample 3x", []float32{0.1, 0.2, 0.3, 0.4, 0.5, 0.6}, 48000, 16000, []float32{0.1, 0.4}},
		{"too short for target", []float32{0.5}, 48000, 16000, []float32{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := audio.Resample(tt.in, tt.from, tt.to)
			if len(got) != len(tt.want) {
				t.Fatalf("len = %d, want %d (%v)", len(got), len(tt.want), got)
			}
			for i := range got {
				if math.Abs(float64(got[i]-tt.want[i])) > 1e-6 {
					t.Errorf("sample %d = %v, want %v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestResample_PreservesDuration(t *testing.T) {
	t.Parallel()
	in := make([]float32, 4800) // 100 ms at 48 kHz
	got := audio.Resample(in, 48000, 16000)
	if len(got) != 1600 {
		t.Errorf("len = %d, want 1600 (100 ms at 16 kHz)", len(got))
	}
}

func TestDescribe(t *testing.T) {
	t.Parallel()
	for _, tt := range []struct {
		rate, channels int
		want           string
	}{
		{24000, 1, "24000Hz mono"},
		{48000, 2, "48000Hz stereo"},
		{44100, 6, "44100Hz 6ch"},
	} {
		if got := audio.Describe(tt.rate, tt.channels); got != tt.want {
			t.Errorf("Describe(%d, %d) = %q, want %q", tt.rate, tt.channels, got, tt.want)
		}
	}
}
