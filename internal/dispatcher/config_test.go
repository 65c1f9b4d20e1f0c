package dispatcher

import (
	"geoalign/pkg/circuitbreaker"
	"testing"
	"time"
)

func TestMemoryConfig_WithDefaults(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   MemoryConfig
		want MemoryConfig
	}{
		{"zero", MemoryConfig{}, MemoryConfig{BufferSize: 1000, Workers: 2, HTTPTimeout: 10 * time.Second}},
		{"negative", MemoryConfig{BufferSize: -1, Workers: -1, HTTPTimeout: -time.Second}, MemoryConfig{BufferSize: 1000, Workers: 2, HTTPTimeout: 10 * time.Second}},
		{"explicit", MemoryConfig{BufferSize: 8, Workers: 1, HTTPTimeout: time.Second}, MemoryConfig{BufferSize: 8, Workers: 1, HTTPTimeout: time.Second}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.in.withDefaults(); got != tt.want {
				t.Errorf("withDefaults() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("DISPATCHER_BUFFER_SIZE", "16")
	t.Setenv("DISPATCHER_WORKERS", "0")
	t.Setenv("DISPATCHER_HTTP_TIMEOUT", "3s")

	cfg := LoadConfigFromEnv()
	want := MemoryConfig{
		BufferSize:  16,
		Workers:     2,
		HTTPTimeout: 3 * time.Second,
		Breaker:     circuitbreaker.Config{Threshold: 5, Cooldown: 30 * time.Second},
	}
	if cfg != want {
		t.Errorf("LoadConfigFromEnv() = %+v, want %+v", cfg, want)
	}
}
