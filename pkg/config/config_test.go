package config

import "testing"

func TestParseReadsNestedKeysAndOverridesDefaults(t *testing.T) {
	p, err := Parse([]byte(`
profiler:
  enabled: true
  output: /tmp/plumber.pprof
pool:
  page_cache_limit: 2048
scheduler:
  worker_count: 8
`))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if !p.Bool("profiler.enabled") {
		t.Error("profiler.enabled = false, want true")
	}
	if got := p.String("profiler.output"); got != "/tmp/plumber.pprof" {
		t.Errorf("profiler.output = %q, want /tmp/plumber.pprof", got)
	}
	if got := p.Int("pool.page_cache_limit"); got != 2048 {
		t.Errorf("pool.page_cache_limit = %d, want 2048", got)
	}
	if got := p.Int("scheduler.worker_count"); got != 8 {
		t.Errorf("scheduler.worker_count = %d, want 8", got)
	}
}

func TestParseFallsBackToDefaultsForAbsentKeys(t *testing.T) {
	p, err := Parse([]byte(`profiler:
  enabled: true
`))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if got := p.Int("pool.object_cache_limit"); got != Defaults["pool.object_cache_limit"] {
		t.Errorf("pool.object_cache_limit = %d, want default %v", got, Defaults["pool.object_cache_limit"])
	}
	if got := p.Int("queue.ring_capacity"); got != Defaults["queue.ring_capacity"] {
		t.Errorf("queue.ring_capacity = %d, want default %v", got, Defaults["queue.ring_capacity"])
	}
	if got := p.String("nonexistent.key"); got != "" {
		t.Errorf("nonexistent.key = %q, want empty string", got)
	}
}

func TestParseEmptyDocumentStillServesDefaults(t *testing.T) {
	p, err := Parse(nil)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if got := p.Int("scheduler.worker_count"); got != 4 {
		t.Errorf("scheduler.worker_count = %d, want default 4", got)
	}
	if p.Bool("profiler.enabled") {
		t.Error("profiler.enabled = true, want default false")
	}
}

func TestMapProviderCoercesAndFallsBackToDefaults(t *testing.T) {
	m := MapProvider{
		"profiler.enabled":       true,
		"scheduler.worker_count": 12,
	}

	if !m.Bool("profiler.enabled") {
		t.Error("profiler.enabled = false, want true")
	}
	if got := m.Int("scheduler.worker_count"); got != 12 {
		t.Errorf("scheduler.worker_count = %d, want 12", got)
	}
	if got := m.Int("pool.page_cache_limit"); got != Defaults["pool.page_cache_limit"] {
		t.Errorf("pool.page_cache_limit = %d, want default %v", got, Defaults["pool.page_cache_limit"])
	}
}

func TestLoadMissingFileReturnsError(t *testing.T) {
	if _, err := Load("/nonexistent/plumberd.yaml"); err == nil {
		t.Error("Load on missing file = nil error, want one")
	}
}
