package discover

import "testing"

func TestDefaultConfigMatchesSpecDefaults(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.QueryParallelism != 3 {
		t.Fatalf("QueryParallelism = %d, want 3", cfg.QueryParallelism)
	}
	if cfg.EnrPeerUpdateMin != 10 {
		t.Fatalf("EnrPeerUpdateMin = %d, want 10", cfg.EnrPeerUpdateMin)
	}
	if !cfg.EnrUpdate {
		t.Fatal("EnrUpdate should default to true")
	}
}

func TestBuildRejectsLowEnrPeerUpdateMin(t *testing.T) {
	_, err := NewConfigBuilder().EnrPeerUpdateMin(1).Build()
	if err == nil {
		t.Fatal("Build should reject enr_peer_update_min < 2")
	}
}

func TestBuildAcceptsMinimalEnrPeerUpdateMin(t *testing.T) {
	cfg, err := NewConfigBuilder().EnrPeerUpdateMin(2).Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if cfg.EnrPeerUpdateMin != 2 {
		t.Fatalf("EnrPeerUpdateMin = %d, want 2", cfg.EnrPeerUpdateMin)
	}
}

func TestBuildRejectsZeroQueryParallelism(t *testing.T) {
	_, err := NewConfigBuilder().QueryParallelism(0).Build()
	if err == nil {
		t.Fatal("Build should reject query_parallelism < 1")
	}
}

func TestBuildFillsNilTableFilter(t *testing.T) {
	cfg, err := NewConfigBuilder().TableFilter(nil).Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if cfg.TableFilter == nil {
		t.Fatal("Build should install a permissive default TableFilter when nil")
	}
	if !cfg.TableFilter(nil) {
		t.Fatal("the default TableFilter should accept every record")
	}
}

func TestConfigBuilderFluentSetters(t *testing.T) {
	cfg, err := NewConfigBuilder().
		QueryParallelism(5).
		IPLimit(true, 4).
		EnrUpdate(false).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if cfg.QueryParallelism != 5 || !cfg.IPLimit || cfg.IPLimitCount != 4 || cfg.EnrUpdate {
		t.Fatalf("builder did not apply all fluent setters: %+v", cfg)
	}
}
