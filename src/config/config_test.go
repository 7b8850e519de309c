package config

import (
	"path/filepath"
	"testing"
)

func TestSetDataDirUpdatesDefaultDatabaseDir(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.SetDataDir("/tmp/sectord-test")

	expected := filepath.Join("/tmp/sectord-test", DefaultBadgerFile)
	if cfg.DatabaseDir != expected {
		t.Fatalf("DatabaseDir should be %s, not %s", expected, cfg.DatabaseDir)
	}
}

func TestSetDataDirPreservesCustomDatabaseDir(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.DatabaseDir = "/custom/db"
	cfg.SetDataDir("/tmp/sectord-test")

	if cfg.DatabaseDir != "/custom/db" {
		t.Fatalf("DatabaseDir should be preserved, not %s", cfg.DatabaseDir)
	}
}

func TestPolicyConversions(t *testing.T) {
	cfg := NewDefaultConfig()

	mc := cfg.MembershipConfig()
	if mc.ElderCount != cfg.ElderCount || mc.SplitThreshold != cfg.SplitThreshold {
		t.Fatalf("membership config does not reflect node config: %+v", mc)
	}

	dc := cfg.DysfunctionConfig()
	if dc.HalfLife != cfg.DecayHalfLife || dc.EvictThreshold != cfg.EvictThreshold {
		t.Fatalf("dysfunction config does not reflect node config: %+v", dc)
	}
}
