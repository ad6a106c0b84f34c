package main

import "testing"

func TestRunPrintsVersionAndExits(t *testing.T) {
	if code := run([]string{"-version"}); code != 0 {
		t.Fatalf("run(-version) = %d, want 0", code)
	}
}

func TestRunBuildsIdentityWithDefaults(t *testing.T) {
	if code := run([]string{"-verbosity", "0"}); code != 0 {
		t.Fatalf("run with defaults = %d, want 0", code)
	}
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	if code := run([]string{"-alpha", "0", "-verbosity", "0"}); code != 2 {
		t.Fatalf("run with alpha=0 = %d, want 2 (invalid config)", code)
	}
}

func TestRunRejectsUnknownFlag(t *testing.T) {
	if code := run([]string{"-does-not-exist"}); code != 2 {
		t.Fatalf("run with an unknown flag = %d, want 2", code)
	}
}

func TestSetupLoggingHandlesAllVerbosityLevels(t *testing.T) {
	for v := -1; v <= 6; v++ {
		setupLogging(v) // must not panic for any input level
	}
}
