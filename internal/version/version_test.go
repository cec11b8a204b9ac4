package version

import "testing"

func TestGet(t *testing.T) {
	if got := Get(); got != (Info{Version: "dev", Commit: "none", Date: "unknown"}) {
		t.Errorf("Get() = %+v", got)
	}
}

func TestInfo(t *testing.T) {
	tests := []struct {
		info    Info
		str, ua string
	}{
		{Info{"dev", "none", "unknown"}, "StoreTalon dev (commit: none, built: unknown)", "storetalon/dev"},
		{Info{"v0.3.1", "abc1234", "2026-09-01T00:00:00Z"}, "StoreTalon v0.3.1 (commit: abc1234, built: 2026-09-01T00:00:00Z)", "storetalon/v0.3.1"},
	}
	for _, tt := range tests {
		if got := tt.info.String(); got != tt.str {
			t.Errorf("String() = %q, want %q", got, tt.str)
		}
		if got := tt.info.UserAgent(); got != tt.ua {
			t.Errorf("UserAgent() = %q, want %q", got, tt.ua)
		}
	}
}
