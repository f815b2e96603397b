package logging

import (
	"log/slog"
	"testing"
)

func TestLevelFromEnvDefaultsToInfo(t *testing.T) {
	t.Setenv("SWARM_LOG_LEVEL", "")
	if got := levelFromEnv(); got != slog.LevelInfo {
		t.Fatalf("levelFromEnv() = %v, want Info", got)
	}
}

func TestLevelFromEnvRecognizesEachLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
		"DEBUG": slog.LevelDebug,
	}
	for env, want := range cases {
		t.Setenv("SWARM_LOG_LEVEL", env)
		if got := levelFromEnv(); got != want {
			t.Fatalf("levelFromEnv() with SWARM_LOG_LEVEL=%q = %v, want %v", env, got, want)
		}
	}
}

func TestInitSetsDefaultLoggerWithServiceName(t *testing.T) {
	t.Setenv("SWARM_JSON_LOG", "")
	t.Setenv("SWARM_LOG_LEVEL", "")
	logger := Init("test-service")
	if logger == nil {
		t.Fatalf("expected Init to return a non-nil logger")
	}
	if slog.Default() != logger {
		t.Fatalf("expected Init to install the returned logger as slog.Default()")
	}
}
