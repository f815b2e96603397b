package node

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/swarmguard/meshnode/internal/swarm/discovery"
	"github.com/swarmguard/meshnode/internal/swarm/distributor"
	"github.com/swarmguard/meshnode/internal/swarm/mesh"
	"github.com/swarmguard/meshnode/internal/swarm/monitor"
	"github.com/swarmguard/meshnode/internal/swarm/optimizer"
	"github.com/swarmguard/meshnode/internal/swarm/trigger"
)

// Config is the single struct mirroring every config key spec.md §6 names,
// loaded from the environment with the same getEnv/intFromEnv idiom
// services/federation/main.go and services/api-gateway/main_new.go use.
type Config struct {
	Enabled      bool
	APIURL       string
	NodeName     string
	NodeID       string
	Capabilities []string

	Seeds   []string
	MDNS    bool
	NATSURL string

	Mesh        mesh.Config
	Distributor distributor.Config
	Optimizer   optimizer.Config
	Monitor     monitor.Config
	Trigger     trigger.Config
	Discovery   discovery.Config

	DefaultDCTExpiry time.Duration
	MaxCaveatDepth   int

	ReputationPath string
	JournalDir     string

	SwarmSecret []byte
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func intFromEnv(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func floatFromEnv(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return n
}

func boolFromEnv(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func listFromEnv(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// LoadConfig builds a Config from the environment, falling back to the
// defaults spec.md §6 enumerates.
func LoadConfig() Config {
	meshCfg := mesh.DefaultConfig()
	meshCfg.HeartbeatIntervalMS = intFromEnv("SWARM_HEARTBEAT_INTERVAL_MS", meshCfg.HeartbeatIntervalMS)
	meshCfg.SweepIntervalMS = intFromEnv("SWARM_SWEEP_INTERVAL_MS", meshCfg.SweepIntervalMS)
	meshCfg.SuspectedAfterMS = intFromEnv("SWARM_SUSPECTED_AFTER_MS", meshCfg.SuspectedAfterMS)
	meshCfg.UnreachableAfterMS = intFromEnv("SWARM_UNREACHABLE_AFTER_MS", meshCfg.UnreachableAfterMS)
	meshCfg.EvictAfterMS = intFromEnv("SWARM_EVICT_AFTER_MS", meshCfg.EvictAfterMS)

	distCfg := distributor.DefaultConfig()
	distCfg.DelegationTimeoutMS = intFromEnv("SWARM_DELEGATION_TIMEOUT_MS", distCfg.DelegationTimeoutMS)
	distCfg.MaxRetries = int(intFromEnv("SWARM_MAX_RETRIES", int64(distCfg.MaxRetries)))
	distCfg.Strategy = distributor.Strategy(getEnv("SWARM_STRATEGY", string(distCfg.Strategy)))

	optCfg := optimizer.DefaultConfig()
	optCfg.DriftThreshold = floatFromEnv("SWARM_DRIFT_THRESHOLD", optCfg.DriftThreshold)
	optCfg.OverheadFactor = floatFromEnv("SWARM_OVERHEAD_FACTOR", optCfg.OverheadFactor)
	optCfg.MinTimeBeforeRedelegateMS = intFromEnv("SWARM_MIN_TIME_BEFORE_REDELEGATE_MS", optCfg.MinTimeBeforeRedelegateMS)
	optCfg.EvaluationIntervalMS = intFromEnv("SWARM_EVALUATION_INTERVAL_MS", optCfg.EvaluationIntervalMS)

	monCfg := monitor.DefaultConfig()
	monCfg.PollIntervalMS = intFromEnv("SWARM_POLL_INTERVAL_MS", monCfg.PollIntervalMS)
	monCfg.MaxMissedCheckpoints = int(intFromEnv("SWARM_MAX_MISSED_CHECKPOINTS", int64(monCfg.MaxMissedCheckpoints)))
	monCfg.CheckpointTimeoutMS = intFromEnv("SWARM_CHECKPOINT_TIMEOUT_MS", monCfg.CheckpointTimeoutMS)

	trigCfg := trigger.DefaultConfig()
	trigCfg.BudgetAlertThreshold = floatFromEnv("SWARM_BUDGET_ALERT_THRESHOLD", trigCfg.BudgetAlertThreshold)

	nodeID := getEnv("SWARM_NODE_ID", "")
	secret := getEnv("SWARM_SECRET", "")

	return Config{
		Enabled:      boolFromEnv("SWARM_ENABLED", true),
		APIURL:       getEnv("SWARM_API_URL", "http://localhost:3200"),
		NodeName:     getEnv("SWARM_NODE_NAME", "swarmnode"),
		NodeID:       nodeID,
		Capabilities: listFromEnv("SWARM_CAPABILITIES"),

		Seeds:   listFromEnv("SWARM_SEEDS"),
		MDNS:    boolFromEnv("SWARM_MDNS", false),
		NATSURL: getEnv("SWARM_NATS_URL", ""),

		Mesh:        meshCfg,
		Distributor: distCfg,
		Optimizer:   optCfg,
		Monitor:     monCfg,
		Trigger:     trigCfg,
		Discovery:   discovery.Config{Seeds: listFromEnv("SWARM_SEEDS"), NATSURL: getEnv("SWARM_NATS_URL", "")},

		DefaultDCTExpiry: time.Duration(intFromEnv("SWARM_DCT_DEFAULT_EXPIRY_MS", 3600000)) * time.Millisecond,
		MaxCaveatDepth:   int(intFromEnv("SWARM_DCT_MAX_CAVEAT_DEPTH", 10)),

		ReputationPath: getEnv("SWARM_REPUTATION_PATH", "./data/reputation.jsonl"),
		JournalDir:     getEnv("SWARM_JOURNAL_DIR", "./data/journal"),

		SwarmSecret: []byte(secret),
	}
}
