package main

import (
	"log"

	"github.com/Nurdok/spanreed/internal/config"
)

// logConfigWarnings flags configurations that are valid but risky in
// production. P0 warnings mean work can be silently lost; P1 warnings
// mean reduced visibility.
func logConfigWarnings(cfg *config.Config) {
	if cfg.StoreBackend == "memory" {
		log.Println("spanreed: WARNING [P0]: STORE_BACKEND=memory - runs and interaction requests do not survive a restart; use postgres in production")
	}

	if cfg.StoreBackend == "postgres" && !cfg.ReconcileEnabled {
		log.Println("spanreed: WARNING [P0]: RECONCILE_ENABLED=false - runs orphaned by a crash between creation and pickup will never be requeued")
	}

	if !cfg.MetricsEnabled {
		log.Println("spanreed: WARNING [P1]: METRICS_ENABLED=false - no visibility into run throughput, queue depth, or surface delivery failures")
	}

	if len(cfg.Surfaces) == 0 {
		log.Println("spanreed: INFO: SURFACES not set - interaction prompts are written to the process log instead of delivered")
	}

	if cfg.StoreBackend == "postgres" && !cfg.LeaderEnabled {
		log.Println("spanreed: INFO: LEADER_ELECTION_ENABLED=false - run exactly one instance, or schedules will fire once per instance")
	}
}
