// Package profiling starts Pyroscope continuous profiling.
package profiling

import (
	"fmt"
	"os"
	"runtime"

	"github.com/grafana/pyroscope-go"

	"github.com/jonesrussell/north-cloud/grader/internal/config"
	"github.com/jonesrussell/north-cloud/grader/internal/logger"
)

const defaultServerURL = "http://pyroscope:4040"

// Profiler wraps a running Pyroscope profiler. A nil Profiler is valid and
// does nothing.
type Profiler struct {
	profiler *pyroscope.Profiler
}

// Start begins profiling when cfg.Profiling is enabled, and returns nil
// otherwise.
func Start(cfg *config.Config, log logger.Logger) (*Profiler, error) {
	if !cfg.Profiling.Enabled {
		return nil, nil //nolint:nilnil // disabled is not an error
	}

	serverURL := cfg.Profiling.ServerURL
	if serverURL == "" {
		serverURL = defaultServerURL
	}

	pcfg := pyroscope.Config{
		ApplicationName: "north-cloud." + cfg.Service.Name,
		ServerAddress:   serverURL,
		ProfileTypes: []pyroscope.ProfileType{
			pyroscope.ProfileCPU,
			pyroscope.ProfileAllocObjects,
			pyroscope.ProfileAllocSpace,
			pyroscope.ProfileInuseObjects,
			pyroscope.ProfileInuseSpace,
			pyroscope.ProfileGoroutines,
		},
		Tags: map[string]string{
			"environment": cfg.Service.Environment,
			"version":     cfg.Service.Version,
			"hostname":    hostname(),
			"go_version":  runtime.Version(),
		},
	}

	p, err := pyroscope.Start(pcfg)
	if err != nil {
		return nil, fmt.Errorf("failed to start Pyroscope profiler: %w", err)
	}

	log.Info("Pyroscope continuous profiling started",
		logger.String("application", pcfg.ApplicationName),
		logger.String("server", serverURL),
	)
	return &Profiler{profiler: p}, nil
}

// Stop flushes and stops the profiler.
func (p *Profiler) Stop() error {
	if p == nil || p.profiler == nil {
		return nil
	}
	return p.profiler.Stop()
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return name
}
