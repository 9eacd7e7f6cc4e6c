package replicator

import (
	"time"

	"github.com/pkg/errors"
)

func errInvalid(field, msg string) error {
	return errors.Errorf("%s: %s", field, msg)
}

// Config is the replicator configuration.
type Config struct {
	NodeName  string `long:"node-name" env:"NODE_NAME" description:"Name of this node within the cluster"`
	DataDir   string `long:"data-dir" env:"DATA_DIR" default:"." description:"Directory of the saved state file"`
	StateFile string `long:"state-file" env:"STATE_FILE" default:"grastate.dat" description:"Saved state file name"`
	Donor     string `long:"donor" env:"DONOR" default:"" description:"Preferred state transfer donor"`

	ReportInterval   int           `long:"report-interval" env:"REPORT_INTERVAL" default:"32" description:"Report last-committed to the group every Nth commit"`
	MaxApplyAttempts int           `long:"max-apply-attempts" env:"MAX_APPLY_ATTEMPTS" default:"10" description:"Apply attempts of a write-set before declaring divergence"`
	ReplRetryPause   time.Duration `long:"repl-retry-pause" env:"REPL_RETRY_PAUSE" default:"1ms" description:"Pause between broadcast retries"`
	SstRetryPause    time.Duration `long:"sst-retry-pause" env:"SST_RETRY_PAUSE" default:"1s" description:"Pause between state transfer request retries"`
	JoinRetryPause   time.Duration `long:"join-retry-pause" env:"JOIN_RETRY_PAUSE" default:"100ms" description:"Pause between group join retries"`

	WriteSetCacheSize int `long:"writeset-cache-size" env:"WRITESET_CACHE_SIZE" default:"1024" description:"Recently received write-sets retained in memory"`
}

// Validate returns an error of the Config.
func (cfg Config) Validate() error {
	if cfg.ReportInterval <= 0 {
		return errInvalid("report-interval", "must be positive")
	} else if cfg.MaxApplyAttempts <= 0 {
		return errInvalid("max-apply-attempts", "must be positive")
	} else if cfg.WriteSetCacheSize <= 0 {
		return errInvalid("writeset-cache-size", "must be positive")
	}
	return nil
}

// DefaultConfig returns a Config with default tunables.
func DefaultConfig() Config {
	return Config{
		DataDir:           ".",
		StateFile:         "grastate.dat",
		ReportInterval:    32,
		MaxApplyAttempts:  10,
		ReplRetryPause:    time.Millisecond,
		SstRetryPause:     time.Second,
		JoinRetryPause:    100 * time.Millisecond,
		WriteSetCacheSize: 1024,
	}
}
