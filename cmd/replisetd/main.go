// Command replisetd runs a single-node replicator over the in-process
// loopback group, for demonstration and smoke testing. Write-sets applied by
// the node are counted and logged by an in-memory apply target, which stores
// no data; the node's status table is printed on shutdown.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	humanize "github.com/dustin/go-humanize"
	petname "github.com/dustinkirkland/golang-petname"
	flags "github.com/jessevdk/go-flags"
	"github.com/olekukonko/tablewriter"
	log "github.com/sirupsen/logrus"

	"go.repliset.dev/core/gcs"
	"go.repliset.dev/core/gcs/loopback"
	"go.repliset.dev/core/metrics"
	"go.repliset.dev/core/replicator"
)

// Config is the replisetd configuration.
type Config struct {
	Replicator replicator.Config `group:"Replicator" namespace:"replicator" env-namespace:"REPLICATOR"`

	Cluster string `long:"cluster" env:"CLUSTER" default:"repliset-demo" description:"Cluster name"`

	Log struct {
		Level  string `long:"level" env:"LEVEL" default:"info" choice:"trace" choice:"debug" choice:"info" choice:"warn" choice:"error" choice:"fatal" description:"Logging level"`
		Format string `long:"format" env:"FORMAT" default:"text" choice:"json" choice:"text" choice:"color" description:"Logging output format"`
	} `group:"Logging" namespace:"log" env-namespace:"LOG"`
}

func main() {
	var cfg Config
	cfg.Replicator = replicator.DefaultConfig()

	if _, err := flags.NewParser(&cfg, flags.Default).Parse(); err != nil {
		os.Exit(1)
	}
	initLog(cfg)

	if cfg.Replicator.NodeName == "" {
		cfg.Replicator.NodeName = petname.Generate(2, "-")
	}
	metrics.MustRegister()

	var store = newMemStore()
	var conn = loopback.New(cfg.Replicator.NodeName)

	var repl, err = replicator.New(cfg.Replicator, replicator.Callbacks{
		Apply:  store.apply,
		View:   func(interface{}, *gcs.ConfView, bool) ([]byte, error) { return nil, nil },
		Synced: func() { log.Info("node is synced") },
	}, conn)
	if err != nil {
		log.WithField("err", err).Fatal("failed to build replicator")
	}

	if err = repl.Connect(cfg.Cluster, "loopback://", ""); err != nil {
		log.WithField("err", err).Fatal("failed to connect")
	}

	var recvDone = make(chan error, 1)
	go func() { recvDone <- repl.AsyncRecv(store) }()

	var sigCh = make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.WithField("signal", sig).Info("shutting down")
		if err = repl.Close(); err != nil {
			log.WithField("err", err).Warn("close failed")
		}
		<-recvDone
	case err = <-recvDone:
		log.WithField("err", err).Error("receive loop exited")
	}

	printStatus(repl.Status())
}

func initLog(cfg Config) {
	switch cfg.Log.Format {
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	case "text":
		log.SetFormatter(&log.TextFormatter{})
	case "color":
		log.SetFormatter(&log.TextFormatter{ForceColors: true})
	}
	if lvl, err := log.ParseLevel(cfg.Log.Level); err != nil {
		log.WithField("err", err).Fatal("unrecognized log level")
	} else {
		log.SetLevel(lvl)
	}
}

func printStatus(s replicator.Status) {
	var table = tablewriter.NewWriter(os.Stdout)
	table.Header("Variable", "Value")

	for _, row := range [][]string{
		{"local_state_uuid", s.LocalStateUUID},
		{"last_committed", fmt.Sprint(s.LastCommitted)},
		{"replicated", fmt.Sprint(s.Replicated)},
		{"replicated_bytes", humanize.IBytes(uint64(s.ReplicatedBytes))},
		{"received", fmt.Sprint(s.Received)},
		{"received_bytes", humanize.IBytes(uint64(s.ReceivedBytes))},
		{"local_commits", fmt.Sprint(s.LocalCommits)},
		{"local_cert_failures", fmt.Sprint(s.LocalCertFailures)},
		{"local_bf_aborts", fmt.Sprint(s.LocalBFAborts)},
		{"local_replays", fmt.Sprint(s.LocalReplays)},
		{"local_slave_queue", fmt.Sprint(s.LocalSlaveQueue)},
		{"flow_control_waits", fmt.Sprint(s.FlowControlWaits)},
		{"cert_deps_distance", fmt.Sprintf("%.2f", s.CertDepsDistance)},
		{"apply_oooe", fmt.Sprintf("%.2f", s.ApplyOOOE)},
		{"apply_oool", fmt.Sprintf("%.2f", s.ApplyOOOL)},
		{"apply_window", fmt.Sprintf("%.2f", s.ApplyWindow)},
		{"local_status", fmt.Sprint(int(s.LocalStatus))},
		{"local_status_comment", s.LocalStatusComment},
	} {
		_ = table.Append(row)
	}
	_ = table.Render()
}

// memStore is a trivial in-memory apply target.
type memStore struct {
	mu      sync.Mutex
	applied int64
}

func newMemStore() *memStore { return &memStore{} }

func (s *memStore) apply(_ interface{}, data replicator.ApplyData, seqno int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applied++

	if data.Statement != nil {
		log.WithFields(log.Fields{"seqno": seqno, "stmt": string(data.Statement)}).
			Debug("applied statement")
	} else {
		log.WithFields(log.Fields{"seqno": seqno, "bytes": len(data.Buffer)}).
			Debug("applied row image")
	}
	return nil
}
