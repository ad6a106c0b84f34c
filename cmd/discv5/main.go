// Command discv5 prepares a standalone discovery node identity: it
// generates a fresh node key, builds and signs its local ENR, validates the
// discovery configuration given by its flags, and prints the node id and
// listen address. It does not build a routing table or open a UDP session
// handler; that wiring is left to the embedding application (see
// discover.Handler's doc comment).
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/yaanhyy/discv5/crypto"
	"github.com/yaanhyy/discv5/log"
	"github.com/yaanhyy/discv5/p2p/discover"
	"github.com/yaanhyy/discv5/p2p/enr"
)

var (
	version = "v0.1.0"
	commit  = "unknown"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("discv5", flag.ContinueOnError)

	listenAddr := fs.String("addr", "0.0.0.0", "UDP listen address")
	listenPort := fs.Int("port", 9000, "UDP listen port")
	queryParallelism := fs.Int("alpha", 3, "Lookup concurrency factor")
	pingIntervalSec := fs.Int("ping-interval", 300, "Seconds between connected-peer pings")
	ipLimit := fs.Bool("ip-limit", false, "Enforce a per-/24 quota on k-bucket entries")
	verbosity := fs.Int("verbosity", 3, "Log level 0-5 (0=silent, 5=debug)")
	showVersion := fs.Bool("version", false, "Print version and exit")

	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 2
	}

	if *showVersion {
		fmt.Printf("discv5 %s (commit %s)\n", version, commit)
		return 0
	}

	setupLogging(*verbosity)

	key, err := crypto.GenerateKey()
	if err != nil {
		log.Error("failed to generate node key", "err", err)
		return 1
	}

	ip := net.ParseIP(*listenAddr)
	record := &enr.Record{}
	if ip != nil && !ip.IsUnspecified() {
		enr.SetIP(record, ip)
	}
	enr.SetUDP(record, uint16(*listenPort))
	if err := enr.SignENR(record, key); err != nil {
		log.Error("failed to sign local record", "err", err)
		return 1
	}

	builder := discover.NewConfigBuilder().
		QueryParallelism(*queryParallelism).
		PingInterval(time.Duration(*pingIntervalSec) * time.Second).
		IPLimit(*ipLimit, 2)
	cfg, err := builder.Build()
	if err != nil {
		log.Error("invalid configuration", "err", err)
		return 2
	}

	log.Info("discovery node identity ready",
		"node_id", fmt.Sprintf("%x", record.NodeID()),
		"addr", *listenAddr,
		"port", *listenPort,
		"alpha", cfg.QueryParallelism,
		"ping_interval", cfg.PingInterval,
	)

	fmt.Printf("node_id=%x addr=%s:%d\n", record.NodeID(), *listenAddr, *listenPort)
	return 0
}

func setupLogging(verbosity int) {
	var lvl slog.Level
	switch {
	case verbosity <= 0:
		lvl = slog.LevelError + 4 // above Error: effectively silent for our levels
	case verbosity == 1:
		lvl = slog.LevelError
	case verbosity == 2:
		lvl = slog.LevelWarn
	case verbosity == 3:
		lvl = slog.LevelInfo
	default:
		lvl = slog.LevelDebug
	}
	log.SetDefault(log.New(lvl))
}
