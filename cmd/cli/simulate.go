package cli

import (
	"bytes"
	"context"
	"fmt"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/canopy-network/hotshot/bft"
	"github.com/canopy-network/hotshot/cmd/rpc"
	"github.com/canopy-network/hotshot/lib"
	"github.com/canopy-network/hotshot/lib/crypto"
	"github.com/canopy-network/hotshot/p2p"
	"github.com/canopy-network/hotshot/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

const simulationDir = "simulation" // the data dir subfolder holding the per node stores and fault reports

// simulateOptions are the knobs of one simulation run
type simulateOptions struct {
	nodes       int
	duration    time.Duration
	silent      []int
	weights     string
	payloadSize int
	onDisk      bool
	serve       bool
}

var simulateOpts = simulateOptions{}

func init() {
	simulateCmd.Flags().IntVar(&simulateOpts.nodes, "nodes", 4, "number of participants")
	simulateCmd.Flags().DurationVar(&simulateOpts.duration, "duration", 30*time.Second, "how long to run, 0 runs until interrupted")
	simulateCmd.Flags().IntSliceVar(&simulateOpts.silent, "silent", nil, "indices of participants cut off from the network")
	simulateCmd.Flags().StringVar(&simulateOpts.weights, "weights", "", "comma separated stake per participant, equal stake when empty")
	simulateCmd.Flags().IntVar(&simulateOpts.payloadSize, "payload-size", 1024, "random bytes in each proposed payload")
	simulateCmd.Flags().BoolVar(&simulateOpts.onDisk, "on-disk", false, "persist block storage under the data directory instead of memory")
	simulateCmd.Flags().BoolVar(&simulateOpts.serve, "serve", true, "serve the diagnostics rpc and metrics while running")
}

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "run a set of consensus nodes over an in-process network",
	Run: func(cmd *cobra.Command, args []string) {
		if err := Simulate(config, simulateOpts, l); err != nil {
			l.Fatal(err.Error())
		}
	},
}

// simulation is a running set of participants
type simulation struct {
	keys         []crypto.PrivateKeyI
	table        *lib.StakeTable
	hub          *p2p.Hub
	registry     *prometheus.Registry
	participants []*rpc.Participant
}

// Simulate() runs the nodes until the duration elapses or the process is interrupted, then reports
func Simulate(c lib.Config, opts simulateOptions, log lib.LoggerI) lib.ErrorI {
	sim, err := newSimulation(c, opts, log)
	if err != nil {
		return err
	}
	defer sim.close(log)
	var server *rpc.Server
	var metricsServer *lib.MetricsServer
	if opts.serve {
		server = rpc.NewServer(sim.participants, sim.hub, sim.registry, c.RPCConfig, log)
		server.Start()
		defer server.Stop()
		metricsServer = lib.NewMetricsServer(sim.registry, c.MetricsConfig, log)
		metricsServer.Start()
		defer metricsServer.Stop()
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if opts.duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.duration)
		defer cancel()
	}
	log.Infof("Simulating %d nodes for %s", len(sim.participants), opts.duration)
	g, gctx := errgroup.WithContext(ctx)
	for _, p := range sim.participants {
		n := p.Node
		g.Go(func() error {
			if e := n.Run(gctx); e != nil {
				return e
			}
			return nil
		})
	}
	if e := g.Wait(); e != nil {
		log.Errorf("A node stopped with err: %s", e.Error())
	}
	sim.report(filepath.Join(c.DataDirPath, simulationDir), log)
	return sim.checkConsistency()
}

// newSimulation() wires keys, stake table, network, storage and nodes together
func newSimulation(c lib.Config, opts simulateOptions, log lib.LoggerI) (*simulation, lib.ErrorI) {
	if opts.nodes <= 0 {
		return nil, lib.ErrInvalidArgument()
	}
	weights, err := parseWeights(opts.weights, opts.nodes)
	if err != nil {
		return nil, err
	}
	sim := &simulation{hub: p2p.NewHub(c.P2PConfig, log), registry: prometheus.NewRegistry()}
	entries := make([]*lib.StakeTableEntry, 0, opts.nodes)
	for i := 0; i < opts.nodes; i++ {
		k, e := crypto.NewBLSPrivateKey()
		if e != nil {
			return nil, lib.ErrInvalidArgument()
		}
		sim.keys = append(sim.keys, k)
		entries = append(entries, &lib.StakeTableEntry{PublicKey: k.PublicKey().Bytes(), Weight: weights[i]})
	}
	if sim.table, err = lib.NewStakeTable(entries); err != nil {
		return nil, err
	}
	for i, k := range sim.keys {
		name := fmt.Sprintf("node-%d", i)
		metrics := lib.NewMetrics(sim.registry, name)
		nodeLog := log.With(name)
		var db *store.Store
		if opts.onDisk {
			db, err = store.NewStore(filepath.Join(c.DataDirPath, simulationDir, name, c.DBName), metrics, nodeLog)
		} else {
			db, err = store.NewStoreInMemory(metrics, nodeLog)
		}
		if err != nil {
			return nil, err
		}
		endpoint, er := sim.hub.Join(k.PublicKey().Bytes())
		if er != nil {
			return nil, er
		}
		node, er := bft.NewNode(bft.NodeParams{
			Config:     c.ConsensusConfig,
			PrivateKey: k,
			Table:      sim.table,
			Network:    p2p.NewRetryingNetwork(endpoint, c.P2PConfig, metrics, nodeLog),
			Storage:    db,
			Payloads:   newPayloadBuilder(opts.payloadSize),
			Committer:  db,
			InboxSize:  c.InboxSize,
			Metrics:    metrics,
			Log:        nodeLog,
		})
		if er != nil {
			return nil, er
		}
		endpoint.Bind(node)
		sim.participants = append(sim.participants, &rpc.Participant{Node: node, Store: db})
	}
	for _, i := range opts.silent {
		if i < 0 || i >= opts.nodes {
			return nil, lib.ErrInvalidArgument()
		}
		sim.hub.Silence(sim.keys[i].PublicKey().Bytes(), true)
	}
	return sim, nil
}

// report() prints a summary per node and saves each node's fault reports
func (s *simulation) report(dir string, log lib.LoggerI) {
	p := message.NewPrinter(language.English)
	_, _ = p.Printf("%-8s %10s %10s %10s %10s %8s\n", "node", "view", "height", "high qc", "timeouts", "faults")
	for i, participant := range s.participants {
		status, faults := participant.Node.Status(), participant.Node.Faults()
		total := uint64(0)
		for _, count := range faults.Counts() {
			total += count
		}
		_, _ = p.Printf("%-8d %10d %10d %10d %10d %8d\n", i, status.View, status.CommittedHeight, status.HighQCView,
			faults.Count(lib.KindViewTimeoutError), total)
		if err := faults.SaveToFile(filepath.Join(dir, fmt.Sprintf("node-%d", i))); err != nil {
			log.Errorf("Saving the faults of node %d failed with err: %s", i, err.Error())
		}
	}
	_, _ = p.Printf("network: %d delivered, %d dropped\n", s.hub.Delivered(), s.hub.Dropped())
}

// checkConsistency() verifies every pair of nodes committed the same leaf at every common height
func (s *simulation) checkConsistency() lib.ErrorI {
	common := ^uint64(0)
	for _, p := range s.participants {
		h, err := p.Store.LastCommittedHeight()
		if err != nil {
			return err
		}
		if h < common {
			common = h
		}
	}
	for height := uint64(1); height <= common; height++ {
		var reference []byte
		for i, p := range s.participants {
			c, err := p.Store.CommittedLeaf(height)
			if err != nil {
				return err
			}
			if i == 0 {
				reference = c.Leaf.Hash()
				continue
			}
			if !bytes.Equal(reference, c.Leaf.Hash()) {
				return ErrInconsistentCommit(height, 0, i)
			}
		}
	}
	return nil
}

// close() stops the network and releases the stores
func (s *simulation) close(log lib.LoggerI) {
	s.hub.Close()
	for _, p := range s.participants {
		if err := p.Store.Close(); err != nil {
			log.Error(err.Error())
		}
	}
}

// parseWeights() reads the comma separated stake list, defaulting to equal stake
func parseWeights(s string, n int) ([]uint64, lib.ErrorI) {
	weights := make([]uint64, n)
	if s == "" {
		for i := range weights {
			weights[i] = 1
		}
		return weights, nil
	}
	parts := strings.Split(s, ",")
	if len(parts) != n {
		return nil, lib.ErrInvalidArgument()
	}
	for i, part := range parts {
		w, err := strconv.ParseUint(strings.TrimSpace(part), 10, 64)
		if err != nil || w == 0 {
			return nil, lib.ErrInvalidArgument()
		}
		weights[i] = w
	}
	return weights, nil
}

func ErrInconsistentCommit(height uint64, a, b int) lib.ErrorI {
	return lib.NewKindError(lib.KindInvariantViolation, lib.CodeCommitLeaf, lib.ConsensusModule,
		fmt.Sprintf("nodes %d and %d committed different leaves at height %d", a, b, height))
}
