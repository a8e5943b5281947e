package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/canopy-network/hotshot/bft"
	"github.com/canopy-network/hotshot/lib"
	"github.com/canopy-network/hotshot/p2p"
	"github.com/canopy-network/hotshot/store"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
)

const (
	colon = ":"

	SoftwareVersion = "0.1.0"
	ContentType     = "Content-Type"
	ApplicationJSON = "application/json; charset=utf-8"
	localhost       = "localhost"
)

// Diagnostics RPC Paths
const (
	VersionRoutePath = "/v1/"
	NodesRoutePath   = "/v1/nodes"
	StatusRoutePath  = "/v1/node/:index/status"
	FaultsRoutePath  = "/v1/node/:index/faults"
	LeafRoutePath    = "/v1/node/:index/leaf/:height"
	RecordsRoutePath = "/v1/node/:index/records/:kind/:view"
	NetworkRoutePath = "/v1/network"
	MetricsRoutePath = "/metrics"
)

// Participant is a running consensus node and the store behind it
type Participant struct {
	Node  *bft.Node
	Store *store.Store
}

// NodeSummary is the public position of one participant
type NodeSummary struct {
	Index     int          `json:"index"`
	PublicKey lib.HexBytes `json:"publicKey"`
	Status    bft.Status   `json:"status"`
}

// FaultsResponse is the fault history of one participant
type FaultsResponse struct {
	Counts  map[string]uint64  `json:"counts"`
	Reports []bft.FaultReport `json:"reports"`
}

// NetworkResponse summarizes the traffic of the in-process network
type NetworkResponse struct {
	Peers     int    `json:"peers"`
	Delivered uint64 `json:"delivered"`
	Dropped   uint64 `json:"dropped"`
}

// Server is the read only diagnostics api over a set of participants
type Server struct {
	participants []*Participant
	hub          *p2p.Hub
	gatherer     prometheus.Gatherer
	config       lib.RPCConfig
	server       *http.Server
	logger       lib.LoggerI
}

// NewServer constructs a diagnostics server; hub and gatherer may be nil
func NewServer(participants []*Participant, hub *p2p.Hub, gatherer prometheus.Gatherer, config lib.RPCConfig, logger lib.LoggerI) *Server {
	if logger == nil {
		logger = lib.NewNullLogger()
	}
	return &Server{participants: participants, hub: hub, gatherer: gatherer, config: config, logger: logger}
}

// Handler() returns the router wrapped in the CORS and timeout policies
func (s *Server) Handler() http.Handler {
	router := httprouter.New()
	router.GET(VersionRoutePath, s.Version)
	router.GET(NodesRoutePath, s.Nodes)
	router.GET(StatusRoutePath, s.Status)
	router.GET(FaultsRoutePath, s.Faults)
	router.GET(LeafRoutePath, s.Leaf)
	router.GET(RecordsRoutePath, s.Records)
	router.GET(NetworkRoutePath, s.Network)
	if s.gatherer != nil {
		router.Handler(http.MethodGet, MetricsRoutePath, promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	cor := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "OPTIONS"},
	})
	timeout := time.Duration(s.config.TimeoutS) * time.Second
	return cor.Handler(http.TimeoutHandler(router, timeout, ErrServerTimeout().Error()))
}

// Start() serves the api in the background
func (s *Server) Start() {
	s.server = &http.Server{Addr: colon + s.config.RPCPort, Handler: s.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		s.logger.Infof("Starting RPC server at 0.0.0.0:%s", s.config.RPCPort)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Errorf("RPC server failed with err: %s", err.Error())
		}
	}()
}

// Stop() gracefully stops the api
func (s *Server) Stop() {
	if s.server == nil {
		return
	}
	if err := s.server.Shutdown(context.Background()); err != nil {
		s.logger.Error(err.Error())
	}
}

// Version returns the software version
func (s *Server) Version(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	write(w, SoftwareVersion, http.StatusOK)
}

// Nodes returns the position of every participant
func (s *Server) Nodes(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	summaries := make([]NodeSummary, 0, len(s.participants))
	for i, p := range s.participants {
		summaries = append(summaries, NodeSummary{Index: i, PublicKey: p.Node.PublicKey(), Status: p.Node.Status()})
	}
	write(w, summaries, http.StatusOK)
}

// Status returns the position of one participant
func (s *Server) Status(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	if p, ok := s.participant(w, ps); ok {
		write(w, p.Node.Status(), http.StatusOK)
	}
}

// Faults returns the fault history of one participant
func (s *Server) Faults(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	if p, ok := s.participant(w, ps); ok {
		f := p.Node.Faults()
		write(w, FaultsResponse{Counts: f.Counts(), Reports: f.Reports()}, http.StatusOK)
	}
}

// Leaf returns the leaf a participant committed at a height
func (s *Server) Leaf(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	p, ok := s.participant(w, ps)
	if !ok {
		return
	}
	height, err := strconv.ParseUint(ps.ByName("height"), 10, 64)
	if err != nil {
		write(w, ErrInvalidParams(err), http.StatusBadRequest)
		return
	}
	leaf, e := p.Store.CommittedLeaf(height)
	if e != nil {
		write(w, e, statusOf(e))
		return
	}
	write(w, leaf, http.StatusOK)
}

// Records returns the DA proposals or VID shares a participant stored for a view
func (s *Server) Records(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	p, ok := s.participant(w, ps)
	if !ok {
		return
	}
	var kind lib.ProposalKind
	switch ps.ByName("kind") {
	case lib.ProposalKindDA.String():
		kind = lib.ProposalKindDA
	case lib.ProposalKindVidShare.String():
		kind = lib.ProposalKindVidShare
	default:
		write(w, ErrInvalidParams(errors.New("kind must be da or vid")), http.StatusBadRequest)
		return
	}
	view, err := strconv.ParseUint(ps.ByName("view"), 10, 64)
	if err != nil {
		write(w, ErrInvalidParams(err), http.StatusBadRequest)
		return
	}
	records, e := p.Store.Records(kind, view)
	if e != nil {
		write(w, e, http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []*lib.ProposalType{}
	}
	write(w, records, http.StatusOK)
}

// Network returns the traffic counters of the in-process network
func (s *Server) Network(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	if s.hub == nil {
		write(w, NetworkResponse{}, http.StatusOK)
		return
	}
	write(w, NetworkResponse{Peers: len(s.hub.Peers()), Delivered: s.hub.Delivered(), Dropped: s.hub.Dropped()}, http.StatusOK)
}

// participant() resolves the :index param, writing the error response if it can't
func (s *Server) participant(w http.ResponseWriter, ps httprouter.Params) (*Participant, bool) {
	index, err := strconv.Atoi(ps.ByName("index"))
	if err != nil {
		write(w, ErrInvalidParams(err), http.StatusBadRequest)
		return nil, false
	}
	if index < 0 || index >= len(s.participants) {
		write(w, ErrNodeNotFound(index), http.StatusNotFound)
		return nil, false
	}
	return s.participants[index], true
}

// statusOf() maps a store error to an http status
func statusOf(err lib.ErrorI) int {
	if err.Code() == lib.CodeStoreNotFound && err.Module() == lib.StorageModule {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

// write marshaled payload to w
func write(w http.ResponseWriter, payload interface{}, code int) {
	w.Header().Set(ContentType, ApplicationJSON)
	w.WriteHeader(code)
	bz, _ := json.MarshalIndent(payload, "", "  ")
	_, _ = w.Write(bz)
}
