package service

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/xornet/sectord/src/common"
	"github.com/xornet/sectord/src/membership"
	"github.com/xornet/sectord/src/node"
	"github.com/xornet/sectord/src/telemetry"
)

// Service exposes the node's section view over HTTP.
type Service struct {
	sync.Mutex

	bindAddress string
	node        *node.Node
	logger      *logrus.Entry
}

// NewService instantiates the service and registers the API handlers.
func NewService(bindAddress string, n *node.Node, logger *logrus.Entry) *Service {
	service := Service{
		bindAddress: bindAddress,
		node:        n,
		logger:      logger,
	}

	service.registerHandlers()

	return &service
}

// registerHandlers registers the API handlers with the DefaultServerMux of
// the http package. It is possible that another server in the same process
// is simultaneously using the DefaultServerMux. In which case, the handlers
// will be accessible from both servers.
func (s *Service) registerHandlers() {
	s.logger.Debug("Registering sectord API handlers")
	http.HandleFunc("/stats", s.makeHandler(s.GetStats))
	http.HandleFunc("/section", s.makeHandler(s.GetSection))
	http.HandleFunc("/members", s.makeHandler(s.GetMembers))
	http.HandleFunc("/chain", s.makeHandler(s.GetChain))
	http.Handle("/metrics", telemetry.MetricsHandler())
}

func (s *Service) makeHandler(fn func(http.ResponseWriter, *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.Lock()
		defer s.Unlock()

		// enable CORS
		w.Header().Set("Access-Control-Allow-Origin", "*")

		fn(w, r)
	}
}

// Serve calls ListenAndServe. This is a blocking call. It is not necessary
// to call Serve when another server has already been started with the
// DefaultServerMux and the same address:port combination.
func (s *Service) Serve() {
	s.logger.WithField("bind_address", s.bindAddress).Debug("Serving sectord API")

	// Use the DefaultServerMux
	err := http.ListenAndServe(s.bindAddress, nil)
	if err != nil {
		s.logger.Error(err)
	}
}

// GetStats returns operational statistics.
func (s *Service) GetStats(w http.ResponseWriter, r *http.Request) {
	stats := s.node.GetStats()

	w.Header().Set("Content-Type", "application/json")

	json.NewEncoder(w).Encode(stats)
}

// sectionInfo is the JSON shape of the /section response.
type sectionInfo struct {
	Prefix    string            `json:"prefix"`
	Height    int               `json:"height"`
	ChainHead string            `json:"chain_head"`
	Elders    []membership.Peer `json:"elders"`
	Members   int               `json:"members"`
}

// GetSection returns the current section view.
func (s *Service) GetSection(w http.ResponseWriter, r *http.Request) {
	snap := s.node.Snapshot()
	if snap == nil {
		http.Error(w, "no section state yet", http.StatusServiceUnavailable)
		return
	}

	info := sectionInfo{
		Prefix:    snap.Prefix.String(),
		Height:    snap.Height,
		ChainHead: keyHex(snap.ChainHead),
		Elders:    snap.Elders,
		Members:   len(snap.Members),
	}

	w.Header().Set("Content-Type", "application/json")

	json.NewEncoder(w).Encode(info)
}

// memberInfo is the JSON shape of one /members entry.
type memberInfo struct {
	Name      string `json:"name"`
	Addr      string `json:"addr"`
	Status    string `json:"status"`
	Admission int    `json:"admission"`
	Elder     bool   `json:"elder"`
}

// GetMembers returns the section's member list.
func (s *Service) GetMembers(w http.ResponseWriter, r *http.Request) {
	snap := s.node.Snapshot()
	if snap == nil {
		http.Error(w, "no section state yet", http.StatusServiceUnavailable)
		return
	}

	elders := make(map[string]bool, len(snap.Elders))
	for _, e := range snap.Elders {
		elders[e.Name.String()] = true
	}

	members := make([]memberInfo, 0, len(snap.Members))
	for name, m := range snap.Members {
		members = append(members, memberInfo{
			Name:      name.String(),
			Addr:      m.Peer.Addr,
			Status:    m.Status.String(),
			Admission: m.Admission,
			Elder:     elders[name.String()],
		})
	}

	w.Header().Set("Content-Type", "application/json")

	json.NewEncoder(w).Encode(members)
}

// chainLink is the JSON shape of one /chain entry.
type chainLink struct {
	Key string `json:"key"`
	Sig string `json:"sig,omitempty"`
}

// GetChain returns the retained section key chain.
func (s *Service) GetChain(w http.ResponseWriter, r *http.Request) {
	links := s.node.ChainLinks()

	out := make([]chainLink, 0, len(links))
	for _, l := range links {
		out = append(out, chainLink{Key: keyHex(l.Key), Sig: keyHex(l.Sig)})
	}

	w.Header().Set("Content-Type", "application/json")

	json.NewEncoder(w).Encode(out)
}

func keyHex(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return common.EncodeToString(b)
}
