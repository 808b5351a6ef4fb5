package cluster

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hashicorp/memberlist"
	"go.uber.org/zap"
)

// Advertisement is the node metadata gossiped to the cluster: where this
// aggregator serves its weather protocol.
type Advertisement struct {
	NodeID    string `json:"node_id"`
	Host      string `json:"host"`
	Port      int    `json:"port"`
	Timestamp int64  `json:"timestamp"`
}

// Config holds cluster membership configuration
type Config struct {
	BindPort  int
	SeedNodes []string
}

// Gossip manages cluster membership. Aggregators advertise their serve
// address so feeders, readers, and peer aggregators can discover them.
type Gossip struct {
	config     *Config
	memberlist *memberlist.Memberlist
	nodeID     string
	logger     *zap.Logger
	ad         *Advertisement
}

// NewGossip creates the membership service and joins the seed nodes.
func NewGossip(cfg *Config, nodeID, serveHost string, servePort int, logger *zap.Logger) (*Gossip, error) {
	g := &Gossip{
		config: cfg,
		nodeID: nodeID,
		logger: logger,
		ad: &Advertisement{
			NodeID:    nodeID,
			Host:      serveHost,
			Port:      servePort,
			Timestamp: time.Now().Unix(),
		},
	}

	mlConfig := memberlist.DefaultLocalConfig()
	mlConfig.Name = nodeID
	mlConfig.BindPort = cfg.BindPort
	mlConfig.Delegate = g
	mlConfig.Events = &eventDelegate{gossip: g}

	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create memberlist: %w", err)
	}
	g.memberlist = ml

	if len(cfg.SeedNodes) > 0 {
		if _, err := ml.Join(cfg.SeedNodes); err != nil {
			logger.Warn("Failed to join some seed nodes", zap.Error(err))
		}
	}

	return g, nil
}

// Members returns the advertisements of all known live members.
func (g *Gossip) Members() []Advertisement {
	nodes := g.memberlist.Members()
	ads := make([]Advertisement, 0, len(nodes))
	for _, node := range nodes {
		var ad Advertisement
		if err := json.Unmarshal(node.Meta, &ad); err != nil {
			g.logger.Debug("Member carries unreadable metadata",
				zap.String("node_id", node.Name))
			continue
		}
		ads = append(ads, ad)
	}
	return ads
}

// NumMembers returns the number of known live members.
func (g *Gossip) NumMembers() int {
	return g.memberlist.NumMembers()
}

// NodeMeta implements memberlist.Delegate
func (g *Gossip) NodeMeta(limit int) []byte {
	data, _ := json.Marshal(g.ad)
	if len(data) > limit {
		return data[:limit]
	}
	return data
}

// NotifyMsg implements memberlist.Delegate
func (g *Gossip) NotifyMsg(data []byte) {
	var ad Advertisement
	if err := json.Unmarshal(data, &ad); err != nil {
		g.logger.Warn("Failed to unmarshal gossip message", zap.Error(err))
		return
	}

	g.logger.Debug("Received advertisement",
		zap.String("node_id", ad.NodeID),
		zap.String("host", ad.Host),
		zap.Int("port", ad.Port))
}

// GetBroadcasts implements memberlist.Delegate
func (g *Gossip) GetBroadcasts(overhead, limit int) [][]byte {
	return nil
}

// LocalState implements memberlist.Delegate
func (g *Gossip) LocalState(join bool) []byte {
	data, _ := json.Marshal(g.ad)
	return data
}

// MergeRemoteState implements memberlist.Delegate
func (g *Gossip) MergeRemoteState(buf []byte, join bool) {
}

// Shutdown leaves the cluster.
func (g *Gossip) Shutdown() error {
	return g.memberlist.Shutdown()
}

// eventDelegate handles memberlist events
type eventDelegate struct {
	gossip *Gossip
}

// NotifyJoin is called when a node joins
func (d *eventDelegate) NotifyJoin(node *memberlist.Node) {
	d.gossip.logger.Info("Node joined",
		zap.String("node_id", node.Name),
		zap.String("addr", node.Addr.String()))
}

// NotifyLeave is called when a node leaves
func (d *eventDelegate) NotifyLeave(node *memberlist.Node) {
	d.gossip.logger.Info("Node left",
		zap.String("node_id", node.Name))
}

// NotifyUpdate is called when a node is updated
func (d *eventDelegate) NotifyUpdate(node *memberlist.Node) {
	d.gossip.logger.Debug("Node updated",
		zap.String("node_id", node.Name))
}
