package model

import "time"

// NodeStatus represents the lifecycle state of a registered node
type NodeStatus string

const (
	// NodeOnline means the node is reachable and receiving replications
	NodeOnline NodeStatus = "online"
	// NodeOffline means the node missed its heartbeat window
	NodeOffline NodeStatus = "offline"
	// NodeSyncing means the node is currently receiving a replication
	NodeSyncing NodeStatus = "syncing"
)

// Node represents a registered client node in the sync fleet
type Node struct {
	NodeID       string     `json:"node_id"`
	Name         string     `json:"name"`
	Address      string     `json:"address"`
	Port         int        `json:"port"`
	Capabilities []string   `json:"capabilities,omitempty"`
	Status       NodeStatus `json:"status"`
	LastSeen     time.Time  `json:"last_seen"`
	RegisteredAt time.Time  `json:"registered_at"`
}

// IsOnline reports whether the node can currently be targeted by replication
func (n *Node) IsOnline() bool {
	return n.Status == NodeOnline || n.Status == NodeSyncing
}
