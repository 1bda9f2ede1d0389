package flow

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// FlowDefinition is a versioned workflow graph. Rows sharing a Name form
// a version family; at most one row per family is active at a time.
type FlowDefinition struct {
	ID            string                 `json:"id" gorm:"primaryKey"`
	Name          string                 `json:"name" gorm:"not null;index"`
	Description   string                 `json:"description"`
	Version       int                    `json:"version" gorm:"not null;default:1"`
	Status        string                 `json:"status" gorm:"index;default:'draft'"`
	TriggerType   string                 `json:"triggerType" gorm:"index"`
	TriggerConfig map[string]interface{} `json:"triggerConfig" gorm:"serializer:json"`
	Nodes         []Node                 `json:"nodes" gorm:"serializer:json"`
	Edges         []Edge                 `json:"edges" gorm:"serializer:json"`
	Variables     map[string]interface{} `json:"variables" gorm:"serializer:json"`
	TimeoutMs     int                    `json:"timeoutMs"`
	Retry         RetryConfig            `json:"retryConfig" gorm:"serializer:json"`
	CreatedAt     time.Time              `json:"createdAt"`
	UpdatedAt     time.Time              `json:"updatedAt"`
}

type Node struct {
	ID          string                 `json:"id"`
	Type        string                 `json:"type"`
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Config      map[string]interface{} `json:"config"`
}

// Edge connects two nodes. Declared order is preserved through the JSON
// serializer and is significant: when a non-decision node has several
// outgoing edges the first declared edge wins.
type Edge struct {
	ID        string `json:"id"`
	Source    string `json:"source"`
	Target    string `json:"target"`
	Label     string `json:"label,omitempty"`
	Condition string `json:"condition,omitempty"`
}

type RetryConfig struct {
	MaxRetries      int `json:"maxRetries"`
	RetryIntervalMs int `json:"retryInterval"`
}

// Definition status constants
const (
	StatusDraft    = "draft"
	StatusActive   = "active"
	StatusInactive = "inactive"
)

// Trigger types
const (
	TriggerWebhook   = "webhook"
	TriggerManual    = "manual"
	TriggerScheduled = "scheduled"
	TriggerEvent     = "event"
	TriggerMessage   = "message"
)

// NewFlowDefinition creates a draft definition
func NewFlowDefinition(name, description, triggerType string) *FlowDefinition {
	return &FlowDefinition{
		ID:          uuid.New().String(),
		Name:        name,
		Description: description,
		Version:     1,
		Status:      StatusDraft,
		TriggerType: triggerType,
		Nodes:       []Node{},
		Edges:       []Edge{},
		Variables:   map[string]interface{}{},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
}

// NodeByID returns the node with the given id, or nil
func (d *FlowDefinition) NodeByID(id string) *Node {
	for i := range d.Nodes {
		if d.Nodes[i].ID == id {
			return &d.Nodes[i]
		}
	}
	return nil
}

// OutgoingEdges returns edges whose source is the given node, in declared order
func (d *FlowDefinition) OutgoingEdges(nodeID string) []Edge {
	var out []Edge
	for _, e := range d.Edges {
		if e.Source == nodeID {
			out = append(out, e)
		}
	}
	return out
}

// StartNode returns the node execution begins at: the first declared node
// with no incoming edges, falling back to the first node.
func (d *FlowDefinition) StartNode() *Node {
	if len(d.Nodes) == 0 {
		return nil
	}

	hasIncoming := make(map[string]bool)
	for _, e := range d.Edges {
		hasIncoming[e.Target] = true
	}

	for i := range d.Nodes {
		if !hasIncoming[d.Nodes[i].ID] {
			return &d.Nodes[i]
		}
	}
	return &d.Nodes[0]
}

// Validate checks graph integrity: unique node ids, edge endpoints that
// exist, no self-loops, decision targets that exist, and end nodes
// without outgoing edges.
func (d *FlowDefinition) Validate() error {
	if len(d.Nodes) == 0 {
		return fmt.Errorf("%w: definition has no nodes", ErrGraphIntegrity)
	}

	nodeMap := make(map[string]*Node, len(d.Nodes))
	for i := range d.Nodes {
		n := &d.Nodes[i]
		if n.ID == "" {
			return fmt.Errorf("%w: node with empty id", ErrGraphIntegrity)
		}
		if _, dup := nodeMap[n.ID]; dup {
			return fmt.Errorf("%w: duplicate node id %q", ErrGraphIntegrity, n.ID)
		}
		nodeMap[n.ID] = n
	}

	for _, e := range d.Edges {
		if _, ok := nodeMap[e.Source]; !ok {
			return fmt.Errorf("%w: edge %q references unknown source %q", ErrGraphIntegrity, e.ID, e.Source)
		}
		if _, ok := nodeMap[e.Target]; !ok {
			return fmt.Errorf("%w: edge %q references unknown target %q", ErrGraphIntegrity, e.ID, e.Target)
		}
		if e.Source == e.Target {
			return fmt.Errorf("%w: edge %q is a self-loop on %q", ErrGraphIntegrity, e.ID, e.Source)
		}
	}

	for i := range d.Nodes {
		n := &d.Nodes[i]
		switch n.Type {
		case NodeTypeDecision:
			var cfg DecisionConfig
			if err := n.DecodeConfig(&cfg); err != nil {
				return fmt.Errorf("%w: decision node %q config: %v", ErrGraphIntegrity, n.ID, err)
			}
			for _, c := range cfg.Conditions {
				if _, ok := nodeMap[c.TargetNodeID]; !ok {
					return fmt.Errorf("%w: decision node %q condition targets unknown node %q", ErrGraphIntegrity, n.ID, c.TargetNodeID)
				}
			}
			if cfg.DefaultTarget != "" {
				if _, ok := nodeMap[cfg.DefaultTarget]; !ok {
					return fmt.Errorf("%w: decision node %q default targets unknown node %q", ErrGraphIntegrity, n.ID, cfg.DefaultTarget)
				}
			}
		case NodeTypeEnd:
			if len(d.OutgoingEdges(n.ID)) > 0 {
				return fmt.Errorf("%w: end node %q has outgoing edges", ErrGraphIntegrity, n.ID)
			}
		}
	}

	return nil
}

// ToJSON serializes the definition
func (d *FlowDefinition) ToJSON() (string, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Clone returns a deep copy with a fresh id. Used when creating a new
// draft version from the active definition.
func (d *FlowDefinition) Clone() *FlowDefinition {
	clone := &FlowDefinition{
		ID:          uuid.New().String(),
		Name:        d.Name,
		Description: d.Description,
		Version:     d.Version,
		Status:      StatusDraft,
		TriggerType: d.TriggerType,
		TimeoutMs:   d.TimeoutMs,
		Retry:       d.Retry,
		Nodes:       make([]Node, len(d.Nodes)),
		Edges:       make([]Edge, len(d.Edges)),
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
	copy(clone.Nodes, d.Nodes)
	copy(clone.Edges, d.Edges)

	clone.TriggerConfig = make(map[string]interface{}, len(d.TriggerConfig))
	for k, v := range d.TriggerConfig {
		clone.TriggerConfig[k] = v
	}
	clone.Variables = make(map[string]interface{}, len(d.Variables))
	for k, v := range d.Variables {
		clone.Variables[k] = v
	}
	return clone
}

// DecodeConfig unmarshals the node's config map into a typed struct
func (n *Node) DecodeConfig(v interface{}) error {
	data, err := json.Marshal(n.Config)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// Node types
const (
	NodeTypeMessageReceive  = "message_receive"
	NodeTypeIntent          = "intent"
	NodeTypeDecision        = "decision"
	NodeTypeAIReply         = "ai_reply"
	NodeTypeMessageDispatch = "message_dispatch"
	NodeTypeSendCommand     = "send_command"
	NodeTypeCommandStatus   = "command_status"
	NodeTypeEnd             = "end"
	NodeTypeHTTP            = "http"
	NodeTypeDelay           = "delay"
	NodeTypeCondition       = "condition"
	NodeTypeEmail           = "email"
	NodeTypeSMS             = "sms"
	NodeTypeWebhook         = "webhook"
)

// DecisionConfig is the typed config of a decision node. Conditions are
// ordered; the first expression evaluating true supplies the next node.
type DecisionConfig struct {
	Conditions    []DecisionCondition `json:"conditions"`
	DefaultTarget string              `json:"defaultTarget"`
}

type DecisionCondition struct {
	Expression   string `json:"expression"`
	TargetNodeID string `json:"targetNodeId"`
}
