package flow

import (
	"errors"
	"fmt"
)

var (
	ErrDefinitionNotFound = errors.New("flow definition not found")
	ErrDefinitionInactive = errors.New("flow definition is not active")
	ErrInstanceNotFound   = errors.New("flow instance not found")
	ErrUnknownNodeType    = errors.New("unknown node type")
	ErrGraphIntegrity     = errors.New("graph integrity error")
	ErrInstanceTimeout    = errors.New("instance timeout")
	ErrActivationConflict = errors.New("concurrent activation conflict")
	ErrVersionNotFound    = errors.New("flow version not found")
	ErrInstanceNotPending = errors.New("flow instance already executed")
)

// NodeError is an executor failure carrying retryability. Transient
// causes (network, provider timeout) are retried per the definition's
// retry policy; everything else fails the instance immediately.
type NodeError struct {
	NodeID    string
	Retryable bool
	Err       error
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("node %s: %v", e.NodeID, e.Err)
}

func (e *NodeError) Unwrap() error {
	return e.Err
}

// NewRetryableError wraps a transient executor failure
func NewRetryableError(nodeID string, err error) *NodeError {
	return &NodeError{NodeID: nodeID, Retryable: true, Err: err}
}

// NewPermanentError wraps a non-retryable executor failure
func NewPermanentError(nodeID string, err error) *NodeError {
	return &NodeError{NodeID: nodeID, Retryable: false, Err: err}
}

// IsRetryable reports whether err is a retryable node error
func IsRetryable(err error) bool {
	var ne *NodeError
	if errors.As(err, &ne) {
		return ne.Retryable
	}
	return false
}
