// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package ota

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Thermoquad/mysbridge/pkg/firmware"
)

// State is the transfer state of one node
type State int

// Session states
const (
	StateIdle State = iota
	StateNegotiating
	StateStreaming
	StateCompleted
	StateAborted
)

// String returns the state name
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateNegotiating:
		return "negotiating"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateAborted:
		return "aborted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Abort reasons. Match with errors.Is on a SequenceError.
var (
	ErrBlockAhead      = errors.New("block requested ahead of sequence")
	ErrBlockOutOfRange = errors.New("block beyond end of image")
	ErrImageMismatch   = errors.New("request for a different image")
	ErrTimeout         = errors.New("session timed out")
)

// SequenceError describes why a session was aborted
type SequenceError struct {
	NodeID   uint8
	Kind     error
	Expected uint16
	Got      uint16
	Total    uint16
}

// Error implements the error interface
func (e *SequenceError) Error() string {
	return fmt.Sprintf("node %d: %v (expected block %d, got %d of %d)", e.NodeID, e.Kind, e.Expected, e.Got, e.Total)
}

// Unwrap returns the abort reason
func (e *SequenceError) Unwrap() error {
	return e.Kind
}

// session is one node's transfer. Owned by the Manager's goroutine.
type session struct {
	id           uuid.UUID
	nodeID       uint8
	image        *firmware.Image
	next         uint16
	state        State
	started      time.Time
	lastActivity time.Time
}

func (s *session) total() uint16 {
	return s.image.BlockCount()
}

func (s *session) info() SessionInfo {
	return SessionInfo{
		ID:              s.id.String(),
		NodeID:          s.nodeID,
		FirmwareType:    s.image.Type,
		FirmwareVersion: s.image.Version,
		NextBlock:       s.next,
		TotalBlocks:     s.total(),
		State:           s.state.String(),
		Started:         s.started,
		LastActivity:    s.lastActivity,
	}
}

// SessionInfo is a read-only view of a session
type SessionInfo struct {
	ID              string    `json:"id"`
	NodeID          uint8     `json:"node_id"`
	FirmwareType    uint16    `json:"firmware_type"`
	FirmwareVersion uint16    `json:"firmware_version"`
	NextBlock       uint16    `json:"next_block"`
	TotalBlocks     uint16    `json:"total_blocks"`
	State           string    `json:"state"`
	Started         time.Time `json:"started"`
	LastActivity    time.Time `json:"last_activity"`
}

// Progress returns the completed fraction in [0, 1]
func (i SessionInfo) Progress() float64 {
	if i.TotalBlocks == 0 {
		return 0
	}
	return float64(i.NextBlock) / float64(i.TotalBlocks)
}
