// Package session defines the durable, tenant-owned session record and the
// Store contract used by the persistence layer.
//
// Contract:
//   - A session belongs to exactly one tenant. Every Store operation takes the
//     caller's tenant and fails with failure.ErrTenantMismatch, without side
//     effects, when it differs from the owner.
//   - The message log is append-only. Append accepts only the sequence that
//     immediately follows LastSequence, so persisted sequences are gapless.
//   - CacheSeed is derived from (tenant, session) and written once at creation.
//   - Sessions are never deleted; terminal sessions are archived read-only.
package session

import (
	"context"
	"errors"
	"maps"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/runtime/event"
)

type (
	// Session is the persisted session header.
	Session struct {
		// ID is the session identifier.
		ID string
		// TenantID owns the session.
		TenantID string
		// WorkflowName names the workflow definition the session runs.
		WorkflowName string
		// CacheSeed is the reproducibility seed handed to agent invokers.
		CacheSeed int64
		// LastSequence is the sequence of the last appended message.
		LastSequence int64
		// Status is the coarse lifecycle status.
		Status Status
		// Snapshot is the latest context snapshot.
		Snapshot Snapshot
		// CreatedAt records when the session was created.
		CreatedAt time.Time
		// UpdatedAt records the last write.
		UpdatedAt time.Time
	}

	// Snapshot is the materialized context of a session plus the metadata
	// needed to resume it.
	Snapshot struct {
		// Values maps context variables to their current value.
		Values map[string]any `json:"values"`
		// State is the engine state recorded at the last write.
		State string `json:"state"`
		// CurrentAgent is the agent that runs the next turn.
		CurrentAgent string `json:"currentAgent,omitempty"`
		// PendingAgent is the agent resumed when input arrives.
		PendingAgent string `json:"pendingAgent,omitempty"`
		// AwaitingInput reports whether the session waits on a human.
		AwaitingInput bool `json:"awaitingInput"`
		// PendingTool is the UI tool id awaiting a ui.tool.response.
		PendingTool string `json:"pendingTool,omitempty"`
		// Turns counts agent turns executed so far.
		Turns int `json:"turns"`
		// ErrorKind is set on failed sessions.
		ErrorKind string `json:"errorKind,omitempty"`
	}

	// Record is a session with its full message log.
	Record struct {
		Session  Session
		Messages []event.Message
	}

	// Store persists sessions.
	Store interface {
		// Create inserts a new session. Returns ErrSessionExists when the ID is
		// taken.
		Create(ctx context.Context, s Session) error
		// Load returns the session and its message log.
		Load(ctx context.Context, tenantID, sessionID string) (Record, error)
		// Append adds msg to the log. msg.Sequence must equal LastSequence+1,
		// otherwise ErrSequenceConflict is returned.
		Append(ctx context.Context, tenantID, sessionID string, msg event.Message) error
		// UpdateSnapshot replaces the snapshot and status.
		UpdateSnapshot(ctx context.Context, tenantID, sessionID string, status Status, snap Snapshot) error
		// List returns the sessions of a tenant, most recently updated first.
		List(ctx context.Context, tenantID string, statuses []Status) ([]Session, error)
	}
)

// Status is the coarse lifecycle status of a session.
type Status string

const (
	// StatusActive sessions are running or ready to run.
	StatusActive Status = "active"
	// StatusPaused sessions wait for input or an operator resume.
	StatusPaused Status = "paused"
	// StatusCompleted sessions finished or were terminated.
	StatusCompleted Status = "completed"
	// StatusError sessions failed.
	StatusError Status = "error"
)

var (
	// ErrSessionNotFound indicates the session does not exist.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionExists indicates Create was called with a taken ID.
	ErrSessionExists = errors.New("session already exists")
	// ErrSequenceConflict indicates an append that would break sequence
	// monotonicity.
	ErrSequenceConflict = errors.New("sequence conflict")
	// ErrSessionArchived indicates a write to a terminal session.
	ErrSessionArchived = errors.New("session is archived")
)

// DeriveCacheSeed returns the deterministic cache seed of a session. It is a
// pure function of its inputs.
func DeriveCacheSeed(tenantID, sessionID string) int64 {
	h := xxhash.New()
	_, _ = h.WriteString(strconv.Itoa(len(tenantID)))
	_, _ = h.WriteString(":")
	_, _ = h.WriteString(tenantID)
	_, _ = h.WriteString(sessionID)
	return int64(h.Sum64() & 0x7fffffff)
}

// IsTerminal reports whether the status is final.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusError
}

// Clone returns a deep copy of the snapshot values map. Nested values are
// shared; they are treated as immutable.
func (s Snapshot) Clone() Snapshot {
	s.Values = maps.Clone(s.Values)
	return s
}

// Clone returns a deep copy of the record.
func (r Record) Clone() Record {
	r.Session.Snapshot = r.Session.Snapshot.Clone()
	msgs := make([]event.Message, len(r.Messages))
	for i, m := range r.Messages {
		m.Payload = append([]byte(nil), m.Payload...)
		if len(m.Payload) == 0 {
			m.Payload = nil
		}
		msgs[i] = m
	}
	r.Messages = msgs
	return r
}
