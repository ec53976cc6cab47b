// Package conflict decides what happens when a queued mutation loses the
// revision race against the remote store.
package conflict

import (
	"encoding/json"
	"fmt"

	"github.com/haivt/syncq/internal/core/domain"
)

// Policy selects a resolution strategy for a collection.
type Policy string

const (
	PolicyLastWriteWins Policy = "last-write-wins" // local payload rebased onto the server revision
	PolicyTheirs        Policy = "theirs"          // server version kept, mutation superseded
	PolicyMerge         Policy = "merge"           // field-level merge, local fields win
	PolicyManual        Policy = "manual"          // park for operator resolution
)

// Outcome tells the replayer how to proceed after a conflict.
type Outcome struct {
	Resolution   domain.Resolution
	Payload      json.RawMessage // rewritten payload when the mutation retries
	BaseRevision string          // server revision the retry is conditional on
	Supersede    bool            // drop the mutation, keep the server version
	Park         bool            // move to conflicted for manual handling
}

// Resolver resolves a revision conflict between a mutation and the
// current server version. server is nil when the document was deleted
// remotely.
type Resolver interface {
	Resolve(m *domain.Mutation, server *domain.Document) (*Outcome, error)
}

// ForPolicy returns the resolver for a collection policy.
func ForPolicy(p Policy) (Resolver, error) {
	switch p {
	case PolicyLastWriteWins, "":
		return lastWriteWins{}, nil
	case PolicyTheirs:
		return theirs{}, nil
	case PolicyMerge:
		return merge{}, nil
	case PolicyManual:
		return manual{}, nil
	}
	return nil, fmt.Errorf("unknown conflict policy: %s", p)
}

type lastWriteWins struct{}

func (lastWriteWins) Resolve(m *domain.Mutation, server *domain.Document) (*Outcome, error) {
	serverRev := ""
	if server != nil {
		serverRev = server.Revision
	}
	return &Outcome{
		Resolution:   domain.ResolutionOurs,
		Payload:      m.Payload,
		BaseRevision: serverRev,
	}, nil
}

type theirs struct{}

func (theirs) Resolve(m *domain.Mutation, server *domain.Document) (*Outcome, error) {
	return &Outcome{
		Resolution: domain.ResolutionTheirs,
		Supersede:  true,
	}, nil
}

type merge struct{}

func (merge) Resolve(m *domain.Mutation, server *domain.Document) (*Outcome, error) {
	// A delete has no fields to merge and a vanished server document has
	// nothing to merge into. Both need a human.
	if m.Op == domain.OpDelete || server == nil {
		return &Outcome{Resolution: domain.ResolutionManual, Park: true}, nil
	}

	merged, err := mergeObjects(server.Data, m.Payload)
	if err != nil {
		return &Outcome{Resolution: domain.ResolutionManual, Park: true}, nil
	}
	return &Outcome{
		Resolution:   domain.ResolutionMerged,
		Payload:      merged,
		BaseRevision: server.Revision,
	}, nil
}

type manual struct{}

func (manual) Resolve(m *domain.Mutation, server *domain.Document) (*Outcome, error) {
	return &Outcome{Resolution: domain.ResolutionManual, Park: true}, nil
}

// mergeObjects does a shallow merge of two JSON objects: server fields
// as the base, local fields on top. Non-object payloads fail so the
// caller can fall back to parking.
func mergeObjects(base, overlay json.RawMessage) (json.RawMessage, error) {
	var baseMap, overlayMap map[string]json.RawMessage
	if err := json.Unmarshal(base, &baseMap); err != nil {
		return nil, fmt.Errorf("server payload is not an object: %w", err)
	}
	if err := json.Unmarshal(overlay, &overlayMap); err != nil {
		return nil, fmt.Errorf("local payload is not an object: %w", err)
	}

	for k, v := range overlayMap {
		baseMap[k] = v
	}
	return json.Marshal(baseMap)
}
