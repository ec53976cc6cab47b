package remote

import (
	"fmt"

	"github.com/haivt/syncq/internal/core/domain"
)

// APIError is a non-2xx response from the remote store.
type APIError struct {
	StatusCode int
	Endpoint   string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("remote store returned %d from %s: %s", e.StatusCode, e.Endpoint, e.Body)
}

// RevisionMismatchError is returned when a conditional write loses the
// revision race. Server carries the winning version so the caller can
// resolve the conflict without a second round trip.
type RevisionMismatchError struct {
	Collection   string
	DocID        string
	BaseRevision string
	Server       *domain.Document
}

func (e *RevisionMismatchError) Error() string {
	serverRev := "unknown"
	if e.Server != nil {
		serverRev = e.Server.Revision
	}
	return fmt.Sprintf("revision mismatch on %s/%s: base %s, server %s",
		e.Collection, e.DocID, e.BaseRevision, serverRev)
}
