package normalize

import "codegraph/backend/internal/model"

// Resolve arbitrates between two records describing the same canonical
// fact and returns the winner. Consulted by merges and by rollback
// conflict handling.
//
// Precedence: manual confirmation beats automated inference, deprecated
// loses to anything live; among equal resolution states higher confidence
// wins; ties break on the most recent lastSeenAt. The function is total
// and deterministic for any input pair, so replaying the same ingestion
// twice settles on the same final state.
func Resolve(existing, incoming *model.Relationship) *model.Relationship {
	existingRank := existing.ResolutionState.Rank()
	incomingRank := incoming.ResolutionState.Rank()
	if existingRank != incomingRank {
		if existingRank > incomingRank {
			return existing
		}
		return incoming
	}

	if existing.Confidence != incoming.Confidence {
		if existing.Confidence > incoming.Confidence {
			return existing
		}
		return incoming
	}

	if !existing.LastSeenAt.Equal(incoming.LastSeenAt) {
		if existing.LastSeenAt.After(incoming.LastSeenAt) {
			return existing
		}
		return incoming
	}

	// Identical on every axis: pick by content hash so the decision stays
	// order-independent.
	if existing.ContentHash() >= incoming.ContentHash() {
		return existing
	}
	return incoming
}
