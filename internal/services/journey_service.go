package services

import (
	"context"
	"fmt"

	"github.com/soaringjerry/covfee/internal/models"
)

// StatusChange is one node status transition caused by a journey moving.
type StatusChange struct {
	NodeID int64             `json:"node_id"`
	Prev   models.NodeStatus `json:"prev"`
	New    models.NodeStatus `json:"new"`
}

// JourneyService sequences journeys through their nodes. A journey is either
// idle (no current node) or at one node; node status follows from which
// journeys currently point at it.
type JourneyService struct {
	store Store
}

func NewJourneyService(store Store) *JourneyService {
	return &JourneyService{store: store}
}

func (s *JourneyService) Journey(ctx context.Context, id []byte) (*models.Journey, error) {
	j, err := s.store.GetJourney(ctx, id)
	if err != nil {
		return nil, err
	}
	if j == nil {
		return nil, NewNotFoundError("journey not found")
	}
	return j, nil
}

// Resolve loads a journey and one of its nodes. A node outside the journey
// is a forbidden request, not a missing one.
func (s *JourneyService) Resolve(ctx context.Context, journeyID []byte, nodeID int64) (*models.Journey, *models.Node, error) {
	j, err := s.Journey(ctx, journeyID)
	if err != nil {
		return nil, nil, err
	}
	n, err := s.store.GetNode(ctx, nodeID)
	if err != nil {
		return nil, nil, err
	}
	if n == nil {
		return nil, nil, NewNotFoundError("node not found")
	}
	if !j.HasNode(nodeID) {
		return nil, nil, NewForbiddenError("node is not part of journey")
	}
	return j, n, nil
}

// SetCurrNode moves the journey to nodeID, or back to idle when nodeID is
// nil, and returns the resulting node status changes. Pointer and statuses
// are written in one transaction; an unknown journey or node fails before
// anything is written. Completed nodes keep their status.
func (s *JourneyService) SetCurrNode(ctx context.Context, journeyID []byte, nodeID *int64) ([]StatusChange, error) {
	var changes []StatusChange
	err := s.store.WithTx(ctx, func(tx Tx) error {
		changes = nil
		j, err := tx.GetJourney(ctx, journeyID)
		if err != nil {
			return err
		}
		if j == nil {
			return NewNotFoundError("journey not found")
		}
		var next *models.Node
		if nodeID != nil {
			if next, err = tx.GetNode(ctx, *nodeID); err != nil {
				return err
			}
			if next == nil {
				return NewNotFoundError("node not found")
			}
		}
		if samePointer(j.CurrNodeID, nodeID) {
			return nil
		}
		if err := tx.SetJourneyNode(ctx, j.ID, nodeID); err != nil {
			return err
		}

		if j.CurrNodeID != nil {
			change, err := releaseNode(ctx, tx, *j.CurrNodeID, j.ID)
			if err != nil {
				return err
			}
			if change != nil {
				changes = append(changes, *change)
			}
		}
		if next != nil && next.Status == models.NodeIdle {
			if err := tx.SetNodeStatus(ctx, next.ID, models.NodeActive); err != nil {
				return err
			}
			changes = append(changes, StatusChange{NodeID: next.ID, Prev: models.NodeIdle, New: models.NodeActive})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return changes, nil
}

// releaseNode returns an active node to idle once no other journey points at it.
func releaseNode(ctx context.Context, tx Tx, nodeID int64, journeyID []byte) (*StatusChange, error) {
	prev, err := tx.GetNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	if prev == nil || prev.Status != models.NodeActive {
		return nil, nil
	}
	others, err := tx.CountJourneysAt(ctx, nodeID, journeyID)
	if err != nil {
		return nil, fmt.Errorf("release node %d: %w", nodeID, err)
	}
	if others > 0 {
		return nil, nil
	}
	if err := tx.SetNodeStatus(ctx, nodeID, models.NodeIdle); err != nil {
		return nil, err
	}
	return &StatusChange{NodeID: nodeID, Prev: models.NodeActive, New: models.NodeIdle}, nil
}

func samePointer(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
