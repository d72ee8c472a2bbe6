package services

import (
	"context"
	"encoding/json"
	"time"

	"github.com/soaringjerry/covfee/internal/models"
)

// ResponseService manages the task responses of instance nodes. A response
// is immutable once submitted.
type ResponseService struct {
	store Store
	now   func() time.Time
}

func NewResponseService(store Store) *ResponseService {
	return &ResponseService{store: store, now: func() time.Time { return time.Now().UTC() }}
}

func (s *ResponseService) Get(ctx context.Context, id int64) (*models.TaskResponse, error) {
	r, err := s.store.GetResponse(ctx, id)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, NewNotFoundError("response not found")
	}
	return r, nil
}

// LatestOrCreate returns the most recent response of (instance, node),
// creating the first one when none exists.
func (s *ResponseService) LatestOrCreate(ctx context.Context, instanceID []byte, nodeID int64) (*models.TaskResponse, error) {
	var out *models.TaskResponse
	err := s.store.WithTx(ctx, func(tx Tx) error {
		inst, err := tx.GetInstance(ctx, instanceID)
		if err != nil {
			return err
		}
		if inst == nil {
			return NewNotFoundError("instance not found")
		}
		if err := requireInstanceNode(ctx, tx, instanceID, nodeID); err != nil {
			return err
		}
		latest, err := tx.LatestResponse(ctx, instanceID, nodeID)
		if err != nil {
			return err
		}
		if latest != nil {
			out = latest
			return nil
		}
		r := &models.TaskResponse{InstanceID: instanceID, NodeID: nodeID, Index: 0, CreatedAt: s.now()}
		if _, err := tx.InsertResponse(ctx, r); err != nil {
			return err
		}
		out = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Submit stores the final payload and marks the node completed.
func (s *ResponseService) Submit(ctx context.Context, id int64, data json.RawMessage) (*models.TaskResponse, error) {
	if len(data) > 0 && !json.Valid(data) {
		return nil, NewInvalidError("response data must be valid JSON")
	}
	var out *models.TaskResponse
	err := s.store.WithTx(ctx, func(tx Tx) error {
		r, err := tx.GetResponse(ctx, id)
		if err != nil {
			return err
		}
		if r == nil {
			return NewNotFoundError("response not found")
		}
		if r.Submitted {
			return NewConflictError("response already submitted")
		}
		at := s.now()
		if err := tx.SubmitResponse(ctx, id, data, at); err != nil {
			return err
		}
		if err := tx.SetNodeStatus(ctx, r.NodeID, models.NodeCompleted); err != nil {
			return err
		}
		r.Data = data
		r.Submitted = true
		r.SubmittedAt = &at
		out = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SaveState persists shared state onto a response. Submitted responses are
// left unchanged and no error is returned.
func (s *ResponseService) SaveState(ctx context.Context, id int64, state json.RawMessage) error {
	return s.store.WithTx(ctx, func(tx Tx) error {
		r, err := tx.GetResponse(ctx, id)
		if err != nil {
			return err
		}
		if r == nil {
			return NewNotFoundError("response not found")
		}
		if r.Submitted {
			return nil
		}
		return tx.UpdateResponseState(ctx, id, state)
	})
}

func requireInstanceNode(ctx context.Context, tx Tx, instanceID []byte, nodeID int64) error {
	nodes, err := tx.InstanceNodes(ctx, instanceID)
	if err != nil {
		return err
	}
	for _, n := range nodes {
		if n.ID == nodeID {
			return nil
		}
	}
	return NewNotFoundError("node not found in instance")
}
