package services

import (
	"context"
	"time"

	"github.com/soaringjerry/covfee/internal/models"
)

// InstanceService serves HIT instances to subjects.
type InstanceService struct {
	store  Store
	links  models.Links
	secret func() string
	now    func() time.Time
}

// NewInstanceService reads the secret through secret on every call.
func NewInstanceService(store Store, links models.Links, secret func() string) *InstanceService {
	return &InstanceService{
		store:  store,
		links:  links,
		secret: secret,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *InstanceService) View(ctx context.Context, id []byte) (*models.InstanceView, error) {
	inst, err := s.store.GetInstance(ctx, id)
	if err != nil {
		return nil, err
	}
	if inst == nil {
		return nil, NewNotFoundError("instance not found")
	}
	return s.view(ctx, s.store, inst)
}

// PreviewView resolves an instance by its preview id. The view never carries
// a completion code.
func (s *InstanceService) PreviewView(ctx context.Context, previewID []byte) (*models.InstanceView, error) {
	inst, err := s.store.GetInstanceByPreview(ctx, previewID)
	if err != nil {
		return nil, err
	}
	if inst == nil {
		return nil, NewNotFoundError("instance not found")
	}
	v, err := s.view(ctx, s.store, inst)
	if err != nil {
		return nil, err
	}
	v.CompletionCode = ""
	return v, nil
}

// Submit marks the instance submitted. Submitting twice is allowed and keeps
// the original submission time.
func (s *InstanceService) Submit(ctx context.Context, id []byte) (*models.InstanceView, error) {
	var out *models.InstanceView
	err := s.store.WithTx(ctx, func(tx Tx) error {
		inst, err := tx.GetInstance(ctx, id)
		if err != nil {
			return err
		}
		if inst == nil {
			return NewNotFoundError("instance not found")
		}
		if !inst.Submitted {
			at := s.now()
			if _, err := tx.MarkInstanceSubmitted(ctx, id, at); err != nil {
				return err
			}
			inst.Submitted = true
			inst.SubmittedAt = &at
		}
		out, err = s.view(ctx, tx, inst)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *InstanceService) view(ctx context.Context, tx Tx, inst *models.HITInstance) (*models.InstanceView, error) {
	hit, err := tx.GetHIT(ctx, inst.HITID)
	if err != nil {
		return nil, err
	}
	nodes, err := tx.InstanceNodes(ctx, inst.ID)
	if err != nil {
		return nil, err
	}
	journeys, err := tx.ListJourneys(ctx, inst.ID)
	if err != nil {
		return nil, err
	}
	var chatID int64
	chat, err := tx.GetChatByInstance(ctx, inst.ID)
	if err != nil {
		return nil, err
	}
	if chat != nil {
		chatID = chat.ID
	}
	v := models.NewInstanceView(hit, inst, nodes, journeys, chatID, s.links, s.secret())
	return &v, nil
}
