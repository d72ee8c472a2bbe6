package services

import (
	"context"
	"time"

	"github.com/soaringjerry/covfee/internal/ids"
	"github.com/soaringjerry/covfee/internal/models"
)

// ProjectService imports project files and serves project views.
type ProjectService struct {
	store     Store
	instances *InstanceService
	secret    func() string
	now       func() time.Time
}

type ImportResult struct {
	ProjectID        string   `json:"project_id"`
	HITIDs           []string `json:"hit_ids"`
	InstancesCreated int      `json:"instances_created"`
	NodesUpserted    int      `json:"nodes_upserted"`
}

func NewProjectService(store Store, instances *InstanceService, secret func() string) *ProjectService {
	return &ProjectService{
		store:     store,
		instances: instances,
		secret:    secret,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Import writes pf in one transaction. Ids are derived from the file's ids
// and the secret, so importing the same file again updates rows in place:
// template nodes are matched by name and instances are only appended up to
// each HIT's repeat count. Existing instances keep their nodes and journeys.
func (s *ProjectService) Import(ctx context.Context, pf *ProjectFile) (*ImportResult, error) {
	if pf == nil {
		return nil, NewInvalidError("project file required")
	}
	if err := pf.normalize(); err != nil {
		return nil, err
	}
	secret := s.secret()
	projHash := ids.ProjectHashstr(pf.ID, secret)
	res := &ImportResult{ProjectID: ids.Hex(ids.ProjectID(pf.ID, secret))}

	err := s.store.WithTx(ctx, func(tx Tx) error {
		res.HITIDs, res.InstancesCreated, res.NodesUpserted = nil, 0, 0
		proj := &models.Project{ID: ids.ProjectID(pf.ID, secret), Name: pf.Name, Email: pf.Email, CreatedAt: s.now()}
		if err := tx.UpsertProject(ctx, proj); err != nil {
			return err
		}
		for _, hf := range pf.HITs {
			hitHash := ids.HITHashstr(projHash, hf.ID)
			hit := &models.HIT{
				ID:        ids.HITID(projHash, hf.ID),
				ProjectID: proj.ID,
				Name:      hf.Name,
				Type:      hf.Type,
				Extra:     hf.Extra,
				Interface: hf.Interface,
			}
			if err := tx.UpsertHIT(ctx, hit); err != nil {
				return err
			}
			res.HITIDs = append(res.HITIDs, ids.Hex(hit.ID))

			for _, nf := range hf.Nodes {
				n := &models.Node{HITID: hit.ID, Name: nf.Name, Order: *nf.Order, Spec: nf.spec(), CreatedAt: s.now()}
				if _, err := tx.UpsertTemplateNode(ctx, n); err != nil {
					return err
				}
				res.NodesUpserted++
			}

			existing, err := tx.ListInstances(ctx, hit.ID)
			if err != nil {
				return err
			}
			for j := len(existing); j < hf.Repeat; j++ {
				if err := s.createInstance(ctx, tx, hit, hitHash, j, hf); err != nil {
					return err
				}
				res.InstancesCreated++
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (s *ProjectService) createInstance(ctx context.Context, tx Tx, hit *models.HIT, hitHash string, index int, hf HITFile) error {
	instID := ids.InstanceID(hitHash, index)
	inst := &models.HITInstance{ID: instID, PreviewID: ids.PreviewID(instID), HITID: hit.ID, Index: index, CreatedAt: s.now()}
	if err := tx.InsertInstance(ctx, inst); err != nil {
		return err
	}
	for _, nf := range hf.InstanceNodes {
		n := &models.Node{InstanceID: instID, Name: nf.Name, Order: *nf.Order, Spec: nf.spec(), CreatedAt: s.now()}
		if _, err := tx.InsertNode(ctx, n); err != nil {
			return err
		}
	}
	nodes, err := tx.InstanceNodes(ctx, instID)
	if err != nil {
		return err
	}
	byName := make(map[string]int64, len(nodes))
	all := make([]int64, 0, len(nodes))
	for _, n := range nodes {
		byName[n.Name] = n.ID
		all = append(all, n.ID)
	}

	journeys := hf.Journeys
	if len(journeys) == 0 {
		journeys = []JourneyFile{{}}
	}
	for k, jf := range journeys {
		nodeIDs := all
		if len(jf.Nodes) > 0 {
			nodeIDs = make([]int64, 0, len(jf.Nodes))
			for _, name := range jf.Nodes {
				nodeIDs = append(nodeIDs, byName[name])
			}
		}
		j := &models.Journey{ID: ids.JourneyID(instID, k), InstanceID: instID, Index: k, NodeIDs: nodeIDs}
		if err := tx.InsertJourney(ctx, j); err != nil {
			return err
		}
	}
	_, err = tx.InsertChat(ctx, &models.Chat{InstanceID: instID})
	return err
}

// View returns the project with its HITs and their instances.
func (s *ProjectService) View(ctx context.Context, id []byte) (*models.ProjectView, error) {
	p, err := s.store.GetProject(ctx, id)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, NewNotFoundError("project not found")
	}
	hits, err := s.store.ListHITs(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	v := &models.ProjectView{ID: ids.Hex(p.ID), Name: p.Name, Email: p.Email}
	for _, h := range hits {
		hv := models.HITView{ID: ids.Hex(h.ID), Name: h.Name, Type: h.Type}
		insts, err := s.store.ListInstances(ctx, h.ID)
		if err != nil {
			return nil, err
		}
		for _, inst := range insts {
			iv, err := s.instances.view(ctx, s.store, inst)
			if err != nil {
				return nil, err
			}
			hv.Instances = append(hv.Instances, *iv)
		}
		v.HITs = append(v.HITs, hv)
	}
	return v, nil
}
