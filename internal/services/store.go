package services

import (
	"context"
	"encoding/json"
	"time"

	"github.com/soaringjerry/covfee/internal/models"
)

// Tx is the durable store as seen from inside one transaction. Getters
// return (nil, nil) when the record does not exist.
type Tx interface {
	GetProject(ctx context.Context, id []byte) (*models.Project, error)
	UpsertProject(ctx context.Context, p *models.Project) error
	GetHIT(ctx context.Context, id []byte) (*models.HIT, error)
	UpsertHIT(ctx context.Context, h *models.HIT) error
	ListHITs(ctx context.Context, projectID []byte) ([]*models.HIT, error)

	GetInstance(ctx context.Context, id []byte) (*models.HITInstance, error)
	GetInstanceByPreview(ctx context.Context, previewID []byte) (*models.HITInstance, error)
	InsertInstance(ctx context.Context, inst *models.HITInstance) error
	ListInstances(ctx context.Context, hitID []byte) ([]*models.HITInstance, error)
	// MarkInstanceSubmitted reports whether the flag changed.
	MarkInstanceSubmitted(ctx context.Context, id []byte, at time.Time) (bool, error)

	GetNode(ctx context.Context, id int64) (*models.Node, error)
	// UpsertTemplateNode inserts or updates a HIT template node by (hit, name).
	UpsertTemplateNode(ctx context.Context, n *models.Node) (int64, error)
	InsertNode(ctx context.Context, n *models.Node) (int64, error)
	// InstanceNodes returns the HIT's template nodes followed by the
	// instance's own nodes, each ordered by (order, created_at).
	InstanceNodes(ctx context.Context, instanceID []byte) ([]*models.Node, error)
	SetNodeStatus(ctx context.Context, id int64, status models.NodeStatus) error

	GetJourney(ctx context.Context, id []byte) (*models.Journey, error)
	InsertJourney(ctx context.Context, j *models.Journey) error
	ListJourneys(ctx context.Context, instanceID []byte) ([]*models.Journey, error)
	SetJourneyNode(ctx context.Context, id []byte, nodeID *int64) error
	// CountJourneysAt counts journeys other than exclude whose current node is nodeID.
	CountJourneysAt(ctx context.Context, nodeID int64, exclude []byte) (int, error)

	GetResponse(ctx context.Context, id int64) (*models.TaskResponse, error)
	// LatestResponse returns the response with the highest index.
	LatestResponse(ctx context.Context, instanceID []byte, nodeID int64) (*models.TaskResponse, error)
	InsertResponse(ctx context.Context, r *models.TaskResponse) (int64, error)
	UpdateResponseState(ctx context.Context, id int64, state json.RawMessage) error
	SubmitResponse(ctx context.Context, id int64, data json.RawMessage, at time.Time) error

	GetChat(ctx context.Context, id int64) (*models.Chat, error)
	GetChatByInstance(ctx context.Context, instanceID []byte) (*models.Chat, error)
	InsertChat(ctx context.Context, c *models.Chat) (int64, error)
	AppendChatMessage(ctx context.Context, m *models.ChatMessage) (int64, error)
	ListChatMessages(ctx context.Context, chatID int64) ([]*models.ChatMessage, error)
}

// Store runs single statements directly and groups writes with WithTx.
// fn's writes are committed together or not at all.
type Store interface {
	Tx
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}
