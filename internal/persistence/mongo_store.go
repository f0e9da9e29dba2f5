package persistence

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/petrijr/orchestro/pkg/api"
)

// MongoWorkflowStore is a WorkflowStore backed by a MongoDB collection.
type MongoWorkflowStore struct {
	client *mongo.Client
	coll   *mongo.Collection
}

// Ensure it implements the interfaces.
var _ WorkflowStore = (*MongoWorkflowStore)(nil)

var _ Pinger = (*MongoWorkflowStore)(nil)

// NewMongoWorkflowStore creates a Mongo-backed workflow store.
// dbName defaults to "orchestro" if empty, collName defaults to "workflows".
func NewMongoWorkflowStore(client *mongo.Client, dbName, collName string) *MongoWorkflowStore {
	if dbName == "" {
		dbName = "orchestro"
	}
	if collName == "" {
		collName = "workflows"
	}

	return &MongoWorkflowStore{
		client: client,
		coll:   client.Database(dbName).Collection(collName),
	}
}

type mongoWorkflowDoc struct {
	ID             string `bson:"_id"`
	OrchestratorID string `bson:"orchestrator_id"`
	Status         string `bson:"status"`
	CurrentStage   string `bson:"current_stage,omitempty"`
	CreatedAt      int64  `bson:"created_at"`
	UpdatedAt      int64  `bson:"updated_at"`
	Payload        []byte `bson:"payload"`
}

func (s *MongoWorkflowStore) Save(ctx context.Context, wf *api.Workflow) (*api.Workflow, error) {
	payload, err := EncodeWorkflow(wf)
	if err != nil {
		return nil, err
	}

	doc := mongoWorkflowDoc{
		ID:             wf.WorkflowID,
		OrchestratorID: wf.OrchestratorID,
		Status:         string(wf.ExecutionStatus.Status),
		CurrentStage:   wf.ExecutionStatus.CurrentStage,
		CreatedAt:      wf.CreatedAt.UnixNano(),
		UpdatedAt:      wf.UpdatedAt.UnixNano(),
		Payload:        payload,
	}

	_, err = s.coll.ReplaceOne(ctx, bson.M{"_id": wf.WorkflowID}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return nil, err
	}
	return wf.Clone(), nil
}

func (s *MongoWorkflowStore) FindByID(ctx context.Context, id string) (*api.Workflow, error) {
	var doc mongoWorkflowDoc
	err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrWorkflowNotFound
		}
		return nil, err
	}
	return DecodeWorkflow(doc.Payload)
}

func (s *MongoWorkflowStore) FindAll(ctx context.Context) ([]*api.Workflow, error) {
	return s.find(ctx, bson.M{})
}

func (s *MongoWorkflowStore) FindByStatus(ctx context.Context, status api.Status) ([]*api.Workflow, error) {
	return s.find(ctx, bson.M{"status": string(status)})
}

func (s *MongoWorkflowStore) Delete(ctx context.Context, id string) (bool, error) {
	res, err := s.coll.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return false, err
	}
	return res.DeletedCount > 0, nil
}

func (s *MongoWorkflowStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

func (s *MongoWorkflowStore) find(ctx context.Context, filter bson.M) ([]*api.Workflow, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
	cur, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	workflows := []*api.Workflow{}
	for cur.Next(ctx) {
		var doc mongoWorkflowDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		wf, err := DecodeWorkflow(doc.Payload)
		if err != nil {
			return nil, err
		}
		workflows = append(workflows, wf)
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return workflows, nil
}
