package persistence

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/petrijr/orderflow/pkg/api"
)

// MongoInstanceStore is an InstanceStore backed by one MongoDB collection.
// Each document embeds its history; appends are a single conditional
// findOneAndUpdate on (_id, history_len, status).
type MongoInstanceStore struct {
	coll *mongo.Collection
}

// Ensure it implements InstanceStore.
var _ InstanceStore = (*MongoInstanceStore)(nil)

// NewMongoInstanceStore creates a Mongo-backed instance store.
// dbName defaults to "orderflow" if empty, collName defaults to "instances".
func NewMongoInstanceStore(client *mongo.Client, dbName, collName string) *MongoInstanceStore {
	if dbName == "" {
		dbName = "orderflow"
	}
	if collName == "" {
		collName = "instances"
	}

	return &MongoInstanceStore{
		coll: client.Database(dbName).Collection(collName),
	}
}

type mongoInstanceDoc struct {
	ID         string    `bson:"_id"`
	Workflow   string    `bson:"workflow_name"`
	Status     string    `bson:"status"`
	Input      []byte    `bson:"input,omitempty"`
	Output     []byte    `bson:"output,omitempty"`
	Failure    []byte    `bson:"failure,omitempty"`
	HistoryLen int       `bson:"history_len"`
	History    [][]byte  `bson:"history,omitempty"`
	CreatedAt  time.Time `bson:"created_at"`
	UpdatedAt  time.Time `bson:"updated_at"`
}

func (d mongoInstanceDoc) instance(withHistory bool) (*api.WorkflowInstance, error) {
	failure, err := decodeFailure(d.Failure)
	if err != nil {
		return nil, err
	}
	inst := &api.WorkflowInstance{
		ID:        d.ID,
		Name:      d.Workflow,
		Status:    api.Status(d.Status),
		Failure:   failure,
		CreatedAt: d.CreatedAt.UTC(),
		UpdatedAt: d.UpdatedAt.UTC(),
	}
	if len(d.Input) > 0 {
		inst.Input = d.Input
	}
	if len(d.Output) > 0 {
		inst.Output = d.Output
	}
	if !withHistory {
		return inst, nil
	}
	inst.History = make([]api.HistoryEvent, 0, len(d.History))
	for _, data := range d.History {
		ev, err := decodeEvent(data)
		if err != nil {
			return nil, err
		}
		inst.History = append(inst.History, ev)
	}
	return inst, nil
}

func (s *MongoInstanceStore) CreateInstance(ctx context.Context, inst *api.WorkflowInstance) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	failure, err := encodeFailure(inst.Failure)
	if err != nil {
		return err
	}
	history := make([][]byte, 0, len(inst.History))
	for _, ev := range inst.History {
		data, err := encodeEvent(ev)
		if err != nil {
			return err
		}
		history = append(history, data)
	}

	doc := mongoInstanceDoc{
		ID:         inst.ID,
		Workflow:   inst.Name,
		Status:     string(inst.Status),
		Input:      inst.Input,
		Output:     inst.Output,
		Failure:    failure,
		HistoryLen: len(history),
		History:    history,
		CreatedAt:  inst.CreatedAt,
		UpdatedAt:  inst.UpdatedAt,
	}

	_, err = s.coll.InsertOne(ctx, doc)
	if mongo.IsDuplicateKeyError(err) {
		return ErrInstanceExists
	}
	return err
}

func (s *MongoInstanceStore) GetInstance(ctx context.Context, id string) (*api.WorkflowInstance, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var doc mongoInstanceDoc
	err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrInstanceNotFound
		}
		return nil, err
	}
	return doc.instance(true)
}

func (s *MongoInstanceStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*api.WorkflowInstance, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	bfilter := bson.M{}
	if filter.WorkflowName != "" {
		bfilter["workflow_name"] = filter.WorkflowName
	}
	if filter.Status != "" {
		bfilter["status"] = string(filter.Status)
	}

	opts := options.Find().
		SetProjection(bson.M{"history": 0}).
		SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})

	cur, err := s.coll.Find(ctx, bfilter, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var results []*api.WorkflowInstance
	for cur.Next(ctx) {
		var doc mongoInstanceDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		inst, err := doc.instance(false)
		if err != nil {
			return nil, err
		}
		results = append(results, inst)
	}
	return results, cur.Err()
}

func (s *MongoInstanceStore) AppendEvents(ctx context.Context, id string, expected int, events ...api.HistoryEvent) (*api.WorkflowInstance, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	encoded := make([][]byte, 0, len(events))
	for _, ev := range events {
		data, err := encodeEvent(ev)
		if err != nil {
			return nil, err
		}
		encoded = append(encoded, data)
	}

	sum := fold(events, time.Time{})
	set := bson.M{
		"status":      string(sum.Status),
		"history_len": expected + len(events),
	}
	if sum.Status.Terminal() {
		failure, err := encodeFailure(sum.Failure)
		if err != nil {
			return nil, err
		}
		set["output"] = []byte(sum.Output)
		set["failure"] = failure
	}

	update := bson.M{
		"$push": bson.M{"history": bson.M{"$each": encoded}},
		"$set":  set,
		"$max":  bson.M{"updated_at": sum.UpdatedAt},
	}
	cond := bson.M{
		"_id":         id,
		"history_len": expected,
		"status":      string(api.StatusRunning),
	}

	var doc mongoInstanceDoc
	err := s.coll.FindOneAndUpdate(ctx, cond, update,
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, s.diagnose(ctx, id, expected)
	}
	if err != nil {
		return nil, err
	}
	return doc.instance(true)
}

// diagnose explains a conditional update that matched no document.
func (s *MongoInstanceStore) diagnose(ctx context.Context, id string, expected int) error {
	var doc struct {
		Status     string `bson:"status"`
		HistoryLen int    `bson:"history_len"`
	}
	err := s.coll.FindOne(ctx, bson.M{"_id": id},
		options.FindOne().SetProjection(bson.M{"status": 1, "history_len": 1}),
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ErrInstanceNotFound
	}
	if err != nil {
		return err
	}
	if err := checkAppend(api.Status(doc.Status), doc.HistoryLen, expected); err != nil {
		return err
	}
	return ErrConflict
}
