package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"teleconsult/internal/model"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrStatusMismatch  = errors.New("session status changed concurrently")
	ErrSessionExists   = errors.New("session already exists")
)

// StatusMismatchError is returned when a guarded update found another status
type StatusMismatchError struct {
	Expected []model.SessionStatus
	Current  model.SessionStatus
}

func (e *StatusMismatchError) Error() string {
	return fmt.Sprintf("session status is %s, expected one of %v", e.Current, e.Expected)
}

func (e *StatusMismatchError) Is(target error) bool { return target == ErrStatusMismatch }

// Transition is one guarded status change together with the fields written with it.
// Nil fields are left untouched.
type Transition struct {
	From         model.SessionStatus
	To           model.SessionStatus
	At           time.Time
	Review       *model.ReviewInfo
	ActualStart  *time.Time
	ActualEnd    *time.Time
	Clinical     *model.ClinicalOutput
	Cancellation *model.Cancellation
}

// SessionRepo persists sessions. ApplyTransition and MarkJoined are compare-and-set
// operations on the status field.
type SessionRepo interface {
	Create(ctx context.Context, session *model.Session) error
	GetByID(ctx context.Context, id string) (*model.Session, error)
	ListByStatus(ctx context.Context, status model.SessionStatus, providerID string) ([]*model.Session, error)
	ListByParty(ctx context.Context, role model.Role, partyID string) ([]*model.Session, error)
	ApplyTransition(ctx context.Context, id string, t Transition) (*model.Session, error)
	MarkJoined(ctx context.Context, id string, role model.Role, at time.Time) (*model.Session, error)
	// MarkFinalized records that a completed session reached billing and records
	MarkFinalized(ctx context.Context, id string, at time.Time) error
	// ListUnfinalized returns completed sessions that ended before the cutoff and
	// were never marked finalized, oldest first.
	ListUnfinalized(ctx context.Context, endedBefore time.Time, limit int) ([]*model.Session, error)
}

type sessionRepo struct {
	collection *mongo.Collection
	logger     *slog.Logger
}

// NewSessionRepo creates the MongoDB session repository and its indexes
func NewSessionRepo(ctx context.Context, db *mongo.Database, logger *slog.Logger) SessionRepo {
	r := &sessionRepo{
		collection: db.Collection("sessions"),
		logger:     logger,
	}
	r.ensureIndexes(ctx)
	return r
}

func (r *sessionRepo) ensureIndexes(ctx context.Context) {
	r.createIndex(ctx, bson.D{{Key: "status", Value: 1}, {Key: "providerId", Value: 1}})
	r.createIndex(ctx, bson.D{{Key: "patientId", Value: 1}, {Key: "scheduledAt", Value: -1}})
	r.createIndex(ctx, bson.D{{Key: "providerId", Value: 1}, {Key: "scheduledAt", Value: -1}})
	r.createIndex(ctx, bson.D{{Key: "status", Value: 1}, {Key: "finalizedAt", Value: 1}, {Key: "call.actualEnd", Value: 1}})
}

func (r *sessionRepo) createIndex(ctx context.Context, keys bson.D) {
	if _, err := r.collection.Indexes().CreateOne(ctx, mongo.IndexModel{Keys: keys}); err != nil {
		r.logger.Warn("failed to create sessions index", "keys", keys, "error", err)
	}
}

func (r *sessionRepo) Create(ctx context.Context, session *model.Session) error {
	now := time.Now().UTC()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.UpdatedAt = now

	_, err := r.collection.InsertOne(ctx, session)
	if mongo.IsDuplicateKeyError(err) {
		return ErrSessionExists
	}
	return err
}

func (r *sessionRepo) GetByID(ctx context.Context, id string) (*model.Session, error) {
	var session model.Session
	err := r.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&session)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func (r *sessionRepo) ListByStatus(ctx context.Context, status model.SessionStatus, providerID string) ([]*model.Session, error) {
	filter := bson.M{"status": status}
	if providerID != "" {
		filter["providerId"] = providerID
	}
	return r.find(ctx, filter)
}

func (r *sessionRepo) ListByParty(ctx context.Context, role model.Role, partyID string) ([]*model.Session, error) {
	switch role {
	case model.RolePatient:
		return r.find(ctx, bson.M{"patientId": partyID})
	case model.RoleProvider:
		return r.find(ctx, bson.M{"providerId": partyID})
	}
	return r.find(ctx, bson.M{})
}

func (r *sessionRepo) find(ctx context.Context, filter bson.M) ([]*model.Session, error) {
	opts := options.Find().SetSort(bson.D{{Key: "scheduledAt", Value: 1}})
	cursor, err := r.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var sessions []*model.Session
	if err := cursor.All(ctx, &sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

func (r *sessionRepo) ApplyTransition(ctx context.Context, id string, t Transition) (*model.Session, error) {
	set := bson.M{
		"status":    t.To,
		"updatedAt": t.At,
	}
	if t.Review != nil {
		set["review"] = t.Review
	}
	if t.ActualStart != nil {
		set["call.actualStart"] = t.ActualStart
	}
	if t.ActualEnd != nil {
		set["call.actualEnd"] = t.ActualEnd
	}
	if t.Clinical != nil {
		set["clinical"] = t.Clinical
	}
	if t.Cancellation != nil {
		set["cancellation"] = t.Cancellation
	}

	filter := bson.M{"_id": id, "status": t.From}
	return r.guardedUpdate(ctx, id, filter, bson.M{"$set": set}, []model.SessionStatus{t.From})
}

func (r *sessionRepo) MarkJoined(ctx context.Context, id string, role model.Role, at time.Time) (*model.Session, error) {
	field := "call.patientJoined"
	if role == model.RoleProvider {
		field = "call.providerJoined"
	}
	allowed := []model.SessionStatus{model.SessionScheduled, model.SessionOngoing}
	filter := bson.M{"_id": id, "status": bson.M{"$in": allowed}}
	update := bson.M{"$set": bson.M{field: true, "updatedAt": at}}
	return r.guardedUpdate(ctx, id, filter, update, allowed)
}

func (r *sessionRepo) MarkFinalized(ctx context.Context, id string, at time.Time) error {
	filter := bson.M{"_id": id, "status": model.SessionCompleted}
	update := bson.M{"$set": bson.M{"finalizedAt": at}}
	_, err := r.guardedUpdate(ctx, id, filter, update, []model.SessionStatus{model.SessionCompleted})
	return err
}

func (r *sessionRepo) ListUnfinalized(ctx context.Context, endedBefore time.Time, limit int) ([]*model.Session, error) {
	filter := bson.M{
		"status":         model.SessionCompleted,
		"finalizedAt":    bson.M{"$exists": false},
		"call.actualEnd": bson.M{"$lt": endedBefore},
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "call.actualEnd", Value: 1}}).
		SetLimit(int64(limit))
	cursor, err := r.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var sessions []*model.Session
	if err := cursor.All(ctx, &sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

func (r *sessionRepo) guardedUpdate(ctx context.Context, id string, filter, update bson.M, expected []model.SessionStatus) (*model.Session, error) {
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var updated model.Session
	err := r.collection.FindOneAndUpdate(ctx, filter, update, opts).Decode(&updated)
	if err == nil {
		return &updated, nil
	}
	if err != mongo.ErrNoDocuments {
		return nil, err
	}

	current, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, ErrSessionNotFound
	}
	return nil, &StatusMismatchError{Expected: expected, Current: current.Status}
}
