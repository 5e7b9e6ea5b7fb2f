package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"teleconsult/internal/config"
	"teleconsult/internal/model"
	"teleconsult/internal/repository"
	"teleconsult/internal/service"
)

const (
	patientID  = "patient-demo"
	providerID = "provider-demo"
	adminID    = "admin-demo"
)

// seed writes a pending and a scheduled demo session and prints a bearer token
// for each demo identity.
func main() {
	cfg := config.Load()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		logger.Error("failed to connect to MongoDB", "error", err)
		os.Exit(1)
	}
	defer client.Disconnect(ctx)

	repo := repository.NewSessionRepo(ctx, client.Database(cfg.MongoDB), logger)
	now := time.Now().UTC()
	fee := model.Fee{Amount: cfg.FeeVideo, Currency: cfg.FeeCurrency}

	pending := &model.Session{
		ID:          uuid.NewString(),
		PatientID:   patientID,
		ProviderID:  providerID,
		Type:        model.SessionVideo,
		ScheduledAt: now.Add(24 * time.Hour),
		DurationMin: 30,
		Fee:         fee,
		Status:      model.SessionPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	scheduled := &model.Session{
		ID:          uuid.NewString(),
		PatientID:   patientID,
		ProviderID:  providerID,
		Type:        model.SessionVideo,
		ScheduledAt: now.Add(10 * time.Minute),
		DurationMin: 30,
		Fee:         fee,
		Status:      model.SessionScheduled,
		Review: &model.ReviewInfo{
			ReviewerID:   providerID,
			ReviewerRole: model.RoleProvider,
			Decision:     model.DecisionApprove,
			ReviewedAt:   now,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}

	for _, s := range []*model.Session{pending, scheduled} {
		if err := repo.Create(ctx, s); err != nil {
			logger.Error("failed to insert session", "session_id", s.ID, "error", err)
			os.Exit(1)
		}
		fmt.Printf("session %s  status=%s\n", s.ID, s.Status)
	}

	auth := service.NewAuthService(cfg.JWTSecret, cfg.TokenTTL)
	for _, id := range []struct {
		role model.Role
		id   string
	}{
		{model.RolePatient, patientID},
		{model.RoleProvider, providerID},
		{model.RoleAdmin, adminID},
	} {
		token, err := auth.IssueToken(id.role, id.id, nil)
		if err != nil {
			logger.Error("failed to issue token", "role", id.role, "error", err)
			os.Exit(1)
		}
		fmt.Printf("%-8s %s\n", id.role, token)
	}
}
