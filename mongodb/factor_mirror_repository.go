package mongodb

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/fortressauth/fortress/domain"
)

// MirroredFactor is the stored shape of one mirrored second factor.
type MirroredFactor struct {
	UserID     string                     `bson:"user_id"`
	Factor     domain.MFAFactorDescriptor `bson:"factor"`
	MirroredAt time.Time                  `bson:"mirrored_at"`
}

// FactorMirrorRepository maintains the display mirror of enrolled factors.
// The identity provider's enrolled-factors list is the source of truth;
// ReconcileFromProvider overwrites the mirror with it.
type FactorMirrorRepository struct {
	factors *mongo.Collection
}

// NewFactorMirrorRepository creates the repository and ensures its indexes.
func NewFactorMirrorRepository(ctx context.Context, db *mongo.Database) (*FactorMirrorRepository, error) {
	repo := &FactorMirrorRepository{factors: db.Collection(FactorMirrorCollection)}
	if err := repo.createIndexes(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to create factor mirror indexes (may already exist)")
	}
	return repo, nil
}

func (r *FactorMirrorRepository) createIndexes(ctx context.Context) error {
	indexModels := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "user_id", Value: 1}, {Key: "factor.opaque_hint", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
	}
	if _, err := r.factors.Indexes().CreateMany(ctx, indexModels); err != nil {
		return fmt.Errorf("failed to create indexes for factor mirror collection: %w", err)
	}
	return nil
}

// Upsert writes one mirrored factor, keyed by user and provider hint.
func (r *FactorMirrorRepository) Upsert(ctx context.Context, userID string, factor domain.MFAFactorDescriptor) error {
	filter := bson.M{"user_id": userID, "factor.opaque_hint": factor.OpaqueHint}
	update := bson.M{"$set": MirroredFactor{
		UserID:     userID,
		Factor:     factor,
		MirroredAt: time.Now().UTC(),
	}}
	opts := options.UpdateOne().SetUpsert(true)
	if _, err := r.factors.UpdateOne(ctx, filter, update, opts); err != nil {
		return fmt.Errorf("failed to upsert mirrored factor: %w", err)
	}
	return nil
}

// ListByUser returns the mirrored factors for a user, oldest mirror first.
func (r *FactorMirrorRepository) ListByUser(ctx context.Context, userID string) ([]domain.MFAFactorDescriptor, error) {
	cursor, err := r.factors.Find(ctx, bson.M{"user_id": userID},
		options.Find().SetSort(bson.D{{Key: "mirrored_at", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to list mirrored factors: %w", err)
	}
	defer cursor.Close(ctx)

	var stored []MirroredFactor
	if err := cursor.All(ctx, &stored); err != nil {
		return nil, fmt.Errorf("failed to decode mirrored factors: %w", err)
	}
	factors := make([]domain.MFAFactorDescriptor, 0, len(stored))
	for _, m := range stored {
		factors = append(factors, m.Factor)
	}
	return factors, nil
}

// ReconcileFromProvider replaces the user's mirror entries with the
// provider's list. Called whenever a fresh provider list is in hand, so a
// mirror write lost during enrollment heals on the next factor listing.
func (r *FactorMirrorRepository) ReconcileFromProvider(ctx context.Context, userID string, providerFactors []domain.MFAFactorDescriptor) error {
	if _, err := r.factors.DeleteMany(ctx, bson.M{"user_id": userID}); err != nil {
		return fmt.Errorf("failed to clear mirrored factors: %w", err)
	}
	if len(providerFactors) == 0 {
		return nil
	}
	docs := make([]interface{}, 0, len(providerFactors))
	now := time.Now().UTC()
	for _, f := range providerFactors {
		docs = append(docs, MirroredFactor{UserID: userID, Factor: f, MirroredAt: now})
	}
	if _, err := r.factors.InsertMany(ctx, docs); err != nil {
		return fmt.Errorf("failed to insert mirrored factors: %w", err)
	}
	return nil
}
