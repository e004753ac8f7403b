package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"lending-api/internal/models"
	"lending-api/internal/repository"
	"lending-api/internal/util"
)

const opTimeout = 5 * time.Second

// OTPStore keeps OTP records in a single collection. Expiry is left to a TTL
// index on purgeAt.
type OTPStore struct {
	coll *mongo.Collection
}

func NewOTPStore(coll *mongo.Collection) *OTPStore {
	return &OTPStore{coll: coll}
}

// EnsureIndexes creates the token, lookup and TTL indexes. It is idempotent.
func (s *OTPStore) EnsureIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "token", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("token_unique"),
		},
		{
			Keys:    bson.D{{Key: "phoneHash", Value: 1}, {Key: "context", Value: 1}, {Key: "createdAt", Value: -1}},
			Options: options.Index().SetName("phone_context_created"),
		},
		{
			Keys:    bson.D{{Key: "purgeAt", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(0).SetName("purge_ttl"),
		},
	}

	if _, err := s.coll.Indexes().CreateMany(ctx, indexes); err != nil {
		return fmt.Errorf("failed to create otp indexes: %w", err)
	}
	return nil
}

func (s *OTPStore) Create(ctx context.Context, record *models.OTPRecord) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if _, err := s.coll.InsertOne(ctx, record); err != nil {
		util.Error("Failed to insert OTP record",
			util.HashPrefix("phone_hash", record.PhoneHash),
			zap.String("context", record.Context),
			zap.Error(err))
		return fmt.Errorf("failed to insert otp record: %w", err)
	}
	return nil
}

func (s *OTPStore) FindByToken(ctx context.Context, token string) (*models.OTPRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var record models.OTPRecord
	err := s.coll.FindOne(ctx, bson.M{"token": token}).Decode(&record)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to find otp record: %w", err)
	}
	return &record, nil
}

func (s *OTPStore) FindRecent(ctx context.Context, phoneHash, otpContext string, since time.Time) ([]*models.OTPRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	filter := bson.M{
		"phoneHash": phoneHash,
		"context":   otpContext,
		"createdAt": bson.M{"$gte": since},
	}
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: -1}})

	cursor, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query otp records: %w", err)
	}

	var records []*models.OTPRecord
	if err := cursor.All(ctx, &records); err != nil {
		return nil, fmt.Errorf("failed to decode otp records: %w", err)
	}
	return records, nil
}

func (s *OTPStore) IncrementWrongAttempts(ctx context.Context, token string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	opts := options.FindOneAndUpdate().
		SetReturnDocument(options.After).
		SetProjection(bson.M{"wrongAttempts": 1})

	var updated struct {
		WrongAttempts int `bson:"wrongAttempts"`
	}
	err := s.coll.FindOneAndUpdate(ctx,
		bson.M{"token": token},
		bson.M{"$inc": bson.M{"wrongAttempts": 1}},
		opts,
	).Decode(&updated)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return 0, repository.ErrNotFound
		}
		return 0, fmt.Errorf("failed to increment wrong attempts: %w", err)
	}
	return updated.WrongAttempts, nil
}

func (s *OTPStore) SetBlockedUntil(ctx context.Context, token string, until time.Time) error {
	return s.set(ctx, token, bson.M{"blockedUntil": until})
}

func (s *OTPStore) MarkVerified(ctx context.Context, token string) error {
	return s.set(ctx, token, bson.M{"verified": true})
}

func (s *OTPStore) set(ctx context.Context, token string, fields bson.M) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := s.coll.UpdateOne(ctx, bson.M{"token": token}, bson.M{"$set": fields})
	if err != nil {
		return fmt.Errorf("failed to update otp record: %w", err)
	}
	if res.MatchedCount == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (s *OTPStore) Delete(ctx context.Context, token string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if _, err := s.coll.DeleteOne(ctx, bson.M{"token": token}); err != nil {
		util.Error("Failed to delete OTP record", zap.Error(err))
		return fmt.Errorf("failed to delete otp record: %w", err)
	}
	return nil
}

func (s *OTPStore) HealthCheck(ctx context.Context) error {
	return s.coll.Database().Client().Ping(ctx, nil)
}
