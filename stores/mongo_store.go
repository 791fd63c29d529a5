// Package stores provides AccountStore implementations: MongoDB for
// production and an in-memory store for tests and development.
package stores

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	zyneth "github.com/only1Mrjoshua/Zyneth"
)

const (
	accountsCollection = "users"
	configCollection   = "config"
	bootstrapDocID     = "bootstrap"
)

// MongoStore persists accounts in a MongoDB collection. Uniqueness of email
// and username is guaranteed by unique indexes, not by the pre-checks the
// service runs: the losing side of a racing insert gets the duplicate-key
// error mapped back to the same conflict sentinel.
type MongoStore struct {
	accounts *mongo.Collection
	config   *mongo.Collection
	logger   *zap.Logger
	timeout  time.Duration
}

// NewMongoStore wraps the given database. EnsureIndexes must be called once
// at startup before the store serves traffic.
func NewMongoStore(db *mongo.Database, logger *zap.Logger, timeout time.Duration) *MongoStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &MongoStore{
		accounts: db.Collection(accountsCollection),
		config:   db.Collection(configCollection),
		logger:   logger,
		timeout:  timeout,
	}
}

// EnsureIndexes creates the mandatory unique indexes on email and username.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	_, err := s.accounts.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "email", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "username", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "google_id", Value: 1}},
			Options: options.Index().SetSparse(true),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create account indexes: %w", err)
	}
	return nil
}

func (s *MongoStore) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

// mapReadErr keeps "no match" and "store unreachable" distinct.
func (s *MongoStore) mapReadErr(err error, op string) error {
	if errors.Is(err, mongo.ErrNoDocuments) {
		return zyneth.ErrAccountNotFound
	}
	s.logger.Error("mongo operation failed", zap.String("op", op), zap.Error(err))
	return fmt.Errorf("%s: %v: %w", op, err, zyneth.ErrStoreUnavailable)
}

func (s *MongoStore) findOne(ctx context.Context, filter bson.M, op string) (*zyneth.Account, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	var account zyneth.Account
	if err := s.accounts.FindOne(ctx, filter).Decode(&account); err != nil {
		return nil, s.mapReadErr(err, op)
	}
	return &account, nil
}

func (s *MongoStore) GetByID(ctx context.Context, id string) (*zyneth.Account, error) {
	return s.findOne(ctx, bson.M{"_id": id}, "get by id")
}

func (s *MongoStore) GetByEmail(ctx context.Context, email string) (*zyneth.Account, error) {
	return s.findOne(ctx, bson.M{"email": zyneth.NormalizeEmail(email)}, "get by email")
}

func (s *MongoStore) GetByUsername(ctx context.Context, username string) (*zyneth.Account, error) {
	return s.findOne(ctx, bson.M{"username": username}, "get by username")
}

func (s *MongoStore) GetByGoogleID(ctx context.Context, subjectID string) (*zyneth.Account, error) {
	if subjectID == "" {
		return nil, zyneth.ErrAccountNotFound
	}
	return s.findOne(ctx, bson.M{"google_id": subjectID}, "get by google id")
}

func (s *MongoStore) GetByIdentifier(ctx context.Context, identifier string) (*zyneth.Account, error) {
	account, err := s.GetByEmail(ctx, identifier)
	if err == nil {
		return account, nil
	}
	if !errors.Is(err, zyneth.ErrAccountNotFound) {
		return nil, err
	}
	return s.GetByUsername(ctx, identifier)
}

func (s *MongoStore) Create(ctx context.Context, account *zyneth.Account) (*zyneth.Account, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	now := time.Now().UTC()
	account.CreatedAt = now
	account.UpdatedAt = now

	if _, err := s.accounts.InsertOne(ctx, account); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, s.duplicateKeyConflict(err)
		}
		return nil, s.mapReadErr(err, "create account")
	}
	return account, nil
}

// duplicateKeyConflict maps a unique-index violation to the field-specific
// conflict sentinel, matching what the pre-check would have reported.
func (s *MongoStore) duplicateKeyConflict(err error) error {
	var we mongo.WriteException
	if errors.As(err, &we) {
		for _, e := range we.WriteErrors {
			if strings.Contains(e.Message, "username") {
				return zyneth.ErrUsernameTaken
			}
		}
	}
	return zyneth.ErrEmailExists
}

func (s *MongoStore) Update(ctx context.Context, id string, patch zyneth.AccountPatch) (*zyneth.Account, error) {
	set := bson.M{"updated_at": time.Now().UTC()}

	if patch.Email != nil {
		email := zyneth.NormalizeEmail(*patch.Email)
		if other, err := s.GetByEmail(ctx, email); err == nil && other.ID != id {
			return nil, zyneth.ErrEmailExists
		} else if err != nil && !errors.Is(err, zyneth.ErrAccountNotFound) {
			return nil, err
		}
		set["email"] = email
	}
	if patch.Username != nil {
		if other, err := s.GetByUsername(ctx, *patch.Username); err == nil && other.ID != id {
			return nil, zyneth.ErrUsernameTaken
		} else if err != nil && !errors.Is(err, zyneth.ErrAccountNotFound) {
			return nil, err
		}
		set["username"] = *patch.Username
	}
	if patch.FullName != nil {
		set["full_name"] = *patch.FullName
	}
	if patch.AvatarURL != nil {
		set["avatar_url"] = *patch.AvatarURL
	}

	ctx, cancel := s.bound(ctx)
	defer cancel()

	var updated zyneth.Account
	err := s.accounts.FindOneAndUpdate(ctx,
		bson.M{"_id": id},
		bson.M{"$set": set},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&updated)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, s.duplicateKeyConflict(err)
		}
		return nil, s.mapReadErr(err, "update account")
	}
	return &updated, nil
}

func listFilterQuery(filter zyneth.ListFilter) bson.M {
	query := bson.M{}
	if filter.Role != nil {
		query["role"] = *filter.Role
	}
	if filter.IsActive != nil {
		query["is_active"] = *filter.IsActive
	}
	return query
}

func (s *MongoStore) List(ctx context.Context, filter zyneth.ListFilter, skip, limit int) ([]*zyneth.Account, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	opts := options.Find().
		SetSkip(int64(skip)).
		SetLimit(int64(limit)).
		SetSort(bson.D{{Key: "created_at", Value: 1}})

	cursor, err := s.accounts.Find(ctx, listFilterQuery(filter), opts)
	if err != nil {
		return nil, s.mapReadErr(err, "list accounts")
	}
	defer cursor.Close(ctx)

	var accounts []*zyneth.Account
	if err := cursor.All(ctx, &accounts); err != nil {
		return nil, s.mapReadErr(err, "list accounts")
	}
	return accounts, nil
}

func (s *MongoStore) Count(ctx context.Context, filter zyneth.ListFilter) (int64, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	n, err := s.accounts.CountDocuments(ctx, listFilterQuery(filter))
	if err != nil {
		return 0, s.mapReadErr(err, "count accounts")
	}
	return n, nil
}

func (s *MongoStore) Search(ctx context.Context, term string, skip, limit int) ([]*zyneth.Account, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	pattern := bson.M{"$regex": term, "$options": "i"}
	query := bson.M{"$or": []bson.M{
		{"full_name": pattern},
		{"username": pattern},
		{"email": pattern},
	}}

	opts := options.Find().SetSkip(int64(skip)).SetLimit(int64(limit))
	cursor, err := s.accounts.Find(ctx, query, opts)
	if err != nil {
		return nil, s.mapReadErr(err, "search accounts")
	}
	defer cursor.Close(ctx)

	var accounts []*zyneth.Account
	if err := cursor.All(ctx, &accounts); err != nil {
		return nil, s.mapReadErr(err, "search accounts")
	}
	return accounts, nil
}

func (s *MongoStore) Delete(ctx context.Context, id string) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	res, err := s.accounts.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return s.mapReadErr(err, "delete account")
	}
	if res.DeletedCount == 0 {
		return zyneth.ErrAccountNotFound
	}
	return nil
}

// updateOne applies $set and fails with ErrAccountNotFound when nothing
// matched.
func (s *MongoStore) updateOne(ctx context.Context, id string, update bson.M, op string) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	res, err := s.accounts.UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		return s.mapReadErr(err, op)
	}
	if res.MatchedCount == 0 {
		return zyneth.ErrAccountNotFound
	}
	return nil
}

func (s *MongoStore) SetActive(ctx context.Context, id string, active bool) error {
	return s.updateOne(ctx, id, bson.M{"$set": bson.M{
		"is_active":  active,
		"updated_at": time.Now().UTC(),
	}}, "set active")
}

func (s *MongoStore) SetLastLogin(ctx context.Context, id string) error {
	return s.updateOne(ctx, id, bson.M{"$set": bson.M{
		"last_login": time.Now().UTC(),
	}}, "set last login")
}

func (s *MongoStore) SetPassword(ctx context.Context, id string, passwordHash string) error {
	return s.updateOne(ctx, id, bson.M{"$set": bson.M{
		"password_hash": passwordHash,
		"updated_at":    time.Now().UTC(),
	}}, "set password")
}

func (s *MongoStore) SetOTP(ctx context.Context, id string, code string, issuedAt time.Time) error {
	return s.updateOne(ctx, id, bson.M{
		"$set": bson.M{
			"otp_code":       code,
			"otp_created_at": issuedAt.UTC(),
			"otp_attempts":   0,
			"is_verified":    false,
			"updated_at":     time.Now().UTC(),
		},
		"$unset": bson.M{"otp_locked_until": ""},
	}, "set otp")
}

func (s *MongoStore) ClearOTP(ctx context.Context, id string, verified bool) error {
	set := bson.M{
		"otp_attempts": 0,
		"updated_at":   time.Now().UTC(),
	}
	if verified {
		set["is_verified"] = true
	}
	return s.updateOne(ctx, id, bson.M{
		"$set":   set,
		"$unset": bson.M{"otp_code": "", "otp_created_at": "", "otp_locked_until": ""},
	}, "clear otp")
}

// IncrementOTPAttempts bumps the counter and sets the lock in a single
// aggregation-pipeline update, so concurrent failed verifications cannot
// lose increments or double-extend the lock.
func (s *MongoStore) IncrementOTPAttempts(ctx context.Context, id string, max int, lockFor time.Duration) (int, *time.Time, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	lockAt := time.Now().UTC().Add(lockFor)
	pipeline := mongo.Pipeline{
		{{Key: "$set", Value: bson.M{
			"otp_attempts": bson.M{"$add": bson.A{bson.M{"$ifNull": bson.A{"$otp_attempts", 0}}, 1}},
		}}},
		{{Key: "$set", Value: bson.M{
			"otp_locked_until": bson.M{"$cond": bson.A{
				bson.M{"$gte": bson.A{"$otp_attempts", max}},
				lockAt,
				"$otp_locked_until",
			}},
		}}},
	}

	var updated zyneth.Account
	err := s.accounts.FindOneAndUpdate(ctx,
		bson.M{"_id": id},
		pipeline,
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&updated)
	if err != nil {
		return 0, nil, s.mapReadErr(err, "increment otp attempts")
	}
	return updated.OTPAttempts, updated.OTPLockedUntil, nil
}

func (s *MongoStore) LinkFederated(ctx context.Context, id string, link zyneth.FederatedLink) error {
	set := bson.M{
		"auth_provider": zyneth.ProviderGoogle,
		"is_verified":   link.IsVerified,
		"updated_at":    time.Now().UTC(),
	}
	if link.GoogleID != "" {
		set["google_id"] = link.GoogleID
	}
	if link.AvatarURL != nil {
		set["avatar_url"] = *link.AvatarURL
	}
	return s.updateOne(ctx, id, bson.M{"$set": set}, "link federated")
}

// ClaimBootstrapAdmin upserts a singleton config document; the insert
// succeeds exactly once across all concurrent callers, and deleting
// accounts never releases the claim.
func (s *MongoStore) ClaimBootstrapAdmin(ctx context.Context) (bool, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	res, err := s.config.UpdateOne(ctx,
		bson.M{"_id": bootstrapDocID},
		bson.M{"$setOnInsert": bson.M{"admin_claimed_at": time.Now().UTC()}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		// A racing upsert can surface as a duplicate key; the race loser
		// simply did not claim.
		if mongo.IsDuplicateKeyError(err) {
			return false, nil
		}
		return false, s.mapReadErr(err, "claim bootstrap admin")
	}
	return res.UpsertedCount > 0, nil
}
