package entity

import (
	"time"

	"steeple-core-chms-sync-layer/internal/domain"
)

// MongoTokenDoc represents a token state in MongoDB. The token fields hold
// ciphertext; the token manager encrypts before save and decrypts after
// load.
type MongoTokenDoc struct {
	TokenKey     string    `bson:"tokenKey"`
	Adapter      string    `bson:"adapter"`
	OrgID        string    `bson:"orgId"`
	UserID       string    `bson:"userId"`
	AccessToken  string    `bson:"accessToken"`
	RefreshToken string    `bson:"refreshToken"`
	CreatedAt    time.Time `bson:"createdAt"`
	ExpiresInSec int64     `bson:"expiresInSec"`
	UpdatedAt    time.Time `bson:"updatedAt"`
}

// ToDomain converts the MongoDB document to a domain entity.
func (d *MongoTokenDoc) ToDomain() *domain.TokenState {
	return &domain.TokenState{
		AccessToken:  domain.RedactedString(d.AccessToken),
		RefreshToken: domain.RedactedString(d.RefreshToken),
		CreatedAt:    d.CreatedAt,
		ExpiresIn:    time.Duration(d.ExpiresInSec) * time.Second,
		TokenKey:     d.TokenKey,
		Adapter:      d.Adapter,
		OrgID:        d.OrgID,
		UserID:       d.UserID,
	}
}

// MongoTokenDocFromDomain converts a domain entity to a MongoDB document.
func MongoTokenDocFromDomain(state *domain.TokenState) *MongoTokenDoc {
	return &MongoTokenDoc{
		TokenKey:     state.TokenKey,
		Adapter:      state.Adapter,
		OrgID:        state.OrgID,
		UserID:       state.UserID,
		AccessToken:  state.AccessToken.Reveal(),
		RefreshToken: state.RefreshToken.Reveal(),
		CreatedAt:    state.CreatedAt,
		ExpiresInSec: int64(state.ExpiresIn / time.Second),
	}
}
