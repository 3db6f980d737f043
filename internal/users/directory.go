// Package users resolves connection identities and answers ownership
// questions for the event hub.
package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"gorm.io/gorm"

	"github.com/Tyrowin/roomrelay/internal/database"
	"github.com/Tyrowin/roomrelay/internal/errs"
	"github.com/Tyrowin/roomrelay/internal/store"
)

const defaultAvatar = "default.png"

// Identity is a registered user. Username and Email never change once
// created; the profile fields can be edited.
type Identity struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	Username    string    `gorm:"size:150;uniqueIndex;not null" json:"username"`
	Email       string    `gorm:"size:150;uniqueIndex;not null" json:"-"`
	DisplayName string    `gorm:"column:name;size:150;not null" json:"displayName"`
	Bio         string    `gorm:"size:500" json:"bio"`
	AvatarRef   string    `gorm:"column:avatar;size:150" json:"avatarRef"`
	CreatedAt   time.Time `json:"-"`
	UpdatedAt   time.Time `json:"-"`
}

// TableName pins the table name used by the original schema.
func (Identity) TableName() string {
	return "users"
}

// Profile carries the editable identity fields. Nil fields are left alone.
type Profile struct {
	DisplayName *string
	Bio         *string
	AvatarRef   *string
}

// Claims is the token payload accepted on connect. Tokens are minted by the
// login service; only verification happens here.
type Claims struct {
	jwt.RegisteredClaims
	Username string `json:"username"`
}

// Directory implements identity lookup on the users table.
type Directory struct {
	db     *gorm.DB
	secret []byte
}

// NewDirectory migrates the users table. secret verifies HS256 tokens; an
// empty secret makes every token invalid.
func NewDirectory(db *gorm.DB, secret string) (*Directory, error) {
	if err := database.AutoMigrate(db, &Identity{}); err != nil {
		return nil, fmt.Errorf("migrate users: %w", err)
	}
	return &Directory{db: db, secret: []byte(secret)}, nil
}

// Create registers a new identity.
func (d *Directory) Create(ctx context.Context, id *Identity) error {
	id.Username = strings.TrimSpace(id.Username)
	if id.Username == "" {
		return fmt.Errorf("%w: username is required", errs.ErrInvalidPayload)
	}
	if id.Email == "" {
		id.Email = id.Username
	}
	if id.DisplayName == "" {
		id.DisplayName = id.Username
	}
	if id.AvatarRef == "" {
		id.AvatarRef = defaultAvatar
	}

	// The unique indexes decide; a racing duplicate loses at insert time.
	err := d.db.WithContext(ctx).Create(id).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("%w: username or email %q", errs.ErrConflict, id.Username)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrStoreUnavailable, err)
	}
	return nil
}

// Seed creates an identity for each username that does not exist yet and
// returns how many were created.
func (d *Directory) Seed(ctx context.Context, usernames []string) (int, error) {
	created := 0
	for _, name := range usernames {
		err := d.Create(ctx, &Identity{Username: name})
		if errors.Is(err, errs.ErrConflict) {
			continue
		}
		if err != nil {
			return created, fmt.Errorf("seed %q: %w", name, err)
		}
		created++
	}
	return created, nil
}

// Lookup returns the identity for username.
func (d *Directory) Lookup(ctx context.Context, username string) (Identity, error) {
	var id Identity
	err := d.db.WithContext(ctx).First(&id, "username = ?", username).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Identity{}, fmt.Errorf("%w: user %q", errs.ErrNotFound, username)
	}
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", errs.ErrStoreUnavailable, err)
	}
	return id, nil
}

// List returns every identity except the given username, ordered by username.
func (d *Directory) List(ctx context.Context, except string) ([]Identity, error) {
	var ids []Identity
	err := d.db.WithContext(ctx).
		Where("username <> ?", except).
		Order("username ASC").
		Find(&ids).Error
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrStoreUnavailable, err)
	}
	return ids, nil
}

// UpdateProfile edits the mutable fields of an identity.
func (d *Directory) UpdateProfile(ctx context.Context, username string, p Profile) (Identity, error) {
	id, err := d.Lookup(ctx, username)
	if err != nil {
		return Identity{}, err
	}

	updates := map[string]any{}
	if p.DisplayName != nil {
		updates["name"] = *p.DisplayName
	}
	if p.Bio != nil {
		updates["bio"] = *p.Bio
	}
	if p.AvatarRef != nil {
		avatar := *p.AvatarRef
		if avatar == "" {
			avatar = defaultAvatar
		}
		updates["avatar"] = avatar
	}
	if len(updates) == 0 {
		return id, nil
	}

	if err := d.db.WithContext(ctx).Model(&id).Updates(updates).Error; err != nil {
		return Identity{}, fmt.Errorf("%w: %v", errs.ErrStoreUnavailable, err)
	}
	return d.Lookup(ctx, username)
}

// Resolve verifies an identity token and loads the user it names.
func (d *Directory) Resolve(ctx context.Context, token string) (Identity, error) {
	if len(d.secret) == 0 || token == "" {
		return Identity{}, errs.ErrInvalidToken
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errs.ErrInvalidToken
		}
		return d.secret, nil
	})
	if err != nil || !parsed.Valid {
		return Identity{}, fmt.Errorf("%w: %v", errs.ErrInvalidToken, err)
	}

	username := claims.Username
	if username == "" {
		username = claims.Subject
	}
	if username == "" {
		return Identity{}, fmt.Errorf("%w: no username claim", errs.ErrInvalidToken)
	}

	id, err := d.Lookup(ctx, username)
	if errors.Is(err, errs.ErrNotFound) {
		return Identity{}, fmt.Errorf("%w: unknown user %q", errs.ErrInvalidToken, username)
	}
	return id, err
}

// CanDelete reports whether the claimed username owns m. The claim comes from
// the client payload and is not bound to the session identity.
func (d *Directory) CanDelete(claimedUsername string, m store.Message) bool {
	return claimedUsername != "" && claimedUsername == m.SenderUsername
}
