package auth

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/frahmantamala/crowdfunding-payments/internal"
	"github.com/frahmantamala/crowdfunding-payments/internal/auth"
	userDatamodel "github.com/frahmantamala/crowdfunding-payments/internal/core/datamodel/user"
)

// Repository reads accounts for token minting. Request handling never touches it;
// permissions travel inside the token.
type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{
		db: db,
	}
}

func (r *Repository) GetUserWithPermissions(ctx context.Context, email string) (*internal.User, error) {
	var u userDatamodel.User
	err := r.db.WithContext(ctx).Where("email = ?", email).First(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, auth.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}
	if !u.IsActive {
		return nil, auth.ErrUserInactive
	}

	var permissions []string
	err = r.db.WithContext(ctx).
		Table("permissions p").
		Select("p.name").
		Joins("JOIN user_permissions up ON p.id = up.permission_id").
		Where("up.user_id = ?", u.ID).
		Order("p.name").
		Pluck("p.name", &permissions).Error
	if err != nil {
		return nil, fmt.Errorf("load permissions: %w", err)
	}

	return &internal.User{
		ID:          u.ID,
		Email:       u.Email,
		Permissions: permissions,
	}, nil
}
