package postgres

import (
	"context"
	"errors"

	"gorm.io/gorm"

	projectDatamodel "github.com/frahmantamala/crowdfunding-payments/internal/core/datamodel/project"
	"github.com/frahmantamala/crowdfunding-payments/internal/project"
)

type ProjectRepository struct {
	db *gorm.DB
}

func NewProjectRepository(db *gorm.DB) *ProjectRepository {
	return &ProjectRepository{db: db}
}

func (r *ProjectRepository) GetProject(ctx context.Context, id int64) (*projectDatamodel.Project, error) {
	var p projectDatamodel.Project
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, project.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *ProjectRepository) GetReward(ctx context.Context, id int64) (*projectDatamodel.Reward, error) {
	var rw projectDatamodel.Reward
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&rw).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, project.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rw, nil
}

func (r *ProjectRepository) ListRewards(ctx context.Context, projectID int64) ([]*projectDatamodel.Reward, error) {
	var rewards []*projectDatamodel.Reward
	err := r.db.WithContext(ctx).Where("project_id = ?", projectID).Order("minimum_amount ASC, id ASC").Find(&rewards).Error
	return rewards, err
}
