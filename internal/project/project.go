package project

import (
	"context"
	"errors"

	projectDatamodel "github.com/frahmantamala/crowdfunding-payments/internal/core/datamodel/project"
)

var ErrNotFound = errors.New("project: not found")

// RepositoryAPI is the read side of the project catalogue. Projects and rewards are
// owned by the campaign service; this module only reads them and the ledger
// updates reward claim counts.
type RepositoryAPI interface {
	GetProject(ctx context.Context, id int64) (*projectDatamodel.Project, error)
	GetReward(ctx context.Context, id int64) (*projectDatamodel.Reward, error)
	ListRewards(ctx context.Context, projectID int64) ([]*projectDatamodel.Reward, error)
}

// Remaining returns how many slots are left, or nil for an unlimited reward.
func Remaining(r *projectDatamodel.Reward) *int {
	if r.QuantityAvailable == nil {
		return nil
	}
	left := *r.QuantityAvailable - r.QuantityClaimed
	if left < 0 {
		left = 0
	}
	return &left
}

func ToRewardResponse(r *projectDatamodel.Reward) RewardResponse {
	return RewardResponse{
		ID:                r.ID,
		Title:             r.Title,
		MinimumAmount:     r.MinimumAmount,
		QuantityAvailable: r.QuantityAvailable,
		QuantityRemaining: Remaining(r),
	}
}

func ToProjectResponse(p *projectDatamodel.Project, rewards []*projectDatamodel.Reward) ProjectResponse {
	resp := ProjectResponse{
		ID:         p.ID,
		CreatorID:  p.CreatorID,
		Title:      p.Title,
		Status:     string(p.Status),
		Currency:   p.Currency,
		GoalAmount: p.GoalAmount,
		Rewards:    make([]RewardResponse, 0, len(rewards)),
	}
	for _, r := range rewards {
		resp.Rewards = append(resp.Rewards, ToRewardResponse(r))
	}
	return resp
}
