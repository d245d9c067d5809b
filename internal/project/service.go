package project

import (
	"context"
	"errors"
	"log/slog"

	"github.com/frahmantamala/crowdfunding-payments/internal"
)

type Service struct {
	repo   RepositoryAPI
	logger *slog.Logger
}

func NewService(repo RepositoryAPI, logger *slog.Logger) *Service {
	return &Service{
		repo:   repo,
		logger: logger,
	}
}

func (s *Service) GetProject(ctx context.Context, id int64) (*ProjectResponse, error) {
	p, err := s.repo.GetProject(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, internal.ErrProjectNotFound
	}
	if err != nil {
		s.logger.Error("failed to get project from repository", "project_id", id, "error", err)
		return nil, internal.NewInternalError("failed to load project", err)
	}

	rewards, err := s.repo.ListRewards(ctx, id)
	if err != nil {
		s.logger.Error("failed to list rewards", "project_id", id, "error", err)
		return nil, internal.NewInternalError("failed to load rewards", err)
	}

	resp := ToProjectResponse(p, rewards)
	return &resp, nil
}
