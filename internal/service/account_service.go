package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/postpilot/api/internal/models"
	"github.com/postpilot/api/internal/repository"
)

type AccountService interface {
	List(ctx context.Context, userID int64) ([]*models.SocialAccount, error)
	Remove(ctx context.Context, userID, accountID int64) error
}

type accountService struct {
	ac repository.SocialAccountRepository
}

func NewAccountService(ac repository.SocialAccountRepository) AccountService {
	return &accountService{ac: ac}
}

func (s *accountService) List(ctx context.Context, userID int64) ([]*models.SocialAccount, error) {
	accounts, err := s.ac.ListInfoByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("error listing accounts: %w", err)
	}
	return accounts, nil
}

func (s *accountService) Remove(ctx context.Context, userID, accountID int64) error {
	if accountID == 0 {
		err := errors.New("account id is not valid")
		slog.Info(err.Error())
		return err
	}

	exists, err := s.ac.CheckByUserID(ctx, accountID, userID)
	if err != nil {
		return err
	}
	if !exists {
		err := errors.New("account doesn't exist")
		slog.Info(err.Error())
		return err
	}

	return s.ac.Remove(ctx, accountID)
}
