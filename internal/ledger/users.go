package ledger

import (
	"context"

	"linkquota-bot/internal/models"
)

func (s *Store) GetUser(ctx context.Context, telegramID int64) (*models.User, error) {
	db, cancel := s.conn(ctx)
	defer cancel()

	var u models.User
	if err := db.Where("telegram_id = ?", telegramID).First(&u).Error; err != nil {
		return nil, classify(err)
	}
	return &u, nil
}

func (s *Store) GetUserByID(ctx context.Context, id uint) (*models.User, error) {
	db, cancel := s.conn(ctx)
	defer cancel()

	var u models.User
	if err := db.First(&u, id).Error; err != nil {
		return nil, classify(err)
	}
	return &u, nil
}

// CreateUser fails with ErrConflict when the telegram id is taken; callers
// retry as GetUser.
func (s *Store) CreateUser(ctx context.Context, telegramID int64, username, fullName string, isAdmin bool) (*models.User, error) {
	db, cancel := s.conn(ctx)
	defer cancel()

	now := s.clock.Now()
	u := models.User{
		TelegramID: telegramID,
		Username:   username,
		FullName:   fullName,
		IsAdmin:    isAdmin,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := db.Create(&u).Error; err != nil {
		return nil, classify(err)
	}
	return &u, nil
}

// RefreshProfile updates the display fields, the only mutable part of a user.
func (s *Store) RefreshProfile(ctx context.Context, id uint, username, fullName string) error {
	db, cancel := s.conn(ctx)
	defer cancel()

	err := db.Model(&models.User{}).
		Where("id = ?", id).
		Updates(map[string]any{"username": username, "full_name": fullName, "updated_at": s.clock.Now()}).Error
	return classify(err)
}
