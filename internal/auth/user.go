package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

var (
	ErrEmailTaken         = errors.New("email already used")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// User owns broadcast jobs. ProviderToken is the long-lived provider
// credential used to rediscover page tokens.
type User struct {
	ID            string    `gorm:"primaryKey;size:36"`
	Email         string    `gorm:"uniqueIndex;size:255;not null"`
	PasswordHash  string    `gorm:"not null"`
	ProviderToken string    `gorm:"type:text;not null;default:''"`
	CreatedAt     time.Time `gorm:"not null"`
}

func HashPassword(pw string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(pw), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func ComparePassword(hash, pw string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(pw)) == nil
}

type Users struct {
	DB *gorm.DB
}

func (u *Users) Register(ctx context.Context, email, password string) (*User, error) {
	hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}
	user := User{
		ID:           uuid.NewString(),
		Email:        strings.TrimSpace(strings.ToLower(email)),
		PasswordHash: hash,
		CreatedAt:    time.Now().UTC(),
	}

	var n int64
	if err := u.DB.WithContext(ctx).Model(&User{}).Where("email = ?", user.Email).Count(&n).Error; err != nil {
		return nil, err
	}
	if n > 0 {
		return nil, ErrEmailTaken
	}
	if err := u.DB.WithContext(ctx).Create(&user).Error; err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	return &user, nil
}

func (u *Users) Authenticate(ctx context.Context, email, password string) (*User, error) {
	var user User
	err := u.DB.WithContext(ctx).Where("email = ?", strings.TrimSpace(strings.ToLower(email))).First(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if !ComparePassword(user.PasswordHash, password) {
		return nil, ErrInvalidCredentials
	}
	return &user, nil
}

func (u *Users) SetProviderToken(ctx context.Context, ownerID, token string) error {
	res := u.DB.WithContext(ctx).Model(&User{}).Where("id = ?", ownerID).Update("provider_token", token)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// ProviderToken returns the owner's long-lived provider credential, or "" when
// none was stored.
func (u *Users) ProviderToken(ctx context.Context, ownerID string) (string, error) {
	var user User
	err := u.DB.WithContext(ctx).Select("provider_token").Where("id = ?", ownerID).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return user.ProviderToken, nil
}
