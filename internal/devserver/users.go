package devserver

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Srey123/seostream/internal/models"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// ErrBadCredentials is returned by Authenticate for an unknown email or a
// wrong password.
var ErrBadCredentials = errors.New("devserver: invalid credentials")

// SeedUser creates the user for email, or resets its name and password if
// it already exists.
func SeedUser(db *gorm.DB, email, name, password string) (*models.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || password == "" {
		return nil, fmt.Errorf("devserver: seed user: email and password are required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		return nil, fmt.Errorf("devserver: seed user %s: hash password: %w", email, err)
	}
	if name == "" {
		name = email
	}

	var user models.User
	result := db.Where("email = ?", email).First(&user)
	switch {
	case result.Error == nil:
		user.Name = name
		user.PasswordHash = string(hash)
		if err := db.Save(&user).Error; err != nil {
			return nil, fmt.Errorf("devserver: seed user %s: %w", email, err)
		}
	case errors.Is(result.Error, gorm.ErrRecordNotFound):
		user = models.User{
			ID:           "u-" + uuid.NewString()[:8],
			Email:        email,
			Name:         name,
			PasswordHash: string(hash),
		}
		if err := db.Create(&user).Error; err != nil {
			return nil, fmt.Errorf("devserver: seed user %s: %w", email, err)
		}
	default:
		return nil, fmt.Errorf("devserver: seed user %s: %w", email, result.Error)
	}
	return &user, nil
}

// Authenticate checks email and password against the stored hash.
func Authenticate(db *gorm.DB, email, password string) (*models.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	var user models.User
	if err := db.Where("email = ?", email).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrBadCredentials
		}
		return nil, fmt.Errorf("devserver: authenticate: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, ErrBadCredentials
	}
	return &user, nil
}
