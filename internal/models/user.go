// internal/models/user.go
package models

import (
	"time"

	"golang.org/x/crypto/bcrypt"
)

type User struct {
	BaseModel
	Username      string     `json:"username" gorm:"uniqueIndex;size:50;not null"`
	Email         string     `json:"email" gorm:"uniqueIndex;size:255;not null"`
	PasswordHash  string     `json:"-" gorm:"size:255;not null"`
	Role          Role       `json:"role" gorm:"type:varchar(20);not null;index"`
	Status        UserStatus `json:"status" gorm:"type:varchar(20);default:'active'"`
	FullName      string     `json:"full_name" gorm:"size:255"`
	Phone         string     `json:"phone" gorm:"size:30"`
	WalletAddress string     `json:"wallet_address" gorm:"size:42;index"`
	LastLoginAt   *time.Time `json:"last_login_at"`

	Entity *BusinessEntity `json:"entity,omitempty" gorm:"foreignKey:UserID"`
}

func (u *User) SetPassword(password string) error {
	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	u.PasswordHash = string(hashedPassword)
	return nil
}

func (u *User) CheckPassword(password string) error {
	return bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password))
}
