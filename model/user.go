package model

import "time"

// User is the slice of the dashboard's account table this service reads:
// email ownership resolution for block lookups and the caller's role for
// the admin gate.
type User struct {
	ID        string     `json:"id" gorm:"primaryKey;type:text;not null"`
	Email     string     `json:"email" gorm:"uniqueIndex;not null;size:255"`
	Username  string     `json:"username" gorm:"uniqueIndex;not null;size:100"`
	Password  string     `json:"-" gorm:"not null"`
	Role      string     `json:"role" gorm:"default:user;not null;size:20"`
	IsActive  bool       `json:"is_active" gorm:"default:true;not null"`
	LastLogin *time.Time `json:"last_login,omitempty"`
	CreatedAt time.Time  `json:"created_at" gorm:"not null"`
	UpdatedAt time.Time  `json:"updated_at" gorm:"not null"`
}
