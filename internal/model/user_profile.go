package model

import "strings"

const (
	RoleBuyer  = "buyer"
	RoleFarmer = "farmer"
	RoleAdmin  = "admin"
)

// UserProfile is the directory row owned by the account service. Chat only reads it.
type UserProfile struct {
	ID        string  `gorm:"primaryKey;size:128"`
	FirstName string  `gorm:"column:first_name;size:100"`
	LastName  string  `gorm:"column:last_name;size:100"`
	FarmName  string  `gorm:"column:farm_name;size:200"`
	Role      string  `gorm:"column:role;size:16"`
	AvatarURL *string `gorm:"column:avatar_url;size:512"`
}

func (UserProfile) TableName() string {
	return "users"
}

func (u *UserProfile) DisplayName() string {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name != "" {
		return name
	}
	if u.FarmName != "" {
		return u.FarmName
	}
	if u.Role == RoleFarmer {
		return "Farmer"
	}
	return "Buyer"
}
