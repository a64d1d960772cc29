package model

// Setting is a named key/value override (commission rates, per-role limits).
// Code falls back to a hardcoded default when a key is absent.
type Setting struct {
	ID    uint64 `gorm:"primaryKey"`
	Key   string `gorm:"size:64;uniqueIndex;not null"`
	Value string `gorm:"size:255;not null"`
}

func (Setting) TableName() string { return "settings" }
