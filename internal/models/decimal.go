package models

import (
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

// Decimal is a money or quantity column. Postgres stores it as
// numeric(36,18). SQLite has no exact numeric type, its NUMERIC affinity
// rounds through float64, so there the column is text.
type Decimal struct {
	decimal.Decimal
}

// NewDecimal wraps d for a Trade field.
func NewDecimal(d decimal.Decimal) Decimal { return Decimal{Decimal: d} }

// GormDBDataType picks the column type per dialect.
func (Decimal) GormDBDataType(db *gorm.DB, _ *schema.Field) string {
	return decimalColumnType(db)
}

// NullDecimal is the nullable form of Decimal.
type NullDecimal struct {
	decimal.NullDecimal
}

// NewNullDecimal wraps a set value.
func NewNullDecimal(d decimal.Decimal) NullDecimal {
	return NullDecimal{NullDecimal: decimal.NewNullDecimal(d)}
}

func (NullDecimal) GormDBDataType(db *gorm.DB, _ *schema.Field) string {
	return decimalColumnType(db)
}

func decimalColumnType(db *gorm.DB) string {
	if db.Dialector.Name() == "sqlite" {
		return "text"
	}
	return "numeric(36,18)"
}
