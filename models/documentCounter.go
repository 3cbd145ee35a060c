package models

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/serviciudad/activos_backend/config"
	"github.com/serviciudad/activos_backend/utils"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const DocumentCategoryActas = "actas"

// DocumentCategoryPrefix maps a counter category to the prefix printed on
// documents. Categories without an entry use their upper-cased name.
var DocumentCategoryPrefix = map[string]string{
	DocumentCategoryActas: "ACTA",
}

var documentNumberPattern = regexp.MustCompile(`^[A-Z]+-\d{4}-\d{5}$`)

// DocumentCounter holds the last number issued for a category in its current year.
type DocumentCounter struct {
	Category   string    `gorm:"primaryKey;size:50" json:"category"`
	Year       int       `gorm:"not null" json:"year"`
	LastNumber int       `gorm:"not null" json:"last_number"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func IsValidDocumentNumber(number string) bool {
	return documentNumberPattern.MatchString(number)
}

func documentPrefix(category string) (string, error) {
	category = strings.TrimSpace(category)
	if category == "" {
		return "", newValidationError("category", "required")
	}
	prefix, ok := DocumentCategoryPrefix[category]
	if !ok {
		prefix = strings.ToUpper(category)
	}
	for _, r := range prefix {
		if r < 'A' || r > 'Z' {
			return "", newValidationError("category", "prefix must be letters only")
		}
	}
	return prefix, nil
}

// maxDocumentOrdinal is the largest ordinal that fits the 5 digit format.
const maxDocumentOrdinal = 99999

// NextDocumentNumber issues the next consecutive number of a category,
// formatted <PREFIX>-<year>-<5 digit ordinal>. Numbers restart at 1 with the
// first use in a new calendar year. The counter row is locked for the duration
// of one short transaction, so concurrent callers never get the same number.
func NextDocumentNumber(ctx context.Context, db *gorm.DB, category string) (string, error) {
	return NextDocumentNumberReserved(ctx, db, category, nil)
}

// NextDocumentNumberReserved is NextDocumentNumber with a reserve step that runs
// inside the counter transaction. When reserve fails the counter is rolled back,
// so the number is never issued without being recorded by the caller.
func NextDocumentNumberReserved(ctx context.Context, db *gorm.DB, category string, reserve func(tx *gorm.DB, number string) error) (string, error) {
	prefix, err := documentPrefix(category)
	if err != nil {
		return "", err
	}

	maxRetries := config.DocumentCounterMaxRetries()
	backoff := 20 * time.Millisecond
	for attempt := 0; ; attempt++ {
		number, err := reserveOrdinal(ctx, db, category, prefix, reserve)
		if err == nil {
			return number, nil
		}
		if !IsDuplicateKeyErr(err) && !isLockContentionErr(err) {
			return "", err
		}
		if attempt >= maxRetries {
			return "", fmt.Errorf("%w: %v", ErrDocumentCounterContention, err)
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

func formatDocumentNumber(prefix string, year, ordinal int) string {
	return fmt.Sprintf("%s-%04d-%05d", prefix, year, ordinal)
}

func reserveOrdinal(ctx context.Context, db *gorm.DB, category, prefix string, reserve func(tx *gorm.DB, number string) error) (number string, err error) {
	currentYear := utils.LocalNow().Year()

	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var counter DocumentCounter
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("category = ?", category).
			Take(&counter).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// a concurrent first insert surfaces as a duplicate key and is retried
			counter = DocumentCounter{Category: category, Year: currentYear, LastNumber: 1}
			if err := tx.Create(&counter).Error; err != nil {
				return err
			}
		} else if err != nil {
			return err
		} else {
			// The counter never goes back to an earlier year, even if the clock does.
			if currentYear > counter.Year {
				counter.Year = currentYear
				counter.LastNumber = 1
			} else {
				counter.LastNumber++
			}
			if counter.LastNumber > maxDocumentOrdinal {
				return fmt.Errorf("%w: %s %d", ErrDocumentCounterExhausted, category, counter.Year)
			}
			if err := tx.Model(&DocumentCounter{}).Where("category = ?", category).
				Updates(map[string]interface{}{
					"year":        counter.Year,
					"last_number": counter.LastNumber,
					"updated_at":  utils.Now().UTC(),
				}).Error; err != nil {
				return err
			}
		}

		number = formatDocumentNumber(prefix, counter.Year, counter.LastNumber)
		if reserve != nil {
			return reserve(tx, number)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return number, nil
}
