package database

import (
	"testing"

	"bumpti-iap/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/utils/tests"
)

// The guarded upsert and the credit grant both serialize through a row lock.
// The dummy dialector has no clause overrides, so the generated SQL shows
// whether the locking clause actually reaches the database (sqlite strips it,
// postgres honors it).
func TestForUpdateEmitsRowLock(t *testing.T) {
	db, err := gorm.Open(tests.DummyDialector{}, &gorm.Config{DryRun: true})
	require.NoError(t, err)

	var state models.SubscriptionState
	stmt := forUpdate(db).Where("user_id = ?", "user-1").Find(&state).Statement
	assert.Contains(t, stmt.SQL.String(), "FOR UPDATE")

	var balance models.CreditBalance
	stmt = forUpdate(db.Session(&gorm.Session{NewDB: true})).Where("user_id = ?", "user-1").Find(&balance).Statement
	assert.Contains(t, stmt.SQL.String(), "FOR UPDATE")
}
