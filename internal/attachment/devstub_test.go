package attachment

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDevStore_ValidateReportsEmptyMandatoryColumn(t *testing.T) {
	store := NewDevStore()
	ref, err := store.CloneTemplate(context.Background(), "Onboarding", "BU1")
	require.NoError(t, err)

	store.SeedTaskSheet(ref, []map[string]string{
		{"companyCode": "CC1", "bankType": "BCA", "bankAccountNumber": ""},
	})

	got, err := store.Validate(context.Background(), ref)
	require.NoError(t, err)
	assert.True(t, got.HasErrors())
	assert.Contains(t, got.EmptyCols, "bankAccountNumber")
	assert.Empty(t, got.InvalidCols)
}

func TestDevStore_ValidateReportsRuleViolation(t *testing.T) {
	store := NewDevStore()
	ref, err := store.CloneTemplate(context.Background(), "Onboarding", "BU1")
	require.NoError(t, err)

	store.SeedTaskSheet(ref, []map[string]string{
		{"companyCode": "CC1", "bankType": "BCA", "bankAccountNumber": "123"},
	})

	got, err := store.Validate(context.Background(), ref)
	require.NoError(t, err)
	assert.Contains(t, got.InvalidCols, "bankAccountNumber")
}

func TestDevStore_ValidatePassesCleanSheet(t *testing.T) {
	store := NewDevStore()
	ref, err := store.CloneTemplate(context.Background(), "Onboarding", "BU1")
	require.NoError(t, err)

	store.SeedTaskSheet(ref, []map[string]string{
		{"companyCode": "CC1", "bankType": "BCA", "bankAccountNumber": "1234567890"},
	})

	got, err := store.Validate(context.Background(), ref)
	require.NoError(t, err)
	assert.False(t, got.HasErrors())
}

func TestDevStore_CountTaskRowsMatchesSeededRows(t *testing.T) {
	store := NewDevStore()
	ref, err := store.CloneTemplate(context.Background(), "default", "BU1")
	require.NoError(t, err)

	store.SeedTaskSheet(ref, []map[string]string{
		{"itemCode": "A1", "quantity": "1", "status": "NEW"},
		{"itemCode": "A2", "quantity": "2", "status": "NEW"},
	})

	count, err := store.CountTaskRows(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestDevStore_ValidateOnUnseededTemplateIsAllEmpty(t *testing.T) {
	store := NewDevStore()
	ref, err := store.CloneTemplate(context.Background(), "default", "BU1")
	require.NoError(t, err)

	got, err := store.Validate(context.Background(), ref)
	require.NoError(t, err)
	assert.False(t, got.HasErrors())
}
