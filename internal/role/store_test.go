package role

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCSVStoreMissingFileIsEmpty(t *testing.T) {
	store, err := NewCSVStore(filepath.Join(t.TempDir(), "absent.csv"))
	require.NoError(t, err)

	r, err := store.Lookup(context.Background(), "9999999999")
	require.NoError(t, err)
	assert.Equal(t, RoleUnknown, r)
}

func TestCSVStoreLookupMissIsUnknownAndIdempotent(t *testing.T) {
	store, err := NewCSVStore(filepath.Join(t.TempDir(), "absent.csv"))
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		r, err := store.Lookup(context.Background(), "9999999999")
		require.NoError(t, err)
		assert.Equal(t, RoleUnknown, r)
	}
}

func TestCSVStoreUpdateRewritesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "classified.csv")
	raw := "Lead_ID,Name,Phone,Source_Number,Assigned_Role\n" +
		"LEAD-0001,Asha Rao,9876543210,Buyer,BUYER\n"
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o644))

	store, err := NewCSVStore(path)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.Update(ctx, "9876543210", RoleSiteVisit))

	r, err := store.Lookup(ctx, "9876543210")
	require.NoError(t, err)
	assert.Equal(t, RoleSiteVisit, r)

	// durable: a fresh store sees the correction
	reloaded, err := NewCSVStore(path)
	require.NoError(t, err)
	r, err = reloaded.Lookup(ctx, "9876543210")
	require.NoError(t, err)
	assert.Equal(t, RoleSiteVisit, r)
}

func TestCSVStoreUpdateAppendsNewPhone(t *testing.T) {
	path := filepath.Join(t.TempDir(), "classified.csv")
	store, err := NewCSVStore(path)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.Update(ctx, "9000000001", RoleBuyer))
	r, err := store.Lookup(ctx, "9000000001")
	require.NoError(t, err)
	assert.Equal(t, RoleBuyer, r)
}

func TestCSVStoreUpdateRejectsInvalid(t *testing.T) {
	store, err := NewCSVStore(filepath.Join(t.TempDir(), "c.csv"))
	require.NoError(t, err)
	ctx := context.Background()

	assert.Error(t, store.Update(ctx, "9000000001", Role("WIZARD")))
	assert.Error(t, store.Update(ctx, "   ", RoleBuyer))
}

func newTestSQLStore(t *testing.T) *SQLStore {
	t.Helper()
	store, err := NewSQLStore(filepath.Join(t.TempDir(), "leads.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLStoreLookupMissIsUnknown(t *testing.T) {
	store := newTestSQLStore(t)
	r, err := store.Lookup(context.Background(), "9999999999")
	require.NoError(t, err)
	assert.Equal(t, RoleUnknown, r)
}

func TestSQLStoreUpdateAndLookup(t *testing.T) {
	store := newTestSQLStore(t)
	ctx := context.Background()

	require.NoError(t, store.Update(ctx, "9876543210", RoleChannelPartner))
	r, err := store.Lookup(ctx, "9876543210")
	require.NoError(t, err)
	assert.Equal(t, RoleChannelPartner, r)

	// correction overwrites
	require.NoError(t, store.Update(ctx, "9876543210", RoleEnquiry))
	r, err = store.Lookup(ctx, "9876543210")
	require.NoError(t, err)
	assert.Equal(t, RoleEnquiry, r)
}

func TestSQLStoreImportLeads(t *testing.T) {
	store := newTestSQLStore(t)
	ctx := context.Background()

	leads := []Lead{
		{LeadID: "LEAD-0001", Name: "Asha Rao", Phone: "9876543210", Source: "Buyer", Role: RoleBuyer},
		{LeadID: "LEAD-0002", Name: "Vikram Shetty", Phone: "9812345678", Source: "Channel Partner", Role: RoleChannelPartner},
		{LeadID: "LEAD-0003", Phone: "", Role: RoleBuyer}, // skipped
	}
	require.NoError(t, store.ImportLeads(ctx, leads))

	r, err := store.Lookup(ctx, "9812345678")
	require.NoError(t, err)
	assert.Equal(t, RoleChannelPartner, r)
}
