package storage

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *ContactRepository {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := Open("sqlite", fmt.Sprintf("file:%s?mode=memory&cache=shared", name), nil)
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return NewContactRepository(db)
}

func TestFindOrCreateIsKeyedByTenantAndID(t *testing.T) {
	repo := openTestDB(t)
	ctx := context.Background()

	a, created, err := repo.FindOrCreate(ctx, Contact{TenantID: "t1", WhatsAppID: "905551112233@s.whatsapp.net", Name: "Ali"})
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotZero(t, a.ID)

	again, created, err := repo.FindOrCreate(ctx, Contact{TenantID: "t1", WhatsAppID: "905551112233@s.whatsapp.net", Name: "Ali Veli"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, a.ID, again.ID)
	assert.Equal(t, "Ali", again.Name)

	other, created, err := repo.FindOrCreate(ctx, Contact{TenantID: "t2", WhatsAppID: "905551112233@s.whatsapp.net"})
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, a.ID, other.ID)

	_, _, err = repo.FindOrCreate(ctx, Contact{TenantID: "t1"})
	assert.Error(t, err)
}

func TestConcurrentFindOrCreateNeverDuplicates(t *testing.T) {
	repo := openTestDB(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := repo.FindOrCreate(ctx, Contact{TenantID: "t1", WhatsAppID: "x@s.whatsapp.net"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	_, total, err := repo.ListByTenant(ctx, "t1", 0, 10)
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
}

func TestUpdateAndDelete(t *testing.T) {
	repo := openTestDB(t)
	ctx := context.Background()

	a, _, err := repo.FindOrCreate(ctx, Contact{TenantID: "t1", WhatsAppID: "a", SessionID: "s1", Name: "A"})
	require.NoError(t, err)
	b, _, err := repo.FindOrCreate(ctx, Contact{TenantID: "t1", WhatsAppID: "b", SessionID: "s1"})
	require.NoError(t, err)
	_, _, err = repo.FindOrCreate(ctx, Contact{TenantID: "t1", WhatsAppID: "c", SessionID: "s2"})
	require.NoError(t, err)

	require.NoError(t, repo.UpdateName(ctx, a.ID, "Ayşe"))
	assert.Error(t, repo.UpdateName(ctx, 9999, "ghost"))

	n, err := repo.DeleteByIDs(ctx, "t2", []uint{a.ID})
	require.NoError(t, err)
	assert.Zero(t, n, "other tenants cannot delete")

	n, err = repo.DeleteByIDs(ctx, "t1", []uint{b.ID})
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	n, err = repo.DeleteBySession(ctx, "t1", "s2")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	rows, total, err := repo.ListByTenant(ctx, "t1", 0, 10)
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
	assert.Equal(t, "Ayşe", rows[0].Name)
}
