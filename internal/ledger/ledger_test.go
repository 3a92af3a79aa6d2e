package ledger

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/listingwatch/internal/storage/memory"
)

func exerciseLedger(t *testing.T, l Ledger) {
	t.Helper()
	ctx := context.Background()

	got, err := l.Undelivered(ctx, "42", []string{"a", "b", "a"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, got)

	require.NoError(t, l.MarkDelivered(ctx, "42", []string{"a"}))
	require.NoError(t, l.MarkDelivered(ctx, "42", nil))

	got, err = l.Undelivered(ctx, "42", []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, got)

	got, err = l.Undelivered(ctx, "7", []string{"a"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, got, "ledgers are per subscriber")

	require.NoError(t, l.Forget(ctx, "42"))
	require.NoError(t, l.Forget(ctx, "unknown"))
	got, err = l.Undelivered(ctx, "42", []string{"a"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, got)
}

func TestMemoryLedger(t *testing.T) {
	t.Parallel()
	exerciseLedger(t, NewMemory())
}

func TestBlobLedger(t *testing.T) {
	t.Parallel()
	l, err := NewBlob(memory.NewBlobStore(), "")
	require.NoError(t, err)
	exerciseLedger(t, l)
}

func TestBlobLedgerPersistsAcrossInstances(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	blobs := memory.NewBlobStore()

	first, err := NewBlob(blobs, "state/delivered.json")
	require.NoError(t, err)
	require.NoError(t, first.MarkDelivered(ctx, "42", []string{"https://x/2", "https://x/1"}))

	raw, err := blobs.GetObject(ctx, "state/delivered.json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"42":["https://x/1","https://x/2"]}`, string(raw))

	second, err := NewBlob(blobs, "state/delivered.json")
	require.NoError(t, err)
	got, err := second.Undelivered(ctx, "42", []string{"https://x/1", "https://x/3"})
	require.NoError(t, err)
	assert.Equal(t, []string{"https://x/3"}, got)
}

func TestBlobLedgerCorruptDocument(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	blobs := memory.NewBlobStore()
	_, err := blobs.PutObject(ctx, DefaultObject, "", strings.NewReader("[oops"))
	require.NoError(t, err)

	l, err := NewBlob(blobs, "")
	require.NoError(t, err)
	_, err = l.Undelivered(ctx, "42", []string{"a"})
	require.ErrorContains(t, err, "decode ledger")
}
