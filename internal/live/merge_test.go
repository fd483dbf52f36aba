package live

import (
	"testing"

	"telechat/internal/backend"

	"github.com/stretchr/testify/require"
)

func TestInsertDelete(t *testing.T) {
	items := []item{{ID: "r1"}, {ID: "r2"}}

	got, err := InsertDelete(items, backend.Change{Type: backend.EventInsert, New: backend.Row{"id": "r3"}}, itemKey)
	require.NoError(t, err)
	require.Equal(t, []string{"r1", "r2", "r3"}, ids(got))

	got, err = InsertDelete(got, backend.Change{Type: backend.EventDelete, Old: backend.Row{"id": "r2"}}, itemKey)
	require.NoError(t, err)
	require.Equal(t, []string{"r1", "r3"}, ids(got))
	require.Equal(t, []string{"r1", "r2"}, ids(items), "input must not be modified")

	got, err = InsertDelete(got, backend.Change{Type: backend.EventUpdate, New: backend.Row{"id": "r1", "text": "x"}}, itemKey)
	require.NoError(t, err)
	require.Empty(t, got[0].Text)

	_, err = InsertDelete(got, backend.Change{Type: backend.EventDelete}, itemKey)
	require.ErrorIs(t, err, errEmptyRecord)

	_, err = InsertDelete(got, backend.Change{Type: backend.EventDelete, Old: backend.Row{"id": "r1"}}, nil)
	require.Error(t, err)
}

func TestReplaceLatest(t *testing.T) {
	got, err := ReplaceLatest([]item{{ID: "p", Text: "old"}}, backend.Change{Type: backend.EventUpdate, New: backend.Row{"id": "p", "text": "new"}}, nil)
	require.NoError(t, err)
	require.Equal(t, []item{{ID: "p", Text: "new"}}, got)

	got, err = ReplaceLatest(got, backend.Change{Type: backend.EventDelete, Old: backend.Row{"id": "p"}}, nil)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestAppendInsertsRejectsEmptyRecord(t *testing.T) {
	_, err := AppendInserts([]item{}, backend.Change{Type: backend.EventInsert}, itemKey)
	require.ErrorIs(t, err, errEmptyRecord)
}
