package store_test

import (
	"testing"

	"github.com/samber/lo"
	"github.com/stretchr/testify/require"

	"staychat/internal/chaterr"
	"staychat/internal/store"
)

func TestPage_Normalize(t *testing.T) {
	req := require.New(t)

	page, err := store.Page{}.Normalize()
	req.NoError(err)
	req.Equal(store.Page{Number: 1, Limit: store.DefaultLimit, SortBy: store.SortCreatedAt, SortOrder: store.Asc}, page)

	page, err = store.Page{Number: 3, Limit: 500, SortOrder: store.Desc}.Normalize()
	req.NoError(err)
	req.Equal(store.MaxLimit, page.Limit)
	req.Equal(200, page.Offset())

	_, err = store.Page{SortOrder: "sideways"}.Normalize()
	req.ErrorIs(err, chaterr.ErrValidation)
}

func TestPage_HasMore(t *testing.T) {
	req := require.New(t)
	page := store.Page{Number: 2, Limit: 10}

	req.True(page.HasMore(21))
	req.False(page.HasMore(20))
	req.False(page.HasMore(0))
}

func TestHasBody(t *testing.T) {
	req := require.New(t)

	req.False(store.HasBody(nil, nil))
	req.False(store.HasBody(lo.ToPtr(" \n"), nil))
	req.False(store.HasBody(nil, lo.ToPtr("")))
	req.True(store.HasBody(lo.ToPtr("hi"), nil))
	req.True(store.HasBody(lo.ToPtr(""), lo.ToPtr("https://cdn.example.com/a.png")))
}
