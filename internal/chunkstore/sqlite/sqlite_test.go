package sqlite

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docqa/internal/chunkstore/memory"
	"docqa/internal/domain"
)

func newTestStorage(t *testing.T, chunks ...domain.Chunk) *Storage {
	t.Helper()
	s, err := Open(Config{Path: ":memory:", MaxRetries: 1})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()
	require.NoError(t, s.EnsureSchema(ctx))
	require.NoError(t, s.Insert(ctx, chunks...))
	return s
}

func visaCorpus() []domain.Chunk {
	var chunks []domain.Chunk
	for i := 0; i < 5; i++ {
		chunks = append(chunks, domain.Chunk{
			Text:       fmt.Sprintf("Visa requirement number %d.", i),
			DocumentID: fmt.Sprintf("visas-%d.pdf", i),
			Category:   "visas",
		})
	}
	chunks = append(chunks,
		domain.Chunk{Text: "Visa office opening hours.", DocumentID: "office.pdf", Category: "other"},
		domain.Chunk{Text: "Visa photos must be recent.", DocumentID: "photos.pdf", Category: "other"},
	)
	return chunks
}

func TestStorage_Search(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t, visaCorpus()...)

	t.Run("Should return exactly limit chunks of the filtered category", func(t *testing.T) {
		got, err := s.Search(ctx, "visa", domain.NewSearchFilter("visas"), 3)
		require.NoError(t, err)
		require.Len(t, got, 3)
		for _, c := range got {
			assert.Equal(t, "visas", c.Category)
		}
	})
	t.Run("Should search every category without a filter", func(t *testing.T) {
		got, err := s.Search(ctx, "VISA", domain.SearchFilter{}, 10)
		require.NoError(t, err)
		assert.Len(t, got, 7)
	})
	t.Run("Should put chunks matching more keywords first", func(t *testing.T) {
		got, err := s.Search(ctx, "visa photos", domain.SearchFilter{}, 2)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "photos.pdf", got[0].DocumentID)
		assert.Equal(t, "visas-0.pdf", got[1].DocumentID)
	})
	t.Run("Should treat LIKE wildcards in the query literally", func(t *testing.T) {
		got, err := s.Search(ctx, "%_", domain.SearchFilter{}, 3)
		require.NoError(t, err)
		assert.Len(t, got, 3, "no keywords left, so table order applies")

		got, err = s.Search(ctx, "100%", domain.SearchFilter{}, 3)
		require.NoError(t, err)
		assert.Empty(t, got)
	})
	t.Run("Should not let quotes in the query break the statement", func(t *testing.T) {
		got, err := s.Search(ctx, "visa' OR '1'='1", domain.NewSearchFilter("nope' OR 'x'='x"), 3)
		require.NoError(t, err)
		assert.Empty(t, got)
	})
	t.Run("Should return an empty result for a non-positive limit", func(t *testing.T) {
		got, err := s.Search(ctx, "visa", domain.SearchFilter{}, 0)
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}

func TestStorage_SearchUnicode(t *testing.T) {
	ctx := context.Background()
	chunks := []domain.Chunk{
		{Text: "Économie circulaire et recyclage.", DocumentID: "fr.pdf", Category: "recycling"},
		{Text: "STRASSE UND ÜBERGANG.", DocumentID: "de.pdf", Category: "roads"},
		{Text: "Plain ascii text.", DocumentID: "en.pdf", Category: "other"},
	}
	s := newTestStorage(t, chunks...)
	mem := memory.NewStorage(chunks...)

	t.Run("Should fold non-ASCII case in both directions", func(t *testing.T) {
		got, err := s.Search(ctx, "Économie", domain.SearchFilter{}, 3)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "fr.pdf", got[0].DocumentID)

		got, err = s.Search(ctx, "übergang", domain.SearchFilter{}, 3)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "de.pdf", got[0].DocumentID)
	})
	t.Run("Should agree with the memory store", func(t *testing.T) {
		for _, q := range []string{"Économie", "ÉCONOMIE circulaire", "Übergang"} {
			fromSQL, err := s.Search(ctx, q, domain.SearchFilter{}, 3)
			require.NoError(t, err)
			fromMem, err := mem.Search(ctx, q, domain.SearchFilter{}, 3)
			require.NoError(t, err)
			assert.Equal(t, fromMem, fromSQL, q)
		}
	})
}

func TestStorage_Listing(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t, visaCorpus()...)

	cats, err := s.ListCategories(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"other", "visas"}, cats)

	docs, err := s.ListDocuments(ctx)
	require.NoError(t, err)
	assert.Len(t, docs, 7)
	assert.Equal(t, "office.pdf", docs[0])
}

func TestStorage_Errors(t *testing.T) {
	t.Run("Should reject unsafe table names", func(t *testing.T) {
		_, err := Open(Config{Path: ":memory:", Table: "chunks; DROP TABLE x"})
		assert.ErrorContains(t, err, "invalid table name")
	})
	t.Run("Should surface a missing table", func(t *testing.T) {
		s, err := Open(Config{Path: ":memory:", Table: "absent"})
		require.NoError(t, err)
		defer s.Close()
		_, err = s.Search(context.Background(), "visa", domain.SearchFilter{}, 3)
		assert.ErrorContains(t, err, "no such table")
	})
}
