package chemspider

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmoleculedata/molingest/pkg/checkpoint"
	"github.com/openmoleculedata/molingest/pkg/clients"
	"github.com/openmoleculedata/molingest/pkg/connector/core"
	"github.com/openmoleculedata/molingest/pkg/models"
	"github.com/openmoleculedata/molingest/pkg/testutil"
)

func newConfig(t *testing.T, dir string) *core.SourceConfig {
	return &core.SourceConfig{
		Name:        "chemspider",
		BatchSize:   2,
		Checkpoints: checkpoint.NewStore(filepath.Join(dir, "checkpoints")),
		Logger:      testutil.Logger(t),
		Transfer:    clients.NewTransferClient(clients.DefaultTransferConfig(), testutil.Logger(t)),
	}
}

func drain(t *testing.T, src core.Source) ([]*models.Page, error) {
	t.Helper()
	stream := src.FetchPages(context.Background())
	var pages []*models.Page
	for p := range stream.Pages {
		pages = append(pages, p)
	}
	return pages, stream.Err()
}

func pagedServer(t *testing.T) (*httptest.Server, *[]string) {
	tokens := &[]string{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.URL.Query().Get("token")
		*tokens = append(*tokens, token)
		assert.Equal(t, "2", r.URL.Query().Get("count"))

		switch token {
		case "":
			fmt.Fprint(w, `{"results":[{"csid":1,"smiles":"C","inchi_key":"K1","formula":"CH4"},{"csid":2,"smiles":"CC"}],"next":"t2"}`)
		case "t2":
			fmt.Fprint(w, `{"results":[{"csid":3,"smiles":"CCC"}],"next":null}`)
		default:
			t.Errorf("unexpected token %q", token)
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
	return srv, tokens
}

func TestFetchPagesFollowsTokens(t *testing.T) {
	srv, tokens := pagedServer(t)
	defer srv.Close()

	src, err := New(newConfig(t, t.TempDir()), Options{
		BaseURL:        srv.URL,
		Endpoint:       "compounds/v1/filter/smiles",
		BatchParam:     "count",
		CursorParam:    "token",
		RecordsPath:    []string{"results"},
		NextCursorPath: []string{"next"},
		IDField:        "csid",
		SMILESField:    "smiles",
	})
	require.NoError(t, err)
	defer src.Close()

	pages, err := drain(t, src)
	require.NoError(t, err)
	require.Len(t, pages, 2)

	assert.Equal(t, []string{"", "t2"}, *tokens)

	require.Len(t, pages[0].Records, 2)
	assert.Equal(t, "1", pages[0].Records[0].Identifier)
	assert.Equal(t, "C", pages[0].Records[0].SMILES)

	next, ok := pages[0].NextCursor.String("token")
	assert.True(t, ok)
	assert.Equal(t, "t2", next)

	assert.Nil(t, pages[1].NextCursor)
	assert.Equal(t, "3", pages[1].Records[0].Identifier)
}

func TestFetchPagesResumesFromCheckpointCursor(t *testing.T) {
	srv, tokens := pagedServer(t)
	defer srv.Close()

	cfg := newConfig(t, t.TempDir())
	require.NoError(t, cfg.Checkpoints.Save("chemspider", &checkpoint.Checkpoint{
		Cursor:     models.Cursor{"token": "t2"},
		BatchIndex: 1,
	}))

	src, err := New(cfg, Options{
		BaseURL:        srv.URL,
		Endpoint:       "api",
		BatchParam:     "count",
		CursorParam:    "token",
		RecordsPath:    []string{"results"},
		NextCursorPath: []string{"next"},
		IDField:        "csid",
		SMILESField:    "smiles",
	})
	require.NoError(t, err)
	defer src.Close()

	pages, err := drain(t, src)
	require.NoError(t, err)
	require.Len(t, pages, 1)
	assert.Equal(t, []string{"t2"}, *tokens)
}

func TestFetchPagesSkipsCompletedSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("completed source must not issue requests")
	}))
	defer srv.Close()

	cfg := newConfig(t, t.TempDir())
	require.NoError(t, cfg.Checkpoints.Save("chemspider", &checkpoint.Checkpoint{
		BatchIndex: 9,
		Completed:  true,
	}))

	src, err := New(cfg, Options{
		BaseURL:  srv.URL,
		Endpoint: "api",
	})
	require.NoError(t, err)
	defer src.Close()

	pages, err := drain(t, src)
	require.NoError(t, err)
	assert.Empty(t, pages)
}

func TestMetadataFieldSelection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"results":[{"csid":1,"smiles":"C","inchi_key":"K1","formula":"CH4","surplus":"x"}],"next":null}`)
	}))
	defer srv.Close()

	src, err := New(newConfig(t, t.TempDir()), Options{
		BaseURL:        srv.URL,
		Endpoint:       "api",
		RecordsPath:    []string{"results"},
		NextCursorPath: []string{"next"},
		IDField:        "csid",
		SMILESField:    "smiles",
		MetadataFields: []string{"inchi_key", "formula"},
	})
	require.NoError(t, err)
	defer src.Close()

	pages, err := drain(t, src)
	require.NoError(t, err)
	require.Len(t, pages, 1)

	rec := pages[0].Records[0]
	assert.Equal(t, map[string]string{"inchi_key": "K1", "formula": "CH4"}, rec.Metadata)
}

func TestMapCursorUsedAsIs(t *testing.T) {
	var sawPage string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page := r.URL.Query().Get("page")
		if page == "" {
			fmt.Fprint(w, `{"results":[{"csid":1,"smiles":"C"}],"next":{"page":2}}`)
			return
		}
		sawPage = page
		fmt.Fprint(w, `{"results":[],"next":null}`)
	}))
	defer srv.Close()

	src, err := New(newConfig(t, t.TempDir()), Options{
		BaseURL:        srv.URL,
		Endpoint:       "api",
		CursorParam:    "token",
		RecordsPath:    []string{"results"},
		NextCursorPath: []string{"next"},
		IDField:        "csid",
		SMILESField:    "smiles",
	})
	require.NoError(t, err)
	defer src.Close()

	pages, err := drain(t, src)
	require.NoError(t, err)
	require.Len(t, pages, 2)
	assert.Equal(t, "2", sawPage)

	// The empty terminal page still arrives with a nil cursor.
	assert.Empty(t, pages[1].Records)
	assert.Nil(t, pages[1].NextCursor)
}

func TestDefaultsTargetChemSpider(t *testing.T) {
	opts := defaultOptions()
	assert.Equal(t, "https://api.rsc.org", opts.BaseURL)
	assert.Equal(t, "compounds/v1/filter/smiles", opts.Endpoint)
	assert.Equal(t, "token", opts.CursorParam)
	assert.Equal(t, []string{"results"}, opts.RecordsPath)
	assert.Equal(t, "csid", opts.IDField)
}
