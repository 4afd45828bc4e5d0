package importer

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"cidrotate/internal/config"
	"cidrotate/internal/database"
)

type fakeCatalog struct {
	created []*database.CallerID
	seen    map[string]bool
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{seen: make(map[string]bool)}
}

func (f *fakeCatalog) CreateCallerID(_ context.Context, c *database.CallerID) error {
	if f.seen[c.Number] {
		return database.ErrDuplicate
	}
	f.seen[c.Number] = true
	f.created = append(f.created, c)
	return nil
}

func testImporter(catalog Creator) *Importer {
	return New(catalog, config.AllocatorConfig{DefaultHourlyCap: 100, DefaultDailyCap: 1000})
}

func TestImport(t *testing.T) {
	csv := `number,carrier,area_code,hourly_cap,daily_cap,metadata
2125550001,acme,212,50,500,{"region":"east"}
3105550001,acme,,,,
`
	catalog := newFakeCatalog()
	result, err := testImporter(catalog).Import(context.Background(), strings.NewReader(csv))
	require.NoError(t, err)
	require.Equal(t, 2, result.Imported)
	require.Equal(t, 0, result.Skipped)
	require.Equal(t, 0, result.Failed)

	first := catalog.created[0]
	require.Equal(t, "2125550001", first.Number)
	require.Equal(t, "212", first.AreaCode)
	require.Equal(t, 50, first.HourlyCap)
	require.Equal(t, 500, first.DailyCap)
	require.Equal(t, `{"region":"east"}`, first.Metadata)
	require.True(t, first.Active)

	// Blank columns fall back to defaults; the area code comes from the
	// number itself.
	second := catalog.created[1]
	require.Equal(t, "310", second.AreaCode)
	require.Equal(t, 100, second.HourlyCap)
	require.Equal(t, 1000, second.DailyCap)
}

func TestImportLegacyHeaders(t *testing.T) {
	csv := `caller_id,carrier,area_code,daily_limit,hourly_limit,meta_json
2125550001,acme,212,500,50,{}
`
	catalog := newFakeCatalog()
	result, err := testImporter(catalog).Import(context.Background(), strings.NewReader(csv))
	require.NoError(t, err)
	require.Equal(t, 1, result.Imported)
	require.Equal(t, 50, catalog.created[0].HourlyCap)
	require.Equal(t, 500, catalog.created[0].DailyCap)
}

func TestImportSkipsDuplicatesAndBadRows(t *testing.T) {
	csv := `number,carrier
2125550001,acme
2125550001,acme
555,acme
2125550002,notanumber cap
`
	catalog := newFakeCatalog()
	result, err := testImporter(catalog).Import(context.Background(), strings.NewReader(csv))
	require.NoError(t, err)
	require.Equal(t, 2, result.Imported)
	require.Equal(t, 1, result.Skipped, "duplicate must be skipped")
	require.Equal(t, 1, result.Failed, "short number must fail")
}

func TestImportRejectsMissingNumberColumn(t *testing.T) {
	csv := `carrier,area_code
acme,212
`
	_, err := testImporter(newFakeCatalog()).Import(context.Background(), strings.NewReader(csv))
	require.Error(t, err)
}

func TestImportFormattedNumbers(t *testing.T) {
	csv := `number,carrier
(212) 555-0001,acme
`
	catalog := newFakeCatalog()
	result, err := testImporter(catalog).Import(context.Background(), strings.NewReader(csv))
	require.NoError(t, err)
	require.Equal(t, 1, result.Imported)
	require.Equal(t, "2125550001", catalog.created[0].Number)
}
