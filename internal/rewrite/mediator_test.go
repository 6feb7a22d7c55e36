package rewrite

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geomediator/geomediator/internal/status"
)

// fakeStore records mediator calls against an in-memory status table.
type fakeStore struct {
	records map[string]*status.Record

	created   []string
	reset     []string
	published []status.LoadRequest
	touched   [][]string
	removed   []string
	dropped   []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: make(map[string]*status.Record)}
}

func (f *fakeStore) Get(ctx context.Context, url string) (*status.Record, error) {
	return f.records[url], nil
}

func (f *fakeStore) CreateLoading(ctx context.Context, url, username, tableName string) (bool, error) {
	if _, exists := f.records[url]; exists {
		return false, nil
	}
	f.records[url] = &status.Record{URL: url, TableName: tableName, Status: status.StatusLoading}
	f.created = append(f.created, url)
	return true, nil
}

func (f *fakeStore) ResetToLoading(ctx context.Context, url, username string) (bool, error) {
	rec, exists := f.records[url]
	if !exists || rec.Status != status.StatusError {
		return false, nil
	}
	rec.Status = status.StatusLoading
	f.reset = append(f.reset, url)
	return true, nil
}

func (f *fakeStore) NotSaved(ctx context.Context, urls []string) ([]string, error) {
	var missing []string
	for _, url := range urls {
		if rec, ok := f.records[url]; !ok || rec.Status != status.StatusSaved {
			missing = append(missing, url)
		}
	}
	return missing, nil
}

func (f *fakeStore) TouchLastUsed(ctx context.Context, urls []string) error {
	f.touched = append(f.touched, urls)
	return nil
}

func (f *fakeStore) Remove(ctx context.Context, url string) error {
	delete(f.records, url)
	f.removed = append(f.removed, url)
	return nil
}

func (f *fakeStore) DropDataTable(ctx context.Context, tableName string) error {
	f.dropped = append(f.dropped, tableName)
	return nil
}

func (f *fakeStore) PublishLoadRequest(ctx context.Context, req status.LoadRequest) error {
	f.published = append(f.published, req)
	return nil
}

type fakeRegistry struct {
	accepts bool
	loaders []LoaderInfo
}

func (f *fakeRegistry) Accepts(ctx context.Context, url string) bool { return f.accepts }
func (f *fakeRegistry) List() []LoaderInfo                           { return f.loaders }

func newTestMediator(store *fakeStore, registry *fakeRegistry) *Mediator {
	return NewMediator(NewHasher("test-secret"), store, registry, nil)
}

func TestFetchDataNewURL(t *testing.T) {
	store := newFakeStore()
	m := newTestMediator(store, &fakeRegistry{accepts: true})

	out, err := m.Rewrite(context.Background(), "alice", fmt.Sprintf("SELECT md_fetch_data('%s')", wfsURL), false)
	require.NoError(t, err)

	assert.Equal(t, fmt.Sprintf("SELECT * FROM md_v_data_status WHERE url='%s'", wfsURL), out)
	assert.Equal(t, []string{wfsURL}, store.created)
	require.Len(t, store.published, 1)
	assert.Equal(t, wfsURL, store.published[0].URL)
	assert.Equal(t, "alice", store.published[0].Username)
	assert.Equal(t, NewHasher("test-secret").TableName(wfsURL), store.published[0].TableName)
}

func TestFetchDataNoLoaderAccepts(t *testing.T) {
	store := newFakeStore()
	m := newTestMediator(store, &fakeRegistry{accepts: false})

	out, err := m.Rewrite(context.Background(), "alice", fmt.Sprintf("SELECT md_fetch_data('%s')", wfsURL), false)
	require.NoError(t, err)

	assert.Equal(t, fmt.Sprintf("SELECT md_mediator_error('No data loader was found for %s');", wfsURL), out)
	assert.Empty(t, store.created)
	assert.Empty(t, store.published)
}

func TestFetchDataErrorResetsAndRequeues(t *testing.T) {
	store := newFakeStore()
	store.records[wfsURL] = &status.Record{URL: wfsURL, TableName: "abc", Status: status.StatusError}
	m := newTestMediator(store, &fakeRegistry{accepts: true})

	out, err := m.Rewrite(context.Background(), "bob", fmt.Sprintf("SELECT md_fetch_data('%s')", wfsURL), false)
	require.NoError(t, err)

	assert.Contains(t, out, "md_v_data_status")
	assert.Equal(t, []string{wfsURL}, store.reset)
	require.Len(t, store.published, 1)
	assert.Equal(t, "abc", store.published[0].TableName, "re-fetch keeps the original table name")
}

func TestFetchDataSavedIsNoOp(t *testing.T) {
	store := newFakeStore()
	store.records[wfsURL] = &status.Record{URL: wfsURL, TableName: "abc", Status: status.StatusSaved}
	m := newTestMediator(store, &fakeRegistry{accepts: true})

	out, err := m.Rewrite(context.Background(), "bob", fmt.Sprintf("SELECT md_fetch_data('%s')", wfsURL), false)
	require.NoError(t, err)

	assert.Contains(t, out, "md_v_data_status")
	assert.Empty(t, store.created)
	assert.Empty(t, store.reset)
	assert.Empty(t, store.published)
}

func TestQueryGatedUntilSaved(t *testing.T) {
	store := newFakeStore()
	store.records[wfsURL] = &status.Record{URL: wfsURL, Status: status.StatusLoading}
	m := newTestMediator(store, &fakeRegistry{accepts: true})

	out, err := m.Rewrite(context.Background(), "alice", fmt.Sprintf(`SELECT * FROM "%s"`, wfsURL), false)
	require.NoError(t, err)

	assert.Equal(t,
		fmt.Sprintf("SELECT md_mediator_error('The following URLs are not ready to query: %s');", wfsURL),
		out)
	assert.Empty(t, store.touched)
}

func TestQueryGateListsOffendersInOrder(t *testing.T) {
	store := newFakeStore()
	m := newTestMediator(store, &fakeRegistry{accepts: true})

	sql := fmt.Sprintf(`SELECT a.x FROM "%s" AS a JOIN "%s" AS b ON a.id = b.id`, wfsURL, arcgisURL)
	out, err := m.Rewrite(context.Background(), "alice", sql, false)
	require.NoError(t, err)

	assert.Contains(t, out, fmt.Sprintf("%s, %s", wfsURL, arcgisURL))
}

func TestQueryTranslatedWhenAllSaved(t *testing.T) {
	store := newFakeStore()
	store.records[wfsURL] = &status.Record{URL: wfsURL, Status: status.StatusSaved}
	m := newTestMediator(store, &fakeRegistry{accepts: true})

	out, err := m.Rewrite(context.Background(), "alice", fmt.Sprintf(`SELECT * FROM "%s"`, wfsURL), false)
	require.NoError(t, err)

	assert.Contains(t, out, NewHasher("test-secret").TableName(wfsURL))
	assert.NotContains(t, out, "example.com")
	require.Len(t, store.touched, 1)
	assert.Equal(t, []string{wfsURL}, store.touched[0])
}

func TestListDataLoaders(t *testing.T) {
	registry := &fakeRegistry{loaders: []LoaderInfo{
		{Name: "wfs", Description: "Loads vector layers"},
		{Name: "wcs", Description: "It's rasters"},
	}}
	m := newTestMediator(newFakeStore(), registry)

	out, err := m.Rewrite(context.Background(), "alice", "SELECT md_list_data_loaders()", false)
	require.NoError(t, err)

	assert.Equal(t,
		"SELECT * FROM (VALUES ('wfs', 'Loads vector layers'), ('wcs', 'It''s rasters')) AS md_data_loaders(name, description)",
		out)
}

func TestListDataLoadersEmpty(t *testing.T) {
	m := newTestMediator(newFakeStore(), &fakeRegistry{})

	out, err := m.Rewrite(context.Background(), "alice", "SELECT md_list_data_loaders()", false)
	require.NoError(t, err)

	assert.Equal(t,
		"SELECT * FROM (VALUES (NULL::text, NULL::text)) AS md_data_loaders(name, description) WHERE FALSE",
		out)
}

func TestRemoveData(t *testing.T) {
	store := newFakeStore()
	store.records[wfsURL] = &status.Record{URL: wfsURL, TableName: "abc123", Status: status.StatusSaved}
	m := newTestMediator(store, &fakeRegistry{})

	out, err := m.Rewrite(context.Background(), "alice", fmt.Sprintf("SELECT md_remove_data('%s')", wfsURL), false)
	require.NoError(t, err)

	assert.Contains(t, out, "md_v_data_status")
	assert.Equal(t, []string{wfsURL}, store.removed)
	assert.Equal(t, []string{"abc123"}, store.dropped)
}

func TestRemoveDataUnknownURL(t *testing.T) {
	store := newFakeStore()
	m := newTestMediator(store, &fakeRegistry{})

	out, err := m.Rewrite(context.Background(), "alice", fmt.Sprintf("SELECT md_remove_data('%s')", wfsURL), false)
	require.NoError(t, err)

	assert.Contains(t, out, "md_v_data_status")
	assert.Empty(t, store.removed)
	assert.Empty(t, store.dropped)
}

func TestMediatorErrorPassthrough(t *testing.T) {
	m := newTestMediator(newFakeStore(), &fakeRegistry{})

	sql := "SELECT md_mediator_error('already flagged')"
	out, err := m.Rewrite(context.Background(), "alice", sql, false)
	require.NoError(t, err)
	assert.Equal(t, sql, out)
}

func TestPlainStatementPassthrough(t *testing.T) {
	store := newFakeStore()
	m := newTestMediator(store, &fakeRegistry{})

	out, err := m.Rewrite(context.Background(), "alice", "SELECT id FROM users WHERE active", false)
	require.NoError(t, err)

	assert.Contains(t, out, "users")
	assert.Empty(t, store.touched)
}

func TestInvalidSQLReturnsParseError(t *testing.T) {
	m := newTestMediator(newFakeStore(), &fakeRegistry{})

	_, err := m.Rewrite(context.Background(), "alice", "SELECT FROM WHERE", false)
	require.Error(t, err)

	var parseErr *ParseError
	assert.ErrorAs(t, err, &parseErr)
}
