package driver_test

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/o-tero/swproxy/adapter"
	"github.com/o-tero/swproxy/db"
	"github.com/o-tero/swproxy/driver"
	"github.com/o-tero/swproxy/manifest"
	"github.com/o-tero/swproxy/testutil"
)

// driverEnv assembles a driver over scripted collaborators. restart builds a
// new driver over the same storage, modeling a worker restart.
type driverEnv struct {
	server  *testutil.MockServer
	clock   *testutil.MockClock
	storage *adapter.MemStorage
	drv     *driver.Driver
}

func newDriverEnv(t *testing.T) *driverEnv {
	t.Helper()
	env := &driverEnv{
		server:  testutil.NewMockServer(),
		clock:   testutil.NewMockClock(),
		storage: adapter.NewMemStorage(),
	}
	env.restart()
	return env
}

func (env *driverEnv) restart() {
	env.drv = driver.New(driver.Config{}, driver.Deps{
		Fetcher: env.server,
		Clock:   env.clock,
		Storage: env.storage,
	})
}

func (env *driverEnv) fetch(url, clientID string) *adapter.Response {
	return env.drv.HandleFetch(context.Background(), adapter.NewRequest(http.MethodGet, url), clientID)
}

func (env *driverEnv) drainIdle() {
	env.drv.Idle().Execute(context.Background())
}

// waitIdleEmpty blocks until the idle queue drains, for flows where the
// debounce timer (not the test) starts execution.
func (env *driverEnv) waitIdleEmpty(t *testing.T) {
	t.Helper()
	select {
	case <-env.drv.Idle().Empty():
	case <-time.After(5 * time.Second):
		t.Fatal("idle queue did not drain")
	}
}

func bodiesV1() map[string]string {
	return map[string]string{
		"/foo.txt": "this is foo",
		"/bar.txt": "this is bar",
		"/baz.txt": "this is baz",
		"/qux.txt": "this is qux",
	}
}

func manifestFor(bodies map[string]string) *manifest.Manifest {
	return &manifest.Manifest{
		ConfigVersion: 1,
		AssetGroups: []manifest.AssetGroupConfig{
			{Name: "assets", Mode: manifest.ModePrefetch, URLs: []string{"/foo.txt", "/bar.txt"}, Patterns: []string{"/unhashed/.+"}},
			{Name: "other", Mode: manifest.ModeLazy, URLs: []string{"/baz.txt", "/qux.txt"}},
		},
		DataGroups: []manifest.DataGroupConfig{
			{Name: "api", Patterns: []string{"^/api/.*$"}, MaxSize: 3, MaxAge: 5000},
		},
		HashTable: testutil.HashTableFor(bodies),
	}
}

// serveApp scripts the server with the manifest and every body it hashes.
func (env *driverEnv) serveApp(m *manifest.Manifest, bodies map[string]string) {
	env.server.Serve("/ngsw.json", testutil.ManifestJSON(m))
	for url, body := range bodies {
		env.server.Serve(url, body)
	}
}

// installV1 performs a first request and drains idle so version 1 is fully
// installed and client c1 is pinned.
func (env *driverEnv) installV1(t *testing.T) *manifest.Manifest {
	t.Helper()
	m := manifestFor(bodiesV1())
	env.serveApp(m, bodiesV1())
	res := env.fetch("/foo.txt", "c1")
	require.NotNil(t, res)
	require.Equal(t, "this is foo", string(res.Body))
	env.drainIdle()
	return m
}

func hashOfManifest(t *testing.T, m *manifest.Manifest) manifest.Hash {
	t.Helper()
	hash, err := manifest.HashManifest(m)
	require.NoError(t, err)
	return hash
}

func TestSafeModeOnManifestFetchFailure(t *testing.T) {
	env := newDriverEnv(t)
	// No ngsw.json scripted: the fresh install cannot proceed.

	res := env.fetch("/foo.txt", "c1")
	assert.Nil(t, res)
	assert.Equal(t, driver.SafeMode, env.drv.State())

	// Safe mode persists for the life of the driver.
	res = env.fetch("/foo.txt", "c2")
	assert.Nil(t, res)
}

func TestNavigationPreloadServedWithoutPinning(t *testing.T) {
	env := newDriverEnv(t)
	m := manifestFor(bodiesV1())
	env.serveApp(m, bodiesV1())

	res := env.fetch("/foo.txt", "")
	require.NotNil(t, res)
	assert.Equal(t, "this is foo", string(res.Body))
	env.drainIdle()

	var assignments map[string]manifest.Hash
	table, err := db.New(env.storage, nil).Open(context.Background(), "control")
	require.NoError(t, err)
	require.NoError(t, table.Read(context.Background(), "assignments", &assignments))
	assert.Empty(t, assignments, "null clients must not be pinned")
}

func TestClientPinIsPersisted(t *testing.T) {
	env := newDriverEnv(t)
	env.installV1(t)

	var assignments map[string]manifest.Hash
	table, err := db.New(env.storage, nil).Open(context.Background(), "control")
	require.NoError(t, err)
	require.NoError(t, table.Read(context.Background(), "assignments", &assignments))
	assert.Contains(t, assignments, "c1")
}

func TestRestartYieldsIdenticalRouting(t *testing.T) {
	env := newDriverEnv(t)
	v1 := env.installV1(t)

	// Install v2; c1 stays pinned to v1.
	bodiesV2 := bodiesV1()
	bodiesV2["/foo.txt"] = "this is foo v2"
	env.serveApp(manifestFor(bodiesV2), bodiesV2)
	updated, err := env.drv.CheckForUpdate(context.Background())
	require.NoError(t, err)
	require.True(t, updated)
	env.drainIdle()

	env.restart()
	res := env.fetch("/foo.txt", "c1")
	require.NotNil(t, res)
	assert.Equal(t, "this is foo", string(res.Body), "restart must preserve c1's pin to %s", hashOfManifest(t, v1))

	res = env.fetch("/foo.txt", "c2")
	require.NotNil(t, res)
	assert.Equal(t, "this is foo v2", string(res.Body))
}

func TestCheckForUpdateWithoutChange(t *testing.T) {
	env := newDriverEnv(t)
	env.installV1(t)
	env.server.ClearRequests()

	updated, err := env.drv.CheckForUpdate(context.Background())
	require.NoError(t, err)
	assert.False(t, updated)
	assert.Equal(t, []string{"/ngsw.json"}, env.server.Requests())
}

func TestCandidateFailureLeavesStateUnchanged(t *testing.T) {
	env := newDriverEnv(t)
	env.installV1(t)

	// The v2 manifest pins /foo.txt to a body the server never serves.
	bodiesV2 := bodiesV1()
	bodiesV2["/foo.txt"] = "this is foo v2"
	m2 := manifestFor(bodiesV2)
	env.server.Serve("/ngsw.json", testutil.ManifestJSON(m2))
	// Server still serves the v1 body for /foo.txt.

	_, err := env.drv.CheckForUpdate(context.Background())
	assert.Error(t, err)
	assert.Equal(t, driver.Normal, env.drv.State())

	res := env.fetch("/foo.txt", "c2")
	require.NotNil(t, res)
	assert.Equal(t, "this is foo", string(res.Body), "new clients must still get v1")
}

func TestLatestVersionFailureEntersExistingClientsOnly(t *testing.T) {
	env := newDriverEnv(t)
	bodies := bodiesV1()
	m := manifestFor(bodies)
	// The server serves a body that cannot satisfy the pinned hash.
	env.serveApp(m, bodies)
	env.server.Serve("/foo.txt", "tampered")

	// The first request pins c1 and schedules initialization; the request
	// itself fails hash verification and falls through.
	res := env.fetch("/foo.txt", "c1")
	assert.Nil(t, res)

	env.drainIdle()
	assert.Equal(t, driver.ExistingClientsOnly, env.drv.State())

	// New clients fall through to the network.
	assert.Nil(t, env.fetch("/bar.txt", "c2"))
}

func TestBrokenNonLatestVersionRepinsClients(t *testing.T) {
	env := newDriverEnv(t)
	v1 := env.installV1(t)

	bodiesV2 := bodiesV1()
	bodiesV2["/foo.txt"] = "this is foo v2"
	env.serveApp(manifestFor(bodiesV2), bodiesV2)
	updated, err := env.drv.CheckForUpdate(context.Background())
	require.NoError(t, err)
	require.True(t, updated)
	env.drainIdle()

	// Break v1: wipe its asset cache and serve content that cannot satisfy
	// its hash table, then restart so initialization re-runs.
	v1Hash := hashOfManifest(t, v1)
	require.NoError(t, env.storage.Delete(context.Background(), string(v1Hash)+":assets:assets:cache"))
	env.server.Serve("/foo.txt", "this is foo v3")

	env.restart()
	res := env.fetch("/bar.txt", "c1")
	require.NotNil(t, res, "c1 is still pinned to v1, which refetches /bar.txt since its served body still matches v1's hash")
	env.drainIdle()

	// v1 initialization failed; c1 must now be served from the latest.
	res = env.fetch("/foo.txt", "c1")
	require.NotNil(t, res)
	assert.Equal(t, "this is foo v2", string(res.Body))
	assert.Equal(t, driver.Normal, env.drv.State())
}

func TestCorruptAssignmentsEnterSafeMode(t *testing.T) {
	env := newDriverEnv(t)
	env.installV1(t)

	// Corrupt the control table: a client pinned to a hash that is not
	// installed violates the assignments invariant.
	table, err := db.New(env.storage, nil).Open(context.Background(), "control")
	require.NoError(t, err)
	require.NoError(t, table.Write(context.Background(), "assignments",
		map[string]manifest.Hash{"c1": "0000000000000000000000000000000000000000"}))

	env.restart()
	assert.Nil(t, env.fetch("/foo.txt", "c1"))
	assert.Equal(t, driver.SafeMode, env.drv.State())
}

func TestUpdateEventsAreDelivered(t *testing.T) {
	env := newDriverEnv(t)
	env.installV1(t)
	events := env.drv.Updates()

	bodiesV2 := bodiesV1()
	bodiesV2["/foo.txt"] = "this is foo v2"
	m2 := manifestFor(bodiesV2)
	env.serveApp(m2, bodiesV2)
	updated, err := env.drv.CheckForUpdate(context.Background())
	require.NoError(t, err)
	require.True(t, updated)

	available := <-events
	assert.Equal(t, driver.EventUpdateAvailable, available.Type)
	assert.Equal(t, hashOfManifest(t, m2), available.Available)
	assert.NoError(t, available.Validate())

	activated := <-events
	assert.Equal(t, driver.EventUpdateActivated, activated.Type)
	assert.Equal(t, hashOfManifest(t, m2), activated.Current)
}

func TestCleanupRemovesUnreferencedVersions(t *testing.T) {
	env := newDriverEnv(t)
	m1 := manifestFor(bodiesV1())
	env.serveApp(m1, bodiesV1())

	// Only a null client touches v1, so nothing pins it.
	require.NotNil(t, env.fetch("/foo.txt", ""))
	env.drainIdle()

	bodiesV2 := bodiesV1()
	bodiesV2["/foo.txt"] = "this is foo v2"
	env.serveApp(manifestFor(bodiesV2), bodiesV2)
	updated, err := env.drv.CheckForUpdate(context.Background())
	require.NoError(t, err)
	require.True(t, updated)
	env.drainIdle()

	names, err := env.storage.List(context.Background())
	require.NoError(t, err)
	v1Hash := string(hashOfManifest(t, m1))
	for _, name := range names {
		assert.NotContains(t, name, v1Hash, "v1 stores must be cleaned up")
	}

	report, err := env.drv.DebugState(context.Background())
	require.NoError(t, err)
	assert.Len(t, report.Versions, 1)
}

func TestDebugStateReport(t *testing.T) {
	env := newDriverEnv(t)
	m := env.installV1(t)

	report, err := env.drv.DebugState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "NORMAL", report.State)
	assert.Equal(t, string(hashOfManifest(t, m)), report.Latest)
	assert.Equal(t, 1, report.Clients)
	require.Len(t, report.Versions, 1)
	assert.True(t, report.Versions[0].Latest)
	assert.True(t, report.Versions[0].Okay)
	assert.Equal(t, []string{"assets", "other"}, report.Versions[0].AssetGroups)
	assert.Equal(t, []string{"api"}, report.Versions[0].DataGroups)

	rendered := report.Render()
	assert.Contains(t, rendered, "NORMAL")
	assert.Contains(t, rendered, report.Latest)
}

func TestRequestsOutsideEveryGroupFallThrough(t *testing.T) {
	env := newDriverEnv(t)
	env.installV1(t)

	assert.Nil(t, env.fetch("/not-covered.bin", "c1"))
}
