package panos

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/h2non/gock.v1"

	"github.com/panupd/panupd/share/logger"
	"github.com/panupd/panupd/share/models"
)

const testBaseURL = "http://fw.example.com"

func newTestClient(t *testing.T) *Client {
	t.Helper()
	log := logger.NewLogger("test", logger.NewLogOutput(""), logger.LogLevelError)
	c, err := NewClient(Config{
		BaseURL: testBaseURL,
		APIKey:  "secret",
		Timeout: time.Second,
	}, log)
	require.NoError(t, err)
	gock.InterceptClient(c.HTTPClient())
	t.Cleanup(gock.Off)
	return c
}

func TestListVersionsCachesInventory(t *testing.T) {
	c := newTestClient(t)
	gock.New(testBaseURL).
		Get("/api/sw-versions").
		MatchHeader("X-PAN-KEY", "secret").
		Reply(200).
		JSON(map[string]interface{}{
			"current_version": "10.1.0",
			"latest_version":  "10.2.3",
			"versions": []map[string]interface{}{
				{"version": "10.2.0", "size": 520, "downloaded": false},
				{"version": "10.2.3", "size": 540, "downloaded": false, "latest": true},
			},
		})

	ctx := context.Background()
	inv, err := c.ListVersions(ctx)
	require.NoError(t, err)
	assert.Equal(t, "10.1.0", inv.CurrentVersion)
	assert.Len(t, inv.Versions, 2)

	// second call must be served from cache, no mock left to consume
	again, err := c.ListVersions(ctx)
	require.NoError(t, err)
	assert.Equal(t, inv, again)
	assert.True(t, gock.IsDone())
}

func TestRefreshInventoryRetriesWithBackoff(t *testing.T) {
	c := newTestClient(t)
	gock.New(testBaseURL).
		Get("/api/sw-versions").
		Reply(500).
		BodyString("boom")
	gock.New(testBaseURL).
		Get("/api/sw-versions").
		Reply(200).
		JSON(map[string]interface{}{"current_version": "10.1.0", "latest_version": "10.1.0"})

	inv, err := c.RefreshInventory(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "10.1.0", inv.CurrentVersion)
	assert.True(t, gock.IsDone())
}

func TestRefreshInventoryGivesUpAfterRetries(t *testing.T) {
	c := newTestClient(t)
	gock.New(testBaseURL).
		Get("/api/sw-versions").
		Times(3).
		Reply(502).
		BodyString("bad gateway")

	_, err := c.RefreshInventory(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to fetch software inventory")
}

func TestStartDownload(t *testing.T) {
	c := newTestClient(t)
	gock.New(testBaseURL).
		Post("/api/sw-versions/10.2.3/download").
		Reply(200).
		JSON(map[string]string{"job_id": "137"})

	jobID, err := c.StartDownload(context.Background(), "10.2.3")
	require.NoError(t, err)
	assert.Equal(t, "137", jobID)
}

func TestStartInstallRejected(t *testing.T) {
	c := newTestClient(t)
	gock.New(testBaseURL).
		Post("/api/sw-versions/10.2.3/install").
		Reply(200).
		JSON(map[string]string{"error": "image not downloaded"})

	_, err := c.StartInstall(context.Background(), "10.2.3")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "image not downloaded")
}

func TestStartJobWithoutJobID(t *testing.T) {
	c := newTestClient(t)
	gock.New(testBaseURL).
		Post("/api/sw-versions/10.2.3/download").
		Reply(200).
		JSON(map[string]string{})

	_, err := c.StartDownload(context.Background(), "10.2.3")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no job id")
}

func TestJobStatus(t *testing.T) {
	c := newTestClient(t)
	gock.New(testBaseURL).
		Get("/api/jobs/137").
		Reply(200).
		JSON(map[string]interface{}{"job_status": "FIN", "progress": 100, "result": "OK", "details": "done"})

	status, err := c.JobStatus(context.Background(), "137")
	require.NoError(t, err)
	assert.True(t, status.Finished())
	assert.True(t, status.Succeeded())
}

func TestJobStatusMalformedBody(t *testing.T) {
	c := newTestClient(t)
	gock.New(testBaseURL).
		Get("/api/jobs/137").
		Reply(200).
		BodyString("<html>login expired</html>")

	_, err := c.JobStatus(context.Background(), "137")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "malformed response")
}

func TestHealthCheck(t *testing.T) {
	c := newTestClient(t)
	gock.New(testBaseURL).
		Get("/api/system/health").
		Reply(200)
	require.NoError(t, c.HealthCheck(context.Background()))

	gock.New(testBaseURL).
		Get("/api/system/health").
		Reply(503)
	err := c.HealthCheck(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 503")
}

func TestRefreshInfoDropsInventoryCache(t *testing.T) {
	c := newTestClient(t)
	gock.New(testBaseURL).
		Get("/api/sw-versions").
		Reply(200).
		JSON(map[string]interface{}{"current_version": "10.1.0"})
	gock.New(testBaseURL).
		Post("/api/system/refresh").
		Reply(200)
	gock.New(testBaseURL).
		Get("/api/sw-versions").
		Reply(200).
		JSON(map[string]interface{}{"current_version": "10.2.3"})

	ctx := context.Background()
	inv, err := c.ListVersions(ctx)
	require.NoError(t, err)
	assert.Equal(t, "10.1.0", inv.CurrentVersion)

	require.NoError(t, c.RefreshInfo(ctx))

	inv, err = c.ListVersions(ctx)
	require.NoError(t, err)
	assert.Equal(t, "10.2.3", inv.CurrentVersion)
	assert.True(t, gock.IsDone())
}

func TestNewClientValidation(t *testing.T) {
	log := logger.NewLogger("test", logger.NewLogOutput(""), logger.LogLevelError)
	_, err := NewClient(Config{}, log)
	require.Error(t, err)
}

func TestInventoryFind(t *testing.T) {
	inv := &models.VersionInventory{
		Versions: []models.VersionDescriptor{
			{Version: "10.2.0"},
			{Version: "10.2.3-h1", Downloaded: true},
		},
	}
	v, ok := inv.Find("10.2.3-h1")
	require.True(t, ok)
	assert.True(t, v.Downloaded)
	_, ok = inv.Find("9.1.0")
	assert.False(t, ok)
}
