package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jupark12/cropmask-pipeline/server"
)

type recorded struct {
	method string
	path   string
	query  string
	body   map[string]interface{}
}

func fakeAPI(t *testing.T, status int, reply interface{}) (*httptest.Server, *recorded) {
	t.Helper()
	rec := &recorded{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.method = r.Method
		rec.path = r.URL.Path
		rec.query = r.URL.RawQuery
		rec.body = nil
		if r.ContentLength > 0 {
			_ = json.NewDecoder(r.Body).Decode(&rec.body)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(reply)
	}))
	t.Cleanup(srv.Close)
	return srv, rec
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestSubmitCmd(t *testing.T) {
	srv, rec := fakeAPI(t, http.StatusCreated, server.CreateJobResponse{JobID: "job-1", OutputDirName: "run1", Status: "RUNNING"})

	out, err := run(t, "submit", "--server", srv.URL,
		"--year", "2024", "--country", "USA", "--states", "Kansas,Iowa", "--crops", "corn, soybean",
		"--output", "run1", "--gpus", "-1", "--skip-merge", "--at", "2024-05-01T22:00:00Z")
	require.NoError(t, err)

	assert.Equal(t, http.MethodPost, rec.method)
	assert.Equal(t, "/jobs", rec.path)
	assert.Equal(t, "2024", rec.body["year"])
	assert.Equal(t, []interface{}{"Kansas", "Iowa"}, rec.body["states"])
	assert.Equal(t, float64(-1), rec.body["gpu_count"])
	assert.Equal(t, true, rec.body["skip_merge"])
	assert.Equal(t, false, rec.body["skip_area"])
	assert.Equal(t, "2024-05-01T22:00:00Z", rec.body["schedule_at"])
	assert.Contains(t, out, `"job_id": "job-1"`)
}

func TestSubmitCmd_Errors(t *testing.T) {
	srv, _ := fakeAPI(t, http.StatusBadRequest, map[string]string{"error": "Unknown pipeline config: mars"})

	_, err := run(t, "submit", "--server", srv.URL, "--year", "2024", "--country", "USA", "--states", "Kansas", "--crops", "corn")
	assert.ErrorContains(t, err, "Unknown pipeline config: mars")

	_, err = run(t, "submit", "--server", srv.URL, "--year", "2024", "--country", "USA", "--states", "Kansas", "--crops", "corn", "--at", "tonight")
	assert.ErrorContains(t, err, "--at must be RFC3339")

	_, err = run(t, "submit", "--server", srv.URL, "--year", "2024")
	assert.Error(t, err)
}

func TestListCmd(t *testing.T) {
	srv, rec := fakeAPI(t, http.StatusOK, []map[string]interface{}{
		{"id": "job-2", "status": "RUNNING", "current_step": "merge", "progress_percent": 50, "output_name": "run2"},
		{"id": "job-1", "status": "SUCCESS", "current_step": "", "progress_percent": 100, "output_name": "run1"},
	})

	out, err := run(t, "list", "--server", srv.URL, "--status", "running")
	require.NoError(t, err)
	assert.Equal(t, "/jobs", rec.path)
	assert.Equal(t, "status=running", rec.query)
	assert.Contains(t, out, "job-2")
	assert.Contains(t, out, " 50%  run2")
	assert.Contains(t, out, "100%  run1")
}

func TestCancelCmd(t *testing.T) {
	srv, rec := fakeAPI(t, http.StatusAccepted, map[string]string{"status": "cancelling"})

	out, err := run(t, "cancel", "--server", srv.URL, "job-1")
	require.NoError(t, err)
	assert.Equal(t, "/jobs/job-1/cancel", rec.path)
	assert.Equal(t, "job-1: cancelling\n", out)

	_, err = run(t, "cancel", "--server", srv.URL)
	assert.Error(t, err)
}

func TestRetryCmd_SendsOnlyChangedFlags(t *testing.T) {
	srv, rec := fakeAPI(t, http.StatusOK, map[string]interface{}{"status": "queued", "started": true})

	out, err := run(t, "retry", "--server", srv.URL, "--skip-inference", "job-1")
	require.NoError(t, err)
	assert.Equal(t, "/jobs/job-1/retry", rec.path)
	assert.Equal(t, true, rec.body["skip_inference"])
	assert.Nil(t, rec.body["skip_merge"])
	assert.Nil(t, rec.body["skip_area"])
	assert.Equal(t, "job-1: queued (started: true)\n", out)

	_, err = run(t, "retry", "--server", srv.URL, "--skip-area=false", "job-1")
	require.NoError(t, err)
	assert.Equal(t, false, rec.body["skip_area"])
	assert.Nil(t, rec.body["skip_inference"])
}

func TestProgressCmd(t *testing.T) {
	srv, rec := fakeAPI(t, http.StatusOK, map[string]interface{}{
		"overall": map[string]interface{}{"current": 2, "total": 4, "percent": 50, "message": "Running area"},
		"steps": map[string]interface{}{
			"merge":     map[string]interface{}{"current": 2, "total": 2, "percent": 100, "message": "done"},
			"inference": map[string]interface{}{"current": 8, "total": 8, "percent": 100},
		},
	})

	out, err := run(t, "progress", "--server", srv.URL, "job-1")
	require.NoError(t, err)
	assert.Equal(t, "/jobs/job-1/progress", rec.path)
	assert.Contains(t, out, "Running area")
	assert.Contains(t, out, "8/8")
	assert.Less(t, bytes.Index([]byte(out), []byte("inference")), bytes.Index([]byte(out), []byte("merge")))
}
