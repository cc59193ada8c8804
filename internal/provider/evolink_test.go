package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/loomai/credits-service/internal/config"
	"github.com/stretchr/testify/assert"
)

func fakeEvolink(t *testing.T, pollsUntilDone int, finalStatus string, results []string) *httptest.Server {
	polls := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/images/generations", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(evolinkTask{ID: "task-42", Status: taskPending})
	})
	mux.HandleFunc("/tasks/task-42", func(w http.ResponseWriter, r *http.Request) {
		polls++
		if polls < pollsUntilDone {
			json.NewEncoder(w).Encode(evolinkTask{ID: "task-42", Status: taskProcessing})
			return
		}
		json.NewEncoder(w).Encode(evolinkTask{ID: "task-42", Status: finalStatus, Results: results})
	})
	return httptest.NewServer(mux)
}

func testClient(baseURL string) *EvolinkClient {
	return NewEvolinkClient(config.EvolinkConfig{
		BaseURL:      baseURL,
		APIKey:       "test-key",
		PollInterval: config.Duration(time.Millisecond),
		MaxPolls:     10,
	})
}

func TestEvolinkGenerate_PollsToCompletion(t *testing.T) {
	srv := fakeEvolink(t, 3, taskCompleted, []string{"https://cdn.example.com/img.png"})
	defer srv.Close()

	res, err := testClient(srv.URL).Generate(context.Background(), GenerateRequest{
		Model: "z-image-turbo", Prompt: "a shirt",
	})
	assert.NoError(t, err)
	assert.Equal(t, "task-42", res.TaskID)
	assert.Equal(t, "https://cdn.example.com/img.png", res.ImageURL)
}

func TestEvolinkGenerate_FailedTask(t *testing.T) {
	srv := fakeEvolink(t, 1, taskFailed, nil)
	defer srv.Close()

	_, err := testClient(srv.URL).Generate(context.Background(), GenerateRequest{Model: "m", Prompt: "p"})
	assert.ErrorContains(t, err, "failed")
}

func TestEvolinkGenerate_TimesOutAfterMaxPolls(t *testing.T) {
	srv := fakeEvolink(t, 100, taskCompleted, nil)
	defer srv.Close()

	_, err := testClient(srv.URL).Generate(context.Background(), GenerateRequest{Model: "m", Prompt: "p"})
	assert.ErrorIs(t, err, ErrTaskTimeout)
}

func TestEvolinkGenerate_APIErrorMessageSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error": map[string]interface{}{"code": 401, "message": "invalid api key"},
		})
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).Generate(context.Background(), GenerateRequest{Model: "m", Prompt: "p"})
	assert.ErrorContains(t, err, "invalid api key")
}
