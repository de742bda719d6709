package tester

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"r2r-test-station/internal/telemetry"
	"r2r-test-station/internal/types"
	"r2r-test-station/internal/util"
)

func TestRemoteEngine_AgainstHandler(t *testing.T) {
	sim := NewSimEngine(Pass("u1"), Empty(), Fail("u2"))
	srv := httptest.NewServer(Handler(sim, telemetry.Discard()))
	defer srv.Close()

	e := NewRemoteEngine(srv.URL, telemetry.Discard())
	ctx := context.Background()

	res, found, err := e.RunTest(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, Result{UnitID: "u1", Outcome: types.OutcomePass}, res)

	_, found, err = e.RunTest(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, found)

	res, found, err = e.RunTest(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, types.OutcomeFail, res.Outcome)
	assert.Equal(t, 3, sim.Calls())
}

func TestRemoteEngine_SendsRunIDAndTimeout(t *testing.T) {
	var gotRunID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRunID = r.Header.Get("X-Run-ID")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	e := NewRemoteEngine(srv.URL, nil)
	ctx := util.ContextWithRunID(context.Background(), "run-42")
	_, found, err := e.RunTest(ctx, 10*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, "run-42", gotRunID)
}

func TestRemoteEngine_Errors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		want    string
	}{
		{"server error", func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", http.StatusInternalServerError)
		}, "500"},
		{"fixture error", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"error":"gateway lost"}`))
		}, "gateway lost"},
		{"bad outcome", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"found":true,"unit_id":"x","outcome":"MAYBE"}`))
		}, "MAYBE"},
		{"bad json", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{`))
		}, "解析响应失败"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()
			_, _, err := NewRemoteEngine(srv.URL, nil).RunTest(context.Background(), 10*time.Millisecond)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestRemoteEngine_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, _, err := NewRemoteEngine(url, nil).RunTest(context.Background(), 10*time.Millisecond)
	require.Error(t, err)
}

func TestRandomEngineIsDeterministic(t *testing.T) {
	p := RandomProfile{Seed: 7, PassRate: 0.8, MissingRate: 0.1, DuplicateRate: 0.05}
	a, b := NewRandomEngine(p), NewRandomEngine(p)
	for i := 0; i < 50; i++ {
		ra, fa, _ := a.RunTest(context.Background(), time.Millisecond)
		rb, fb, _ := b.RunTest(context.Background(), time.Millisecond)
		require.Equal(t, fa, fb)
		require.Equal(t, ra, rb)
	}
}
