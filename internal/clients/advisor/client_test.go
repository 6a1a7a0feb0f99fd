package advisor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewClient(server.URL, 5*time.Second, zerolog.Nop())
}

func writeFrames(w http.ResponseWriter, frames ...string) {
	w.Header().Set("Content-Type", "application/x-ndjson")
	for _, f := range frames {
		fmt.Fprintln(w, f)
	}
}

func TestGenerateRecommendation_StreamsPhases(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/recommendations", r.URL.Path)

		var req recommendationRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "AAPL", req.Symbol)
		assert.Equal(t, 0.6, req.ConfidenceThreshold)

		writeFrames(w,
			`{"type":"phase","phase":"gathering","message":"Collecting data"}`,
			``,
			`{"type":"phase","phase":"reasoning","message":"Weighing signals"}`,
			`{"type":"result","recommendation":{"action":"buy","confidence":0.82,"rationale":"Momentum"}}`,
		)
	})

	var phases []string
	rec, err := client.GenerateRecommendation(context.Background(), "AAPL", 0.6, func(phase, message string) {
		phases = append(phases, phase+":"+message)
	})
	require.NoError(t, err)
	require.NotNil(t, rec)

	assert.Equal(t, []string{"gathering:Collecting data", "reasoning:Weighing signals"}, phases)
	assert.Equal(t, "AAPL", rec.Symbol)
	assert.Equal(t, "buy", rec.Action)
	assert.Equal(t, 0.82, rec.Confidence)
	assert.False(t, rec.GeneratedAt.IsZero())
}

func TestGenerateRecommendation_NullResult(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeFrames(w, `{"type":"result","recommendation":null}`)
	})

	rec, err := client.GenerateRecommendation(context.Background(), "MSFT", 0.6, nil)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestGenerateRecommendation_BelowThreshold(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeFrames(w, `{"type":"result","recommendation":{"symbol":"MSFT","action":"sell","confidence":0.4}}`)
	})

	rec, err := client.GenerateRecommendation(context.Background(), "MSFT", 0.6, nil)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestGenerateRecommendation_Errors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		want    string
	}{
		{
			name: "status",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusServiceUnavailable)
			},
			want: "status 503",
		},
		{
			name: "error frame",
			handler: func(w http.ResponseWriter, r *http.Request) {
				writeFrames(w, `{"type":"error","error":"model unavailable"}`)
			},
			want: "model unavailable",
		},
		{
			name: "malformed frame",
			handler: func(w http.ResponseWriter, r *http.Request) {
				writeFrames(w, `{"type":`)
			},
			want: "failed to parse",
		},
		{
			name: "no result",
			handler: func(w http.ResponseWriter, r *http.Request) {
				writeFrames(w, `{"type":"phase","phase":"gathering"}`)
			},
			want: ErrNoResult.Error(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, tt.handler)
			rec, err := client.GenerateRecommendation(context.Background(), "AAPL", 0.5, nil)
			require.Error(t, err)
			assert.Nil(t, rec)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
