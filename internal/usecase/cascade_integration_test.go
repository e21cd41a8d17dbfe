package usecase

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"FinCascade/internal/domain/models"
	"FinCascade/internal/service/dispatcher"
	"FinCascade/internal/services/stages"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stageServer(t *testing.T, body string, fail *atomic.Bool) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail != nil && fail.Load() {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestCascade_EndToEndBreakerOpensAcrossRuns(t *testing.T) {
	var assetDown atomic.Bool
	assetDown.Store(true)

	urls := map[string]string{
		"macro":  stageServer(t, `{"regime":"risk-on"}`, nil).URL,
		"sector": stageServer(t, `{"leaders":["L1"]}`, nil).URL,
		"asset":  stageServer(t, `{"score":0.7}`, &assetDown).URL,
		"timing": stageServer(t, `{"entry":"now"}`, nil).URL,
	}
	var eps []models.ServiceEndpoint
	for _, s := range models.CascadeStages {
		eps = append(eps, models.ServiceEndpoint{
			Name:             string(s),
			URL:              urls[string(s)],
			Timeout:          time.Second,
			RetryCount:       0,
			FailureThreshold: 1,
			OpenTimeout:      time.Minute,
		})
	}
	d, err := dispatcher.New(stages.NewHTTPStageClient(), eps)
	require.NoError(t, err)
	o := NewCascadeOrchestrator(d)

	first, err := o.Run(context.Background(), btcRequest(models.PolicyFailFast))
	require.NoError(t, err)
	require.Len(t, first.PartialFailures, 1)
	assert.Equal(t, models.KindRemoteError, first.PartialFailures[0].Kind)

	second, err := o.Run(context.Background(), btcRequest(models.PolicyFailFast))
	require.NoError(t, err)
	assert.JSONEq(t, `{"regime":"risk-on"}`, string(second.Macro))
	assert.JSONEq(t, `{"leaders":["L1"]}`, string(second.Sector))
	assert.Nil(t, second.Asset)
	assert.Nil(t, second.Timing)
	assert.Equal(t, []models.StageFailure{{
		Stage:  models.StageAsset,
		Kind:   models.KindCircuitOpen,
		Detail: "circuit open for asset",
	}}, second.PartialFailures)
}
