package events

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"FinCascade/internal/domain/models"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHub_FiltersByRequestID(t *testing.T) {
	h := NewHub()
	all := h.Subscribe("")
	one := h.Subscribe("run-1")
	defer all.Close()
	defer one.Close()

	require.NoError(t, h.EmitBatch(context.Background(), []models.Event{
		{Type: models.EventStageCompleted, RequestID: "run-1", Stage: models.StageMacro},
		{Type: models.EventStageCompleted, RequestID: "run-2", Stage: models.StageMacro},
		{Type: models.EventBreakerOpened, Endpoint: "asset"},
	}))

	assert.Len(t, all.C, 3)
	require.Len(t, one.C, 1)
	ev := <-one.C
	assert.Equal(t, "run-1", ev.RequestID)
}

func TestHub_DropsForSlowSubscriber(t *testing.T) {
	h := NewHub(WithSubscriberBuffer(2))
	s := h.Subscribe("")
	defer s.Close()

	for i := 0; i < 5; i++ {
		require.NoError(t, h.Emit(context.Background(), models.Event{Type: models.EventStageFailed}))
	}
	assert.Len(t, s.C, 2)
	assert.Equal(t, int64(3), h.Dropped())
}

func TestHub_CloseDetaches(t *testing.T) {
	h := NewHub()
	s := h.Subscribe("")
	assert.Equal(t, 1, h.Subscribers())
	s.Close()
	s.Close()
	assert.Equal(t, 0, h.Subscribers())

	_, ok := <-s.C
	assert.False(t, ok)
	require.NoError(t, h.Emit(context.Background(), models.Event{Type: models.EventStageFailed}))
}

func TestHub_ServeStreamsJSON(t *testing.T) {
	h := NewHub()
	upgrader := websocket.Upgrader{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		h.Serve(ctx, conn, r.URL.Query().Get("requestId"))
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?requestId=run-7"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return h.Subscribers() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, h.EmitBatch(context.Background(), []models.Event{
		{Type: models.EventStageCompleted, RequestID: "other"},
		{Type: models.EventStageFailed, RequestID: "run-7", Stage: models.StageAsset, Kind: models.KindCircuitOpen},
	}))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got models.Event
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, models.EventStageFailed, got.Type)
	assert.Equal(t, models.KindCircuitOpen, got.Kind)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return h.Subscribers() == 0 }, 2*time.Second, 10*time.Millisecond)
}
