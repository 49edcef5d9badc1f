package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whatsapp-automation/waweb/internal/driver"
)

func recv(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case e, ok := <-sub.C:
		require.True(t, ok, "subscription closed")
		return e
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
		return Event{}
	}
}

func assertEmpty(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case e := <-sub.C:
		t.Fatalf("unexpected event %s", e.Kind())
	default:
	}
}

func TestHubRoutesByRoom(t *testing.T) {
	h := NewHub(nil)
	s1 := h.Subscribe(SessionRoom("s1"))
	s2 := h.Subscribe(SessionRoom("s2"))
	tenant := h.Subscribe(TenantRoom("t1"))
	admin := h.Subscribe(AdminRoom)

	h.Publish(New("s1", "t1", QRIssued{Code: "abc"}))

	e := recv(t, s1)
	assert.Equal(t, KindQR, e.Kind())
	assert.Equal(t, "s1", e.SessionID)
	assert.Equal(t, KindQR, recv(t, tenant).Kind())
	assert.Equal(t, KindQR, recv(t, admin).Kind())
	assertEmpty(t, s2)
}

func TestHubDeliversOnceForOverlappingRooms(t *testing.T) {
	h := NewHub(nil)
	sub := h.Subscribe(SessionRoom("s1"), TenantRoom("t1"), AdminRoom)

	h.Publish(New("s1", "t1", Authenticated{}))

	recv(t, sub)
	assertEmpty(t, sub)
}

func TestHubNeverBlocksOnSlowSubscriber(t *testing.T) {
	h := NewHub(nil)
	slow := h.Subscribe(AdminRoom)

	done := make(chan struct{})
	go func() {
		for i := 0; i < defaultBuffer*3; i++ {
			h.Publish(New("s1", "", Disconnected{Reason: "x"}))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	assert.Equal(t, int64(defaultBuffer*2), slow.Dropped())
}

func TestHubUnsubscribeAndClose(t *testing.T) {
	h := NewHub(nil)
	a := h.Subscribe(AdminRoom)
	b := h.Subscribe(SessionRoom("s1"))
	assert.Equal(t, 2, h.Subscribers())

	h.Unsubscribe(a)
	h.Unsubscribe(a)
	_, ok := <-a.C
	assert.False(t, ok)
	assert.Equal(t, 1, h.Subscribers())

	h.Close()
	_, ok = <-b.C
	assert.False(t, ok)

	h.Publish(New("s1", "", SessionDestroyed{}))
	late := h.Subscribe(AdminRoom)
	_, ok = <-late.C
	assert.False(t, ok)
}

func TestEventJSONShape(t *testing.T) {
	e := New("s1", "t1", Ready{Info: driver.AccountInfo{PushName: "Acme"}})
	raw, err := json.Marshal(e)
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.Equal(t, "ready", out["type"])
	assert.Equal(t, "s1", out["sessionId"])
	assert.Equal(t, "t1", out["tenantId"])
	assert.NotEmpty(t, out["timestamp"])
	data := out["data"].(map[string]any)
	assert.Equal(t, "Acme", data["info"].(map[string]any)["pushname"])
}
