package protocol

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAction(t *testing.T) {
	for _, a := range Actions {
		got, ok := ParseAction(string(a))
		assert.True(t, ok, "expected %s to be known", a)
		assert.Equal(t, a, got)
	}

	got, ok := ParseAction("launchRockets")
	assert.False(t, ok)
	assert.Equal(t, Action("launchRockets"), got)
}

func TestToPortable(t *testing.T) {
	tests := []struct {
		name string
		in   interface{}
		want string
	}{
		{"nil", nil, "null"},
		{"map", map[string]interface{}{"a": 1, "b": "x"}, `{"a":1,"b":"x"}`},
		{"func", func() {}, "null"},
		{"channel", make(chan int), "null"},
		{"nan", math.NaN(), "null"},
		{"raw valid", json.RawMessage(`{"ok":true}`), `{"ok":true}`},
		{"raw invalid", json.RawMessage(`{nope`), "null"},
		{"raw empty", json.RawMessage(nil), "null"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.JSONEq(t, tt.want, string(ToPortable(tt.in)))
		})
	}
}

func TestToPortableCycle(t *testing.T) {
	type node struct {
		Next *node `json:"next"`
	}
	n := &node{}
	n.Next = n
	assert.Equal(t, "null", string(ToPortable(n)))
}

func TestResponseHelpers(t *testing.T) {
	errResp := ErrorResponse("boom")
	assert.True(t, errResp.Failed())
	assert.Equal(t, "boom", errResp.ErrorText())
	assert.False(t, errResp.HasData())

	ok := DataResponse(map[string]bool{"success": true})
	assert.False(t, ok.Failed())
	assert.True(t, ok.HasData())

	var out struct {
		Success bool `json:"success"`
	}
	require.NoError(t, ok.Decode(&out))
	assert.True(t, out.Success)

	fromEnv := ResponseFrom(Envelope{Type: TypeToContent, RequestID: "r1"})
	assert.Equal(t, "null", string(fromEnv.Data))
	assert.Nil(t, fromEnv.Error)
}

func TestBusFiltersByTypeAndSource(t *testing.T) {
	bus := NewBus("tab-1")
	defer bus.Close()

	toPage, cancelPage := bus.Subscribe(TypeToPage)
	defer cancelPage()
	toContent, cancelContent := bus.Subscribe(TypeToContent)
	defer cancelContent()

	bus.Publish(Envelope{Type: TypeToPage, Action: ActionDetect, RequestID: "a"})
	bus.Publish(Envelope{Type: TypeToPage, Source: "tab-2", Action: ActionDetect, RequestID: "foreign"})
	bus.Publish(Envelope{Type: TypeToContent, RequestID: "a"})

	select {
	case env := <-toPage:
		assert.Equal(t, "a", env.RequestID)
		assert.Equal(t, "tab-1", env.Source)
	case <-time.After(time.Second):
		t.Fatal("expected page envelope")
	}

	select {
	case env := <-toContent:
		assert.Equal(t, "a", env.RequestID)
	case <-time.After(time.Second):
		t.Fatal("expected content envelope")
	}

	select {
	case env := <-toPage:
		t.Fatalf("unexpected envelope %+v", env)
	default:
	}
}

func TestBusCloseDetachesSubscribers(t *testing.T) {
	bus := NewBus("tab")
	ch, cancel := bus.Subscribe(TypeToPage)
	bus.Close()
	cancel()

	_, open := <-ch
	assert.False(t, open)

	late, _ := bus.Subscribe(TypeToPage)
	_, open = <-late
	assert.False(t, open)

	bus.Publish(Envelope{Type: TypeToPage})
}
