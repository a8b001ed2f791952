// ABOUTME: Tests for the websocket connection wrapper
// ABOUTME: Uses an httptest server with a real gorilla upgrader

package wsconn

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestReject_ClosesWith4001(t *testing.T) {
	upgrader := NewUpgrader()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		Reject(upgrader, w, r)
	}))
	defer srv.Close()

	client, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	require.NoError(t, err)
	defer client.Close()

	_, _, err = client.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, CloseUnauthorized, closeErr.Code)
	assert.Equal(t, "Unauthorized", closeErr.Text)
}

func TestConn_ConcurrentWrites(t *testing.T) {
	upgrader := NewUpgrader()
	serverConn := make(chan *Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		socket, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		serverConn <- New(socket)
	}))
	defer srv.Close()

	client, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	require.NoError(t, err)
	defer client.Close()
	conn := <-serverConn

	const writers, each = 4, 25
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < each; i++ {
				assert.NoError(t, conn.WriteJSON(map[string]int{"i": i}))
			}
		}()
	}
	wg.Wait()

	for n := 0; n < writers*each; n++ {
		var got map[string]int
		require.NoError(t, client.ReadJSON(&got))
	}

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())
	assert.True(t, conn.IsClosed())
	assert.ErrorIs(t, conn.WriteMessage(websocket.TextMessage, []byte("late")), ErrClosed)
}

func TestUpgrader_Origin(t *testing.T) {
	tests := []struct {
		name   string
		origin string
		want   bool
	}{
		{name: "no origin", origin: "", want: true},
		{name: "same origin", origin: "http://dash.example:7000", want: true},
		{name: "cross origin", origin: "http://evil.example", want: false},
		{name: "garbage", origin: "://", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "http://dash.example:7000/ws/gateway", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.want, sameOrigin(req))
		})
	}
}
