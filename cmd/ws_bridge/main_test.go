package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
)

// TestConcurrentFrameWrites hammers one frameWriter from two goroutines the
// way the stdout and stderr pumps do. gorilla/websocket panics on concurrent
// writers, so this passes only if the writer serializes.
func TestConcurrentFrameWrites(t *testing.T) {
	const framesPerPump = 100

	done := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		defer conn.Close()

		writer := &frameWriter{conn: conn}
		var wg sync.WaitGroup
		for _, kind := range []string{"stdout", "stderr"} {
			wg.Add(1)
			go func(kind string) {
				defer wg.Done()
				for i := 0; i < framesPerPump; i++ {
					if err := writer.write(kind, "line"); err != nil {
						t.Errorf("write %s failed: %v", kind, err)
						return
					}
				}
			}(kind)
		}
		wg.Wait()
		close(done)
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	counts := map[string]int{}
	for i := 0; i < 2*framesPerPump; i++ {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read %d failed: %v", i, err)
		}
		var f frame
		if err := json.Unmarshal(payload, &f); err != nil {
			t.Fatalf("frame %d is not valid JSON: %v", i, err)
		}
		counts[f.Type]++
	}
	if counts["stdout"] != framesPerPump || counts["stderr"] != framesPerPump {
		t.Errorf("frame counts = %v, want %d of each", counts, framesPerPump)
	}
	<-done
}
