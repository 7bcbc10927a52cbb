// ws_bridge exposes a stdio JSON-RPC agent (crux -acp) over a WebSocket so
// browser-based clients can drive it. Each connection gets its own agent
// subprocess; messages go to the agent's stdin and its stdout/stderr lines
// come back as typed JSON frames.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/exec"
	"sync"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type frame struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

// frameWriter serializes frame writes; gorilla/websocket does not support
// concurrent writers and the stdout/stderr pumps run on separate goroutines.
type frameWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *frameWriter) write(kind, line string) error {
	payload, err := json.Marshal(frame{Type: kind, Data: line})
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteMessage(websocket.TextMessage, payload)
}

func main() {
	addr := flag.String("addr", ":8080", "Listen address")
	flag.Parse()

	cmdArgs := flag.Args()
	if len(cmdArgs) == 0 {
		cmdArgs = []string{"crux", "-acp"}
	}

	http.HandleFunc("/ws", handleWS(cmdArgs))
	fmt.Printf("WebSocket bridge running on ws://%s/ws (agent: %v)\n", *addr, cmdArgs)
	log.Fatal(http.ListenAndServe(*addr, nil))
}

func handleWS(cmdArgs []string) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Println("Upgrade error:", err)
			return
		}
		defer conn.Close()

		cmd := exec.Command(cmdArgs[0], cmdArgs[1:]...)

		stdin, err := cmd.StdinPipe()
		if err != nil {
			log.Println("Error getting stdin:", err)
			return
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			log.Println("Error getting stdout:", err)
			return
		}
		stderr, err := cmd.StderrPipe()
		if err != nil {
			log.Println("Error getting stderr:", err)
			return
		}

		if err := cmd.Start(); err != nil {
			log.Println("Error starting agent:", err)
			return
		}
		defer cmd.Process.Kill()

		writer := &frameWriter{conn: conn}

		// Agent stdout -> WebSocket
		go func() {
			scanner := bufio.NewScanner(stdout)
			for scanner.Scan() {
				if err := writer.write("stdout", scanner.Text()); err != nil {
					log.Println("WS write error:", err)
					return
				}
			}
		}()

		// Agent stderr -> WebSocket
		go func() {
			scanner := bufio.NewScanner(stderr)
			for scanner.Scan() {
				if err := writer.write("stderr", scanner.Text()); err != nil {
					log.Println("WS write error:", err)
					return
				}
			}
		}()

		// WebSocket messages -> agent stdin
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				log.Println("WS read error:", err)
				return
			}
			if _, err := stdin.Write(append(msg, '\n')); err != nil {
				log.Println("Stdin write error:", err)
				return
			}
		}
	}
}
