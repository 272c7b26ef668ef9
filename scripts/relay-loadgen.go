// relay-loadgen drives a running hub with synthetic classroom traffic:
// N clients connect, identify, and submit answers at a fixed rate while
// counting the peer_response fan-out they observe.
//
//	go run scripts/relay-loadgen.go -addr ws://localhost:8080/ws -clients 30 -questions 5 -rate 2s -duration 30s
package main

import (
	"flag"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/quizrelay/quizrelay/internal/protocol"
)

type options struct {
	addr      string
	clients   int
	questions int
	rate      time.Duration
	duration  time.Duration
}

func main() {
	var opts options
	flag.StringVar(&opts.addr, "addr", "ws://localhost:8080/ws", "hub websocket address")
	flag.IntVar(&opts.clients, "clients", 10, "number of concurrent clients")
	flag.IntVar(&opts.questions, "questions", 5, "question pool size")
	flag.DurationVar(&opts.rate, "rate", 2*time.Second, "delay between submissions per client")
	flag.DurationVar(&opts.duration, "duration", 30*time.Second, "how long to run")
	flag.Parse()

	var submitted, observed atomic.Int64
	deadline := time.Now().Add(opts.duration)

	var wg sync.WaitGroup
	for i := 0; i < opts.clients; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if err := runClient(opts, n, deadline, &submitted, &observed); err != nil {
				log.Printf("client %d: %v", n, err)
			}
		}(i)
	}
	wg.Wait()

	fmt.Printf("submitted=%d observed_peer_responses=%d\n", submitted.Load(), observed.Load())
}

func runClient(opts options, n int, deadline time.Time, submitted, observed *atomic.Int64) error {
	ws, _, err := websocket.DefaultDialer.Dial(opts.addr, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer ws.Close()

	userID := fmt.Sprintf("load-%03d", n)
	if err := send(ws, protocol.Identify{UserID: userID, DisplayName: userID}); err != nil {
		return err
	}
	if err := send(ws, protocol.RequestSync{}); err != nil {
		return err
	}

	// Reader counts fan-out; submissions run on this goroutine.
	go func() {
		for {
			_ = ws.SetReadDeadline(deadline.Add(time.Second))
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			msg, err := protocol.Decode(data)
			if err != nil {
				continue
			}
			if msg.MsgType() == protocol.TypePeerResponse {
				observed.Add(1)
			}
		}
	}()

	answers := []string{"A", "B", "C", "D"}
	for time.Now().Before(deadline) {
		q := fmt.Sprintf("Q%d", rand.Intn(opts.questions)+1)
		err := send(ws, protocol.SubmitResponse{
			QuestionID:  q,
			Answer:      answers[rand.Intn(len(answers))],
			UserID:      userID,
			DisplayName: userID,
			Timestamp:   time.Now().UnixMilli(),
		})
		if err != nil {
			return err
		}
		submitted.Add(1)
		time.Sleep(opts.rate)
	}
	return nil
}

func send(ws *websocket.Conn, msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return ws.WriteMessage(websocket.TextMessage, data)
}
