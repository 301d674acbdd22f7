package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// fakeSocket is an in-memory transport: frames pushed into the channel
// come out of ReadMessage, writes are recorded and handed to onWrite.
type fakeSocket struct {
	mu      sync.Mutex
	frames  chan []byte
	writes  []map[string]interface{}
	onWrite func(map[string]interface{})
	closed  bool
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{frames: make(chan []byte, 64)}
}

func (s *fakeSocket) ReadMessage() (int, []byte, error) {
	raw, ok := <-s.frames
	if !ok {
		return 0, nil, errors.New("socket closed")
	}
	return 1, raw, nil
}

func (s *fakeSocket) WriteJSON(v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return err
	}

	s.mu.Lock()
	s.writes = append(s.writes, m)
	cb := s.onWrite
	s.mu.Unlock()

	if cb != nil {
		cb(m)
	}
	return nil
}

func (s *fakeSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.frames)
	}
	return nil
}

func (s *fakeSocket) push(frame string) {
	s.frames <- []byte(frame)
}

func reqID(m map[string]interface{}) int64 {
	id, _ := m["req_id"].(float64)
	return int64(id)
}

func startConn(t *testing.T, ws *fakeSocket) *Conn {
	t.Helper()
	c := newConn("token", ws, time.Hour)
	go c.readLoop()
	t.Cleanup(func() { c.teardown(nil) })
	return c
}

func TestConnRequestCorrelation(t *testing.T) {
	t.Run("matches responses by req_id out of order", func(t *testing.T) {
		ws := newFakeSocket()
		c := startConn(t, ws)

		var mu sync.Mutex
		ids := make([]int64, 0, 3)
		ready := make(chan struct{})
		ws.onWrite = func(m map[string]interface{}) {
			mu.Lock()
			ids = append(ids, reqID(m))
			if len(ids) == 3 {
				close(ready)
			}
			mu.Unlock()
		}

		type result struct {
			id  int64
			env *Envelope
			err error
		}
		results := make(chan result, 3)

		var start sync.WaitGroup
		start.Add(3)
		for i := 0; i < 3; i++ {
			go func() {
				start.Done()
				env, err := c.SendRequest(context.Background(), map[string]interface{}{"proposal": 1}, 2*time.Second)
				var id int64
				if env != nil && env.Proposal != nil {
					var n int
					fmt.Sscanf(env.Proposal.ID, "resp-%d", &n)
					id = int64(n)
				}
				results <- result{id: id, env: env, err: err}
			}()
		}
		start.Wait()

		<-ready

		// answer in reverse submission order
		mu.Lock()
		sent := append([]int64(nil), ids...)
		mu.Unlock()
		for i := len(sent) - 1; i >= 0; i-- {
			ws.push(fmt.Sprintf(
				`{"msg_type":"proposal","req_id":%d,"proposal":{"id":"resp-%d"}}`,
				sent[i], sent[i],
			))
		}

		seen := make(map[int64]bool)
		for i := 0; i < 3; i++ {
			r := <-results
			if r.err != nil {
				t.Fatalf("request failed: %v", r.err)
			}
			seen[r.id] = true
		}
		for _, id := range sent {
			if !seen[id] {
				t.Errorf("response for request %d never delivered", id)
			}
		}
	})

	t.Run("falls back to submission order without req_id", func(t *testing.T) {
		ws := newFakeSocket()
		c := startConn(t, ws)

		first := make(chan *Envelope, 1)
		sent := make(chan struct{})
		go func() {
			env, err := c.SendRequest(context.Background(), map[string]interface{}{"proposal": 1}, 2*time.Second)
			if err != nil {
				t.Errorf("first request failed: %v", err)
			}
			first <- env
		}()

		ws.onWrite = nil
		// wait for the request to be written before answering
		for {
			ws.mu.Lock()
			n := len(ws.writes)
			ws.mu.Unlock()
			if n == 1 {
				close(sent)
				break
			}
			time.Sleep(time.Millisecond)
		}
		<-sent

		ws.push(`{"msg_type":"proposal","proposal":{"id":"fifo-1"}}`)

		env := <-first
		if env.Proposal == nil || env.Proposal.ID != "fifo-1" {
			t.Fatalf("expected fifo-1 payload, got %+v", env.Proposal)
		}
	})

	t.Run("returns broker error frames as APIError", func(t *testing.T) {
		ws := newFakeSocket()
		c := startConn(t, ws)

		ws.onWrite = func(m map[string]interface{}) {
			ws.push(fmt.Sprintf(
				`{"msg_type":"proposal","req_id":%d,"error":{"code":"InvalidAmount","message":"stake too low"}}`,
				reqID(m),
			))
		}

		_, err := c.SendRequest(context.Background(), map[string]interface{}{"proposal": 1}, 2*time.Second)
		var apiErr *APIError
		if !errors.As(err, &apiErr) {
			t.Fatalf("expected APIError, got %v", err)
		}
		if apiErr.Code != "InvalidAmount" {
			t.Errorf("unexpected code %q", apiErr.Code)
		}
		if !Terminal(err) {
			t.Error("InvalidAmount should be terminal")
		}
	})

	t.Run("drops stale responses instead of corrupting FIFO order", func(t *testing.T) {
		ws := newFakeSocket()
		c := startConn(t, ws)

		// a response for a request that already timed out and was dropped
		ws.push(`{"msg_type":"buy","req_id":999,"buy":{"contract_id":1}}`)
		time.Sleep(10 * time.Millisecond)

		done := make(chan struct{})
		go func() {
			defer close(done)
			env, err := c.SendRequest(context.Background(), map[string]interface{}{"proposal": 1}, time.Second)
			if err != nil {
				t.Errorf("request failed: %v", err)
				return
			}
			if env.Proposal == nil || env.Proposal.ID != "fresh" {
				t.Errorf("got wrong payload: %+v", env)
			}
		}()

		for {
			ws.mu.Lock()
			n := len(ws.writes)
			ws.mu.Unlock()
			if n == 1 {
				break
			}
			time.Sleep(time.Millisecond)
		}

		ws.mu.Lock()
		id := reqID(ws.writes[0])
		ws.mu.Unlock()
		ws.push(fmt.Sprintf(`{"msg_type":"proposal","req_id":%d,"proposal":{"id":"fresh"}}`, id))

		<-done
	})
}

func TestConnSubscriptions(t *testing.T) {
	t.Run("routes push frames to the subscription callback", func(t *testing.T) {
		ws := newFakeSocket()
		c := startConn(t, ws)

		ws.onWrite = func(m map[string]interface{}) {
			if _, ok := m["ticks"]; ok {
				ws.push(fmt.Sprintf(
					`{"msg_type":"tick","req_id":%d,"tick":{"symbol":"R_100","quote":100.5,"epoch":1700000000},"subscription":{"id":"sub-1"}}`,
					reqID(m),
				))
			}
		}

		ticks := make(chan float64, 8)
		env, err := c.Subscribe(context.Background(), TicksSubscribeRequest("R_100"), TickKey("R_100"), func(e *Envelope) {
			ticks <- e.Tick.Quote
		}, 2*time.Second)
		if err != nil {
			t.Fatalf("subscribe failed: %v", err)
		}
		if env.Subscription == nil || env.Subscription.ID != "sub-1" {
			t.Fatalf("subscription id not captured: %+v", env.Subscription)
		}

		// push without req_id must route by key, not FIFO
		ws.push(`{"msg_type":"tick","tick":{"symbol":"R_100","quote":101.25,"epoch":1700000001}}`)

		select {
		case q := <-ticks:
			if q != 101.25 {
				t.Errorf("expected 101.25, got %v", q)
			}
		case <-time.After(time.Second):
			t.Fatal("tick push never delivered")
		}
	})

	t.Run("slow subscriber does not stall frame routing", func(t *testing.T) {
		ws := newFakeSocket()
		c := startConn(t, ws)

		ws.onWrite = func(m map[string]interface{}) {
			switch {
			case m["ticks"] != nil:
				ws.push(fmt.Sprintf(
					`{"msg_type":"tick","req_id":%d,"tick":{"symbol":"R_25","quote":1,"epoch":1},"subscription":{"id":"sub-2"}}`,
					reqID(m),
				))
			case m["proposal"] != nil:
				ws.push(fmt.Sprintf(
					`{"msg_type":"proposal","req_id":%d,"proposal":{"id":"quick"}}`,
					reqID(m),
				))
			}
		}

		block := make(chan struct{})
		entered := make(chan struct{}, 8)
		_, err := c.Subscribe(context.Background(), TicksSubscribeRequest("R_25"), TickKey("R_25"), func(*Envelope) {
			entered <- struct{}{}
			<-block
		}, 2*time.Second)
		if err != nil {
			t.Fatalf("subscribe failed: %v", err)
		}

		// occupy the subscriber callback
		ws.push(`{"msg_type":"tick","tick":{"symbol":"R_25","quote":2,"epoch":2}}`)
		<-entered

		// request-response traffic must keep flowing meanwhile
		env, err := c.SendRequest(context.Background(), map[string]interface{}{"proposal": 1}, 2*time.Second)
		close(block)
		if err != nil {
			t.Fatalf("request stalled behind a slow subscriber: %v", err)
		}
		if env.Proposal == nil || env.Proposal.ID != "quick" {
			t.Fatalf("wrong payload: %+v", env.Proposal)
		}
	})

	t.Run("unsubscribe sends forget with the stream id", func(t *testing.T) {
		ws := newFakeSocket()
		c := startConn(t, ws)

		ws.onWrite = func(m map[string]interface{}) {
			if _, ok := m["ticks"]; ok {
				ws.push(fmt.Sprintf(
					`{"msg_type":"tick","req_id":%d,"tick":{"symbol":"R_50","quote":1,"epoch":1},"subscription":{"id":"sub-9"}}`,
					reqID(m),
				))
			}
		}

		_, err := c.Subscribe(context.Background(), TicksSubscribeRequest("R_50"), TickKey("R_50"), func(*Envelope) {}, 2*time.Second)
		if err != nil {
			t.Fatalf("subscribe failed: %v", err)
		}

		c.Unsubscribe(TickKey("R_50"))

		ws.mu.Lock()
		defer ws.mu.Unlock()
		var forgot bool
		for _, w := range ws.writes {
			if w["forget"] == "sub-9" {
				forgot = true
			}
		}
		if !forgot {
			t.Error("forget request not sent")
		}
	})
}

func TestConnTeardown(t *testing.T) {
	t.Run("in-flight requests fail when the socket dies", func(t *testing.T) {
		ws := newFakeSocket()
		c := startConn(t, ws)

		errCh := make(chan error, 1)
		go func() {
			_, err := c.SendRequest(context.Background(), map[string]interface{}{"proposal": 1}, 5*time.Second)
			errCh <- err
		}()

		time.Sleep(10 * time.Millisecond)
		ws.Close()

		select {
		case err := <-errCh:
			if !errors.Is(err, ErrConnClosed) {
				t.Fatalf("expected ErrConnClosed, got %v", err)
			}
		case <-time.After(time.Second):
			t.Fatal("request never failed")
		}

		if c.Open() {
			t.Error("connection still reports open after teardown")
		}
	})

	t.Run("requests after close fail immediately", func(t *testing.T) {
		ws := newFakeSocket()
		c := startConn(t, ws)
		c.teardown(nil)

		_, err := c.SendRequest(context.Background(), map[string]interface{}{"proposal": 1}, time.Second)
		if !errors.Is(err, ErrConnClosed) {
			t.Fatalf("expected ErrConnClosed, got %v", err)
		}
	})
}

func TestConnTimeout(t *testing.T) {
	ws := newFakeSocket()
	c := startConn(t, ws)

	_, err := c.SendRequest(context.Background(), map[string]interface{}{"proposal": 1}, 30*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}

	// the pending slot must be gone
	c.mu.Lock()
	pending := len(c.pending)
	order := len(c.order)
	c.mu.Unlock()
	if pending != 0 || order != 0 {
		t.Errorf("pending request not cleaned up: pending=%d order=%d", pending, order)
	}
}
