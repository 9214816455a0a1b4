// Package transporthttp is the reference network half of the raft.IO
// capability: RPC messages travel as gob-encoded bodies over plain
// net/http, the same layering the corpus's own rafthttp package uses
// over its wire protocol. It also owns the single-goroutine dispatch
// loop that gives the engine its "only one of tick/recv/completion
// runs at a time" guarantee, since ticks and inbound HTTP requests
// otherwise arrive on unrelated goroutines.
package transporthttp

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coreraft/raft/diskio"
	"github.com/coreraft/raft/raftpb"
)

var _ diskio.Transport = (*Transport)(nil)

const messagePath = "/raft/message"

// Transport implements diskio.Transport.
type Transport struct {
	listenAddr string
	client     *http.Client
	server     *http.Server

	actions chan func()
	done    chan struct{}

	tickCB func(nowMS int64)
	recvCB func(raftpb.Message)
}

// New returns a Transport for listenAddr. No listener is opened until
// Start is called.
func New(listenAddr string) *Transport {
	return &Transport{
		listenAddr: listenAddr,
		client:     &http.Client{Timeout: 5 * time.Second},
		actions:    make(chan func(), 256),
		done:       make(chan struct{}),
	}
}

// Start begins the tick ticker, the HTTP listener, and the dispatch
// loop that serializes both against completion callbacks from Send.
func (t *Transport) Start(tickMS int, tickCB func(nowMS int64), recvCB func(raftpb.Message)) error {
	t.tickCB = tickCB
	t.recvCB = recvCB

	mux := http.NewServeMux()
	mux.HandleFunc(messagePath, t.handleMessage)
	t.server = &http.Server{Handler: mux}

	ln, err := net.Listen("tcp", t.listenAddr)
	if err != nil {
		return fmt.Errorf("transporthttp: listening on %s: %w", t.listenAddr, err)
	}

	go t.server.Serve(ln)
	go t.dispatchLoop()
	go t.tickLoop(tickMS)
	return nil
}

// dispatchLoop is the only goroutine that ever calls into the engine.
func (t *Transport) dispatchLoop() {
	for {
		select {
		case fn := <-t.actions:
			fn()
		case <-t.done:
			return
		}
	}
}

func (t *Transport) tickLoop(tickMS int) {
	ticker := time.NewTicker(time.Duration(tickMS) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			ms := now.UnixNano() / int64(time.Millisecond)
			select {
			case t.actions <- func() { t.tickCB(ms) }:
			case <-t.done:
				return
			}
		case <-t.done:
			return
		}
	}
}

func (t *Transport) handleMessage(w http.ResponseWriter, r *http.Request) {
	var msg raftpb.Message
	if err := gob.NewDecoder(r.Body).Decode(&msg); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusAccepted)

	done := make(chan struct{})
	select {
	case t.actions <- func() { t.recvCB(msg); close(done) }:
	case <-t.done:
		return
	}
	<-done
}

// Send posts msg to address in a background goroutine; cb is invoked
// back on the dispatch loop once the round trip completes (or fails),
// same as any other engine-visible completion.
func (t *Transport) Send(to raftpb.ServerID, address string, msg raftpb.Message, cb func(error)) {
	if address == "" {
		t.deliver(cb, fmt.Errorf("transporthttp: no known address for server %x", to))
		return
	}
	go func() {
		var buf bytes.Buffer
		if err := gob.NewEncoder(&buf).Encode(msg); err != nil {
			t.deliver(cb, err)
			return
		}
		req, err := http.NewRequest(http.MethodPost, "http://"+address+messagePath, &buf)
		if err != nil {
			t.deliver(cb, err)
			return
		}
		resp, err := t.client.Do(req)
		if err != nil {
			t.deliver(cb, err)
			return
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusAccepted {
			t.deliver(cb, fmt.Errorf("transporthttp: peer %x rejected message: status %d", to, resp.StatusCode))
			return
		}
		t.deliver(cb, nil)
	}()
}

func (t *Transport) deliver(cb func(error), err error) {
	select {
	case t.actions <- func() { cb(err) }:
	case <-t.done:
	}
}

func (t *Transport) Close(cb func()) {
	close(t.done)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if t.server != nil {
			t.server.Shutdown(ctx)
		}
	}()
	wg.Wait()
	cb()
}
