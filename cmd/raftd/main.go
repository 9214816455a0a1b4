// Command raftd wires one raft node end to end: boltdb-backed storage
// and HTTP transport (diskio + transporthttp), a toy key/value FSM, and
// a small admin HTTP surface for driving client requests and observing
// status — enough for cmd/raftviz to render.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/coreraft/raft/raft"
	"github.com/coreraft/raft/diskio"
	"github.com/coreraft/raft/raftpb"
	"github.com/coreraft/raft/transporthttp"
	"github.com/coreraft/raft/xlog"
)

func main() {
	var (
		id        = flag.Uint64("id", 0, "this server's id (required, non-zero)")
		raftAddr  = flag.String("raft-addr", "127.0.0.1:9001", "address the raft transport listens on")
		adminAddr = flag.String("admin-addr", "127.0.0.1:9101", "address the admin/status HTTP API listens on")
		dataDir   = flag.String("data-dir", "raftd-data", "directory for the boltdb store")
		peers     = flag.String("peers", "", "comma-separated id=address pairs for the initial cluster (bootstrap only)")
		bootstrap = flag.Bool("bootstrap", false, "seed a brand-new cluster from -peers")
	)
	flag.Parse()

	if *id == 0 {
		fmt.Fprintln(os.Stderr, "raftd: -id is required and must be non-zero")
		os.Exit(1)
	}

	logger := xlog.NewLogger(fmt.Sprintf("raftd[%d]", *id))

	transport := transporthttp.New(*raftAddr)
	io, err := diskio.New(*dataDir, transport)
	if err != nil {
		logger.Fatalf("opening store: %v", err)
	}

	fsm := newKVFSM()

	r, err := raft.New(raft.Config{
		ID:      raftpb.ServerID(*id),
		Address: *raftAddr,
		FSM:     fsm,
		IO:      io,
		Logger:  logger,
	})
	if err != nil {
		logger.Fatalf("constructing engine: %v", err)
	}

	if *bootstrap {
		servers, err := parsePeers(*peers)
		if err != nil {
			logger.Fatalf("parsing -peers: %v", err)
		}
		if err := r.Bootstrap(servers); err != nil {
			logger.Fatalf("bootstrap: %v", err)
		}
	}

	if err := r.Start(100); err != nil {
		logger.Fatalf("starting engine: %v", err)
	}

	serveAdmin(*adminAddr, r, fsm, logger)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	done := make(chan struct{})
	r.Close(func() { close(done) })
	<-done
}

func parsePeers(spec string) ([]raftpb.Server, error) {
	var servers []raftpb.Server
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("bad peer spec %q, want id=address", part)
		}
		id, err := strconv.ParseUint(kv[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad peer id in %q: %w", part, err)
		}
		servers = append(servers, raftpb.Server{ID: raftpb.ServerID(id), Address: kv[1], Role: raftpb.Voter})
	}
	if len(servers) == 0 {
		return nil, fmt.Errorf("no peers given")
	}
	return servers, nil
}

// statusPayload is what /status renders, and what cmd/raftviz polls.
type statusPayload struct {
	ID       uint64 `json:"id"`
	State    string `json:"state"`
	Term     uint64 `json:"term"`
	LeaderID uint64 `json:"leader_id"`
	ErrMsg   string `json:"err_msg,omitempty"`
}

func serveAdmin(addr string, r *raft.Raft, fsm *kvFSM, logger *xlog.Logger) {
	mux := http.NewServeMux()

	mux.HandleFunc("/status", func(w http.ResponseWriter, req *http.Request) {
		json.NewEncoder(w).Encode(statusPayload{
			ID:       uint64(r.ID()),
			State:    r.State().String(),
			Term:     r.CurrentTerm(),
			LeaderID: uint64(r.LeaderID()),
			ErrMsg:   r.ErrMsg(),
		})
	})

	mux.HandleFunc("/kv/get", func(w http.ResponseWriter, req *http.Request) {
		key := req.URL.Query().Get("key")
		v, ok := fsm.Get(key)
		if !ok {
			http.NotFound(w, req)
			return
		}
		fmt.Fprint(w, v)
	})

	mux.HandleFunc("/kv/set", func(w http.ResponseWriter, req *http.Request) {
		key, value := req.URL.Query().Get("key"), req.URL.Query().Get("value")
		data := encodeKVCommand(kvCommand{Op: "set", Key: key, Value: value})
		err := r.Apply([][]byte{data}, func(_ []interface{}, err error) {
			if err != nil {
				logger.Warningf("kv/set apply failed: %v", err)
			}
		})
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})

	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Errorf("admin server exited: %v", err)
		}
	}()
}
