package main

import (
	"bytes"
	"encoding/gob"
	"sync"
)

// kvFSM is a minimal in-memory key/value store used to exercise the
// engine end to end. Every Apply call carries a gob-encoded kvCommand.
type kvFSM struct {
	mu   sync.RWMutex
	data map[string]string
}

func newKVFSM() *kvFSM {
	return &kvFSM{data: make(map[string]string)}
}

type kvCommand struct {
	Op    string // "set" or "delete"
	Key   string
	Value string
}

func (f *kvFSM) Apply(data []byte) (interface{}, error) {
	var cmd kvCommand
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&cmd); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	switch cmd.Op {
	case "set":
		f.data[cmd.Key] = cmd.Value
	case "delete":
		delete(f.data, cmd.Key)
	}
	return nil, nil
}

func (f *kvFSM) Snapshot() ([][]byte, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(f.data); err != nil {
		return nil, err
	}
	return [][]byte{buf.Bytes()}, nil
}

func (f *kvFSM) Restore(data []byte) error {
	m := make(map[string]string)
	if len(data) > 0 {
		if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&m); err != nil {
			return err
		}
	}
	f.mu.Lock()
	f.data = m
	f.mu.Unlock()
	return nil
}

func (f *kvFSM) Get(key string) (string, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	v, ok := f.data[key]
	return v, ok
}

func encodeKVCommand(cmd kvCommand) []byte {
	var buf bytes.Buffer
	_ = gob.NewEncoder(&buf).Encode(cmd)
	return buf.Bytes()
}
