package taskqueue

import (
	"bytes"
	"encoding/gob"
	"fmt"
)

// encodeTask gob-encodes a Task for the queues that store opaque payloads.
func encodeTask(t Task) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&t); err != nil {
		return nil, fmt.Errorf("encode %s task: %w", t.Type, err)
	}
	return buf.Bytes(), nil
}

func decodeTask(data []byte) (*Task, error) {
	var t Task
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&t); err != nil {
		return nil, fmt.Errorf("decode task: %w", err)
	}
	return &t, nil
}
