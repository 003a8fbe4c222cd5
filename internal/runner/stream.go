package runner

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// readStream scans an SSE stream from llama-server and calls fn for every
// decoded chunk until [DONE] or EOF.
func readStream(r io.Reader, fn func(chatChunk) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	prefix := []byte("data: ")
	for scanner.Scan() {
		line := scanner.Bytes()
		if !bytes.HasPrefix(line, prefix) {
			continue
		}
		data := bytes.TrimPrefix(line, prefix)
		if string(data) == "[DONE]" {
			return nil
		}

		var chunk chatChunk
		if err := json.Unmarshal(data, &chunk); err != nil {
			return fmt.Errorf("decode chunk: %w", err)
		}
		if err := fn(chunk); err != nil {
			return err
		}
	}
	return scanner.Err()
}
