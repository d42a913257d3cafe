package ai

import (
	"bufio"
	"io"
	"strings"
)

const sseDone = "[DONE]"

// readSSEData calls fn with the payload of every "data:" line in r until fn
// reports stop, r ends or the [DONE] marker arrives.
func readSSEData(r io.Reader, fn func(data string) (stop bool, err error)) (sawDone bool, err error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == sseDone {
			return true, nil
		}
		if data == "" {
			continue
		}
		stop, err := fn(data)
		if err != nil {
			return false, err
		}
		if stop {
			return true, nil
		}
	}
	return false, scanner.Err()
}
