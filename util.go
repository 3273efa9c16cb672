package snapback

import (
	"bytes"
	"encoding/json"
	"os"
	"runtime"
	"strconv"
)

func canstat(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

func mkdir(dir string, mode os.FileMode) (err error) {
	err = os.MkdirAll(dir, mode)
	if err != nil {
		return err
	}
	return
}

func pretty(input interface{}) (out string) {
	buf, err := json.MarshalIndent(input, "", "  ")
	if err != nil {
		return err.Error()
	}
	return string(buf)
}

// GetGID returns the current goroutine id; debug logging only.
func GetGID() uint64 {
	b := make([]byte, 64)
	b = b[:runtime.Stack(b, false)]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	b = b[:bytes.IndexByte(b, ' ')]
	n, _ := strconv.ParseUint(string(b), 10, 64)
	return n
}
