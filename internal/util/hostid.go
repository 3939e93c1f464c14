package util

import (
	"fmt"
	"hash/fnv"
	"os"
)

// DefaultHost derives a short, stable host name for this process from the
// machine hostname and PID. Mesh hosts are plain short strings; this only
// needs to be unique enough within one mesh, not reversible.
func DefaultHost() string {
	name, err := os.Hostname()
	if err != nil {
		name = "node"
	}

	h := fnv.New32a()
	h.Write([]byte(name))
	h.Write([]byte{byte(os.Getpid()), byte(os.Getpid() >> 8)})
	return fmt.Sprintf("%s-%04x", shorten(name, 8), h.Sum32()&0xffff)
}

func shorten(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
