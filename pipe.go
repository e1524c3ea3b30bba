package scm

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/google/renameio/v2"
)

const (
	// pipeCounterFile holds the last allocated pipe number
	pipeCounterFile = "pipe-counter"
	pipePrefix      = "scm-"
	pipeSuffix      = ".sock"
)

// PipeNamer allocates control channel socket paths from a monotonically
// increasing counter kept in a volatile runtime directory
type PipeNamer struct {
	// Dir is the runtime directory holding the sockets and the counter
	Dir string

	// mu serializes counter updates
	mu sync.Mutex
}

// NewPipeNamer prepares the runtime directory
func NewPipeNamer(dir string) (*PipeNamer, error) {
	absPath, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving runtime dir: %w", err)
	}
	if err := os.MkdirAll(absPath, DirMode); err != nil {
		return nil, fmt.Errorf("creating runtime dir: %w", err)
	}
	return &PipeNamer{Dir: absPath}, nil
}

// Next returns a socket path never handed out before from this directory
func (p *PipeNamer) Next() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	counterPath := filepath.Join(p.Dir, pipeCounterFile)

	var n uint64
	data, err := os.ReadFile(counterPath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return "", fmt.Errorf("reading pipe counter: %w", err)
	default:
		n, err = strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
		if err != nil {
			return "", fmt.Errorf("parsing pipe counter: %w", err)
		}
	}

	n++
	if err := renameio.WriteFile(counterPath, []byte(strconv.FormatUint(n, 10)+"\n"), FileMode); err != nil {
		return "", fmt.Errorf("writing pipe counter: %w", err)
	}
	return filepath.Join(p.Dir, pipePrefix+strconv.FormatUint(n, 10)+pipeSuffix), nil
}
