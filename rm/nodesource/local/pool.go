package local

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/twitter/gridsched/rm/node"
)

// Pool lends nodes out of a fixed set of candidates.
type Pool struct {
	mu    sync.Mutex
	fetch func() ([]node.Handle, error)
	lent  map[string]bool
	err   error
}

// NewPool creates a pool of capacity synthetic pool-<i>:<port> nodes.
func NewPool(capacity int, basePort int, attrs map[string]string) *Pool {
	handles := make([]node.Handle, capacity)
	for i := range handles {
		host := fmt.Sprintf("pool-%d", i)
		handles[i] = node.Handle{Descriptor: node.Descriptor{
			URL:        fmt.Sprintf("%s:%d", host, basePort+i),
			Host:       host,
			Attributes: copyAttrs(attrs),
		}}
	}
	return &Pool{
		fetch: func() ([]node.Handle, error) { return handles, nil },
		lent:  map[string]bool{},
	}
}

// NewProcessPool lends the node processes running on this machine. Processes
// are found in 'ps x' output; regexCapturePort must capture the listening port.
func NewProcessPool(regexCapturePort string) (*Pool, error) {
	re, err := regexp.Compile(regexCapturePort)
	if err != nil {
		return nil, errors.Wrap(err, "bad port regex")
	}
	return &Pool{
		fetch: func() ([]node.Handle, error) {
			data, err := exec.Command("ps", "x").Output()
			if err != nil {
				return nil, err
			}
			return parseProcesses(re, data), nil
		},
		lent: map[string]bool{},
	}, nil
}

func parseProcesses(re *regexp.Regexp, data []byte) []node.Handle {
	handles := []node.Handle{}
	for _, line := range strings.Split(string(data), "\n") {
		matches := re.FindStringSubmatch(line)
		if len(matches) == 2 {
			handles = append(handles, node.Handle{Descriptor: node.Descriptor{
				URL:  "localhost:" + matches[1],
				Host: "localhost",
			}})
		}
	}
	return handles
}

// SetError makes every following Acquire fail with err, or succeed again when nil.
func (p *Pool) SetError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

func (p *Pool) Acquire(ctx context.Context, max int) ([]node.Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	candidates, err := p.fetch()
	if err != nil {
		return nil, err
	}
	var out []node.Handle
	for _, h := range candidates {
		if len(out) == max {
			break
		}
		if !p.lent[h.URL] {
			p.lent[h.URL] = true
			out = append(out, h)
		}
	}
	return out, nil
}

func (p *Pool) Release(ctx context.Context, handles []node.Handle) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, h := range handles {
		delete(p.lent, h.URL)
	}
	return nil
}

// Lent returns the number of nodes currently out of the pool.
func (p *Pool) Lent() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.lent)
}
