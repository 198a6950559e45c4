package local

import (
	"context"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/twitter/gridsched/rm/node"
)

// Pinger answers for local nodes. Every node is alive unless marked down.
type Pinger struct {
	mu   sync.Mutex
	down map[node.ID]bool
}

func NewPinger() *Pinger {
	return &Pinger{down: map[node.ID]bool{}}
}

func (p *Pinger) SetDown(id node.ID, down bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if down {
		p.down[id] = true
	} else {
		delete(p.down, id)
	}
}

func (p *Pinger) Ping(ctx context.Context, n node.Info) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return ctx.Err() == nil && !p.down[n.ID]
}

// Prober runs selection scripts with sh on this machine. The node's URL, host
// and attributes are exported as GRIDSCHED_NODE_URL, GRIDSCHED_NODE_HOST and
// GRIDSCHED_ATTR_<KEY>; exit status 0 means the node qualifies.
type Prober struct {
	Shell string
}

func NewProber() *Prober {
	return &Prober{Shell: "sh"}
}

func (p *Prober) Probe(ctx context.Context, n node.Info, script string) (bool, error) {
	cmd := exec.CommandContext(ctx, p.Shell, "-c", script)
	cmd.Env = append(os.Environ(),
		"GRIDSCHED_NODE_URL="+string(n.ID),
		"GRIDSCHED_NODE_HOST="+n.Host,
	)
	for k, v := range n.Attributes {
		cmd.Env = append(cmd.Env, "GRIDSCHED_ATTR_"+strings.ToUpper(k)+"="+v)
	}
	err := cmd.Run()
	if err == nil {
		return true, nil
	}
	if _, ok := err.(*exec.ExitError); ok && ctx.Err() == nil {
		return false, nil
	}
	return false, err
}
