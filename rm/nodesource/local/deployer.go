// Package local provides in-process node collaborators for running a whole
// grid on one machine: a deployer handing out localhost nodes, a finite pool
// for dynamic sources, a pinger and a shell-based prober.
package local

import (
	"context"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/twitter/gridsched/rm/node"
	"github.com/twitter/gridsched/rm/nodesource"
)

// Deployer starts nodes as localhost:<port> handles, one port per node.
type Deployer struct {
	mu       sync.Mutex
	nextPort int
	live     map[string]bool
}

func NewDeployer(basePort int) *Deployer {
	return &Deployer{nextPort: basePort, live: map[string]bool{}}
}

func (d *Deployer) StartNodes(ctx context.Context, cfg nodesource.DeploymentConfig) ([]node.Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	count := cfg.Count
	if count == 0 {
		count = len(cfg.Hosts)
	}
	handles := make([]node.Handle, 0, count)
	for i := 0; i < count; i++ {
		if err := ctx.Err(); err != nil {
			return handles, err
		}
		host := "localhost"
		if len(cfg.Hosts) > 0 {
			host = cfg.Hosts[i%len(cfg.Hosts)]
		}
		url := fmt.Sprintf("%s:%d", host, d.nextPort)
		d.nextPort++
		d.live[url] = true
		handles = append(handles, node.Handle{
			Descriptor: node.Descriptor{URL: url, Host: host, Attributes: copyAttrs(cfg.Attributes)},
		})
	}
	log.Infof("Started %d local nodes", len(handles))
	return handles, nil
}

func (d *Deployer) KillNodes(ctx context.Context, handles []node.Handle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, h := range handles {
		delete(d.live, h.URL)
	}
	log.Infof("Killed %d local nodes", len(handles))
	return nil
}

// Live returns the number of started nodes not yet killed.
func (d *Deployer) Live() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.live)
}

func copyAttrs(attrs map[string]string) map[string]string {
	if attrs == nil {
		return nil
	}
	c := make(map[string]string, len(attrs))
	for k, v := range attrs {
		c[k] = v
	}
	return c
}
