package k8s

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"time"

	"github.com/fslongjin/sandboxd/internal/deploy"
	"github.com/fslongjin/sandboxd/pkg/model"
)

// Runtime places sandbox descriptors on the cluster.
type Runtime struct {
	client       *Client
	policies     *NetworkPolicyManager
	pollInterval time.Duration
}

func NewRuntime(client *Client, pollInterval time.Duration) *Runtime {
	return &Runtime{
		client:       client,
		policies:     NewNetworkPolicyManager(client),
		pollInterval: pollInterval,
	}
}

// Init applies the baseline policies shared by all sandboxes.
func (r *Runtime) Init(ctx context.Context) error {
	return r.policies.EnsureDefaultPolicies(ctx)
}

// Provision creates the sandbox network. It must exist before the pod so the
// pod never runs under the baseline alone.
func (r *Runtime) Provision(ctx context.Context, d *deploy.Descriptor) error {
	if err := r.policies.ApplyNetwork(ctx, d.Network); err != nil {
		return fmt.Errorf("failed to apply network %s: %w", d.Network.Name, err)
	}
	return nil
}

// Launch creates the pod and waits for readiness, returning host:port of the agent.
func (r *Runtime) Launch(ctx context.Context, d *deploy.Descriptor) (string, error) {
	pod := d.Pod.DeepCopy()
	pod.Namespace = r.client.sandboxNS
	if _, err := r.client.LaunchPod(ctx, pod); err != nil {
		return "", fmt.Errorf("failed to create pod %s: %w", pod.Name, err)
	}
	ready, err := r.client.WaitForReady(ctx, d.SandboxID, r.pollInterval)
	if err != nil {
		return "", err
	}
	port := int32(8000)
	if cs := pod.Spec.Containers; len(cs) > 0 && len(cs[0].Ports) > 0 {
		port = cs[0].Ports[0].ContainerPort
	}
	return net.JoinHostPort(ready.Status.PodIP, strconv.Itoa(int(port))), nil
}

// Teardown removes the pod and then the network; both steps tolerate absence.
func (r *Runtime) Teardown(ctx context.Context, sandboxID string) error {
	if err := r.client.DeletePod(ctx, sandboxID); err != nil {
		return fmt.Errorf("failed to delete pod: %w", err)
	}
	if err := r.policies.DeleteNetwork(ctx, sandboxID); err != nil {
		return fmt.Errorf("failed to delete network: %w", err)
	}
	return nil
}

func (r *Runtime) Resize(ctx context.Context, sandboxID string, res model.ComputeResources) error {
	if err := r.client.ResizePod(ctx, sandboxID, res); err != nil {
		return fmt.Errorf("failed to resize pod: %w", err)
	}
	return nil
}

// Sandboxes lists the ids of every sandbox with a pod or a network on the cluster.
func (r *Runtime) Sandboxes(ctx context.Context) ([]string, error) {
	seen := map[string]bool{}
	pods, err := r.client.ListSandboxPods(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list pods: %w", err)
	}
	for _, p := range pods {
		if id := p.Labels[deploy.LabelSandboxID]; id != "" {
			seen[id] = true
		}
	}
	nets, err := r.policies.ListSandboxNetworks(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list networks: %w", err)
	}
	for _, id := range nets {
		if id != "" {
			seen[id] = true
		}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (r *Runtime) Logs(ctx context.Context, sandboxID string, tailLines int64) (string, error) {
	return r.client.GetLogs(ctx, sandboxID, tailLines)
}

func (r *Runtime) Capacity(ctx context.Context) (model.ComputeResources, error) {
	return r.client.ClusterCapacity(ctx)
}
