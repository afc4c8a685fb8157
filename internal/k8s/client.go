package k8s

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/fslongjin/sandboxd/internal/deploy"
	"github.com/fslongjin/sandboxd/pkg/model"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

const (
	DefaultSandboxNamespace = "sandboxd"
	DefaultControlNamespace = "sandboxd-system"

	stalePodPollInterval = 500 * time.Millisecond
)

type Client struct {
	clientset kubernetes.Interface
	config    *rest.Config
	sandboxNS string
	controlNS string
}

func NewClient(kubeconfigPath, sandboxNS, controlNS string) (*Client, error) {
	var config *rest.Config
	var err error

	if kubeconfigPath != "" {
		config, err = clientcmd.BuildConfigFromFlags("", kubeconfigPath)
	} else {
		config, err = rest.InClusterConfig()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get kubernetes config: %w", err)
	}

	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes client: %w", err)
	}

	c := NewClientWithClientset(clientset, sandboxNS, controlNS)
	c.config = config
	return c, nil
}

// NewClientWithClientset wraps an existing clientset, e.g. a fake one.
func NewClientWithClientset(clientset kubernetes.Interface, sandboxNS, controlNS string) *Client {
	if sandboxNS == "" {
		sandboxNS = DefaultSandboxNamespace
	}
	if controlNS == "" {
		controlNS = DefaultControlNamespace
	}
	return &Client{
		clientset: clientset,
		sandboxNS: sandboxNS,
		controlNS: controlNS,
	}
}

func (c *Client) SandboxNamespace() string { return c.sandboxNS }
func (c *Client) ControlNamespace() string { return c.controlNS }

func (c *Client) EnsureNamespace(ctx context.Context) error {
	_, err := c.clientset.CoreV1().Namespaces().Get(ctx, c.sandboxNS, metav1.GetOptions{})
	if err == nil {
		return nil
	}

	ns := &corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{
			Name:   c.sandboxNS,
			Labels: map[string]string{deploy.LabelApp: deploy.AppName},
		},
	}
	_, err = c.clientset.CoreV1().Namespaces().Create(ctx, ns, metav1.CreateOptions{})
	if apierrors.IsAlreadyExists(err) {
		return nil
	}
	return err
}

// LaunchPod creates the sandbox pod. A pod left over from an earlier life of
// the same sandbox carries a stale token and grant, so it is deleted and the
// create retried once it is gone.
func (c *Client) LaunchPod(ctx context.Context, pod *corev1.Pod) (*corev1.Pod, error) {
	pods := c.clientset.CoreV1().Pods(c.sandboxNS)
	created, err := pods.Create(ctx, pod, metav1.CreateOptions{})
	if err == nil {
		return created, nil
	}
	if !apierrors.IsAlreadyExists(err) {
		return nil, err
	}

	grace := int64(0)
	if err := pods.Delete(ctx, pod.Name, metav1.DeleteOptions{GracePeriodSeconds: &grace}); err != nil && !apierrors.IsNotFound(err) {
		return nil, fmt.Errorf("failed to delete stale pod %s: %w", pod.Name, err)
	}
	err = wait.PollUntilContextCancel(ctx, stalePodPollInterval, true, func(ctx context.Context) (bool, error) {
		_, err := pods.Get(ctx, pod.Name, metav1.GetOptions{})
		if apierrors.IsNotFound(err) {
			return true, nil
		}
		return false, err
	})
	if err != nil {
		return nil, fmt.Errorf("stale pod %s was not removed: %w", pod.Name, err)
	}
	return pods.Create(ctx, pod, metav1.CreateOptions{})
}

func (c *Client) GetPod(ctx context.Context, sandboxID string) (*corev1.Pod, error) {
	return c.clientset.CoreV1().Pods(c.sandboxNS).Get(ctx, deploy.PodName(sandboxID), metav1.GetOptions{})
}

// ListSandboxPods lists every pod this orchestrator manages.
func (c *Client) ListSandboxPods(ctx context.Context) ([]corev1.Pod, error) {
	list, err := c.clientset.CoreV1().Pods(c.sandboxNS).List(ctx, metav1.ListOptions{
		LabelSelector: fmt.Sprintf("%s=%s", deploy.LabelApp, deploy.AppName),
	})
	if err != nil {
		return nil, err
	}
	return list.Items, nil
}

// DeletePod removes the sandbox pod; a missing pod is not an error.
func (c *Client) DeletePod(ctx context.Context, sandboxID string) error {
	grace := int64(0)
	err := c.clientset.CoreV1().Pods(c.sandboxNS).Delete(ctx, deploy.PodName(sandboxID), metav1.DeleteOptions{
		GracePeriodSeconds: &grace,
	})
	if apierrors.IsNotFound(err) {
		return nil
	}
	return err
}

// WaitForReady polls until the sandbox pod is Ready or has failed.
func (c *Client) WaitForReady(ctx context.Context, sandboxID string, interval time.Duration) (*corev1.Pod, error) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	var ready *corev1.Pod
	err := wait.PollUntilContextCancel(ctx, interval, true, func(ctx context.Context) (bool, error) {
		pod, err := c.GetPod(ctx, sandboxID)
		if err != nil {
			return false, fmt.Errorf("failed to get pod: %w", err)
		}
		if pod.Status.Phase == corev1.PodFailed || pod.Status.Phase == corev1.PodSucceeded {
			return false, fmt.Errorf("pod exited with phase %s", pod.Status.Phase)
		}
		if pod.Status.Phase != corev1.PodRunning || pod.Status.PodIP == "" {
			return false, nil
		}
		for _, cond := range pod.Status.Conditions {
			if cond.Type == corev1.PodReady && cond.Status == corev1.ConditionTrue {
				ready = pod
				return true, nil
			}
		}
		return false, nil
	})
	if err != nil {
		if events, evErr := c.GetPodEvents(context.WithoutCancel(ctx), sandboxID); evErr == nil && len(events) > 0 {
			return nil, fmt.Errorf("pod not ready: %w (events: %v)", err, events)
		}
		return nil, fmt.Errorf("pod not ready: %w", err)
	}
	return ready, nil
}

type resizePatch struct {
	Metadata struct {
		Annotations map[string]string `json:"annotations,omitempty"`
	} `json:"metadata"`
	Spec struct {
		Containers []resizeContainer `json:"containers"`
	} `json:"spec"`
}

type resizeContainer struct {
	Name      string                      `json:"name"`
	Resources corev1.ResourceRequirements `json:"resources"`
}

// ResizePod changes the container limits in place. Memory bandwidth is only
// recorded, since the kubelet has no such resource.
func (c *Client) ResizePod(ctx context.Context, sandboxID string, res model.ComputeResources) error {
	limits := deploy.ResourceList(res)
	// The in-place resize API does not accept storage changes.
	delete(limits, corev1.ResourceEphemeralStorage)

	var patch resizePatch
	patch.Metadata.Annotations = map[string]string{
		deploy.AnnotationMemoryBandwidth: fmt.Sprintf("%g", res.MemoryBandwidthGBPS),
	}
	patch.Spec.Containers = []resizeContainer{{
		Name:      deploy.ContainerName,
		Resources: corev1.ResourceRequirements{Limits: limits, Requests: limits.DeepCopy()},
	}}
	body, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("failed to encode resize patch: %w", err)
	}
	_, err = c.clientset.CoreV1().Pods(c.sandboxNS).Patch(ctx, deploy.PodName(sandboxID), types.StrategicMergePatchType, body, metav1.PatchOptions{})
	return err
}

// ClusterCapacity sums the allocatable resources of ready, schedulable nodes.
func (c *Client) ClusterCapacity(ctx context.Context) (model.ComputeResources, error) {
	nodes, err := c.clientset.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
	if err != nil {
		return model.ComputeResources{}, fmt.Errorf("failed to list nodes: %w", err)
	}

	var cpu, mem, disk resource.Quantity
	ready := 0
	for i := range nodes.Items {
		node := &nodes.Items[i]
		if !isNodeReady(node) || node.Spec.Unschedulable {
			continue
		}
		ready++
		alloc := node.Status.Allocatable
		cpu.Add(alloc[corev1.ResourceCPU])
		mem.Add(alloc[corev1.ResourceMemory])
		disk.Add(alloc[corev1.ResourceEphemeralStorage])
	}
	if ready == 0 {
		return model.ComputeResources{}, fmt.Errorf("no ready nodes")
	}

	const gib = float64(1 << 30)
	return model.ComputeResources{
		CPUCores: float64(cpu.MilliValue()) / 1000,
		RAMGB:    float64(mem.Value()) / gib,
		DiskGB:   float64(disk.Value()) / gib,
		Unit:     model.UnitAbsolute,
	}, nil
}

func (c *Client) GetLogs(ctx context.Context, sandboxID string, tailLines int64) (string, error) {
	opts := &corev1.PodLogOptions{
		Container: deploy.ContainerName,
	}
	if tailLines > 0 {
		opts.TailLines = &tailLines
	}

	req := c.clientset.CoreV1().Pods(c.sandboxNS).GetLogs(deploy.PodName(sandboxID), opts)
	stream, err := req.Stream(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get logs: %w", err)
	}
	defer stream.Close()

	logs, err := io.ReadAll(stream)
	if err != nil {
		return "", fmt.Errorf("failed to read logs: %w", err)
	}

	return string(logs), nil
}

func (c *Client) GetPodEvents(ctx context.Context, sandboxID string) ([]string, error) {
	events, err := c.clientset.CoreV1().Events(c.sandboxNS).List(ctx, metav1.ListOptions{
		FieldSelector: fmt.Sprintf("involvedObject.name=%s", deploy.PodName(sandboxID)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}

	var result []string
	for _, event := range events.Items {
		result = append(result, fmt.Sprintf("[%s] %s: %s", event.Type, event.Reason, event.Message))
	}
	return result, nil
}

func isNodeReady(node *corev1.Node) bool {
	for _, condition := range node.Status.Conditions {
		if condition.Type == corev1.NodeReady {
			return condition.Status == corev1.ConditionTrue
		}
	}
	return false
}
