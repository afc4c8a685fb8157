package k8s

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/fslongjin/sandboxd/internal/deploy"
	"github.com/fslongjin/sandboxd/pkg/model"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"
)

// readyOnCreate makes every created pod immediately Running and Ready.
func readyOnCreate(cs *fake.Clientset, ip string) {
	cs.PrependReactor("create", "pods", func(action k8stesting.Action) (bool, runtime.Object, error) {
		pod := action.(k8stesting.CreateAction).GetObject().(*corev1.Pod)
		pod.Status = corev1.PodStatus{
			Phase: corev1.PodRunning,
			PodIP: ip,
			Conditions: []corev1.PodCondition{
				{Type: corev1.PodReady, Status: corev1.ConditionTrue},
			},
		}
		return false, nil, nil
	})
}

func TestRuntimeLaunchAndTeardown(t *testing.T) {
	ctx := context.Background()
	cs := fake.NewSimpleClientset()
	readyOnCreate(cs, "10.1.2.3")
	rt := NewRuntime(NewClientWithClientset(cs, "", ""), 10*time.Millisecond)
	d := testDescriptor(t, "s1")

	if err := rt.Provision(ctx, d); err != nil {
		t.Fatalf("Provision error: %v", err)
	}
	addr, err := rt.Launch(ctx, d)
	if err != nil {
		t.Fatalf("Launch error: %v", err)
	}
	if addr != "10.1.2.3:8000" {
		t.Fatalf("unexpected address %q", addr)
	}

	// Relaunching the same descriptor replaces the existing pod.
	if _, err := rt.Launch(ctx, d); err != nil {
		t.Fatalf("second Launch error: %v", err)
	}

	ids, err := rt.Sandboxes(ctx)
	if err != nil {
		t.Fatalf("Sandboxes error: %v", err)
	}
	if len(ids) != 1 || ids[0] != "s1" {
		t.Fatalf("unexpected sandboxes: %v", ids)
	}

	if err := rt.Teardown(ctx, "s1"); err != nil {
		t.Fatalf("Teardown error: %v", err)
	}
	if err := rt.Teardown(ctx, "s1"); err != nil {
		t.Fatalf("Teardown should be idempotent: %v", err)
	}
	ids, err = rt.Sandboxes(ctx)
	if err != nil {
		t.Fatalf("Sandboxes error: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("expected no sandboxes after teardown, got %v", ids)
	}
}

func TestRuntimeLaunchReplacesStalePod(t *testing.T) {
	ctx := context.Background()
	d := testDescriptor(t, "s1")
	stale := d.Pod.DeepCopy()
	stale.Namespace = DefaultSandboxNamespace
	stale.Spec.Containers[0].Env = []corev1.EnvVar{{Name: deploy.EnvAccessToken, Value: "old-token"}}
	cs := fake.NewSimpleClientset(stale)
	readyOnCreate(cs, "10.1.2.4")
	client := NewClientWithClientset(cs, "", "")
	rt := NewRuntime(client, 10*time.Millisecond)

	if _, err := rt.Launch(ctx, d); err != nil {
		t.Fatalf("Launch error: %v", err)
	}
	pod, err := client.GetPod(ctx, "s1")
	if err != nil {
		t.Fatalf("GetPod error: %v", err)
	}
	token := ""
	for _, e := range pod.Spec.Containers[0].Env {
		if e.Name == deploy.EnvAccessToken {
			token = e.Value
		}
	}
	if token != "tok" {
		t.Fatalf("expected the fresh token, got %q", token)
	}
	if pod.Status.PodIP != "10.1.2.4" {
		t.Fatalf("expected a newly created pod, got status %+v", pod.Status)
	}
}

func TestRuntimeLaunchTimesOut(t *testing.T) {
	cs := fake.NewSimpleClientset()
	rt := NewRuntime(NewClientWithClientset(cs, "", ""), 5*time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := rt.Launch(ctx, testDescriptor(t, "s1")); err == nil {
		t.Fatalf("expected launch of a never-ready pod to fail")
	}
}

func TestRuntimeResize(t *testing.T) {
	ctx := context.Background()
	cs := fake.NewSimpleClientset()
	readyOnCreate(cs, "10.0.0.1")
	client := NewClientWithClientset(cs, "", "")
	rt := NewRuntime(client, 10*time.Millisecond)
	d := testDescriptor(t, "s1")
	if _, err := rt.Launch(ctx, d); err != nil {
		t.Fatalf("Launch error: %v", err)
	}

	if err := rt.Resize(ctx, "s1", model.ComputeResources{CPUCores: 2, RAMGB: 2.6, DiskGB: 1, MemoryBandwidthGBPS: 3, Unit: model.UnitAbsolute}); err != nil {
		t.Fatalf("Resize error: %v", err)
	}
	pod, err := client.GetPod(ctx, "s1")
	if err != nil {
		t.Fatalf("GetPod error: %v", err)
	}
	limits := pod.Spec.Containers[0].Resources.Limits
	if limits.Cpu().MilliValue() != 2000 {
		t.Fatalf("unexpected cpu limit %s", limits.Cpu())
	}
	if limits.Memory().Value() != int64(math.Ceil(2.6*(1<<30))) {
		t.Fatalf("unexpected memory limit %s", limits.Memory())
	}
	if pod.Annotations["sandboxd.io/memory-bandwidth-gbps"] != "3" {
		t.Fatalf("memory bandwidth annotation not updated: %v", pod.Annotations)
	}
}

func TestClusterCapacity(t *testing.T) {
	node := func(name string, ready bool, cpu, mem string) *corev1.Node {
		status := corev1.ConditionFalse
		if ready {
			status = corev1.ConditionTrue
		}
		return &corev1.Node{
			ObjectMeta: metav1.ObjectMeta{Name: name},
			Status: corev1.NodeStatus{
				Conditions: []corev1.NodeCondition{{Type: corev1.NodeReady, Status: status}},
				Allocatable: corev1.ResourceList{
					corev1.ResourceCPU:              resource.MustParse(cpu),
					corev1.ResourceMemory:           resource.MustParse(mem),
					corev1.ResourceEphemeralStorage: resource.MustParse("10Gi"),
				},
			},
		}
	}
	cs := fake.NewSimpleClientset(
		node("a", true, "4", "8Gi"),
		node("b", true, "2500m", "4Gi"),
		node("c", false, "16", "64Gi"),
	)
	capacity, err := NewClientWithClientset(cs, "", "").ClusterCapacity(context.Background())
	if err != nil {
		t.Fatalf("ClusterCapacity error: %v", err)
	}
	if capacity.CPUCores != 6.5 || capacity.RAMGB != 12 || capacity.DiskGB != 20 {
		t.Fatalf("unexpected capacity %+v", capacity)
	}
	if capacity.Unit != model.UnitAbsolute {
		t.Fatalf("capacity must be absolute")
	}
}
