package deploy

import (
	"testing"

	"github.com/fslongjin/sandboxd/pkg/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	"k8s.io/apimachinery/pkg/api/equality"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
)

var testConfig = Config{
	Namespace:        "sandboxes",
	ControlNamespace: "control",
	ControlLabels:    map[string]string{"app": "orchestrator"},
	AgentPort:        8000,
	DatastorePort:    8080,
	DatastoreURL:     "http://orchestrator.control.svc:8080",
}

func input(id string, dbs ...model.DatabaseAccess) Input {
	return Input{
		SandboxID: id,
		Image:     "registry.local/sandbox@sha256:abc",
		Token:     "token-" + id,
		Resources: model.ComputeResources{CPUCores: 1.5, RAMGB: 2, DiskGB: 4, MemoryBandwidthGBPS: 1, Unit: model.UnitAbsolute},
		Databases: dbs,
	}
}

func TestNamesAreDerivedFromID(t *testing.T) {
	d, err := Synthesize(testConfig, input("s1"))
	require.NoError(t, err)
	assert.Equal(t, "sandbox-net-s1", d.Network.Name)
	assert.Equal(t, "sandbox-s1", d.Pod.Name)
	assert.Equal(t, "sandboxes", d.Pod.Namespace)
	assert.Equal(t, NetworkName("s1"), d.Network.Name)
}

func TestSynthesizeIsIdempotent(t *testing.T) {
	vec := model.DatabaseAccess{DatabaseType: model.DatabaseVector, AccessType: model.AccessRead, Namespaces: []string{"b", "a"}}
	graph := model.DatabaseAccess{DatabaseType: "graph", AccessType: "read_write", Namespaces: []string{"kg"}}

	first, err := Synthesize(testConfig, input("s1", vec, graph))
	require.NoError(t, err)
	second, err := Synthesize(testConfig, input("s1", graph, model.DatabaseAccess{DatabaseType: model.DatabaseVector, AccessType: model.AccessRead, Namespaces: []string{"a", "b", "a"}}))
	require.NoError(t, err)

	assert.True(t, equality.Semantic.DeepEqual(first.Pod, second.Pod))
	assert.True(t, equality.Semantic.DeepEqual(first.Network, second.Network))
	assert.Equal(t, first.Endpoints, second.Endpoints)
}

func TestEndpointsOnlyForGrantedDatastores(t *testing.T) {
	d, err := Synthesize(testConfig, input("s1", model.DatabaseAccess{
		DatabaseType: model.DatabaseVector, AccessType: model.AccessRead, Namespaces: []string{"docs"},
	}))
	require.NoError(t, err)

	require.Len(t, d.Endpoints, 1)
	assert.Equal(t, "http://orchestrator.control.svc:8080/datastore/vector", d.Endpoints[0].URL)

	env := map[string]string{}
	for _, e := range d.Pod.Spec.Containers[0].Env {
		env[e.Name] = e.Value
	}
	assert.Equal(t, "docs", env["SANDBOX_DATASTORE_VECTOR_NAMESPACES"])
	assert.Equal(t, "READ", env["SANDBOX_DATASTORE_VECTOR_ACCESS"])
	assert.NotContains(t, env, "SANDBOX_DATASTORE_GRAPH_URL")
	assert.Equal(t, "token-s1", env[EnvAccessToken])
}

func TestNoDatastoreEgressWithoutGrants(t *testing.T) {
	d, err := Synthesize(testConfig, input("s1"))
	require.NoError(t, err)
	require.Len(t, d.Network.Spec.Egress, 1, "only DNS egress")
	for _, p := range d.Network.Spec.Egress[0].Ports {
		assert.Equal(t, int32(53), p.Port.IntVal)
	}
}

// reaches reports whether any peer of rules could select a pod with podLabels in namespace ns.
func reaches(peers []networkingv1.NetworkPolicyPeer, policyNS, ns string, podLabels map[string]string) bool {
	nsLabels := labels.Set{"kubernetes.io/metadata.name": ns}
	for _, peer := range peers {
		if peer.IPBlock != nil {
			return true
		}
		if peer.NamespaceSelector == nil && ns != policyNS {
			continue
		}
		if peer.NamespaceSelector != nil && !matches(peer.NamespaceSelector, nsLabels) {
			continue
		}
		if peer.PodSelector == nil || matches(peer.PodSelector, labels.Set(podLabels)) {
			return true
		}
	}
	return false
}

func matches(sel *metav1.LabelSelector, set labels.Set) bool {
	s, err := metav1.LabelSelectorAsSelector(sel)
	if err != nil {
		return false
	}
	return s.Matches(set)
}

func TestSandboxesCannotReachEachOther(t *testing.T) {
	s1, err := Synthesize(testConfig, input("s1", model.DatabaseAccess{
		DatabaseType: model.DatabaseVector, AccessType: model.AccessReadWrite, Namespaces: []string{"ns1"},
	}))
	require.NoError(t, err)
	s2, err := Synthesize(testConfig, input("s2", model.DatabaseAccess{
		DatabaseType: model.DatabaseVector, AccessType: model.AccessReadWrite, Namespaces: []string{"ns2"},
	}))
	require.NoError(t, err)

	assert.NotEqual(t, s1.Network.Name, s2.Network.Name)

	var egressPeers []networkingv1.NetworkPolicyPeer
	for _, rule := range s1.Network.Spec.Egress {
		egressPeers = append(egressPeers, rule.To...)
	}
	assert.False(t, reaches(egressPeers, "sandboxes", "sandboxes", s2.Pod.Labels), "s1 egress must not select s2")

	var ingressPeers []networkingv1.NetworkPolicyPeer
	for _, rule := range s2.Network.Spec.Ingress {
		ingressPeers = append(ingressPeers, rule.From...)
	}
	assert.False(t, reaches(ingressPeers, "sandboxes", "sandboxes", s1.Pod.Labels), "s2 ingress must not admit s1")
	assert.True(t, reaches(ingressPeers, "sandboxes", "control", map[string]string{"app": "orchestrator"}))

	sel, err := metav1.LabelSelectorAsSelector(&s1.Network.Spec.PodSelector)
	require.NoError(t, err)
	assert.True(t, sel.Matches(labels.Set(s1.Pod.Labels)))
	assert.False(t, sel.Matches(labels.Set(s2.Pod.Labels)))
}

func TestResourceLimits(t *testing.T) {
	d, err := Synthesize(testConfig, input("s1"))
	require.NoError(t, err)
	limits := d.Pod.Spec.Containers[0].Resources.Limits
	assert.Equal(t, "1500m", limits.Cpu().String())
	assert.Equal(t, "2Gi", limits.Memory().String())
	assert.Equal(t, "4Gi", limits.StorageEphemeral().String())
	assert.Equal(t, "1", d.Pod.Annotations[AnnotationMemoryBandwidth])
	assert.Equal(t, corev1.RestartPolicyNever, d.Pod.Spec.RestartPolicy)
}

func TestSynthesizeRejectsRelative(t *testing.T) {
	in := input("s1")
	in.Resources.Unit = model.UnitRelative
	_, err := Synthesize(testConfig, in)
	assert.Equal(t, model.KindConfiguration, model.KindOf(err))
}
