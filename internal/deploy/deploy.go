// Package deploy synthesizes the per-sandbox network and deployment
// descriptors. Everything here is pure: equal inputs yield equal descriptors.
package deploy

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/fslongjin/sandboxd/pkg/model"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
)

const (
	LabelApp       = "app"
	LabelSandboxID = "sandbox-id"
	AppName        = "sandboxd"

	AnnotationMemoryBandwidth = "sandboxd.io/memory-bandwidth-gbps"
	AnnotationImage           = "sandboxd.io/image"

	ContainerName = "main"
	WorkspacePath = "/workspace"

	EnvSandboxID   = "SANDBOX_ID"
	EnvAccessToken = "SANDBOX_ACCESS_TOKEN"
	EnvAgentPort   = "SANDBOX_AGENT_PORT"
	EnvWorkspace   = "SANDBOX_WORKSPACE"
)

const gib = 1 << 30

// Config is the cluster-wide deployment policy shared by every sandbox.
type Config struct {
	Namespace        string
	ControlNamespace string
	// ControlLabels select the orchestrator pods, which host both the
	// sandbox gateway and the datastore gateway.
	ControlLabels map[string]string
	AgentPort     int32
	DatastorePort int32
	DatastoreURL  string
	AgentCommand  []string
	RunAsUser     int64
}

func (c Config) withDefaults() Config {
	if c.Namespace == "" {
		c.Namespace = "sandboxd"
	}
	if c.ControlNamespace == "" {
		c.ControlNamespace = "sandboxd-system"
	}
	if len(c.ControlLabels) == 0 {
		c.ControlLabels = map[string]string{LabelApp: "sandboxd-orchestrator"}
	}
	if c.AgentPort == 0 {
		c.AgentPort = 8000
	}
	if c.DatastorePort == 0 {
		c.DatastorePort = 8080
	}
	if c.RunAsUser == 0 {
		c.RunAsUser = 1000
	}
	return c
}

// Input is everything specific to one sandbox.
type Input struct {
	SandboxID string
	Image     string
	Token     string
	Resources model.ComputeResources
	Databases []model.DatabaseAccess
}

// Endpoint is a datastore endpoint placed on the sandbox network.
type Endpoint struct {
	DatabaseType model.DatabaseType `json:"database_type"`
	AccessType   model.AccessType   `json:"access_type"`
	Namespaces   []string           `json:"namespaces"`
	URL          string             `json:"url"`
}

type Descriptor struct {
	SandboxID string
	Network   *networkingv1.NetworkPolicy
	Pod       *corev1.Pod
	Endpoints []Endpoint
}

func PodName(id string) string     { return "sandbox-" + id }
func NetworkName(id string) string { return "sandbox-net-" + id }

// PodLabels are the labels carried by the sandbox pod.
func PodLabels(id string) map[string]string {
	return map[string]string{LabelApp: AppName, LabelSandboxID: id}
}

// Synthesize builds the descriptor for one sandbox.
func Synthesize(cfg Config, in Input) (*Descriptor, error) {
	if in.SandboxID == "" {
		return nil, model.NewConfigurationError("sandbox id is required")
	}
	if in.Image == "" {
		return nil, model.NewConfigurationError("sandbox image is required")
	}
	if in.Resources.Unit != model.UnitAbsolute {
		return nil, model.NewConfigurationError("deployment requires absolute resources")
	}
	cfg = cfg.withDefaults()
	grants := model.NormalizeAccess(in.Databases)

	endpoints := make([]Endpoint, 0, len(grants))
	for _, g := range grants {
		endpoints = append(endpoints, Endpoint{
			DatabaseType: g.DatabaseType,
			AccessType:   g.AccessType,
			Namespaces:   g.Namespaces,
			URL:          datastoreURL(cfg, g.DatabaseType),
		})
	}

	return &Descriptor{
		SandboxID: in.SandboxID,
		Network:   networkPolicy(cfg, in.SandboxID, len(grants) > 0),
		Pod:       pod(cfg, in, endpoints),
		Endpoints: endpoints,
	}, nil
}

func datastoreURL(cfg Config, t model.DatabaseType) string {
	base := strings.TrimSuffix(cfg.DatastoreURL, "/")
	if base == "" {
		base = fmt.Sprintf("http://sandboxd.%s.svc:%d", cfg.ControlNamespace, cfg.DatastorePort)
	}
	return base + "/datastore/" + strings.ToLower(string(t))
}

// networkPolicy confines the sandbox: ingress only from the control plane on
// the agent port; egress only to DNS and, when granted, the datastore gateway.
// No peer ever selects pods in the sandbox namespace.
func networkPolicy(cfg Config, id string, datastores bool) *networkingv1.NetworkPolicy {
	tcp := corev1.ProtocolTCP
	udp := corev1.ProtocolUDP
	controlPeer := networkingv1.NetworkPolicyPeer{
		NamespaceSelector: &metav1.LabelSelector{
			MatchLabels: map[string]string{"kubernetes.io/metadata.name": cfg.ControlNamespace},
		},
		PodSelector: &metav1.LabelSelector{MatchLabels: copyLabels(cfg.ControlLabels)},
	}

	egress := []networkingv1.NetworkPolicyEgressRule{
		{
			To: []networkingv1.NetworkPolicyPeer{
				{
					NamespaceSelector: &metav1.LabelSelector{
						MatchLabels: map[string]string{"kubernetes.io/metadata.name": "kube-system"},
					},
					PodSelector: &metav1.LabelSelector{
						MatchLabels: map[string]string{"k8s-app": "kube-dns"},
					},
				},
			},
			Ports: []networkingv1.NetworkPolicyPort{
				{Protocol: &udp, Port: port(53)},
				{Protocol: &tcp, Port: port(53)},
			},
		},
	}
	if datastores {
		egress = append(egress, networkingv1.NetworkPolicyEgressRule{
			To:    []networkingv1.NetworkPolicyPeer{controlPeer},
			Ports: []networkingv1.NetworkPolicyPort{{Protocol: &tcp, Port: port(cfg.DatastorePort)}},
		})
	}

	return &networkingv1.NetworkPolicy{
		ObjectMeta: metav1.ObjectMeta{
			Name:      NetworkName(id),
			Namespace: cfg.Namespace,
			Labels:    PodLabels(id),
		},
		Spec: networkingv1.NetworkPolicySpec{
			PodSelector: metav1.LabelSelector{
				MatchLabels: map[string]string{LabelSandboxID: id},
			},
			PolicyTypes: []networkingv1.PolicyType{
				networkingv1.PolicyTypeIngress,
				networkingv1.PolicyTypeEgress,
			},
			Ingress: []networkingv1.NetworkPolicyIngressRule{
				{
					From:  []networkingv1.NetworkPolicyPeer{controlPeer},
					Ports: []networkingv1.NetworkPolicyPort{{Protocol: &tcp, Port: port(cfg.AgentPort)}},
				},
			},
			Egress: egress,
		},
	}
}

func pod(cfg Config, in Input, endpoints []Endpoint) *corev1.Pod {
	limits := ResourceList(in.Resources)
	disk := limits[corev1.ResourceEphemeralStorage]

	env := []corev1.EnvVar{
		{Name: EnvSandboxID, Value: in.SandboxID},
		{Name: EnvAccessToken, Value: in.Token},
		{Name: EnvAgentPort, Value: strconv.Itoa(int(cfg.AgentPort))},
		{Name: EnvWorkspace, Value: WorkspacePath},
	}
	env = append(env, EndpointEnv(endpoints)...)

	runAsUser := cfg.RunAsUser
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      PodName(in.SandboxID),
			Namespace: cfg.Namespace,
			Labels:    PodLabels(in.SandboxID),
			Annotations: map[string]string{
				AnnotationMemoryBandwidth: strconv.FormatFloat(in.Resources.MemoryBandwidthGBPS, 'f', -1, 64),
				AnnotationImage:           in.Image,
			},
		},
		Spec: corev1.PodSpec{
			RestartPolicy:                corev1.RestartPolicyNever,
			AutomountServiceAccountToken: boolPtr(false),
			EnableServiceLinks:           boolPtr(false),
			Tolerations: []corev1.Toleration{
				{Key: "node.kubernetes.io/disk-pressure", Operator: corev1.TolerationOpExists},
				{Key: "node.kubernetes.io/memory-pressure", Operator: corev1.TolerationOpExists},
				{Key: "node.kubernetes.io/pid-pressure", Operator: corev1.TolerationOpExists},
			},
			SecurityContext: &corev1.PodSecurityContext{
				SeccompProfile: &corev1.SeccompProfile{Type: corev1.SeccompProfileTypeRuntimeDefault},
			},
			Containers: []corev1.Container{
				{
					Name:            ContainerName,
					Image:           in.Image,
					ImagePullPolicy: corev1.PullIfNotPresent,
					Command:         append([]string(nil), cfg.AgentCommand...),
					Env:             env,
					Ports: []corev1.ContainerPort{
						{Name: "agent", ContainerPort: cfg.AgentPort, Protocol: corev1.ProtocolTCP},
					},
					Resources: corev1.ResourceRequirements{
						Limits:   limits,
						Requests: limits.DeepCopy(),
					},
					ResizePolicy: []corev1.ContainerResizePolicy{
						{ResourceName: corev1.ResourceCPU, RestartPolicy: corev1.NotRequired},
						{ResourceName: corev1.ResourceMemory, RestartPolicy: corev1.NotRequired},
					},
					ReadinessProbe: &corev1.Probe{
						ProbeHandler: corev1.ProbeHandler{
							HTTPGet: &corev1.HTTPGetAction{Path: "/health", Port: intstr.FromInt32(cfg.AgentPort)},
						},
						PeriodSeconds:    2,
						FailureThreshold: 3,
					},
					SecurityContext: &corev1.SecurityContext{
						AllowPrivilegeEscalation: boolPtr(false),
						RunAsNonRoot:             boolPtr(true),
						RunAsUser:                &runAsUser,
						Capabilities:             &corev1.Capabilities{Drop: []corev1.Capability{"ALL"}},
					},
					VolumeMounts: []corev1.VolumeMount{
						{Name: "workspace", MountPath: WorkspacePath},
					},
				},
			},
			Volumes: []corev1.Volume{
				{
					Name: "workspace",
					VolumeSource: corev1.VolumeSource{
						EmptyDir: &corev1.EmptyDirVolumeSource{SizeLimit: &disk},
					},
				},
			},
		},
	}
}

// EndpointEnv exposes granted datastores to the sandbox, e.g.
// SANDBOX_DATASTORE_VECTOR_URL, SANDBOX_DATASTORE_VECTOR_ACCESS and
// SANDBOX_DATASTORE_VECTOR_NAMESPACES.
func EndpointEnv(endpoints []Endpoint) []corev1.EnvVar {
	var env []corev1.EnvVar
	for _, e := range endpoints {
		prefix := "SANDBOX_DATASTORE_" + string(e.DatabaseType) + "_"
		env = append(env,
			corev1.EnvVar{Name: prefix + "URL", Value: e.URL},
			corev1.EnvVar{Name: prefix + "ACCESS", Value: string(e.AccessType)},
			corev1.EnvVar{Name: prefix + "NAMESPACES", Value: strings.Join(e.Namespaces, ",")},
		)
	}
	return env
}

// ResourceList converts absolute resources to container limits. Memory
// bandwidth has no Kubernetes resource and travels as an annotation.
func ResourceList(r model.ComputeResources) corev1.ResourceList {
	return corev1.ResourceList{
		corev1.ResourceCPU:              *resource.NewMilliQuantity(int64(math.Ceil(r.CPUCores*1000)), resource.DecimalSI),
		corev1.ResourceMemory:           *resource.NewQuantity(int64(math.Ceil(r.RAMGB*gib)), resource.BinarySI),
		corev1.ResourceEphemeralStorage: *resource.NewQuantity(int64(math.Ceil(r.DiskGB*gib)), resource.BinarySI),
	}
}

func port(p int32) *intstr.IntOrString {
	v := intstr.FromInt32(p)
	return &v
}

func copyLabels(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func boolPtr(b bool) *bool {
	return &b
}
