package k8s

import (
	"context"
	"fmt"

	"github.com/fslongjin/sandboxd/internal/deploy"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	"k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
)

// NetworkPolicyManager manages the baseline and per-sandbox network policies.
type NetworkPolicyManager struct {
	client *Client
}

func NewNetworkPolicyManager(client *Client) *NetworkPolicyManager {
	return &NetworkPolicyManager{client: client}
}

// EnsureDefaultPolicies applies the namespace-wide baseline. Per-sandbox
// policies only ever add allowances on top of it.
func (m *NetworkPolicyManager) EnsureDefaultPolicies(ctx context.Context) error {
	if err := m.client.EnsureNamespace(ctx); err != nil {
		return fmt.Errorf("failed to ensure namespace: %w", err)
	}

	policies := []struct {
		name string
		spec *networkingv1.NetworkPolicy
	}{
		{
			name: "default-deny-all",
			spec: m.defaultDenyAllPolicy(),
		},
		{
			name: "allow-dns",
			spec: m.allowDNSPolicy(),
		},
	}

	for _, p := range policies {
		if err := m.ensurePolicy(ctx, p.spec); err != nil {
			return fmt.Errorf("failed to ensure policy %s: %w", p.name, err)
		}
	}

	return nil
}

// ApplyNetwork creates or updates a sandbox network policy.
func (m *NetworkPolicyManager) ApplyNetwork(ctx context.Context, policy *networkingv1.NetworkPolicy) error {
	p := policy.DeepCopy()
	p.Namespace = m.client.sandboxNS
	return m.ensurePolicy(ctx, p)
}

func (m *NetworkPolicyManager) DeleteNetwork(ctx context.Context, sandboxID string) error {
	err := m.client.clientset.NetworkingV1().NetworkPolicies(m.client.sandboxNS).Delete(ctx, deploy.NetworkName(sandboxID), metav1.DeleteOptions{})
	if errors.IsNotFound(err) {
		return nil
	}
	return err
}

// ListSandboxNetworks returns the sandbox id of every per-sandbox policy.
func (m *NetworkPolicyManager) ListSandboxNetworks(ctx context.Context) ([]string, error) {
	list, err := m.client.clientset.NetworkingV1().NetworkPolicies(m.client.sandboxNS).List(ctx, metav1.ListOptions{
		LabelSelector: fmt.Sprintf("%s=%s,%s", deploy.LabelApp, deploy.AppName, deploy.LabelSandboxID),
	})
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(list.Items))
	for _, p := range list.Items {
		ids = append(ids, p.Labels[deploy.LabelSandboxID])
	}
	return ids, nil
}

// ensurePolicy creates or updates a network policy
func (m *NetworkPolicyManager) ensurePolicy(ctx context.Context, policy *networkingv1.NetworkPolicy) error {
	policies := m.client.clientset.NetworkingV1().NetworkPolicies(m.client.sandboxNS)
	existing, err := policies.Get(ctx, policy.Name, metav1.GetOptions{})
	if err != nil {
		if errors.IsNotFound(err) {
			_, err = policies.Create(ctx, policy, metav1.CreateOptions{})
			return err
		}
		return err
	}

	policy.ResourceVersion = existing.ResourceVersion
	_, err = policies.Update(ctx, policy, metav1.UpdateOptions{})
	return err
}

// defaultDenyAllPolicy denies all ingress and egress for sandbox pods
func (m *NetworkPolicyManager) defaultDenyAllPolicy() *networkingv1.NetworkPolicy {
	return &networkingv1.NetworkPolicy{
		ObjectMeta: metav1.ObjectMeta{
			Name:      "default-deny-all",
			Namespace: m.client.sandboxNS,
		},
		Spec: networkingv1.NetworkPolicySpec{
			PodSelector: metav1.LabelSelector{
				MatchLabels: map[string]string{
					deploy.LabelApp: deploy.AppName,
				},
			},
			PolicyTypes: []networkingv1.PolicyType{
				networkingv1.PolicyTypeIngress,
				networkingv1.PolicyTypeEgress,
			},
		},
	}
}

// allowDNSPolicy allows DNS queries to kube-dns
func (m *NetworkPolicyManager) allowDNSPolicy() *networkingv1.NetworkPolicy {
	return &networkingv1.NetworkPolicy{
		ObjectMeta: metav1.ObjectMeta{
			Name:      "allow-dns",
			Namespace: m.client.sandboxNS,
		},
		Spec: networkingv1.NetworkPolicySpec{
			PodSelector: metav1.LabelSelector{
				MatchLabels: map[string]string{
					deploy.LabelApp: deploy.AppName,
				},
			},
			PolicyTypes: []networkingv1.PolicyType{
				networkingv1.PolicyTypeEgress,
			},
			Egress: []networkingv1.NetworkPolicyEgressRule{
				{
					To: []networkingv1.NetworkPolicyPeer{
						{
							NamespaceSelector: &metav1.LabelSelector{
								MatchLabels: map[string]string{
									"kubernetes.io/metadata.name": "kube-system",
								},
							},
							PodSelector: &metav1.LabelSelector{
								MatchLabels: map[string]string{
									"k8s-app": "kube-dns",
								},
							},
						},
					},
					Ports: []networkingv1.NetworkPolicyPort{
						{
							Protocol: &[]corev1.Protocol{corev1.ProtocolUDP}[0],
							Port:     &intstr.IntOrString{Type: intstr.Int, IntVal: 53},
						},
						{
							Protocol: &[]corev1.Protocol{corev1.ProtocolTCP}[0],
							Port:     &intstr.IntOrString{Type: intstr.Int, IntVal: 53},
						},
					},
				},
			},
		},
	}
}
