package driver

import (
	"context"
	"fmt"
	"strings"

	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/client-go/kubernetes"
	"k8s.io/utils/ptr"

	"github.com/cuemby/burrow/pkg/recipe"
)

// ensureNamespace creates the namespace and its network policy on first use.
// The check-then-create is not transactional; two first callers may both try
// to create and one of them sees AlreadyExists, which is accepted.
func (d *Driver) ensureNamespace(ctx context.Context) error {
	ns := d.cfg.Namespace

	var existing *corev1.Namespace
	err := d.do(ctx, func(ctx context.Context, c kubernetes.Interface) error {
		got, err := c.CoreV1().Namespaces().Get(ctx, ns, metav1.GetOptions{})
		if err != nil {
			return err
		}
		existing = got
		return nil
	})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("get namespace: %w", err)
	}

	if existing != nil && existing.Status.Phase == corev1.NamespaceTerminating {
		d.logger.Info().Msg("namespace is terminating, waiting before recreating it")
		if err := d.waitNamespaceGone(ctx, ns); err != nil {
			return err
		}
		existing = nil
	}

	if existing == nil {
		err := d.do(ctx, func(ctx context.Context, c kubernetes.Interface) error {
			_, err := c.CoreV1().Namespaces().Create(ctx, &corev1.Namespace{
				ObjectMeta: metav1.ObjectMeta{
					Name:   ns,
					Labels: map[string]string{ManagedByLabel: managedByValue},
				},
			}, metav1.CreateOptions{})
			return err
		})
		if err != nil && !apierrors.IsAlreadyExists(err) {
			return fmt.Errorf("create namespace: %w", err)
		}
		d.logger.Info().Msg("namespace created")

		err = d.waiter.WaitFor(ctx, "namespace "+ns+" to exist", func(ctx context.Context) (bool, error) {
			var active bool
			err := d.do(ctx, func(ctx context.Context, c kubernetes.Interface) error {
				got, err := c.CoreV1().Namespaces().Get(ctx, ns, metav1.GetOptions{})
				if err != nil {
					return err
				}
				active = got.Status.Phase != corev1.NamespaceTerminating
				return nil
			})
			return active, ignoreNotFound(err)
		})
		if err != nil {
			return err
		}
	}

	return d.ensureNetworkPolicy(ctx)
}

func (d *Driver) ensureNetworkPolicy(ctx context.Context) error {
	return d.do(ctx, func(ctx context.Context, c kubernetes.Interface) error {
		policies := c.NetworkingV1().NetworkPolicies(d.cfg.Namespace)
		_, err := policies.Get(ctx, NetworkPolicyName, metav1.GetOptions{})
		if err == nil {
			return nil
		}
		if !apierrors.IsNotFound(err) {
			return fmt.Errorf("get network policy: %w", err)
		}
		_, err = policies.Create(ctx, d.networkPolicy(), metav1.CreateOptions{})
		if err != nil && !apierrors.IsAlreadyExists(err) {
			return fmt.Errorf("create network policy: %w", err)
		}
		d.logger.Info().Str("policy", NetworkPolicyName).Msg("network policy created")
		return nil
	})
}

// networkPolicy denies all traffic for recipe pods except: ingress from the
// namespace itself, the runner namespace and the metrics namespace; egress
// to the namespace itself, cluster DNS and the internet on 80/443.
func (d *Driver) networkPolicy() *networkingv1.NetworkPolicy {
	port := func(proto corev1.Protocol, n int32) networkingv1.NetworkPolicyPort {
		p := intstr.FromInt32(n)
		return networkingv1.NetworkPolicyPort{Protocol: ptr.To(proto), Port: &p}
	}
	sameNamespace := networkingv1.NetworkPolicyPeer{PodSelector: &metav1.LabelSelector{}}
	namespaceNamed := func(name string) networkingv1.NetworkPolicyPeer {
		return networkingv1.NetworkPolicyPeer{
			NamespaceSelector: &metav1.LabelSelector{
				MatchLabels: map[string]string{NamespaceNameLabel: name},
			},
		}
	}

	return &networkingv1.NetworkPolicy{
		ObjectMeta: metav1.ObjectMeta{
			Name:      NetworkPolicyName,
			Namespace: d.cfg.Namespace,
			Labels:    map[string]string{ManagedByLabel: managedByValue},
		},
		Spec: networkingv1.NetworkPolicySpec{
			PodSelector: metav1.LabelSelector{
				MatchExpressions: []metav1.LabelSelectorRequirement{{
					Key:      recipe.AppLabel,
					Operator: metav1.LabelSelectorOpExists,
				}},
			},
			PolicyTypes: []networkingv1.PolicyType{
				networkingv1.PolicyTypeIngress,
				networkingv1.PolicyTypeEgress,
			},
			Ingress: []networkingv1.NetworkPolicyIngressRule{
				{From: []networkingv1.NetworkPolicyPeer{sameNamespace}},
				{From: []networkingv1.NetworkPolicyPeer{namespaceNamed(d.cfg.RunnerNamespace)}},
				{From: []networkingv1.NetworkPolicyPeer{namespaceNamed(d.cfg.MetricsNamespace)}},
			},
			Egress: []networkingv1.NetworkPolicyEgressRule{
				{To: []networkingv1.NetworkPolicyPeer{sameNamespace}},
				{
					To: []networkingv1.NetworkPolicyPeer{{
						NamespaceSelector: &metav1.LabelSelector{
							MatchLabels: map[string]string{NamespaceNameLabel: "kube-system"},
						},
						PodSelector: &metav1.LabelSelector{
							MatchLabels: map[string]string{"k8s-app": "kube-dns"},
						},
					}},
					Ports: []networkingv1.NetworkPolicyPort{port(corev1.ProtocolUDP, 53), port(corev1.ProtocolTCP, 53)},
				},
				{
					To: []networkingv1.NetworkPolicyPeer{{
						IPBlock: &networkingv1.IPBlock{CIDR: "0.0.0.0/0"},
					}},
					Ports: []networkingv1.NetworkPolicyPort{port(corev1.ProtocolTCP, 80), port(corev1.ProtocolTCP, 443)},
				},
			},
		},
	}
}

// DeleteNamespace removes the driver namespace and waits until it is gone.
// Deleting an absent namespace succeeds.
func (d *Driver) DeleteNamespace(ctx context.Context) error {
	return d.deleteNamespaces(ctx, []string{d.cfg.Namespace})
}

// DeleteAllNamespacesStartingWith removes every namespace whose name starts
// with prefix and waits until they are gone.
func (d *Driver) DeleteAllNamespacesStartingWith(ctx context.Context, prefix string) error {
	var names []string
	err := d.do(ctx, func(ctx context.Context, c kubernetes.Interface) error {
		list, err := c.CoreV1().Namespaces().List(ctx, metav1.ListOptions{})
		if err != nil {
			return err
		}
		for _, ns := range list.Items {
			if strings.HasPrefix(ns.Name, prefix) {
				names = append(names, ns.Name)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("list namespaces: %w", err)
	}
	return d.deleteNamespaces(ctx, names)
}

func (d *Driver) deleteNamespaces(ctx context.Context, names []string) error {
	for _, ns := range names {
		err := d.do(ctx, func(ctx context.Context, c kubernetes.Interface) error {
			return c.CoreV1().Namespaces().Delete(ctx, ns, metav1.DeleteOptions{})
		})
		if err = ignoreNotFound(err); err != nil {
			return fmt.Errorf("delete namespace %s: %w", ns, err)
		}
		d.logger.Info().Str("target", ns).Msg("namespace deletion requested")
	}
	for _, ns := range names {
		if err := d.waitNamespaceGone(ctx, ns); err != nil {
			return err
		}
	}
	return nil
}

func (d *Driver) waitNamespaceGone(ctx context.Context, ns string) error {
	return d.waiter.WaitFor(ctx, "namespace "+ns+" to be deleted", func(ctx context.Context) (bool, error) {
		err := d.do(ctx, func(ctx context.Context, c kubernetes.Interface) error {
			_, err := c.CoreV1().Namespaces().Get(ctx, ns, metav1.GetOptions{})
			return err
		})
		if apierrors.IsNotFound(err) {
			return true, nil
		}
		return false, err
	})
}
