package driver

import (
	"context"
	"fmt"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/cuemby/burrow/pkg/metrics"
)

// Stop removes the objects of h. Services go first so no new traffic reaches
// the pod, then the deployment; Stop returns once the pod is gone. Volume
// claims are released last.
func (d *Driver) Stop(ctx context.Context, h *PodHandle) error {
	logger := d.logger.With().Str("deployment", h.DeploymentName).Str("pod", h.PodName).Logger()
	timer := metrics.NewTimer()

	for _, svc := range []string{h.ExternalService, h.InternalService} {
		if svc == "" {
			continue
		}
		err := d.do(ctx, func(ctx context.Context, c kubernetes.Interface) error {
			return c.CoreV1().Services(h.Namespace).Delete(ctx, svc, metav1.DeleteOptions{})
		})
		if err = ignoreNotFound(err); err != nil {
			return fmt.Errorf("delete service %s: %w", svc, err)
		}
	}

	err := d.do(ctx, func(ctx context.Context, c kubernetes.Interface) error {
		return c.AppsV1().Deployments(h.Namespace).Delete(ctx, h.DeploymentName, metav1.DeleteOptions{})
	})
	if err = ignoreNotFound(err); err != nil {
		return fmt.Errorf("delete deployment: %w", err)
	}

	err = d.waiter.WaitFor(ctx, "deployment "+h.DeploymentName+" to have no available replicas", func(ctx context.Context) (bool, error) {
		var available int32
		err := d.do(ctx, func(ctx context.Context, c kubernetes.Interface) error {
			dep, err := c.AppsV1().Deployments(h.Namespace).Get(ctx, h.DeploymentName, metav1.GetOptions{})
			if err != nil {
				return err
			}
			available = dep.Status.AvailableReplicas
			return nil
		})
		if apierrors.IsNotFound(err) {
			return true, nil
		}
		return available == 0, err
	})
	if err != nil {
		return err
	}

	if h.PodName != "" {
		if err := d.waitPodGone(ctx, h.Namespace, h.PodName); err != nil {
			return err
		}
	}

	for _, claim := range h.PVCs {
		err := d.do(ctx, func(ctx context.Context, c kubernetes.Interface) error {
			return c.CoreV1().PersistentVolumeClaims(h.Namespace).Delete(ctx, claim, metav1.DeleteOptions{})
		})
		if err = ignoreNotFound(err); err != nil {
			return fmt.Errorf("delete volume claim %s: %w", claim, err)
		}
	}

	timer.ObserveDuration(metrics.StopDuration)
	logger.Info().Dur("took", timer.Duration()).Msg("pod stopped")
	return nil
}

func (d *Driver) waitPodGone(ctx context.Context, namespace, pod string) error {
	return d.waiter.WaitFor(ctx, "pod "+pod+" to be deleted", func(ctx context.Context) (bool, error) {
		err := d.do(ctx, func(ctx context.Context, c kubernetes.Interface) error {
			_, err := c.CoreV1().Pods(namespace).Get(ctx, pod, metav1.GetOptions{})
			return err
		})
		if apierrors.IsNotFound(err) {
			return true, nil
		}
		return false, err
	})
}
