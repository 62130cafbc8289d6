// Package drivertest provides a fake control plane that behaves enough like
// a real cluster for driver and workflow tests.
package drivertest

import (
	"context"
	"fmt"
	"sync"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"
)

// FirstNodePort is the first node port handed out to NodePort services.
const FirstNodePort int32 = 30000

var podsResource = corev1.SchemeGroupVersion.WithResource("pods")

// Cluster wraps a fake clientset with reactors that emulate the controllers:
// a created deployment is immediately available and owns one running pod,
// NodePort services get sequential node ports, and deleting a deployment
// deletes its pod.
type Cluster struct {
	Client *fake.Clientset

	// NodeName and PodIP are assigned to every pod.
	NodeName string
	PodIP    string

	mu       sync.Mutex
	pods     map[string]string
	seq      int
	nodePort int32
}

// NewCluster creates a Cluster seeded with objects.
func NewCluster(objects ...runtime.Object) *Cluster {
	c := &Cluster{
		Client:   fake.NewClientset(objects...),
		NodeName: "worker-1",
		PodIP:    "10.244.1.17",
		pods:     make(map[string]string),
		nodePort: FirstNodePort,
	}
	c.Client.PrependReactor("create", "deployments", c.createDeployment)
	c.Client.PrependReactor("create", "services", c.createService)
	c.Client.PrependReactor("delete", "deployments", c.deleteDeployment)
	return c
}

func (c *Cluster) createDeployment(action k8stesting.Action) (bool, runtime.Object, error) {
	dep := action.(k8stesting.CreateAction).GetObject().(*appsv1.Deployment)
	dep.Status.AvailableReplicas = 1

	c.mu.Lock()
	defer c.mu.Unlock()

	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      fmt.Sprintf("%s-5c7d9-%05d", dep.Name, c.seq),
			Namespace: dep.Namespace,
			Labels:    dep.Spec.Template.Labels,
		},
		Spec: corev1.PodSpec{
			NodeName:   c.NodeName,
			Containers: dep.Spec.Template.Spec.Containers,
		},
		Status: corev1.PodStatus{Phase: corev1.PodRunning, PodIP: c.PodIP},
	}
	for _, ctr := range pod.Spec.Containers {
		pod.Status.ContainerStatuses = append(pod.Status.ContainerStatuses, corev1.ContainerStatus{Name: ctr.Name, Ready: true})
	}
	if err := c.Client.Tracker().Add(pod); err != nil {
		return true, nil, err
	}
	c.pods[dep.Name] = pod.Name
	c.seq++
	return false, nil, nil
}

func (c *Cluster) createService(action k8stesting.Action) (bool, runtime.Object, error) {
	svc := action.(k8stesting.CreateAction).GetObject().(*corev1.Service)
	if svc.Spec.Type != corev1.ServiceTypeNodePort {
		return false, nil, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range svc.Spec.Ports {
		svc.Spec.Ports[i].NodePort = c.nodePort
		c.nodePort++
	}
	return false, nil, nil
}

func (c *Cluster) deleteDeployment(action k8stesting.Action) (bool, runtime.Object, error) {
	del := action.(k8stesting.DeleteAction)
	c.mu.Lock()
	pod, ok := c.pods[del.GetName()]
	delete(c.pods, del.GetName())
	c.mu.Unlock()
	if ok {
		_ = c.Client.Tracker().Delete(podsResource, del.GetNamespace(), pod)
	}
	return false, nil, nil
}

// PodOf returns the name of the pod owned by deployment.
func (c *Cluster) PodOf(deployment string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	name, ok := c.pods[deployment]
	return name, ok
}

// Actions returns the recorded actions matching verb and resource.
func (c *Cluster) Actions(verb, resource string) []k8stesting.Action {
	var out []k8stesting.Action
	for _, a := range c.Client.Actions() {
		if a.GetVerb() == verb && a.GetResource().Resource == resource {
			out = append(out, a)
		}
	}
	return out
}

// SetRestartCount simulates restarts of container in pod.
func (c *Cluster) SetRestartCount(namespace, pod, container string, count int32) error {
	ctx := context.Background()
	p, err := c.Client.CoreV1().Pods(namespace).Get(ctx, pod, metav1.GetOptions{})
	if err != nil {
		return err
	}
	for i := range p.Status.ContainerStatuses {
		if p.Status.ContainerStatuses[i].Name == container {
			p.Status.ContainerStatuses[i].RestartCount = count
		}
	}
	_, err = c.Client.CoreV1().Pods(namespace).UpdateStatus(ctx, p, metav1.UpdateOptions{})
	return err
}
