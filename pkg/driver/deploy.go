package driver

import (
	"context"
	"fmt"
	"maps"

	"github.com/google/uuid"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/client-go/kubernetes"
	"k8s.io/utils/ptr"

	"github.com/cuemby/burrow/pkg/errdefs"
	"github.com/cuemby/burrow/pkg/location"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/naming"
	"github.com/cuemby/burrow/pkg/recipe"
)

// portRef ties a pod/service port name back to the recipe and tag it came from.
type portRef struct {
	recipe *recipe.Recipe
	port   recipe.Port
}

// BringOnline deploys recipes as sibling containers of one pod at loc and
// returns once the pod runs and its node ports are known. On error the
// objects created so far are left in place; DeleteNamespace removes them.
func (d *Driver) BringOnline(ctx context.Context, recipes []*recipe.Recipe, loc location.Location) (*PodHandle, error) {
	if len(recipes) == 0 {
		return nil, errdefs.Constraint("bring online", "no recipes")
	}
	if err := checkPortsUnique(recipes); err != nil {
		return nil, err
	}
	timer := metrics.NewTimer()

	if err := d.ensureNamespace(ctx); err != nil {
		return nil, err
	}

	h := &PodHandle{
		Namespace:      d.cfg.Namespace,
		DeploymentName: d.nextDeploymentName(recipes),
		PodLabel:       uuid.NewString(),
		Location:       loc,
		Recipes:        recipes,
		NodePorts:      make(map[string]map[string]int32),
	}
	logger := d.logger.With().Str("deployment", h.DeploymentName).Str("location", loc.String()).Logger()

	refs, exposed := namePorts(recipes)

	volumes, err := d.createVolumes(ctx, h)
	if err != nil {
		return nil, err
	}

	if err := d.createDeployment(ctx, h, refs, volumes); err != nil {
		return nil, err
	}
	logger.Info().Int("containers", len(recipes)).Msg("deployment created")

	if len(refs) > 0 {
		h.InternalService = h.DeploymentName + "-int"
		if err := d.createService(ctx, h, h.InternalService, corev1.ServiceTypeClusterIP, refs); err != nil {
			return nil, err
		}
	}
	if len(exposed) > 0 {
		h.ExternalService = h.DeploymentName + "-ext"
		if err := d.createService(ctx, h, h.ExternalService, corev1.ServiceTypeNodePort, exposed); err != nil {
			return nil, err
		}
	}

	if err := d.waitDeploymentAvailable(ctx, h.DeploymentName); err != nil {
		return nil, err
	}
	if err := d.resolvePod(ctx, h); err != nil {
		return nil, err
	}
	if h.ExternalService != "" {
		if err := d.readNodePorts(ctx, h, exposed); err != nil {
			return nil, err
		}
	}

	timer.ObserveDurationVec(metrics.BringOnlineDuration, recipes[0].PodLabels()[recipe.AppLabel])
	logger.Info().
		Str("pod", h.PodName).
		Str("pod_ip", h.PodIP).
		Str("node", h.NodeName).
		Dur("took", timer.Duration()).
		Msg("pod online")
	return h, nil
}

// checkPortsUnique rejects two containers of one pod listening on the same
// port. They share a network namespace, and a service cannot carry the same
// port twice.
func checkPortsUnique(recipes []*recipe.Recipe) error {
	type key struct {
		number   int32
		protocol recipe.Protocol
	}
	owners := make(map[key]string)
	for _, r := range recipes {
		for _, p := range r.AllPorts() {
			k := key{p.Number, p.Protocol}
			if owner, ok := owners[k]; ok {
				return errdefs.Constraint("pod", "port %d/%s of %s already used by %s", p.Number, p.Protocol, r.Name(), owner)
			}
			owners[k] = r.Name()
		}
	}
	return nil
}

// namePorts assigns pod-unique port names. Port names are limited to 15
// characters, so they are numbered rather than derived from tags.
func namePorts(recipes []*recipe.Recipe) (all map[string]portRef, exposed map[string]portRef) {
	all = make(map[string]portRef)
	exposed = make(map[string]portRef)
	i := 0
	for _, r := range recipes {
		for _, p := range r.ExposedPorts() {
			name := fmt.Sprintf("p%d", i)
			all[name] = portRef{recipe: r, port: p}
			exposed[name] = all[name]
			i++
		}
		for _, p := range r.InternalPorts() {
			all[fmt.Sprintf("p%d", i)] = portRef{recipe: r, port: p}
			i++
		}
	}
	return all, exposed
}

func (d *Driver) podLabels(h *PodHandle) map[string]string {
	labels := make(map[string]string)
	for _, r := range h.Recipes {
		maps.Copy(labels, r.PodLabels())
	}
	labels[ManagedByLabel] = managedByValue
	labels[PodUIDLabel] = h.PodLabel
	return labels
}

func (d *Driver) createVolumes(ctx context.Context, h *PodHandle) (map[*recipe.Recipe][]corev1.Volume, error) {
	out := make(map[*recipe.Recipe][]corev1.Volume)
	for _, r := range h.Recipes {
		for _, v := range r.Volumes() {
			claim := naming.Truncate(naming.FormatClusterName(fmt.Sprintf("%s-%s-%s", h.DeploymentName, r.Name(), v.Name)), naming.MaxNameLength)
			pvc := &corev1.PersistentVolumeClaim{
				ObjectMeta: metav1.ObjectMeta{
					Name:      claim,
					Namespace: h.Namespace,
					Labels:    map[string]string{ManagedByLabel: managedByValue, PodUIDLabel: h.PodLabel},
				},
				Spec: corev1.PersistentVolumeClaimSpec{
					AccessModes: []corev1.PersistentVolumeAccessMode{corev1.ReadWriteOnce},
					Resources: corev1.VolumeResourceRequirements{
						Requests: corev1.ResourceList{
							corev1.ResourceStorage: *resource.NewQuantity(v.SizeBytes, resource.BinarySI),
						},
					},
				},
			}
			err := d.do(ctx, func(ctx context.Context, c kubernetes.Interface) error {
				_, err := c.CoreV1().PersistentVolumeClaims(h.Namespace).Create(ctx, pvc, metav1.CreateOptions{})
				return err
			})
			if err != nil {
				return nil, fmt.Errorf("create volume claim %s: %w", claim, err)
			}
			h.PVCs = append(h.PVCs, claim)
			out[r] = append(out[r], corev1.Volume{
				Name: volumeName(r, v),
				VolumeSource: corev1.VolumeSource{
					PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{ClaimName: claim},
				},
			})
		}
	}
	return out, nil
}

// volumeName names a volume within the pod. Sibling recipes may declare
// volumes with the same name, so the container name is part of it.
func volumeName(r *recipe.Recipe, v recipe.VolumeMount) string {
	return naming.Truncate(naming.FormatClusterName(r.Name()+"-"+v.Name), naming.MaxNameLength)
}

func (d *Driver) createDeployment(ctx context.Context, h *PodHandle, refs map[string]portRef, volumes map[*recipe.Recipe][]corev1.Volume) error {
	labels := d.podLabels(h)
	annotations := make(map[string]string)
	for _, r := range h.Recipes {
		maps.Copy(annotations, r.PodAnnotations())
	}

	spec := corev1.PodSpec{
		NodeSelector: h.Location.NodeSelector(),
	}
	for _, r := range h.Recipes {
		spec.Containers = append(spec.Containers, buildContainer(r, refs, volumes[r]))
		spec.Volumes = append(spec.Volumes, volumes[r]...)
	}

	deployment := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:      h.DeploymentName,
			Namespace: h.Namespace,
			Labels:    map[string]string{ManagedByLabel: managedByValue, PodUIDLabel: h.PodLabel},
		},
		Spec: appsv1.DeploymentSpec{
			Replicas:             ptr.To[int32](1),
			RevisionHistoryLimit: ptr.To[int32](0),
			Strategy:             appsv1.DeploymentStrategy{Type: appsv1.RecreateDeploymentStrategyType},
			Selector: &metav1.LabelSelector{
				MatchLabels: map[string]string{PodUIDLabel: h.PodLabel},
			},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels:      labels,
					Annotations: annotations,
				},
				Spec: spec,
			},
		},
	}

	return d.do(ctx, func(ctx context.Context, c kubernetes.Interface) error {
		if _, err := c.AppsV1().Deployments(h.Namespace).Create(ctx, deployment, metav1.CreateOptions{}); err != nil {
			return fmt.Errorf("create deployment: %w", err)
		}
		return nil
	})
}

func buildContainer(r *recipe.Recipe, refs map[string]portRef, volumes []corev1.Volume) corev1.Container {
	container := corev1.Container{
		Name:            r.Name(),
		Image:           r.Image(),
		ImagePullPolicy: corev1.PullIfNotPresent,
		Resources:       buildResources(r.Resources()),
	}
	for _, name := range sortedNames(refs) {
		ref := refs[name]
		if ref.recipe != r {
			continue
		}
		container.Ports = append(container.Ports, corev1.ContainerPort{
			Name:          name,
			ContainerPort: ref.port.Number,
			Protocol:      corev1.Protocol(ref.port.Protocol),
		})
	}
	for _, e := range r.Env() {
		container.Env = append(container.Env, corev1.EnvVar{Name: e.Key, Value: e.Value})
	}
	mounts := r.Volumes()
	for i, v := range volumes {
		container.VolumeMounts = append(container.VolumeMounts, corev1.VolumeMount{
			Name:      v.Name,
			MountPath: mounts[i].MountPath,
		})
	}
	return container
}

func buildResources(res recipe.Resources) corev1.ResourceRequirements {
	out := corev1.ResourceRequirements{}
	set := func(list *corev1.ResourceList, name corev1.ResourceName, q *resource.Quantity) {
		if *list == nil {
			*list = corev1.ResourceList{}
		}
		(*list)[name] = *q
	}
	if res.CPURequestMillis > 0 {
		set(&out.Requests, corev1.ResourceCPU, resource.NewMilliQuantity(res.CPURequestMillis, resource.DecimalSI))
	}
	if res.MemoryRequestBytes > 0 {
		set(&out.Requests, corev1.ResourceMemory, resource.NewQuantity(res.MemoryRequestBytes, resource.BinarySI))
	}
	if res.CPULimitMillis > 0 {
		set(&out.Limits, corev1.ResourceCPU, resource.NewMilliQuantity(res.CPULimitMillis, resource.DecimalSI))
	}
	if res.MemoryLimitBytes > 0 {
		set(&out.Limits, corev1.ResourceMemory, resource.NewQuantity(res.MemoryLimitBytes, resource.BinarySI))
	}
	return out
}

func (d *Driver) createService(ctx context.Context, h *PodHandle, name string, typ corev1.ServiceType, refs map[string]portRef) error {
	svc := &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: h.Namespace,
			Labels:    map[string]string{ManagedByLabel: managedByValue, PodUIDLabel: h.PodLabel},
		},
		Spec: corev1.ServiceSpec{
			Type:     typ,
			Selector: map[string]string{PodUIDLabel: h.PodLabel},
		},
	}
	for _, portName := range sortedNames(refs) {
		ref := refs[portName]
		svc.Spec.Ports = append(svc.Spec.Ports, corev1.ServicePort{
			Name:       portName,
			Protocol:   corev1.Protocol(ref.port.Protocol),
			Port:       ref.port.Number,
			TargetPort: intstr.FromInt32(ref.port.Number),
		})
	}

	return d.do(ctx, func(ctx context.Context, c kubernetes.Interface) error {
		if _, err := c.CoreV1().Services(h.Namespace).Create(ctx, svc, metav1.CreateOptions{}); err != nil {
			return fmt.Errorf("create service %s: %w", name, err)
		}
		return nil
	})
}

func (d *Driver) waitDeploymentAvailable(ctx context.Context, name string) error {
	return d.waiter.WaitFor(ctx, "deployment "+name+" to be available", func(ctx context.Context) (bool, error) {
		var available int32
		err := d.do(ctx, func(ctx context.Context, c kubernetes.Interface) error {
			dep, err := c.AppsV1().Deployments(d.cfg.Namespace).Get(ctx, name, metav1.GetOptions{})
			if err != nil {
				return err
			}
			available = dep.Status.AvailableReplicas
			return nil
		})
		return available >= 1, err
	})
}

// resolvePod finds the pod by its unique label. Pods left over from a
// previous replica set that are being deleted are skipped.
func (d *Driver) resolvePod(ctx context.Context, h *PodHandle) error {
	selector := fmt.Sprintf("%s=%s", PodUIDLabel, h.PodLabel)
	return d.waiter.WaitFor(ctx, "pod of "+h.DeploymentName+" to be scheduled", func(ctx context.Context) (bool, error) {
		var found *corev1.Pod
		err := d.do(ctx, func(ctx context.Context, c kubernetes.Interface) error {
			pods, err := c.CoreV1().Pods(h.Namespace).List(ctx, metav1.ListOptions{LabelSelector: selector})
			if err != nil {
				return err
			}
			for i := range pods.Items {
				pod := &pods.Items[i]
				if pod.DeletionTimestamp != nil || pod.Status.PodIP == "" {
					continue
				}
				found = pod.DeepCopy()
				return nil
			}
			return nil
		})
		if err != nil || found == nil {
			return false, err
		}
		h.PodName = found.Name
		h.PodIP = found.Status.PodIP
		h.NodeName = found.Spec.NodeName
		return true, nil
	})
}

func (d *Driver) readNodePorts(ctx context.Context, h *PodHandle, exposed map[string]portRef) error {
	return d.waiter.WaitFor(ctx, "node ports of "+h.ExternalService, func(ctx context.Context) (bool, error) {
		var svc *corev1.Service
		err := d.do(ctx, func(ctx context.Context, c kubernetes.Interface) error {
			got, err := c.CoreV1().Services(h.Namespace).Get(ctx, h.ExternalService, metav1.GetOptions{})
			if err != nil {
				return err
			}
			svc = got
			return nil
		})
		if err != nil {
			return false, err
		}

		nodePorts := make(map[string]map[string]int32)
		for _, sp := range svc.Spec.Ports {
			ref, ok := exposed[sp.Name]
			if !ok {
				continue
			}
			if sp.NodePort == 0 {
				return false, nil
			}
			byTag, ok := nodePorts[ref.recipe.Name()]
			if !ok {
				byTag = make(map[string]int32)
				nodePorts[ref.recipe.Name()] = byTag
			}
			byTag[ref.port.Tag] = sp.NodePort
		}
		h.NodePorts = nodePorts
		return true, nil
	})
}
