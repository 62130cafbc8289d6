package workflow

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes"
	k8stesting "k8s.io/client-go/testing"

	"github.com/cuemby/burrow/pkg/cluster"
	"github.com/cuemby/burrow/pkg/crashwatch"
	"github.com/cuemby/burrow/pkg/driver"
	"github.com/cuemby/burrow/pkg/driver/drivertest"
	"github.com/cuemby/burrow/pkg/errdefs"
	"github.com/cuemby/burrow/pkg/location"
	"github.com/cuemby/burrow/pkg/recipe"
)

const externalHost = "192.168.49.2"

type echoExecutor struct{}

func (echoExecutor) Exec(_ context.Context, _ kubernetes.Interface, req driver.ExecRequest, stdout, stderr io.Writer) error {
	for i, arg := range req.Command[1:] {
		if i > 0 {
			_, _ = io.WriteString(stdout, " ")
		}
		_, _ = io.WriteString(stdout, arg)
	}
	_, _ = io.WriteString(stderr, "ignored")
	return nil
}

type recordingHooks struct {
	finalized int
	started   []*RunningPod
	stopping  []*RunningPod
}

func (h *recordingHooks) OnRecipeFinalized(b *recipe.Builder) {
	h.finalized++
	b.SetPodLabel("team", "storage")
}

func (h *recordingHooks) OnContainersStarted(pod *RunningPod) { h.started = append(h.started, pod) }

func (h *recordingHooks) OnContainersStopping(pod *RunningPod) { h.stopping = append(h.stopping, pod) }

func storageFactory() *recipe.ImageFactory {
	return &recipe.ImageFactory{
		Name:         "storage",
		Image:        "example/storage:1",
		ExposedTag:   "api",
		InternalTags: []string{"listen"},
	}
}

func newTestWorkflow(t *testing.T, fc *drivertest.Cluster, inside bool, opts Options) *Workflow {
	t.Helper()
	conn := cluster.NewConnection(fc.Client, nil, externalHost, inside)
	d, err := driver.New(conn, driver.Config{
		Namespace:        "wf-test",
		OperationTimeout: 2 * time.Second,
		PollInterval:     5 * time.Millisecond,
	}, driver.WithExecutor(echoExecutor{}))
	require.NoError(t, err)
	return New(d, opts)
}

func TestGroupLifecycle(t *testing.T) {
	fc := drivertest.NewCluster()
	hooks := &recordingHooks{}
	wf := newTestWorkflow(t, fc, false, Options{Hooks: hooks})
	ctx := context.Background()

	pod, err := wf.Start(ctx, 3, location.Unspecified, storageFactory(), recipe.StartupConfig{})
	require.NoError(t, err)

	containers := pod.Containers()
	require.Len(t, containers, 3)
	for i, c := range containers {
		assert.Equal(t, []string{"ctnr1", "ctnr2", "ctnr3"}[i], c.Name())
		addr, err := c.Address("api")
		require.NoError(t, err)
		assert.Equal(t, externalHost, addr.Host)
		assert.NotZero(t, addr.Port)
	}
	assert.Equal(t, 3, hooks.finalized)
	assert.Equal(t, []*RunningPod{pod}, hooks.started)
	assert.Equal(t, 1, pod.Number())
	assert.Equal(t, "ctnr1-ctnr2-ctnr3-w1", pod.DeploymentName())

	dep, err := fc.Client.AppsV1().Deployments("wf-test").Get(ctx, pod.DeploymentName(), metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "storage", dep.Spec.Template.Labels["team"])

	require.NoError(t, wf.Stop(ctx, pod))
	assert.True(t, pod.Stopped())
	assert.Equal(t, []*RunningPod{pod}, hooks.stopping)

	_, err = fc.Client.CoreV1().Pods("wf-test").Get(ctx, pod.Name(), metav1.GetOptions{})
	assert.Error(t, err, "pod is gone after Stop")

	err = wf.Stop(ctx, pod)
	require.Error(t, err)
	assert.True(t, errdefs.IsConstraint(err))
}

func TestRoundTripAddressing(t *testing.T) {
	fc := drivertest.NewCluster()
	wf := newTestWorkflow(t, fc, false, Options{})
	ctx := context.Background()

	pod, err := wf.Start(ctx, 1, location.Unspecified, storageFactory(), recipe.StartupConfig{})
	require.NoError(t, err)
	c := pod.Containers()[0]

	api, ok := c.Recipe().Port("api")
	require.True(t, ok)

	svc, err := fc.Client.CoreV1().Services("wf-test").Get(ctx, pod.ExternalService(), metav1.GetOptions{})
	require.NoError(t, err)
	var readBack []int32
	for _, p := range svc.Spec.Ports {
		readBack = append(readBack, p.NodePort)
	}

	external := c.MustExternalAddress("api")
	assert.Equal(t, externalHost, external.Host)
	assert.Contains(t, readBack, external.Port)
	assert.False(t, external.InternalOnly)

	internal := c.MustInternalAddress("api")
	assert.Equal(t, pod.InternalService()+".wf-test.svc.cluster.local", internal.Host)
	assert.Equal(t, api.Number, internal.Port)
	assert.True(t, internal.InternalOnly)
	assert.Len(t, c.Addresses("api"), 2)

	listen := c.MustInternalAddress("listen")
	assert.Equal(t, internal.Host, listen.Host)
	assert.Equal(t, api.Number+1, listen.Port)
}

func TestAddressFromOutsideCluster(t *testing.T) {
	wf := newTestWorkflow(t, drivertest.NewCluster(), false, Options{})
	pod, err := wf.Start(context.Background(), 1, location.Unspecified, storageFactory(), recipe.StartupConfig{})
	require.NoError(t, err)
	c := pod.Containers()[0]

	_, err = c.Address("listen")
	assert.True(t, errdefs.IsConstraint(err), "internal-only ports are unreachable from outside")
	assert.Panics(t, func() { c.MustAddress("listen") })

	_, err = c.Address("missing")
	assert.True(t, errdefs.IsConstraint(err))
	assert.Empty(t, c.Addresses("missing"))
}

func TestAddressFromInsideCluster(t *testing.T) {
	wf := newTestWorkflow(t, drivertest.NewCluster(), true, Options{})
	pod, err := wf.Start(context.Background(), 1, location.Unspecified, storageFactory(), recipe.StartupConfig{})
	require.NoError(t, err)
	c := pod.Containers()[0]

	for _, tag := range []string{"api", "listen"} {
		addr, err := c.Address(tag)
		require.NoError(t, err)
		assert.True(t, addr.InternalOnly)
		assert.Equal(t, pod.InternalService()+".wf-test.svc.cluster.local", addr.Host)
	}
	assert.Equal(t, "ctnr1-w1-int.wf-test.svc.cluster.local:8080", c.MustAddress("api").String())
}

func TestStartRejectsNonPositiveCount(t *testing.T) {
	wf := newTestWorkflow(t, drivertest.NewCluster(), false, Options{})
	_, err := wf.Start(context.Background(), 0, location.Unspecified, storageFactory(), recipe.StartupConfig{})
	assert.True(t, errdefs.IsConstraint(err))
}

func TestStartWithNameOverride(t *testing.T) {
	wf := newTestWorkflow(t, drivertest.NewCluster(), false, Options{})
	pod, err := wf.Start(context.Background(), 2, location.Unspecified, storageFactory(), recipe.StartupConfig{NameOverride: "bootstrap"})
	require.NoError(t, err)

	var names []string
	for _, c := range pod.Containers() {
		names = append(names, c.Name())
	}
	assert.Equal(t, []string{"bootstrap", "bootstrap-1"}, names)
}

func TestSharedNumbersAvoidCollisions(t *testing.T) {
	fc := drivertest.NewCluster()
	numbers := NewNumbers()
	first := newTestWorkflow(t, fc, false, Options{Numbers: &numbers})
	second := newTestWorkflow(t, fc, false, Options{Numbers: &numbers})
	ctx := context.Background()

	a, err := first.Start(ctx, 1, location.Unspecified, storageFactory(), recipe.StartupConfig{})
	require.NoError(t, err)
	b, err := second.Start(ctx, 1, location.Unspecified, storageFactory(), recipe.StartupConfig{})
	require.NoError(t, err)

	ca, cb := a.Containers()[0], b.Containers()[0]
	assert.NotEqual(t, ca.Name(), cb.Name())
	assert.NotEqual(t, ca.MustInternalAddress("api").Port, cb.MustInternalAddress("api").Port)
	assert.NotEqual(t, a.Number(), b.Number())
}

func TestExecuteCommandAndDownloadLog(t *testing.T) {
	wf := newTestWorkflow(t, drivertest.NewCluster(), false, Options{})
	ctx := context.Background()
	pod, err := wf.Start(ctx, 1, location.Unspecified, storageFactory(), recipe.StartupConfig{})
	require.NoError(t, err)
	c := pod.Containers()[0]

	out, err := wf.ExecuteCommand(ctx, c, "echo", "hello", "world")
	require.NoError(t, err)
	assert.Equal(t, "hello world", out)

	var lines []string
	require.NoError(t, wf.DownloadLog(ctx, c, func(l string) { lines = append(lines, l) }, 10))
	assert.Equal(t, []string{"fake logs"}, lines)

	require.NoError(t, wf.Stop(ctx, pod))
	_, err = wf.ExecuteCommand(ctx, c, "echo", "late")
	assert.True(t, errdefs.IsConstraint(err))
}

func TestHasContainerCrashedWithoutWatcher(t *testing.T) {
	fc := drivertest.NewCluster()
	wf := newTestWorkflow(t, fc, false, Options{})
	ctx := context.Background()
	pod, err := wf.Start(ctx, 2, location.Unspecified, storageFactory(), recipe.StartupConfig{})
	require.NoError(t, err)

	c := pod.Containers()[1]
	assert.Nil(t, c.Watcher())
	crashed, err := c.HasContainerCrashed(ctx)
	require.NoError(t, err)
	assert.False(t, crashed)

	require.NoError(t, fc.SetRestartCount("wf-test", pod.Name(), c.Name(), 1))
	crashed, err = c.HasContainerCrashed(ctx)
	require.NoError(t, err)
	assert.True(t, crashed)

	crashed, err = pod.Containers()[0].HasContainerCrashed(ctx)
	require.NoError(t, err)
	assert.False(t, crashed)
}

func TestCrashWatchers(t *testing.T) {
	fc := drivertest.NewCluster()
	var mu sync.Mutex
	captured := make(map[string][]string)
	wf := newTestWorkflow(t, fc, false, Options{
		WatchCrashes:  true,
		CrashInterval: time.Second,
		CrashLog: func(c *RunningContainer) driver.LineHandler {
			return func(line string) {
				mu.Lock()
				defer mu.Unlock()
				captured[c.Name()] = append(captured[c.Name()], line)
			}
		},
	})
	ctx := context.Background()

	pod, err := wf.Start(ctx, 2, location.Unspecified, storageFactory(), recipe.StartupConfig{})
	require.NoError(t, err)
	crashing := pod.Containers()[1]
	require.NotNil(t, crashing.Watcher())

	require.NoError(t, fc.SetRestartCount("wf-test", pod.Name(), crashing.Name(), 1))

	crashed, err := crashing.HasContainerCrashed(ctx)
	require.NoError(t, err)
	assert.True(t, crashed)

	require.Eventually(t, func() bool {
		return crashing.Watcher().State() == crashwatch.StateCrashDetected
	}, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, wf.Stop(ctx, pod))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{crashwatch.CrashMarker, "fake logs"}, captured[crashing.Name()])
	assert.Empty(t, captured[pod.Containers()[0].Name()])
	for _, c := range pod.Containers() {
		assert.Equal(t, crashwatch.StateStopped, c.Watcher().State())
	}
}

func TestDeleteNamespaces(t *testing.T) {
	fc := drivertest.NewCluster()
	wf := newTestWorkflow(t, fc, false, Options{})
	ctx := context.Background()

	_, err := wf.Start(ctx, 1, location.Unspecified, storageFactory(), recipe.StartupConfig{})
	require.NoError(t, err)

	require.NoError(t, wf.DeleteNamespace(ctx))
	require.NoError(t, wf.DeleteNamespace(ctx))
	require.NoError(t, wf.DeleteNamespacesStartingWith(ctx, "wf-"))

	_, err = fc.Client.CoreV1().Namespaces().Get(ctx, "wf-test", metav1.GetOptions{})
	assert.Error(t, err)
}

func TestStartGroupWithVolumes(t *testing.T) {
	fc := drivertest.NewCluster()
	wf := newTestWorkflow(t, fc, false, Options{})
	ctx := context.Background()

	factory := storageFactory()
	factory.Volumes = []recipe.VolumeMount{{Name: "data", MountPath: "/data", SizeBytes: 1 << 30}}
	pod, err := wf.Start(ctx, 3, location.Unspecified, factory, recipe.StartupConfig{})
	require.NoError(t, err)

	dep, err := fc.Client.AppsV1().Deployments("wf-test").Get(ctx, pod.DeploymentName(), metav1.GetOptions{})
	require.NoError(t, err)

	names := map[string]int{}
	for _, v := range dep.Spec.Template.Spec.Volumes {
		names[v.Name]++
	}
	assert.Equal(t, map[string]int{"ctnr1-data": 1, "ctnr2-data": 1, "ctnr3-data": 1}, names)

	require.NoError(t, wf.Stop(ctx, pod))
	claims, err := fc.Client.CoreV1().PersistentVolumeClaims("wf-test").List(ctx, metav1.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, claims.Items)
}

func TestStartRejectsPinnedPortShared(t *testing.T) {
	fc := drivertest.NewCluster()
	wf := newTestWorkflow(t, fc, false, Options{})

	factory := storageFactory()
	factory.InternalTags = append(factory.InternalTags, "metrics")
	factory.PinnedPorts = map[string]int32{"metrics": 9090}

	_, err := wf.Start(context.Background(), 2, location.Unspecified, factory, recipe.StartupConfig{})
	require.Error(t, err)
	assert.True(t, errdefs.IsConstraint(err))
	assert.Empty(t, fc.Actions("create", "deployments"))

	pod, err := wf.Start(context.Background(), 1, location.Unspecified, factory, recipe.StartupConfig{})
	require.NoError(t, err)
	addr, err := pod.Containers()[0].InternalAddress("metrics")
	require.NoError(t, err)
	assert.Equal(t, int32(9090), addr.Port)
}

func TestRetriedStopReportsWatcherErrorOnce(t *testing.T) {
	fc := drivertest.NewCluster()
	wf := newTestWorkflow(t, fc, false, Options{WatchCrashes: true, CrashInterval: time.Second})
	ctx := context.Background()

	pod, err := wf.Start(ctx, 1, location.Unspecified, storageFactory(), recipe.StartupConfig{})
	require.NoError(t, err)
	c := pod.Containers()[0]
	require.NotNil(t, c.Watcher())

	fc.Client.PrependReactor("get", "pods", func(action k8stesting.Action) (bool, runtime.Object, error) {
		get := action.(k8stesting.GetAction)
		return true, nil, apierrors.NewNotFound(corev1.Resource("pods"), get.GetName())
	})
	require.Eventually(t, func() bool { return c.Watcher().Err() != nil }, 3*time.Second, 10*time.Millisecond)

	deleteFailed := false
	fc.Client.PrependReactor("delete", "services", func(k8stesting.Action) (bool, runtime.Object, error) {
		if deleteFailed {
			return false, nil, nil
		}
		deleteFailed = true
		return true, nil, errors.New("etcdserver: request timed out")
	})

	err = wf.Stop(ctx, pod)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "crash watcher of ctnr1")
	assert.Contains(t, err.Error(), "request timed out")
	assert.False(t, pod.Stopped())

	require.NoError(t, wf.Stop(ctx, pod))
	assert.True(t, pod.Stopped())
}
