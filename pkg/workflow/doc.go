/*
Package workflow is the entry point for running groups of containers.

A Workflow builds recipes from a recipe.Factory, deploys them as one pod
through the driver and returns a RunningPod holding one RunningContainer per
recipe. Containers expose their ports by tag:

	pod, err := wf.Start(ctx, 3, location.Unspecified, factory, recipe.StartupConfig{})
	if err != nil {
		return err
	}
	defer wf.Stop(ctx, pod)

	addr, err := pod.Containers()[0].Address("api")

Address picks the internal address (service DNS name and container port)
when the process runs inside the cluster and the external address (cluster
host and node port) otherwise. Ports that are not exposed have no external
address.

The namespace outlives every pod and is removed only by DeleteNamespace or
DeleteNamespacesStartingWith.
*/
package workflow
