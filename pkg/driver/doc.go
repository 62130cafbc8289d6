/*
Package driver places recipes on the cluster.

Each BringOnline call turns a group of recipes into one single-replica
deployment whose pod runs every recipe as a sibling container. The pod is
tagged with a fresh random label; the deployment selector, both services and
the pod lookup use it, so pods of different calls never mix.

Objects per call:

	<deployment>        Deployment, 1 replica, Recreate strategy
	<deployment>-int    ClusterIP service over every port
	<deployment>-ext    NodePort service over exposed ports only
	<deployment>-<c>-<v> PersistentVolumeClaim per declared volume

The namespace and its isolation policy are created on first use. The policy
admits traffic from the namespace itself, the runner namespace and the
metrics namespace, and lets pods reach cluster DNS and the internet on ports
80 and 443.

Every API request goes through cluster.Connection.Do, and every convergence
wait uses the driver's waiter with the configured timeout and interval.
*/
package driver
