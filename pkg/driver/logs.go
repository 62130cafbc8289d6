package driver

import (
	"bufio"
	"context"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
)

// LineHandler receives log lines in order.
type LineHandler func(line string)

// LogOptions selects which part of a container log to read.
type LogOptions struct {
	// TailLines limits the output to the last lines. Nil reads everything.
	TailLines *int64
	// Previous reads the log of the instance before the last restart.
	Previous bool
}

const maxLogLine = 1024 * 1024

// DownloadPodLog streams the log of container in the pod of h to handler.
func (d *Driver) DownloadPodLog(ctx context.Context, h *PodHandle, container string, handler LineHandler, opts LogOptions) error {
	return d.do(ctx, func(ctx context.Context, c kubernetes.Interface) error {
		stream, err := c.CoreV1().Pods(h.Namespace).GetLogs(h.PodName, &corev1.PodLogOptions{
			Container: container,
			TailLines: opts.TailLines,
			Previous:  opts.Previous,
		}).Stream(ctx)
		if err != nil {
			return fmt.Errorf("open log of %s/%s: %w", h.PodName, container, err)
		}
		defer stream.Close()

		scanner := bufio.NewScanner(stream)
		scanner.Buffer(make([]byte, 64*1024), maxLogLine)
		for scanner.Scan() {
			handler(scanner.Text())
		}
		if err := scanner.Err(); err != nil {
			return fmt.Errorf("read log of %s/%s: %w", h.PodName, container, err)
		}
		return nil
	})
}

// RestartCount returns how often container in the pod of h has restarted.
func (d *Driver) RestartCount(ctx context.Context, h *PodHandle, container string) (int32, error) {
	var count int32
	err := d.do(ctx, func(ctx context.Context, c kubernetes.Interface) error {
		pod, err := c.CoreV1().Pods(h.Namespace).Get(ctx, h.PodName, metav1.GetOptions{})
		if err != nil {
			return fmt.Errorf("get pod %s: %w", h.PodName, err)
		}
		for _, status := range pod.Status.ContainerStatuses {
			if status.Name == container {
				count = status.RestartCount
				return nil
			}
		}
		return nil
	})
	return count, err
}
