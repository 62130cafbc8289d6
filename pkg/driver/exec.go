package driver

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/remotecommand"
)

// ExecRequest names the container and command to run.
type ExecRequest struct {
	Namespace string
	Pod       string
	Container string
	Command   []string
}

// Executor runs a command inside a container and streams its output.
type Executor interface {
	Exec(ctx context.Context, client kubernetes.Interface, req ExecRequest, stdout, stderr io.Writer) error
}

// ExecResult holds the captured output of a command.
type ExecResult struct {
	Stdout string
	Stderr string
}

// SPDYExecutor runs commands through the pod exec subresource.
type SPDYExecutor struct {
	config *rest.Config
}

// NewSPDYExecutor creates an executor using config for the stream upgrade.
func NewSPDYExecutor(config *rest.Config) *SPDYExecutor {
	return &SPDYExecutor{config: config}
}

func (e *SPDYExecutor) Exec(ctx context.Context, client kubernetes.Interface, req ExecRequest, stdout, stderr io.Writer) error {
	if e.config == nil {
		return fmt.Errorf("exec requires a rest config")
	}
	request := client.CoreV1().RESTClient().Post().
		Resource("pods").
		Namespace(req.Namespace).
		Name(req.Pod).
		SubResource("exec").
		VersionedParams(&corev1.PodExecOptions{
			Container: req.Container,
			Command:   req.Command,
			Stdout:    true,
			Stderr:    true,
		}, scheme.ParameterCodec)

	exec, err := remotecommand.NewSPDYExecutor(e.config, http.MethodPost, request.URL())
	if err != nil {
		return fmt.Errorf("create exec stream: %w", err)
	}
	return exec.StreamWithContext(ctx, remotecommand.StreamOptions{
		Stdout: stdout,
		Stderr: stderr,
	})
}

// Execute runs command with args in container of the pod of h and captures
// both output streams. Output on stderr does not make Execute fail.
func (d *Driver) Execute(ctx context.Context, h *PodHandle, container, command string, args ...string) (ExecResult, error) {
	var stdout, stderr bytes.Buffer
	req := ExecRequest{
		Namespace: h.Namespace,
		Pod:       h.PodName,
		Container: container,
		Command:   append([]string{command}, args...),
	}
	err := d.do(ctx, func(ctx context.Context, c kubernetes.Interface) error {
		return d.executor.Exec(ctx, c, req, &stdout, &stderr)
	})
	result := ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		return result, fmt.Errorf("exec %q in %s/%s: %w", strings.Join(req.Command, " "), h.PodName, container, err)
	}
	if result.Stderr != "" {
		d.logger.Debug().Str("pod", h.PodName).Str("container", container).Str("stderr", result.Stderr).Msg("command wrote to stderr")
	}
	return result, nil
}

// ExecuteCommand runs command and returns its standard output.
func (d *Driver) ExecuteCommand(ctx context.Context, h *PodHandle, container, command string, args ...string) (string, error) {
	res, err := d.Execute(ctx, h, container, command, args...)
	return res.Stdout, err
}
