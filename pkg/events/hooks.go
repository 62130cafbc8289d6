package events

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cuemby/burrow/pkg/crashwatch"
	"github.com/cuemby/burrow/pkg/driver"
	"github.com/cuemby/burrow/pkg/recipe"
	"github.com/cuemby/burrow/pkg/workflow"
)

// Hooks publishes workflow notifications to a broker.
type Hooks struct {
	broker *Broker
	// Labels are added to every recipe as pod labels.
	Labels map[string]string
}

var _ workflow.Hooks = (*Hooks)(nil)

// NewHooks creates hooks publishing to b.
func NewHooks(b *Broker) *Hooks {
	return &Hooks{broker: b}
}

func (h *Hooks) OnRecipeFinalized(b *recipe.Builder) {
	for k, v := range h.Labels {
		b.SetPodLabel(k, v)
	}
	h.broker.Publish(&Event{
		Type:    EventRecipeFinalized,
		Message: fmt.Sprintf("recipe %d of %s finalized", b.Number(), b.AppName()),
		Metadata: map[string]string{
			"app":    b.AppName(),
			"number": strconv.Itoa(b.Number()),
		},
	})
}

func (h *Hooks) OnContainersStarted(pod *workflow.RunningPod) {
	h.broker.Publish(podEvent(EventContainersStarted, pod, "started"))
}

func (h *Hooks) OnContainersStopping(pod *workflow.RunningPod) {
	h.broker.Publish(podEvent(EventContainersStopping, pod, "stopping"))
}

// CrashLog returns a crash log handler for workflow.Options. It publishes
// EventCrashDetected when the crash marker arrives and passes every line on
// to next, which may be nil.
func (h *Hooks) CrashLog(next func(c *workflow.RunningContainer) driver.LineHandler) func(c *workflow.RunningContainer) driver.LineHandler {
	return func(c *workflow.RunningContainer) driver.LineHandler {
		var forward driver.LineHandler
		if next != nil {
			forward = next(c)
		}
		return func(line string) {
			if line == crashwatch.CrashMarker {
				h.broker.Publish(&Event{
					Type:    EventCrashDetected,
					Message: fmt.Sprintf("container %s in pod %s crashed", c.Name(), c.Pod().Name()),
					Metadata: map[string]string{
						"pod":        c.Pod().Name(),
						"deployment": c.Pod().DeploymentName(),
						"container":  c.Name(),
					},
				})
			}
			if forward != nil {
				forward(line)
			}
		}
	}
}

func podEvent(typ EventType, pod *workflow.RunningPod, verb string) *Event {
	names := make([]string, 0, len(pod.Containers()))
	for _, c := range pod.Containers() {
		names = append(names, c.Name())
	}
	return &Event{
		Type:    typ,
		Message: fmt.Sprintf("pod %s %s with %d container(s)", pod.Name(), verb, len(names)),
		Metadata: map[string]string{
			"pod":        pod.Name(),
			"deployment": pod.DeploymentName(),
			"node":       pod.NodeName(),
			"containers": strings.Join(names, ","),
		},
	}
}
