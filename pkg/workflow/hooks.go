package workflow

import "github.com/cuemby/burrow/pkg/recipe"

// Hooks lets an observer label recipes and follow the life of pods. Hooks
// run synchronously on the caller's goroutine.
type Hooks interface {
	// OnRecipeFinalized runs after the factory and before the recipe is
	// frozen.
	OnRecipeFinalized(b *recipe.Builder)
	// OnContainersStarted runs once the pod is online.
	OnContainersStarted(pod *RunningPod)
	// OnContainersStopping runs before the pod's objects are deleted.
	OnContainersStopping(pod *RunningPod)
}

// NopHooks ignores every notification.
type NopHooks struct{}

func (NopHooks) OnRecipeFinalized(*recipe.Builder) {}

func (NopHooks) OnContainersStarted(*RunningPod) {}

func (NopHooks) OnContainersStopping(*RunningPod) {}
