/*
Package recipe defines the declarative description of a container to deploy.

A Recipe is built once per container instance by CreateRecipe, which runs an
application Factory against a Builder and then freezes the result:

	ports := naming.NewNumberSource(recipe.DefaultFirstPort)
	cf := recipe.NewComponentFactory(ports)

	r, err := recipe.CreateRecipe(&recipe.ImageFactory{
		Name:       "storage node",
		Image:      "example/storage:latest",
		ExposedTag: "api",
		InternalTags: []string{"listen", "disc"},
	}, 0, containers.Next(), cf, recipe.StartupConfig{LogLevel: "debug"})

Every recipe carries at most one exposed port. Requesting a second one fails
with an errdefs.ConstraintError, as do duplicate port tags, duplicate
environment keys and a missing image.

Arbitrary typed values can be attached with SetAdditional and read back with
AdditionalOf; values are keyed by their Go type, so new attachment types need
no change here.
*/
package recipe
