package sandbox

import "context"

// Select resolves which Runner backend to use, generalizing the
// teacher's container.ResolveContainer priority chain (explicit choice
// first, then a capability probe, then a safe fallback). preferBareMetal
// surfaces the SANDBOX_BACKEND=bare-metal escape hatch for environments
// without a container runtime. An empty image also selects bare metal,
// since DockerRunner has nothing to run.
func Select(ctx context.Context, image string, preferBareMetal bool) Runner {
	if preferBareMetal || image == "" {
		return &BareMetalRunner{}
	}
	docker := &DockerRunner{Image: image}
	if err := docker.Available(ctx); err == nil {
		return docker
	}
	return &BareMetalRunner{}
}
