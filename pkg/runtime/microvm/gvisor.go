package microvm

import (
	"context"
	"os/exec"
	goruntime "runtime"

	"github.com/Mindburn-Labs/ccos/pkg/runtime"
)

// GVisorProvider runs programs through `runsc do`, which places the child in
// a gVisor sandbox. Linux only.
type GVisorProvider struct {
	*ProcessProvider
	runsc string
}

// NewGVisorProvider creates an uninitialized gVisor provider.
func NewGVisorProvider() *GVisorProvider {
	pp := NewProcessProvider()
	pp.logger = pp.logger.With("provider", "gvisor")
	return &GVisorProvider{ProcessProvider: pp, runsc: "runsc"}
}

func (p *GVisorProvider) Name() string { return "gvisor" }

func (p *GVisorProvider) IsAvailable() bool {
	if goruntime.GOOS != "linux" {
		return false
	}
	_, err := exec.LookPath(p.runsc)
	return err == nil
}

func (p *GVisorProvider) Initialize(ctx context.Context) error {
	if !p.IsAvailable() {
		return runtime.NewError(runtime.KindProvider, "", "gvisor provider unavailable: %s not found", p.runsc)
	}
	return p.ProcessProvider.Initialize(ctx)
}

func (p *GVisorProvider) ExecuteProgram(ctx context.Context, ectx *ExecutionContext) (*ExecutionResult, error) {
	if ectx.Program == nil {
		return p.ProcessProvider.ExecuteProgram(ctx, ectx)
	}
	name, args, err := commandFor(ectx.Program)
	if err != nil {
		return nil, runtime.NewError(runtime.KindProvider, ectx.CapabilityID, "%v", err)
	}
	network := "--network=none"
	if ectx.Config.Network.Kind != runtime.NetworkDenied {
		network = "--network=host"
	}
	wrapped := &ExecutionContext{
		ExecutionID:           ectx.ExecutionID,
		CapabilityID:          ectx.CapabilityID,
		CapabilityPermissions: ectx.CapabilityPermissions,
		Args:                  ectx.Args,
		Config:                ectx.Config,
		RuntimeContext:        ectx.RuntimeContext,
		Program: &Program{
			Kind: ProgramExternal,
			Path: p.runsc,
			Args: append([]string{"--rootless", network, "do", name}, args...),
		},
	}
	return p.ProcessProvider.ExecuteProgram(ctx, wrapped)
}

func (p *GVisorProvider) ExecuteCapability(ctx context.Context, ectx *ExecutionContext) (*ExecutionResult, error) {
	return p.ExecuteProgram(ctx, ectx)
}
